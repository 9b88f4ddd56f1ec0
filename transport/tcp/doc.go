// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp
