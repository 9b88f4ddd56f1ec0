// Copyright (c) 2025

// Package tcp implements the low-level, non-blocking TCP transport the
// core drives as its "typically TCP managed by a single-threaded event
// loop" collaborator (§1). Unlike the teacher's WebSocket-upgrading
// listener this package replaces, there is no protocol handshake here:
// raw accepted connections are handed straight to the caller, which wraps
// them as a transport.Transport (NetTransport or EpollTransport) feeding a
// conn.Connection.
package tcp

import (
	"fmt"
	"net"
	"os"
)

// ListenerConfig configures StartTCPListener.
type ListenerConfig struct {
	// Addr is the TCP address to bind, e.g. ":9443".
	Addr string
	// WorkerCPUs optionally pins the accept goroutine to a CPU (Linux
	// only; a no-op elsewhere), useful when the accepted connections will
	// be driven from a single pinned event-loop goroutine per §5.
	WorkerCPUs []int
	// ConnHandler receives each accepted connection. It is called on its
	// own goroutine per connection; the handler is responsible for
	// wrapping conn in a transport.Transport and attaching a
	// conn.Connection.
	ConnHandler func(net.Conn)
}

// StartTCPListener opens the listening socket, applies affinity if
// requested, and runs the accept loop. It blocks until the listener errors
// or the process exits; callers typically run it in its own goroutine.
func StartTCPListener(cfg *ListenerConfig) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("tcp listen failed: %w", err)
	}
	defer ln.Close()

	if len(cfg.WorkerCPUs) > 0 {
		setCPUAffinity(cfg.WorkerCPUs[0])
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			fmt.Fprintf(os.Stderr, "tcp accept error: %v\n", err)
			continue
		}
		go cfg.ConnHandler(conn)
	}
}
