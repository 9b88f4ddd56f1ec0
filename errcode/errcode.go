// Package errcode implements the TLS core's flat numeric error taxonomy,
// distinct from and non-overlapping with any transport's own error codes.
package errcode

import "fmt"

// Code is a TLS-domain error. Values are small negative integers so they
// can never collide with a transport's own (also negative, but disjoint)
// error namespace.
type Code int

const (
	// UNKNOWN is the catch-all TLS error.
	UNKNOWN Code = -1 - iota
	// EINVAL signals API misuse or bad configuration.
	EINVAL
	// EHANDSHAKE signals a failed TLS handshake.
	EHANDSHAKE
	// ENOPEERCERT signals that certificate verification was required but
	// the peer presented none.
	ENOPEERCERT
	// EBADPEERCERT signals that the peer's certificate chain did not
	// validate against the trusted roots.
	EBADPEERCERT
	// EBADPEERIDENT signals that the peer's certificate does not match the
	// expected hostname.
	EBADPEERIDENT
	// EREAD signals a record-layer failure while decrypting.
	EREAD
)

var names = map[Code]string{
	UNKNOWN:       "UNKNOWN",
	EINVAL:        "EINVAL",
	EHANDSHAKE:    "EHANDSHAKE",
	ENOPEERCERT:   "ENOPEERCERT",
	EBADPEERCERT:  "EBADPEERCERT",
	EBADPEERIDENT: "EBADPEERIDENT",
	EREAD:         "EREAD",
}

var messages = map[Code]string{
	UNKNOWN:       "unknown tls error",
	EINVAL:        "invalid argument",
	EHANDSHAKE:    "handshake error",
	ENOPEERCERT:   "no peer certificate",
	EBADPEERCERT:  "invalid peer certificate",
	EBADPEERIDENT: "invalid peer identity",
	EREAD:         "read error",
}

// Name returns the stable short name for code, or "UNKNOWN" if code is not
// one of this package's constants.
func Name(code Code) string {
	if n, ok := names[code]; ok {
		return n
	}
	return names[UNKNOWN]
}

// Message returns the human-readable message for code, or UNKNOWN's
// message if code is not one of this package's constants.
func Message(code Code) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return messages[UNKNOWN]
}

// AppendName writes code's name into buf's full capacity (buf[:cap(buf)]),
// truncating if it does not fit, and always nul-terminates within that
// capacity. It returns the slice of buf actually written, not counting the
// trailing nul. A zero-capacity buf writes nothing and returns buf[:0].
// This is the reentrant counterpart to Name, for callers that must not
// allocate.
func AppendName(buf []byte, code Code) []byte {
	return appendReentrant(buf, Name(code))
}

// AppendMessage is the reentrant counterpart to Message. See AppendName for
// the truncation and nul-termination contract.
func AppendMessage(buf []byte, code Code) []byte {
	return appendReentrant(buf, Message(code))
}

// appendReentrant copies s into buf[:cap(buf)], truncating to leave room for
// a trailing nul, and always writes that nul within capacity.
func appendReentrant(buf []byte, s string) []byte {
	full := buf[:cap(buf)]
	if len(full) == 0 {
		return full[:0]
	}
	n := len(s)
	if n > len(full)-1 {
		n = len(full) - 1
	}
	copy(full, s[:n])
	full[n] = 0
	return full[:n]
}

// Error implements the error interface so Code can be returned and matched
// directly with errors.As/errors.Is.
func (c Code) Error() string {
	return fmt.Sprintf("%s: %s", Name(c), Message(c))
}

// IsFatal reports whether code represents a fatal, connection-ending
// condition. All codes in this taxonomy are fatal; the method exists so
// callers don't need to special-case a hypothetical future non-fatal code.
func (c Code) IsFatal() bool { return true }
