// Package transport defines the asynchronous byte-stream interface the
// core treats as an external collaborator (§1, §5): "typically TCP managed
// by a single-threaded event loop", supplied by the caller and only
// specified here by its interface to the core.
//
// Two concrete adapters are provided so the module is independently
// testable end-to-end: NetTransport (portable, wraps any net.Conn) and,
// on linux, tcp.EpollTransport (a direct epoll-driven implementation).
package transport

// Transport is the non-blocking, asynchronous byte-stream a Connection
// drives. Implementations invoke every completion callback directly, from
// whatever goroutine they manage internally (a reader goroutine, a reactor
// loop); they make no serialization guarantee across callbacks. A caller
// that needs callbacks delivered on a single serialized dispatch goroutine
// (conn.Connection does, via its internal event loop) must wrap each
// callback itself before passing it to a Transport method.
type Transport interface {
	// ReadStart begins a standing read. For each chunk of data, alloc is
	// called to obtain the buffer to read into (typically a ring buffer's
	// TailBlock region, for a zero-copy fill), and onRead reports how many
	// bytes were placed into it, or a non-nil err (io.EOF on clean close).
	// Only one ReadStart may be active at a time; a second call before
	// ReadStop replaces the callbacks of the first.
	ReadStart(alloc func(maxLen int) []byte, onRead func(n int, err error))

	// ReadStop halts callback delivery for the standing read started by
	// ReadStart. It does not close the transport.
	ReadStop()

	// Write submits bufs for transmission, in order, as one logical write.
	// Writes submitted in order A then B complete their onComplete calls
	// in order A then B.
	Write(bufs [][]byte, onComplete func(err error))

	// Close tears down the transport and invokes onClose exactly once
	// when fully closed.
	Close(onClose func())
}
