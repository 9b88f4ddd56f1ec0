// Package memconn adapts a pair of ringbuf.Buffers into a net.Conn so the
// standard library's crypto/tls can be driven directly against the core's
// ciphertext staging buffers (§4.2's "net-in sink" / "net-out source"),
// with no intermediate copy or socket.
//
// Reads block (via a condition variable, not a busy loop) until the
// Connection's pump supplies more ciphertext or the conn is torn down;
// writes never block, matching the design's "outgoing never fails except
// under allocation exhaustion".
package memconn

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/momentics/tlsloop/ringbuf"
)

// RingConn implements net.Conn over an incoming (read-side) and outgoing
// (write-side) ringbuf.Buffer pair owned by the caller.
type RingConn struct {
	mu       sync.Mutex
	cond     *sync.Cond
	in       *ringbuf.Buffer
	out      *ringbuf.Buffer
	onWrite  func()
	closed   bool
	closeErr error
}

// New wraps the given buffers. in is read from by Read; out is appended to
// by Write. Both are owned by the caller (typically a conn.Connection) for
// their entire lifetime. onWrite, if non-nil, is called synchronously after
// every Write call commits bytes to out — the caller's hook for scheduling
// a transport flush, since nothing else signals that crypto/tls produced
// more ciphertext from inside its own blocking Handshake/Read calls.
func New(in, out *ringbuf.Buffer, onWrite func()) *RingConn {
	c := &RingConn{in: in, out: out, onWrite: onWrite}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Read blocks until in has at least one byte or the conn is closed; a
// notified wakeup that finds in still empty waits again. Bytes already in
// in are returned before the close error.
func (c *RingConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	for {
		if n := c.in.Read(p); n > 0 {
			c.mu.Unlock()
			return n, nil
		}
		if c.closed {
			err := c.closeErr
			c.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		c.cond.Wait()
	}
}

// Write appends p to out. It never blocks and never fails short of the
// allocator itself failing.
func (c *RingConn) Write(p []byte) (int, error) {
	n := c.out.Write(p)
	if c.onWrite != nil {
		c.onWrite()
	}
	return n, nil
}

// NotifyIncoming wakes any Read blocked waiting for more bytes in in. Call
// after committing new ciphertext from the transport.
func (c *RingConn) NotifyIncoming() {
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// CloseRead unblocks any pending or future Read with err (io.EOF if nil),
// modelling the transport surfacing EOF or a reset to the engine.
func (c *RingConn) CloseRead(err error) {
	c.mu.Lock()
	c.closed = true
	c.closeErr = err
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Close marks the conn closed for reads; it does not touch the underlying
// ring buffers, which the owning Connection releases itself.
func (c *RingConn) Close() error {
	c.CloseRead(io.ErrClosedPipe)
	return nil
}

func (c *RingConn) LocalAddr() net.Addr                { return memAddr{} }
func (c *RingConn) RemoteAddr() net.Addr               { return memAddr{} }
func (c *RingConn) SetDeadline(time.Time) error        { return nil }
func (c *RingConn) SetReadDeadline(time.Time) error    { return nil }
func (c *RingConn) SetWriteDeadline(time.Time) error   { return nil }

type memAddr struct{}

func (memAddr) Network() string { return "mem" }
func (memAddr) String() string  { return "mem" }
