// Package tlsengine is the uniform façade the Connection speaks to instead
// of a concrete cryptographic library (§4.2). It drives Go's crypto/tls
// state machine against an in-memory net.Conn backed directly by the
// Connection's own ring buffers (internal/memconn), exposing the
// handshake/encrypt/decrypt/shutdown operations non-blockingly even though
// crypto/tls.Conn itself is a blocking API.
//
// crypto/tls is the "chosen cryptographic engine" the top-level design
// treats as an external black box (certificate parsing, cipher suites, key
// exchange, verification primitives are explicitly out of scope); this
// package is the adapter layer around that external collaborator, not a
// reimplementation of it.
package tlsengine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"sync"

	"github.com/momentics/tlsloop/errcode"
	"github.com/momentics/tlsloop/internal/memconn"
	"github.com/momentics/tlsloop/ringbuf"
	"github.com/momentics/tlsloop/tlsctx"
)

// Step is the outcome of a one-shot engine operation (currently only
// Shutdown; the handshake itself is awaited via HandshakeResult instead of
// polled step by step).
type Step int

const (
	// Done means the operation completed successfully.
	Done Step = iota
	// Fatal means the operation failed; Engine.LastError holds the cause.
	Fatal
)

// DecryptStatus is the outcome of one Decrypt call.
type DecryptStatus int

const (
	// DecryptWantRead means no plaintext is available yet; more net-in
	// ciphertext is needed.
	DecryptWantRead DecryptStatus = iota
	// DecryptOK means bytes were copied into the caller's buffer.
	DecryptOK
	// DecryptZero means the peer sent close_notify; the stream is done.
	DecryptZero
	// DecryptFatal means a record-layer failure occurred; Engine.LastError
	// holds the cause.
	DecryptFatal
)

// Engine wraps one *tls.Conn for one Connection's lifetime.
type Engine struct {
	conn *tls.Conn
	ring *memconn.RingConn

	plaintext *ringbuf.Buffer // decrypted bytes awaiting the user's read

	mu        sync.Mutex
	hsStarted bool
	hsDone    chan error
	lastErr   error

	decStarted bool
	decStop    chan struct{}
	decNotify  chan struct{} // signaled whenever plaintext grows or ends
	decErr     error
	decClosed  bool // peer close_notify or fatal read error observed
}

func newEngine(conn *tls.Conn, ring *memconn.RingConn, blockSize int) *Engine {
	return &Engine{
		conn:      conn,
		ring:      ring,
		plaintext: ringbuf.New(blockSize, nil),
		decNotify: make(chan struct{}, 1),
	}
}

// NewClient builds an Engine driving a client-side handshake with cfg over
// ring, which must already be wired to the Connection's incoming/outgoing
// ring buffers.
func NewClient(ring *memconn.RingConn, cfg *tls.Config, blockSize int) *Engine {
	return newEngine(tls.Client(ring, cfg), ring, blockSize)
}

// NewServer builds an Engine driving a server-side handshake with cfg over
// ring.
func NewServer(ring *memconn.RingConn, cfg *tls.Config, blockSize int) *Engine {
	return newEngine(tls.Server(ring, cfg), ring, blockSize)
}

// NotifyIncoming must be called after the pump commits new ciphertext into
// the incoming ring buffer, so any blocked handshake/decrypt goroutine can
// resume.
func (e *Engine) NotifyIncoming() {
	e.ring.NotifyIncoming()
}

// EnsureHandshakeStarted spawns the background goroutine running the real,
// blocking handshake the first time it is called; later calls are no-ops.
// The handshake's outgoing bytes land in the outgoing ring buffer via
// ordinary RingConn.Write calls as soon as the goroutine produces them,
// independent of whether anyone is yet watching HandshakeResult.
func (e *Engine) EnsureHandshakeStarted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hsStarted {
		return
	}
	e.hsStarted = true
	e.hsDone = make(chan error, 1)
	conn := e.conn
	ch := e.hsDone
	go func() {
		err := conn.HandshakeContext(context.Background())
		if err != nil {
			e.mu.Lock()
			e.lastErr = err
			e.mu.Unlock()
		}
		ch <- err
	}()
}

// HandshakeResult returns the channel that receives exactly one value (nil
// on success, the handshake's failure otherwise) once the handshake
// completes. EnsureHandshakeStarted must have been called first.
func (e *Engine) HandshakeResult() <-chan error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hsDone
}

// LastError returns the error behind the most recent Fatal/DecryptFatal
// result.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// ErrorCode classifies err (as returned by LastError) into the core's
// error taxonomy.
func ErrorCode(err error) errcode.Code {
	if err == nil {
		return errcode.UNKNOWN
	}
	if errors.Is(err, tlsctx.ErrNoPeerCert) {
		return errcode.ENOPEERCERT
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return errcode.EBADPEERIDENT
	}
	var certErr x509.CertificateInvalidError
	if errors.As(err, &certErr) {
		return errcode.EBADPEERCERT
	}
	var authErr x509.UnknownAuthorityError
	if errors.As(err, &authErr) {
		return errcode.EBADPEERCERT
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return errcode.EHANDSHAKE
	}
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		return errcode.EHANDSHAKE
	case alertNoCertificate(err):
		return errcode.ENOPEERCERT
	default:
		return errcode.EHANDSHAKE
	}
}

// alertNoCertificate reports whether err represents the peer failing to
// present a certificate when one was required.
func alertNoCertificate(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsFold(msg, "no certificate") || containsFold(msg, "provide a certificate")
}

func containsFold(s, sub string) bool {
	return len(s) >= len(sub) && indexFold(s, sub) >= 0
}

func indexFold(s, sub string) int {
	n, m := len(s), len(sub)
	for i := 0; i+m <= n; i++ {
		if equalFold(s[i:i+m], sub) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Encrypt consumes plaintext and produces ciphertext into the outgoing
// ring buffer via the wrapped net.Conn's Write, which never blocks. It
// returns the number of bytes actually consumed (always len(plaintext) in
// this implementation, since the underlying write path has no bound) and
// any fatal write-side error.
func (e *Engine) Encrypt(plaintext []byte) (int, error) {
	n, err := e.conn.Write(plaintext)
	if err != nil {
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
	}
	return n, err
}

// Decrypt drains already-decrypted plaintext into dst. It starts a
// background goroutine on first use that continuously pulls plaintext from
// the tls.Conn (a call that blocks on net-in availability) into an internal
// buffer; Decrypt itself only ever performs a non-blocking buffer read.
func (e *Engine) Decrypt(dst []byte) (int, DecryptStatus) {
	e.mu.Lock()
	if !e.decStarted {
		e.decStarted = true
		e.decStop = make(chan struct{})
		go e.decryptLoop()
	}
	e.mu.Unlock()

	if n := e.plaintext.Read(dst); n > 0 {
		return n, DecryptOK
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.decClosed {
		if e.decErr != nil {
			e.lastErr = e.decErr
			return 0, DecryptFatal
		}
		return 0, DecryptZero
	}
	return 0, DecryptWantRead
}

func (e *Engine) decryptLoop() {
	scratch := make([]byte, 16*1024)
	for {
		n, err := e.conn.Read(scratch)
		if n > 0 {
			e.plaintext.Write(scratch[:n])
		}
		if err != nil {
			e.mu.Lock()
			e.decClosed = true
			if !errors.Is(err, io.EOF) {
				e.decErr = err
			}
			e.mu.Unlock()
			return
		}
	}
}

// Shutdown initiates a graceful close: it sends close_notify to net-out.
// It never blocks, since the underlying write path never blocks. It
// reports Done when CloseWrite succeeds, and Fatal, with LastError set,
// when CloseWrite returns an error.
func (e *Engine) Shutdown() Step {
	if err := e.conn.CloseWrite(); err != nil {
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
		return Fatal
	}
	return Done
}

// Close releases the engine's internal plaintext buffer. It does not close
// the net-in/net-out ring buffers, which the owning Connection manages.
func (e *Engine) Close() {
	e.plaintext.Close()
}
