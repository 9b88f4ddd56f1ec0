// Package conn implements the Connection state machine and I/O pump
// (§4.4): the orchestration that sequences connect/accept handshakes,
// post-handshake reads, fragmented writes, and graceful shutdown, all
// non-blockingly, over a transport.Transport and a tlsengine.Engine.
package conn

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentics/tlsloop/control"
	"github.com/momentics/tlsloop/errcode"
	"github.com/momentics/tlsloop/internal/evloop"
	"github.com/momentics/tlsloop/internal/memconn"
	"github.com/momentics/tlsloop/internal/wqueue"
	"github.com/momentics/tlsloop/ringbuf"
	"github.com/momentics/tlsloop/tlsctx"
	"github.com/momentics/tlsloop/tlsengine"
	"github.com/momentics/tlsloop/transport"
)

// State is one of the Connection lifecycle states (§4.4).
type State int

const (
	StateInit State = iota
	StateServerListening
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateServerListening:
		return "SERVER-LISTENING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Mode is the Connection's role.
type Mode int

const (
	ModeClient Mode = iota
	ModeServerListener
	ModeServerAccepted
)

const maxHostnameLen = 255

// AllocFunc supplies a caller-allocated plaintext buffer for a read
// completion, mirroring the original's alloc_cb.
type AllocFunc func(suggestedSize int) []byte

// ReadCB delivers decrypted plaintext (nread > 0), a clean EOF (nread ==
// 0 and err == io.EOF-class), or a fatal error (nread < 0, err set).
type ReadCB func(buf []byte, nread int, err error)

// WriteCB fires once per Write call when its ciphertext has been fully
// handed to the transport and confirmed sent.
type WriteCB func(err error)

// HandshakeDoneCB fires exactly once per Connection, before any
// post-handshake ReadCB.
type HandshakeDoneCB func(err error)

// ConnectionCB fires on a listener's Connection once per accepted peer.
type ConnectionCB func(err error)

// CloseCB fires exactly once when the Connection is fully closed.
type CloseCB func()

// Connection is a non-blocking TLS stream over an externally supplied
// transport.Transport. The zero value is not usable; construct with New.
type Connection struct {
	id     string
	ctx    *tlsctx.Context
	cfg    *control.Config
	log    *zap.Logger
	mode   Mode
	tr     transport.Transport
	loop   *evloop.Loop

	hostname string

	incoming *ringbuf.Buffer
	outgoing *ringbuf.Buffer
	ring     *memconn.RingConn
	engine   *tlsengine.Engine

	writes *wqueue.Queue

	mu              sync.Mutex
	state           State
	readActive      bool
	allocCB         AllocFunc
	readCB          ReadCB
	handshakeDoneCB HandshakeDoneCB
	connectionCB    ConnectionCB
	closeCB         CloseCB
	closedOnce      bool
	dispatchedPos   ringbuf.Cursor // outgoing bytes already handed to a transport write
	haveDispatched  bool
	hsFired         bool

	listenHandler func(*Connection) // not read anywhere; NotifyAccepted returns accepted Connections directly
}

// New creates a Connection bound to ctx and tr. tr must not be shared with
// another Connection. log may be nil, in which case ctx.Config's default
// logger is used.
func New(ctx *tlsctx.Context, tr transport.Transport, log *zap.Logger) *Connection {
	cfg := ctx.Config
	if cfg == nil {
		cfg = control.DefaultConfig()
	}
	if log == nil {
		log = cfg.Logger
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Connection{
		id:       uuid.NewString(),
		ctx:      ctx,
		cfg:      cfg,
		log:      log,
		tr:       tr,
		state:    StateInit,
		incoming: ringbuf.New(cfg.BlockSize, nil),
		outgoing: ringbuf.New(cfg.BlockSize, nil),
		writes:   wqueue.New(),
	}
	c.loop = evloop.New(64)
	c.ring = memconn.New(c.incoming, c.outgoing, func() { c.loop.Post(c.pumpFlushOutgoing) })
	if cfg.Debug != nil {
		cfg.Debug.RegisterProbe("tlsloop.conn."+c.id, func() any { return c.String() })
	}
	if cfg.Metrics != nil {
		cfg.Metrics.Inc("tlsloop.conns.opened", 1)
	}
	return c
}

// ID returns a stable diagnostic identifier for this Connection, surfaced
// in log fields and debug snapshots.
func (c *Connection) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsClosing reports whether the Connection has begun or finished closing.
func (c *Connection) IsClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateClosing || c.state == StateClosed
}

// SetHostname sets the SNI/identity hostname used for the client handshake
// and peer-identity verification. Must be called before Connect. Returns
// EINVAL if name exceeds 255 bytes.
func (c *Connection) SetHostname(name string) error {
	if len(name) > maxHostnameLen {
		return errcode.EINVAL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInit {
		return errcode.EINVAL
	}
	c.hostname = name
	return nil
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect begins a client handshake over tr. cb fires exactly once with
// the handshake outcome.
func (c *Connection) Connect(cb HandshakeDoneCB) error {
	c.mu.Lock()
	if c.state != StateInit {
		c.mu.Unlock()
		return errcode.EINVAL
	}
	c.mode = ModeClient
	c.state = StateHandshaking
	c.handshakeDoneCB = cb
	hostname := c.hostname
	c.mu.Unlock()

	cfg := c.ctx.ClientConfig(hostname)
	c.engine = tlsengine.NewClient(c.ring, cfg, c.cfg.BlockSize)
	c.startReadPump()
	c.engine.EnsureHandshakeStarted()
	go c.watchHandshake()
	return nil
}

// Accept configures this Connection as a freshly accepted peer and begins
// a server handshake over tr. Used by a listener's ConnectionCB.
func (c *Connection) Accept(cb HandshakeDoneCB) error {
	c.mu.Lock()
	if c.state != StateInit {
		c.mu.Unlock()
		return errcode.EINVAL
	}
	c.mode = ModeServerAccepted
	c.state = StateHandshaking
	c.handshakeDoneCB = cb
	hostname := c.hostname
	c.mu.Unlock()

	cfg := c.ctx.ServerConfig(hostname)
	c.engine = tlsengine.NewServer(c.ring, cfg, c.cfg.BlockSize)
	c.startReadPump()
	c.engine.EnsureHandshakeStarted()
	go c.watchHandshake()
	return nil
}

// Listen puts this Connection into the SERVER-LISTENING state; each
// accepted peer is reported through cb. backlog is accepted for API parity
// and is not used; nothing is passed on to the transport.
func (c *Connection) Listen(backlog int, cb ConnectionCB) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInit {
		return errcode.EINVAL
	}
	c.mode = ModeServerListener
	c.state = StateServerListening
	c.connectionCB = cb
	return nil
}

// NotifyAccepted builds a fresh server-mode Connection sharing this
// listener's Context and logger, wired to a newly accepted tr, and
// schedules this listener's ConnectionCB on its loop. It is the
// accept-side counterpart of Listen: whatever drives the concrete
// transport (e.g. a tcp.Reactor or net.Listener.Accept loop) calls this
// once per accepted peer and then calls Accept on the returned
// Connection to begin its server handshake.
//
// This composes Listen/accept into a single call returning the new
// Connection directly, rather than requiring the caller to pull it out of
// a separate accept queue inside ConnectionCB: Go has no trouble handing
// back a value synchronously, so there is no reason to thread it through
// the callback the way a C accept_cb would have to.
func (c *Connection) NotifyAccepted(tr transport.Transport) *Connection {
	c.mu.Lock()
	cb := c.connectionCB
	c.mu.Unlock()

	child := New(c.ctx, tr, c.log)
	if cb != nil {
		c.loop.Post(func() { cb(nil) })
	}
	return child
}

// ReadStart begins delivering decrypted plaintext to cb via alloc-supplied
// buffers, once the Connection reaches OPEN. Only one ReadStart may be
// active at a time.
func (c *Connection) ReadStart(alloc AllocFunc, cb ReadCB) error {
	if alloc == nil || cb == nil {
		return errcode.EINVAL
	}
	c.mu.Lock()
	c.allocCB = alloc
	c.readCB = cb
	c.readActive = true
	state := c.state
	c.mu.Unlock()
	if state == StateOpen {
		c.loop.Post(c.pumpDecrypt)
	}
	return nil
}

// ReadStop halts plaintext delivery without affecting the underlying
// transport read, which keeps running to drive the TLS record layer.
func (c *Connection) ReadStop() error {
	c.mu.Lock()
	c.readActive = false
	c.mu.Unlock()
	return nil
}

// Write encrypts the concatenation of bufs and stages the ciphertext into
// outgoing, dispatching one or more transport writes as needed. cb fires
// once the ciphertext for this call has been confirmed sent. Returns
// EINVAL synchronously if the Connection isn't OPEN or if outgoing already
// holds more than the soft backpressure limit (MaxOutgoingBytes); the
// limit is checked before encrypting, so one accepted call can take
// outgoing past it.
func (c *Connection) Write(bufs [][]byte, cb WriteCB) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return errcode.EINVAL
	}
	if c.cfg.MaxOutgoingBytes > 0 && c.outgoing.Len() > c.cfg.MaxOutgoingBytes {
		c.mu.Unlock()
		return errcode.EINVAL
	}
	c.mu.Unlock()

	for _, b := range bufs {
		off := 0
		for off < len(b) {
			n, err := c.engine.Encrypt(b[off:])
			if err != nil {
				c.log.Error("encrypt failed", zap.String("conn", c.id), zap.Error(err))
				c.failHandshakeOrRead(err)
				if cb != nil {
					c.loop.Post(func() { cb(err) })
				}
				return nil
			}
			if n == 0 {
				break
			}
			off += n
		}
	}

	pos := c.outgoing.Tail()
	c.writes.Push(wqueue.Request{CommitPos: pos, Done: cb})
	c.loop.Post(c.pumpFlushOutgoing)
	return nil
}

// Close begins graceful shutdown, idempotent after the first call. cb
// fires exactly once when the transport is fully closed.
func (c *Connection) Close(cb CloseCB) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		if cb != nil {
			// The loop may already have stopped once CLOSED was reached,
			// so cb runs on its own goroutine.
			go cb()
		}
		return
	}
	alreadyClosing := c.state == StateClosing
	c.state = StateClosing
	c.closeCB = cb
	c.mu.Unlock()
	if alreadyClosing {
		return
	}
	c.loop.Post(c.beginShutdown)
}

func (c *Connection) failHandshakeOrRead(err error) {
	c.loop.Post(func() {
		c.mu.Lock()
		st := c.state
		c.mu.Unlock()
		if st == StateHandshaking {
			c.finishHandshake(err)
		} else {
			c.deliverRead(nil, -1, err)
		}
		c.beginShutdown()
	})
}

func (c *Connection) String() string {
	return fmt.Sprintf("conn[%s %s]", c.id, c.State())
}
