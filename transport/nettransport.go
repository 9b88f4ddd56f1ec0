package transport

import (
	"io"
	"net"
	"sync"
)

// NetTransport adapts any blocking net.Conn (including the net.Pipe()
// loopback pairs the end-to-end test scenarios use) into the Transport
// interface with one reader goroutine and one writer goroutine per
// instance, grounded on the same producer/consumer-goroutine shape the
// teacher uses to bridge a blocking accept loop into callback delivery
// (transport/tcp.StartTCPListener's per-connection goroutine).
//
// Callbacks are invoked directly from NetTransport's own goroutines, not
// marshaled onto any particular loop; it is the caller's (conn.Connection)
// responsibility to re-post them onto its own single dispatch goroutine if
// it needs that serialization, which conn.Connection does.
type NetTransport struct {
	conn net.Conn

	mu      sync.Mutex
	stopped bool
	readGen int // bumped on ReadStop so a racing in-flight read is dropped

	writeCh chan writeJob
	closeCh chan struct{}
	closed  bool
}

type writeJob struct {
	bufs       [][]byte
	onComplete func(error)
}

// NewNetTransport wraps conn.
func NewNetTransport(conn net.Conn) *NetTransport {
	t := &NetTransport{
		conn:    conn,
		writeCh: make(chan writeJob, 64),
		closeCh: make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

func (t *NetTransport) ReadStart(alloc func(maxLen int) []byte, onRead func(n int, err error)) {
	t.mu.Lock()
	t.stopped = false
	gen := t.readGen
	t.mu.Unlock()

	go func() {
		for {
			t.mu.Lock()
			stopped := t.stopped
			curGen := t.readGen
			t.mu.Unlock()
			if stopped || curGen != gen {
				return
			}

			buf := alloc(32 * 1024)
			n, err := t.conn.Read(buf)

			t.mu.Lock()
			drop := t.readGen != gen
			t.mu.Unlock()
			if drop {
				return
			}

			onRead(n, err)
			if err != nil {
				return
			}
		}
	}()
}

func (t *NetTransport) ReadStop() {
	t.mu.Lock()
	t.stopped = true
	t.readGen++
	t.mu.Unlock()
}

func (t *NetTransport) Write(bufs [][]byte, onComplete func(error)) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		onComplete(io.ErrClosedPipe)
		return
	}
	select {
	case t.writeCh <- writeJob{bufs: bufs, onComplete: onComplete}:
	case <-t.closeCh:
		onComplete(io.ErrClosedPipe)
	}
}

func (t *NetTransport) writeLoop() {
	for {
		select {
		case job := <-t.writeCh:
			var err error
			for _, b := range job.bufs {
				if len(b) == 0 {
					continue
				}
				if _, werr := t.conn.Write(b); werr != nil {
					err = werr
					break
				}
			}
			job.onComplete(err)
		case <-t.closeCh:
			// Drain anything already enqueued ahead of the race between
			// Write's closed check and Close: every job still gets its
			// onComplete, never silently dropped.
			for {
				select {
				case job := <-t.writeCh:
					job.onComplete(io.ErrClosedPipe)
				default:
					return
				}
			}
		}
	}
}

func (t *NetTransport) Close(onClose func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.stopped = true
	t.readGen++
	t.mu.Unlock()

	close(t.closeCh)
	_ = t.conn.Close()
	onClose()
}
