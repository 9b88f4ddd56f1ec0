package conn

import (
	"io"

	"go.uber.org/zap"

	"github.com/momentics/tlsloop/ringbuf"
	"github.com/momentics/tlsloop/tlsengine"
)

// startReadPump begins the standing transport read that feeds ciphertext
// into incoming. It runs for the entire lifetime of the Connection, from
// Connect/Accept until the transport itself is closed during shutdown.
func (c *Connection) startReadPump() {
	c.tr.ReadStart(c.allocIncoming, c.onTransportRead)
}

// allocIncoming reserves the next writable region of incoming for the
// transport to fill. Called directly from the transport's own read
// goroutine, never from the Connection's loop.
func (c *Connection) allocIncoming(maxLen int) []byte {
	buf, _ := c.incoming.TailBlock(maxLen)
	return buf
}

// onTransportRead is the transport's read completion callback. It commits
// whatever was read, wakes any engine goroutine blocked waiting for net-in
// bytes, and schedules a pump step on the Connection's loop.
func (c *Connection) onTransportRead(n int, err error) {
	if n > 0 {
		if cerr := c.incoming.TailBlockCommit(n); cerr != nil {
			c.log.Error("incoming commit failed", zap.String("conn", c.id), zap.Error(cerr))
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.Inc("tlsloop.bytes_in", int64(n))
		}
	}
	if err != nil {
		// Unblocks a handshake or decrypt goroutine waiting on net-in with
		// this error; already-buffered plaintext ahead of it is still
		// delivered first since Read drains before checking closed.
		c.ring.CloseRead(err)
	} else {
		c.engine.NotifyIncoming()
	}
	c.loop.Post(c.pumpAfterRead)
}

// pumpAfterRead advances whichever state machine is currently active after
// new net-in bytes (or a net-in error) became available. The handshake
// itself is driven by watchHandshake, not from here; this only keeps
// outgoing ciphertext flowing and delivers any newly decrypted plaintext.
func (c *Connection) pumpAfterRead() {
	c.pumpFlushOutgoing()
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st == StateOpen || st == StateClosing {
		c.pumpDecrypt()
	}
}

// watchHandshake blocks on the engine's handshake result in its own
// goroutine (EnsureHandshakeStarted must already have been called) and
// hands the outcome to the Connection's loop exactly once. A dedicated
// watcher, rather than polling from pumpAfterRead, is required because a
// handshake can resolve (notably: fail) with no further transport read
// ever arriving to trigger a poll.
func (c *Connection) watchHandshake() {
	err := <-c.engine.HandshakeResult()
	c.loop.Post(func() {
		c.pumpFlushOutgoing()
		c.finishHandshake(err)
		if err != nil {
			c.beginShutdown()
		}
	})
}

// finishHandshake fires handshakeDoneCB exactly once and, on success,
// transitions to OPEN and kicks off any read or write work that was
// queued while the handshake was still in flight.
func (c *Connection) finishHandshake(err error) {
	c.mu.Lock()
	if c.hsFired {
		c.mu.Unlock()
		return
	}
	c.hsFired = true
	cb := c.handshakeDoneCB
	if err == nil && c.state == StateHandshaking {
		c.state = StateOpen
	}
	active := c.readActive
	c.mu.Unlock()

	if c.cfg.Metrics != nil {
		if err == nil {
			c.cfg.Metrics.Inc("tlsloop.handshakes.ok", 1)
		} else {
			c.cfg.Metrics.Inc("tlsloop.handshakes.failed", 1)
		}
	}

	if cb != nil {
		cb(err)
	}
	if err != nil {
		return
	}
	if active {
		c.pumpDecrypt()
	}
	c.pumpFlushOutgoing()
}

// pumpDecrypt drains as much plaintext as is currently available into
// allocCB-supplied buffers, delivering each chunk via readCB. It stops as
// soon as the engine reports no more plaintext is ready, a clean
// close_notify, or a fatal record-layer error.
func (c *Connection) pumpDecrypt() {
	c.mu.Lock()
	if c.state != StateOpen || !c.readActive {
		c.mu.Unlock()
		return
	}
	alloc := c.allocCB
	c.mu.Unlock()
	if alloc == nil {
		return
	}

	for {
		c.mu.Lock()
		stillActive := c.readActive && c.state == StateOpen
		c.mu.Unlock()
		if !stillActive {
			return
		}

		buf := alloc(16 * 1024)
		if len(buf) == 0 {
			return
		}
		n, status := c.engine.Decrypt(buf)
		switch status {
		case tlsengine.DecryptOK:
			c.deliverRead(buf[:n], n, nil)
			if n < len(buf) {
				return
			}
		case tlsengine.DecryptWantRead:
			return
		case tlsengine.DecryptZero:
			c.deliverRead(nil, 0, io.EOF)
			c.beginShutdown()
			return
		case tlsengine.DecryptFatal:
			c.deliverRead(nil, -1, c.engine.LastError())
			c.beginShutdown()
			return
		}
	}
}

func (c *Connection) deliverRead(buf []byte, n int, err error) {
	c.mu.Lock()
	cb := c.readCB
	c.mu.Unlock()
	if cb != nil {
		cb(buf, n, err)
	}
}

// pumpFlushOutgoing hands any outgoing bytes produced since the last flush
// to the transport as one write, tracking dispatchedPos so the same bytes
// are never handed off twice. When nothing new remains it checks whether a
// shutdown in progress can now complete.
func (c *Connection) pumpFlushOutgoing() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	start := c.outgoing.Head()
	if c.haveDispatched {
		start = c.dispatchedPos
	}
	c.mu.Unlock()

	var slices [8][]byte
	n, end := c.outgoing.HeadBlocks(start, slices[:])
	if n == 0 {
		c.mu.Lock()
		c.dispatchedPos = start
		c.haveDispatched = true
		c.mu.Unlock()
		c.maybeFinishClose()
		return
	}

	bufs := make([][]byte, n)
	copy(bufs, slices[:n])

	c.mu.Lock()
	c.dispatchedPos = end
	c.haveDispatched = true
	c.mu.Unlock()

	if c.cfg.Metrics != nil {
		total := 0
		for _, b := range bufs {
			total += len(b)
		}
		c.cfg.Metrics.Inc("tlsloop.bytes_out", int64(total))
	}

	c.tr.Write(bufs, func(err error) {
		c.loop.Post(func() { c.onWriteComplete(end, err) })
	})
}

// onWriteComplete runs on the Connection's loop once a transport write
// covering outgoing bytes up to end has completed (or failed). It releases
// those bytes back to the ring buffer's pool and fires every queued
// WriteCB whose commit position the write now covers, strictly in
// submission order.
func (c *Connection) onWriteComplete(end ringbuf.Cursor, err error) {
	if err != nil {
		c.log.Error("transport write failed", zap.String("conn", c.id), zap.Error(err))
		c.failWritesUpTo(end, err)
		c.beginShutdown()
		return
	}

	if cerr := c.outgoing.HeadBlocksCommit(end); cerr != nil {
		c.log.Error("outgoing commit failed", zap.String("conn", c.id), zap.Error(cerr))
	}
	c.failWritesUpTo(end, nil)
	c.pumpFlushOutgoing()
}

func (c *Connection) failWritesUpTo(end ringbuf.Cursor, err error) {
	for {
		req, ok := c.writes.Peek()
		if !ok || end.Before(req.CommitPos) {
			return
		}
		c.writes.Pop()
		if req.Done != nil {
			req.Done(err)
		}
	}
}

// beginShutdown starts the graceful close sequence: it sends close_notify
// (a synchronous, non-blocking call since outgoing writes never block),
// flushes it to the transport, and unblocks any engine goroutine still
// waiting on net-in. Safe to call more than once.
func (c *Connection) beginShutdown() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.mu.Unlock()

	if c.engine != nil {
		if step := c.engine.Shutdown(); step == tlsengine.Fatal {
			c.log.Debug("close_notify send failed", zap.String("conn", c.id), zap.Error(c.engine.LastError()))
		}
	}
	c.ring.CloseRead(io.ErrClosedPipe)
	c.pumpFlushOutgoing()
}

// maybeFinishClose tears down the transport and fires closeCB exactly once,
// once the Connection has entered CLOSING, a started handshake has reported
// its outcome, every outgoing byte produced up to that point has been
// handed to the transport, and no user write is still awaiting completion.
// Bytes handed to the transport but not yet written (such as close_notify)
// are not waited for.
func (c *Connection) maybeFinishClose() {
	c.mu.Lock()
	if c.state != StateClosing || c.closedOnce {
		c.mu.Unlock()
		return
	}
	pending := c.writes.Len() > 0
	flushed := c.dispatchedPos.Equal(c.outgoing.Tail())
	hsPending := c.engine != nil && !c.hsFired
	if pending || !flushed || hsPending {
		c.mu.Unlock()
		return
	}
	c.closedOnce = true
	c.mu.Unlock()

	c.tr.ReadStop()
	c.tr.Close(func() {
		c.loop.Post(func() {
			c.mu.Lock()
			c.state = StateClosed
			cb := c.closeCB
			c.mu.Unlock()
			if c.engine != nil {
				c.engine.Close()
			}
			c.incoming.Close()
			c.outgoing.Close()
			if c.cfg.Debug != nil {
				c.cfg.Debug.Deregister("tlsloop.conn." + c.id)
			}
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.Inc("tlsloop.conns.closed", 1)
			}
			if cb != nil {
				cb()
			}
			// Stop blocks until the loop's own goroutine has exited, so it
			// can't be called inline here: this closure is itself running
			// on that goroutine and would deadlock waiting for itself to
			// return. Running it from a fresh goroutine lets the loop
			// finish this task, see quit closed, and exit normally.
			go c.loop.Stop()
		})
	})
}
