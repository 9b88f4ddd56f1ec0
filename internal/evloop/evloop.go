// Package evloop implements the single-goroutine dispatch queue that backs
// each conn.Connection, grounded on the teacher's
// internal/concurrency.EventLoop: a hot-path loop that processes posted
// work items strictly in order on one goroutine, giving callers the
// non-reentrancy and ordering guarantees the TLS state machine requires.
// conn.Connection still guards its state fields with a mutex, since its API
// methods and transport callbacks run on other goroutines.
//
// Unlike the teacher's spin-wait variant (tuned for saturated, CPU-bound
// dispatch), this loop blocks on a channel between items: a per-Connection
// event loop is overwhelmingly idle, waiting on transport and engine
// completions, so a blocking receive is the correct idiom here.
package evloop

// Loop serializes posted tasks onto a single goroutine.
type Loop struct {
	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
}

// New starts a Loop with the given pending-task queue depth.
func New(queueDepth int) *Loop {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	l := &Loop{
		tasks: make(chan func(), queueDepth),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.quit:
			// Drain any remaining tasks so callbacks already queued before
			// Stop was requested still get a chance to fire (e.g. a
			// close_cb posted just ahead of shutdown).
			for {
				select {
				case fn := <-l.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn for execution on the loop's goroutine, in order
// relative to every other Post call. It blocks if the queue is full,
// applying natural backpressure to producers (transport/engine
// goroutines), never to the loop itself.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.quit:
	}
}

// Stop requests the loop to drain pending tasks and exit, then blocks
// until it has done so. Safe to call once; a second call panics on the
// already-closed quit channel, matching the close-cb-fires-once contract
// higher layers enforce.
func (l *Loop) Stop() {
	close(l.quit)
	<-l.done
}
