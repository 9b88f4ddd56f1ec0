// Package wqueue tracks in-flight write requests for a single Connection,
// releasing ring buffer ranges and firing completion callbacks strictly in
// submission order, per the ordering guarantee in the design ("writes
// submitted in order A then B complete their write_cb in order A then B").
//
// It is a thin typed wrapper over github.com/eapache/queue.Queue, the same
// MPMC-friendly FIFO the teacher wires into internal/concurrency.Executor
// for task dispatch.
package wqueue

import (
	"github.com/eapache/queue"
	"github.com/momentics/tlsloop/ringbuf"
)

// Request is one in-flight write: the ciphertext it produced has already
// been staged into the owning Connection's outgoing ring buffer up to
// CommitPos; Done fires once the transport confirms that range was sent.
type Request struct {
	CommitPos ringbuf.Cursor
	Done      func(err error)
}

// Queue is a strict FIFO of in-flight Requests.
type Queue struct {
	q *queue.Queue
}

// New creates an empty write request queue.
func New() *Queue {
	return &Queue{q: queue.New()}
}

// Push enqueues a request, to complete after every request already queued.
func (wq *Queue) Push(r Request) {
	wq.q.Add(r)
}

// Pop removes and returns the oldest request, false if the queue is empty.
func (wq *Queue) Pop() (Request, bool) {
	if wq.q.Length() == 0 {
		return Request{}, false
	}
	r := wq.q.Remove()
	return r.(Request), true
}

// Peek returns the oldest request without removing it.
func (wq *Queue) Peek() (Request, bool) {
	if wq.q.Length() == 0 {
		return Request{}, false
	}
	return wq.q.Peek().(Request), true
}

// Len returns the number of in-flight requests.
func (wq *Queue) Len() int {
	return wq.q.Length()
}
