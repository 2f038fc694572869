// Package dispatch implements the partition serial dispatcher: an
// in-process scheduler that serializes handler invocations per logical
// partition while allowing parallelism across partitions. Partitions are
// keyed by "<queueName>:<partitionValue>" and evicted once their pending
// work drains, so the registry never accumulates orphan queues.
package dispatch

import (
	"log/slog"
	"sync"
)

// Delegate is a unit of dispatched work: a handler invocation already
// bound to its message, ack/reject/requeue capabilities, and anything
// else the caller needs in scope. It returns an error purely for logging
// -- a failing delegate never aborts the drain loop.
type Delegate func() error

// partitionQueue holds the pending delegates for one key plus whether its
// drain loop is currently running.
type partitionQueue struct {
	pending []Delegate
	running bool
}

// Dispatcher owns the partition registry exclusively: only Push and the
// drain loop it schedules may touch queues.
type Dispatcher struct {
	mu     sync.Mutex
	queues map[string]*partitionQueue
}

// New returns an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{queues: make(map[string]*partitionQueue)}
}

// Push appends delegate to the FIFO queue identified by key
// ("queueName:partitionValue" per the caller's convention) and, if that
// queue wasn't already draining, starts its drain loop. Push never
// blocks on delegate execution.
func (d *Dispatcher) Push(key string, delegate Delegate) {
	d.mu.Lock()
	q, ok := d.queues[key]
	if !ok {
		q = &partitionQueue{}
		d.queues[key] = q
	}
	q.pending = append(q.pending, delegate)
	shouldStart := !q.running
	if shouldStart {
		q.running = true
	}
	d.mu.Unlock()

	if shouldStart {
		go d.drain(key)
	}
}

// QueueCount returns the number of live partition queues, used by tests
// to assert that the registry returns to zero once all work drains.
func (d *Dispatcher) QueueCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// drain runs the FIFO for key to completion: take the head delegate,
// invoke it synchronously (so the next delegate can't start until this
// one finishes), and repeat until the queue is empty, at which point the
// queue is removed from the registry. A panic inside a delegate is
// recovered and logged, matching the library's dispatch error policy --
// it never escapes and never aborts the loop.
func (d *Dispatcher) drain(key string) {
	for {
		d.mu.Lock()
		q := d.queues[key]
		if q == nil || len(q.pending) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		d.mu.Unlock()

		invoke(key, next)
	}
}

// invoke runs one delegate, recovering panics and logging errors so a
// misbehaving handler never kills the drain loop or another partition.
func invoke(key string, delegate Delegate) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch: delegate panicked", "partition", key, "recover", r)
		}
	}()

	if err := delegate(); err != nil {
		slog.Warn("dispatch: delegate returned error", "partition", key, "error", err)
	}
}
