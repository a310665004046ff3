package managed

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned when work is submitted to a closed queue
var ErrQueueClosed = errors.New("queue is closed")

// Executor runs submitted functions one at a time in submission order.
// Implementations must be comparable (pointer types) and Submit must not
// block on the functions it runs.
type Executor interface {
	Submit(fn func()) error
}

// Queue is a serial executor backed by one goroutine
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

// NewQueue starts a serial queue
func NewQueue() *Queue {
	q := &Queue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Submit enqueues fn without waiting for it to run
func (q *Queue) Submit(fn func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.tasks = append(q.tasks, fn)
	q.cond.Signal()
	return nil
}

// Close stops accepting work. Already queued functions still run.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Signal()
}

// Done is closed once the queue has drained after Close
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		fn()
	}
}

type queueKey struct{}

// onQueue marks ctx as running on exec
func onQueue(ctx context.Context, exec Executor) context.Context {
	return context.WithValue(ctx, queueKey{}, exec)
}

// runningOn reports whether ctx was handed out by a function running on exec
func runningOn(ctx context.Context, exec Executor) bool {
	current, ok := ctx.Value(queueKey{}).(Executor)
	return ok && current == exec
}
