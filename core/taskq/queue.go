// Package taskq runs deferred work one task at a time, off the I/O
// completion path.
package taskq

import (
	"context"
	"sync"

	"github.com/pyropy/mirror/lib/logger"
)

var log, _ = logger.New("taskq")

type task struct {
	name string
	fn   func(ctx context.Context)
}

// Queue is an unbounded FIFO of tasks drained by a single consumer.
// Schedule never blocks, so it is safe to call while holding other locks.
type Queue struct {
	mu      sync.Mutex
	tasks   []task
	wake    chan struct{}
	stopped bool
}

func New() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
	}
}

func (q *Queue) Schedule(name string, fn func(ctx context.Context)) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		log.Warnw("schedule", "event", "queue stopped, task dropped", "task", name)
		return
	}
	q.tasks = append(q.tasks, task{name: name, fn: fn})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.tasks)
}

// Start runs tasks in the order they were scheduled until ctx is canceled.
// Tasks still queued at that point are dropped.
func (q *Queue) Start(ctx context.Context) {
	defer func() {
		q.mu.Lock()
		q.stopped = true
		dropped := len(q.tasks)
		q.tasks = nil
		q.mu.Unlock()

		log.Infow("shutdown", "event", "task queue stopped", "dropped", dropped)
	}()

	for {
		for {
			t, ok := q.next()
			if !ok {
				break
			}

			if ctx.Err() != nil {
				return
			}

			log.Debugw("task", "event", "running task", "task", t.name)
			t.fn(ctx)
		}

		select {
		case <-q.wake:
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) next() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return task{}, false
	}

	t := q.tasks[0]
	q.tasks[0] = task{}
	q.tasks = q.tasks[1:]

	return t, true
}
