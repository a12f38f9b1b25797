// Package taskqueue runs background conversion tasks on a fixed pool of
// workers fed by a bounded queue.
package taskqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"fileforge/logger"
)

var (
	ErrQueueFull = errors.New("task queue is full")
	ErrStopped   = errors.New("task queue is stopped")
)

// Task is one unit of background work. ctx is cancelled when the queue is
// stopped without enough time to drain.
type Task func(ctx context.Context)

// Queue is a bounded FIFO served by a fixed number of workers.
type Queue struct {
	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	active atomic.Int64
}

// New starts workers goroutines reading from a queue holding up to capacity
// waiting tasks.
func New(workers, capacity int) *Queue {
	if workers < 1 {
		workers = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		tasks:  make(chan Task, capacity),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 1; i <= workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	logger.Infof("Task queue started with %d workers (capacity %d)", workers, capacity)
	return q
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for task := range q.tasks {
		q.active.Add(1)
		q.run(id, task)
		q.active.Add(-1)
	}
}

func (q *Queue) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Worker %d: task panicked: %v", id, r)
		}
	}()
	task(q.ctx)
}

// Submit enqueues task without blocking.
func (q *Queue) Submit(task Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return ErrStopped
	}
	select {
	case q.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of tasks waiting for a worker.
func (q *Queue) Len() int { return len(q.tasks) }

// Active returns the number of tasks currently running.
func (q *Queue) Active() int { return int(q.active.Load()) }

// Stop refuses new tasks and waits for queued and running ones to finish. If
// ctx ends first, running tasks are cancelled and ctx.Err is returned.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
