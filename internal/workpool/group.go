// Package workpool runs bounded concurrent tasks and harvests whatever has
// finished when a deadline passes.
package workpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrFull is returned by Go when more tasks are submitted than the group was
// sized for.
var ErrFull = errors.New("workpool: group capacity exceeded")

// Task is one unit of work. It must honour ctx cancellation.
type Task[T any] func(ctx context.Context) (T, error)

type outcome[T any] struct {
	value T
	err   error
}

// Harvest is what Wait collected.
type Harvest[T any] struct {
	// Values holds successful results in completion order.
	Values []T
	// Errors holds task errors in completion order.
	Errors []error
	// TimedOut counts tasks still running when the deadline passed. They were
	// cancelled and their results discarded.
	TimedOut int
}

// Failed is the number of tasks that returned an error.
func (h Harvest[T]) Failed() int { return len(h.Errors) }

// Group runs at most `workers` tasks at a time.
type Group[T any] struct {
	ctx     context.Context
	cancel  context.CancelFunc
	sem     *semaphore.Weighted
	results chan outcome[T]

	mu        sync.Mutex
	submitted int
	capacity  int
	waited    bool
}

// New creates a group for up to capacity tasks with the given concurrency.
// Non-positive workers means one worker per task.
func New[T any](ctx context.Context, workers, capacity int) *Group[T] {
	if capacity < 1 {
		capacity = 1
	}
	if workers < 1 || workers > capacity {
		workers = capacity
	}
	gctx, cancel := context.WithCancel(ctx)
	return &Group[T]{
		ctx:      gctx,
		cancel:   cancel,
		sem:      semaphore.NewWeighted(int64(workers)),
		results:  make(chan outcome[T], capacity),
		capacity: capacity,
	}
}

// Go schedules task. It never blocks; the task waits for a free worker in its
// own goroutine.
func (g *Group[T]) Go(task Task[T]) error {
	g.mu.Lock()
	if g.waited || g.submitted >= g.capacity {
		g.mu.Unlock()
		return ErrFull
	}
	g.submitted++
	g.mu.Unlock()

	go func() {
		if err := g.sem.Acquire(g.ctx, 1); err != nil {
			var zero T
			g.results <- outcome[T]{value: zero, err: err}
			return
		}
		defer g.sem.Release(1)

		v, err := run(g.ctx, task)
		g.results <- outcome[T]{value: v, err: err}
	}()
	return nil
}

func run[T any](ctx context.Context, task Task[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return task(ctx)
}

// Wait collects results until every task finished or timeout elapsed, then
// cancels anything still running. timeout <= 0 waits for all tasks.
// Wait must be called at most once.
func (g *Group[T]) Wait(timeout time.Duration) Harvest[T] {
	g.mu.Lock()
	g.waited = true
	pending := g.submitted
	g.mu.Unlock()
	defer g.cancel()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var h Harvest[T]
	for pending > 0 {
		select {
		case out := <-g.results:
			pending--
			if out.err != nil {
				h.Errors = append(h.Errors, out.err)
				continue
			}
			h.Values = append(h.Values, out.value)
		case <-deadline:
			// Drain anything that completed at the same instant.
			for drained := false; !drained && pending > 0; {
				select {
				case out := <-g.results:
					pending--
					if out.err != nil {
						h.Errors = append(h.Errors, out.err)
					} else {
						h.Values = append(h.Values, out.value)
					}
				default:
					drained = true
				}
			}
			h.TimedOut = pending
			return h
		}
	}
	return h
}

// PanicError wraps a panic raised inside a task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "workpool: task panicked"
}
