// Package executor runs tasks against a bounded pool of concurrent
// slots. The pool's ceiling can be resized while in flight without
// disturbing tasks already running, which is what lets a ramp
// strategy drive concurrency up or down over the life of a run.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/99souls/loadgen/task"
)

// ErrClosed is returned by Submit once the executor has been closed;
// TrySubmit reports false instead.
type ErrClosed struct{}

func (ErrClosed) Error() string { return "executor: closed" }

// ResultHandler receives the outcome of every completed task. It is
// invoked from whichever goroutine ran the task, so it must be safe for
// concurrent use.
type ResultHandler func(task.Result)

// Executor runs tasks on a concurrency-bounded pool. Occupancy is
// tracked by a mutex-guarded counter rather than a channel-backed
// semaphore: a running task releases its own slot by decrementing that
// same counter when it finishes, so resizing the ceiling in between
// never strands a token a task is still holding.
type Executor struct {
	onResult ResultHandler

	mu      sync.Mutex
	cond    *sync.Cond
	ceiling int64
	active  int64

	wg sync.WaitGroup

	submitted int64
	completed int64

	closed   atomic.Bool
	closeCh  chan struct{}
	closeOne sync.Once
}

// New creates an Executor with the given initial ceiling, the maximum
// number of tasks that may run concurrently. onResult is called once per
// completed task; pass nil to discard results.
func New(ceiling int, onResult ResultHandler) *Executor {
	if ceiling <= 0 {
		ceiling = 1
	}
	if onResult == nil {
		onResult = func(task.Result) {}
	}
	e := &Executor{
		onResult: onResult,
		ceiling:  int64(ceiling),
		closeCh:  make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// SetCeiling changes the maximum concurrency. Tasks already running are
// never evicted; a shrink simply withholds new submissions until enough
// in-flight tasks complete to bring occupancy back under the new
// ceiling.
func (e *Executor) SetCeiling(n int) {
	if n <= 0 {
		n = 1
	}
	e.mu.Lock()
	e.ceiling = int64(n)
	e.mu.Unlock()
	e.cond.Broadcast()
}

// Submit blocks until a slot is available, the context is cancelled, or
// the executor is closed, then runs t in a new goroutine.
func (e *Executor) Submit(ctx context.Context, t task.Task) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	e.run(ctx, t)
	return nil
}

// TrySubmit submits t only if a slot is immediately available. It
// reports whether the task was accepted.
func (e *Executor) TrySubmit(t task.Task) bool {
	if !e.tryAcquire() {
		return false
	}
	e.run(context.Background(), t)
	return true
}

func (e *Executor) tryAcquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() || e.active >= e.ceiling {
		return false
	}
	e.active++
	return true
}

// acquire blocks until a slot is free, ctx is done, or the executor is
// closed. A background watcher wakes the waiter on either of the latter
// two, since cond.Wait otherwise only wakes on SetCeiling or a release.
func (e *Executor) acquire(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed{}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
		case <-e.closeCh:
		case <-stopWatch:
			return
		}
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	}()

	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if e.closed.Load() {
			return ErrClosed{}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if e.active < e.ceiling {
			e.active++
			return nil
		}
		e.cond.Wait()
	}
}

func (e *Executor) release() {
	e.mu.Lock()
	e.active--
	e.mu.Unlock()
	e.cond.Broadcast()
}

func (e *Executor) run(ctx context.Context, t task.Task) {
	atomic.AddInt64(&e.submitted, 1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release()

		result := e.safeExecute(ctx, t)
		atomic.AddInt64(&e.completed, 1)
		e.onResult(result)
	}()
}

func (e *Executor) safeExecute(ctx context.Context, t task.Task) (result task.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = task.Result{Success: false, Err: fmt.Errorf("executor: task panicked: %v", r)}
		}
	}()
	return t.Execute(ctx)
}

// Active returns the number of tasks currently running.
func (e *Executor) Active() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Submitted returns the total number of tasks ever submitted.
func (e *Executor) Submitted() int64 { return atomic.LoadInt64(&e.submitted) }

// Completed returns the total number of tasks that have finished.
func (e *Executor) Completed() int64 { return atomic.LoadInt64(&e.completed) }

// AwaitCompletion blocks until every submitted task has completed.
func (e *Executor) AwaitCompletion() {
	e.wg.Wait()
}

// Close marks the executor closed, rejecting future submissions, and
// waits for in-flight tasks to finish.
func (e *Executor) Close() {
	e.closeOne.Do(func() {
		e.closed.Store(true)
		close(e.closeCh)
	})
	e.cond.Broadcast()
	e.wg.Wait()
}
