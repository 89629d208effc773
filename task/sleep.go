package task

import (
	"context"
	"fmt"
	"time"
)

// sleepTask waits out a fixed duration, honoring context cancellation.
// It is useful for exercising the executor and rate controller in
// isolation from network variance.
type sleepTask struct {
	d time.Duration
}

func newSleepTask(param string) (Task, error) {
	d, err := time.ParseDuration(param)
	if err != nil {
		return nil, fmt.Errorf("task: sleep: invalid duration %q: %w", param, err)
	}
	if d < 0 {
		return nil, fmt.Errorf("task: sleep: duration must be non-negative, got %s", d)
	}
	return sleepTask{d: d}, nil
}

func (t sleepTask) Execute(ctx context.Context) Result {
	start := time.Now()
	timer := time.NewTimer(t.d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return Result{Success: true, Latency: time.Since(start)}
	case <-ctx.Done():
		return Result{Success: false, Latency: time.Since(start), Err: ctx.Err()}
	}
}
