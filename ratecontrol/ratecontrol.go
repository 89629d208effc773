// Package ratecontrol paces permit issuance to at most a target rate,
// optionally ramping linearly from 1 permit/second up to that target
// over a configured window. A Controller belongs to exactly one test
// run; it is not sharded or keyed by domain the way a general-purpose
// outbound rate limiter is, so a single fetch-and-add counter is all
// the serialization a run needs.
package ratecontrol

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/99souls/loadgen/clock"
)

// ErrStopped is returned by Acquire once the controller has been stopped.
var ErrStopped = errors.New("ratecontrol: controller stopped")

// ErrInvalidTargetTPS is returned by New when targetTPS is not positive.
var ErrInvalidTargetTPS = errors.New("ratecontrol: target tps must be positive")

// Stats is a point-in-time view of a Controller's counters.
type Stats struct {
	Issued       int64
	Throttled    int64
	EffectiveTPS float64
}

// Controller schedules permit slots at up to targetTPS permits per
// second. Every Acquire call claims the next monotonic slot via an
// atomic fetch-and-add on a nanosecond offset from the controller's
// start time, then blocks until that slot arrives. Acquire is safe for
// concurrent use by many goroutines; that concurrency is exactly what
// lets a single controller drive an arbitrarily large worker pool at
// one target rate.
type Controller struct {
	clock        clock.Clock
	targetTPS    float64
	rampDuration time.Duration

	mu    sync.RWMutex
	start time.Time

	nextSlotNanos int64 // atomic
	issued        int64 // atomic
	throttled     int64 // atomic

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Controller that paces permits at targetTPS, optionally
// ramping linearly from 1 permit/second over rampDuration (zero
// disables ramping). Rejects targetTPS<=0.
func New(targetTPS float64, rampDuration time.Duration, clk clock.Clock) (*Controller, error) {
	if targetTPS <= 0 {
		return nil, ErrInvalidTargetTPS
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Controller{
		clock:        clk,
		targetTPS:    targetTPS,
		rampDuration: rampDuration,
		start:        clk.Now(),
		stopCh:       make(chan struct{}),
	}, nil
}

// Reset re-bases elapsed time to now and clears counters. Used when a
// warmup phase completes and the main phase should measure its own
// elapsed time, and hence its own ramp, independently.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.start = c.clock.Now()
	c.mu.Unlock()
	atomic.StoreInt64(&c.nextSlotNanos, 0)
	atomic.StoreInt64(&c.issued, 0)
	atomic.StoreInt64(&c.throttled, 0)
}

func (c *Controller) elapsed() time.Duration {
	c.mu.RLock()
	start := c.start
	c.mu.RUnlock()
	return c.clock.Now().Sub(start)
}

// effectiveTPS linearly interpolates from 1 to targetTPS over
// rampDuration, clamped to [0,1] progress, saturating at targetTPS.
func (c *Controller) effectiveTPS(elapsed time.Duration) float64 {
	if c.rampDuration <= 0 || elapsed >= c.rampDuration {
		return c.targetTPS
	}
	if elapsed <= 0 {
		return 1
	}
	frac := float64(elapsed) / float64(c.rampDuration)
	return 1 + frac*(c.targetTPS-1)
}

// Acquire blocks until the caller's assigned monotonic slot arrives,
// the context is cancelled, or the controller is stopped. On
// cancellation or stop the caller must not count the permit.
func (c *Controller) Acquire(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	rate := c.effectiveTPS(c.elapsed())
	interval := time.Duration(float64(time.Second) / rate)
	prev := atomic.AddInt64(&c.nextSlotNanos, int64(interval)) - int64(interval)
	slot := time.Duration(prev)

	wait := slot - c.elapsed()
	if wait <= 0 {
		atomic.AddInt64(&c.issued, 1)
		return nil
	}

	atomic.AddInt64(&c.throttled, 1)
	sleepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-sleepCtx.Done():
		}
	}()
	if !c.clock.SleepContext(sleepCtx, wait) {
		select {
		case <-c.stopCh:
			return ErrStopped
		default:
			return ctx.Err()
		}
	}
	atomic.AddInt64(&c.issued, 1)
	return nil
}

// Stop halts all pending and future Acquire calls, returning ErrStopped.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Snapshot returns the controller's current counters.
func (c *Controller) Snapshot() Stats {
	return Stats{
		Issued:       atomic.LoadInt64(&c.issued),
		Throttled:    atomic.LoadInt64(&c.throttled),
		EffectiveTPS: c.effectiveTPS(c.elapsed()),
	}
}
