// Package runner drives a single load test from CREATED through a
// terminal state, wiring a rate controller, ramp strategy, task
// executor, and metrics collector into the per-phase loop the engine
// runs on.
package runner

import (
	"errors"
	"fmt"
	"time"

	"github.com/99souls/loadgen/ramp"
)

// LoadTestMode records whether a run paces permits through a rate
// controller or lets the ramp strategy's concurrency ceiling be the
// only throttle. It is derived at construction, not re-inferred later,
// so status JSON and logs can branch on it directly.
type LoadTestMode int

const (
	// ModeConcurrencyOnly means no rate cap; the ramp strategy governs
	// concurrency only.
	ModeConcurrencyOnly LoadTestMode = iota
	// ModeRateLimited means the RateController paces permits at TargetTPS.
	ModeRateLimited
)

func (m LoadTestMode) String() string {
	switch m {
	case ModeRateLimited:
		return "RATE_LIMITED"
	default:
		return "CONCURRENCY_ONLY"
	}
}

// TestConfig describes one load test. It is immutable once validated;
// callers construct a new TestConfig rather than mutating fields.
type TestConfig struct {
	TaskType  string
	TaskParam string

	// TargetTPS is optional; zero or negative means no rate cap
	// (ModeConcurrencyOnly).
	TargetTPS float64
	// TargetTPSRampDuration ramps the rate controller's effective tps
	// linearly from 1 to TargetTPS over this window; zero disables
	// ramping. Only meaningful when TargetTPS > 0.
	TargetTPSRampDuration time.Duration

	MaxConcurrency      int
	StartingConcurrency int
	Duration            time.Duration
	WarmupDuration      time.Duration

	// RampStrategy governs the executor's concurrency ceiling over the
	// life of each phase. Required.
	RampStrategy ramp.Strategy

	// Mode is derived from TargetTPS by Validate; callers should treat it
	// as read-only once set.
	Mode LoadTestMode
}

// Validation errors, surfaced synchronously to the caller with no state
// created, per the spec's validation taxonomy.
var (
	ErrMissingTaskType            = errors.New("runner: task_type is required")
	ErrInvalidMaxConcurrency      = errors.New("runner: max_concurrency must be in [1, 50000]")
	ErrInvalidStartingConcurrency = errors.New("runner: starting_concurrency must be in [1, max_concurrency]")
	ErrInvalidDuration            = errors.New("runner: duration_s must be >= 1 second")
	ErrInvalidWarmup              = errors.New("runner: warmup_s must be >= 0")
	ErrMissingRampStrategy        = errors.New("runner: ramp_strategy is required")
	ErrInvalidTargetTPS           = errors.New("runner: target_tps must be in [1, 100000] when set")
)

// Validate checks TestConfig against the engine's validation ranges and
// derives Mode. It returns the first violation found.
func (c *TestConfig) Validate() error {
	if c.TaskType == "" {
		return ErrMissingTaskType
	}
	if c.MaxConcurrency < 1 || c.MaxConcurrency > 50_000 {
		return ErrInvalidMaxConcurrency
	}
	if c.StartingConcurrency < 1 || c.StartingConcurrency > c.MaxConcurrency {
		return ErrInvalidStartingConcurrency
	}
	if c.Duration < time.Second {
		return ErrInvalidDuration
	}
	if c.WarmupDuration < 0 {
		return ErrInvalidWarmup
	}
	if c.RampStrategy == nil {
		return ErrMissingRampStrategy
	}
	if c.TargetTPS > 0 {
		if c.TargetTPS < 1 || c.TargetTPS > 100_000 {
			return ErrInvalidTargetTPS
		}
		c.Mode = ModeRateLimited
	} else {
		c.Mode = ModeConcurrencyOnly
	}
	return nil
}

// String renders a compact summary, useful for log lines.
func (c TestConfig) String() string {
	return fmt.Sprintf("task=%s mode=%s max_concurrency=%d duration=%s warmup=%s",
		c.TaskType, c.Mode, c.MaxConcurrency, c.Duration, c.WarmupDuration)
}
