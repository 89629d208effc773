package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/99souls/loadgen/clock"
	"github.com/99souls/loadgen/executor"
	"github.com/99souls/loadgen/metrics"
	"github.com/99souls/loadgen/ratecontrol"
	"github.com/99souls/loadgen/task"
)

// Phase is a Runner's position in its state machine.
type Phase int32

const (
	PhaseCreated Phase = iota
	PhaseWarmup
	PhaseRunning
	PhaseDraining
	PhaseCompleted
	PhaseStopped
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "PENDING"
	case PhaseWarmup, PhaseRunning:
		return "RUNNING"
	case PhaseDraining:
		return "STOPPING"
	case PhaseCompleted:
		return "COMPLETED"
	case PhaseStopped:
		return "STOPPED"
	case PhaseFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// drainBudget bounds how long a run waits for in-flight tasks after its
// main phase ends or it is stopped.
const drainBudget = 30 * time.Second

// submitBackoff is the sleep applied between try_submit retries while
// the executor is saturated.
const submitBackoff = time.Millisecond

// Status is a point-in-time view of a Runner suitable for serializing
// to a status endpoint.
type Status struct {
	Phase     Phase
	StartedAt time.Time
	Elapsed   time.Duration
	Config    TestConfig
	Metrics   metrics.Snapshot
	Active    int64
}

// Runner drives one TestConfig through CREATED -> WARMUP? -> RUNNING ->
// DRAINING -> a terminal phase. A Runner is used once; start a new one
// per test.
type Runner struct {
	config  TestConfig
	clock   clock.Clock
	factory task.Task

	collector *metrics.Collector
	executor  *executor.Executor
	rate      *ratecontrol.Controller // nil in ModeConcurrencyOnly

	phase     atomic.Int32
	cancelled atomic.Bool
	warmingUp atomic.Bool

	phaseMu    sync.Mutex
	startedAt  time.Time
	phaseStart time.Time

	failErr error
}

// New validates cfg, constructs the task instance via the registry, and
// wires a fresh collector, executor, and (if rate-limited) rate
// controller. Construction failures are reported here rather than
// discovered mid-loop: New returns the error and no Runner, so no loop
// starts and no Runner ever enters PhaseFailed for them.
func New(cfg TestConfig, clk clock.Clock) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}
	t, err := task.New(cfg.TaskType, cfg.TaskParam)
	if err != nil {
		return nil, fmt.Errorf("runner: task init: %w", err)
	}

	r := &Runner{
		config:    cfg,
		clock:     clk,
		factory:   t,
		collector: metrics.New(metrics.WithClockFunc(clk.Now)),
	}
	r.executor = executor.New(cfg.StartingConcurrency, r.onResult)

	if cfg.Mode == ModeRateLimited {
		rc, err := ratecontrol.New(cfg.TargetTPS, cfg.TargetTPSRampDuration, clk)
		if err != nil {
			return nil, fmt.Errorf("runner: rate controller init: %w", err)
		}
		r.rate = rc
	}
	r.phase.Store(int32(PhaseCreated))
	return r, nil
}

func (r *Runner) onResult(result task.Result) {
	if r.warmingUp.Load() {
		return
	}
	r.collector.Record(result)
}

// Phase returns the runner's current phase.
func (r *Runner) Phase() Phase { return Phase(r.phase.Load()) }

// Collector exposes the run's metrics collector, for a publisher to
// sample on its own cadence.
func (r *Runner) Collector() *metrics.Collector { return r.collector }

// Config returns the validated TestConfig this runner was built from.
func (r *Runner) Config() TestConfig { return r.config }

// Active returns the number of tasks currently running, for a publisher
// to attach to the snapshots it fans out.
func (r *Runner) Active() int64 { return r.executor.Active() }

// Stop requests cancellation. It is safe to call multiple times and
// from any goroutine; it does not block for the drain.
func (r *Runner) Stop() {
	r.cancelled.Store(true)
}

// Status returns a point-in-time view of the run. Elapsed spans the
// main phase only (warmup is excluded), matching the spec's
// "warmup is invisible to reported metrics" convention; StartedAt
// still reflects wall-clock start of the whole run including warmup.
func (r *Runner) Status() Status {
	phase := r.Phase()
	var elapsed time.Duration
	r.phaseMu.Lock()
	mainStart := r.phaseStart
	startedAt := r.startedAt
	r.phaseMu.Unlock()
	if !mainStart.IsZero() && phase != PhaseCreated && phase != PhaseWarmup {
		elapsed = r.clock.Now().Sub(mainStart)
	}
	return Status{
		Phase:     phase,
		StartedAt: startedAt,
		Elapsed:   elapsed,
		Config:    r.config,
		Metrics:   r.collector.Snapshot(),
		Active:    r.executor.Active(),
	}
}

// Run executes the full state machine synchronously; callers typically
// invoke it on a background goroutine. It always returns nil; a done
// context ends the run as STOPPED, like Stop.
func (r *Runner) Run(ctx context.Context) error {
	r.phaseMu.Lock()
	r.startedAt = r.clock.Now()
	r.phaseMu.Unlock()

	if r.config.WarmupDuration > 0 {
		r.phase.Store(int32(PhaseWarmup))
		r.warmingUp.Store(true)
		r.runPhase(ctx, r.config.WarmupDuration)
		r.warmingUp.Store(false)

		// Reset collector and rate controller so the main phase reports
		// its own statistics independently of warmup activity.
		r.collector.Reset()
		if r.rate != nil {
			r.rate.Reset()
		}
	}

	if r.cancelled.Load() {
		return r.finish(PhaseStopped)
	}

	r.phase.Store(int32(PhaseRunning))
	r.phaseMu.Lock()
	r.phaseStart = r.clock.Now()
	r.phaseMu.Unlock()
	r.runPhase(ctx, r.config.Duration)

	r.phase.Store(int32(PhaseDraining))
	drainCtx, cancel := context.WithTimeout(context.Background(), drainBudget)
	defer cancel()
	r.awaitCompletion(drainCtx)

	if r.cancelled.Load() {
		return r.finish(PhaseStopped)
	}
	return r.finish(PhaseCompleted)
}

func (r *Runner) finish(p Phase) error {
	// Close stops new submissions and waits for in-flight tasks to
	// finish; run it in the background so a straggler past the drain
	// budget doesn't keep Run blocked — completion is still best-effort
	// once COMPLETED/STOPPED is reported.
	go r.executor.Close()
	r.phase.Store(int32(p))
	return nil
}

// runPhase runs the submit loop for phaseDuration or until cancelled.
func (r *Runner) runPhase(ctx context.Context, phaseDuration time.Duration) {
	phaseStart := r.clock.Now()
	deadline := phaseStart.Add(phaseDuration)

	for r.clock.Now().Before(deadline) && !r.cancelled.Load() {
		select {
		case <-ctx.Done():
			r.cancelled.Store(true)
			return
		default:
		}

		elapsed := r.clock.Now().Sub(phaseStart)
		ceiling := r.config.RampStrategy.Target(elapsed)
		r.executor.SetCeiling(ceiling)

		if r.rate != nil {
			if err := r.rate.Acquire(ctx); err != nil {
				r.cancelled.Store(true)
				return
			}
		}

		for {
			if r.executor.TrySubmit(r.factory) {
				break
			}
			if r.cancelled.Load() {
				return
			}
			select {
			case <-ctx.Done():
				r.cancelled.Store(true)
				return
			default:
			}
			r.clock.Sleep(submitBackoff)
		}
	}
}

// awaitCompletion blocks until every submitted task completes or ctx's
// deadline passes. On timeout the run still proceeds to COMPLETED with
// whatever results have landed; in-flight tasks finish best-effort.
func (r *Runner) awaitCompletion(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.executor.AwaitCompletion()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
