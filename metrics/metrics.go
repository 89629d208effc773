// Package metrics accumulates task outcomes into a point-in-time
// snapshot: counts, a latency percentile estimate, a recent-throughput
// estimate, and a bounded table of distinct error messages. A Collector
// is the thing a test runner calls once per completed task; a
// publisher (see the publisher package) periodically reads its
// snapshot and fans it out to subscribers.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/99souls/loadgen/task"
)

const (
	// maxErrorClasses bounds the error table so a misbehaving target
	// cannot grow it without limit.
	maxErrorClasses = 64
	// maxErrorMessageLen truncates individual error strings before they
	// become map keys.
	maxErrorMessageLen = 100
	// defaultReservoirCapacity is MAX_LAT.
	defaultReservoirCapacity = 10_000
	// defaultWindowSoftCap is MAX_TS.
	defaultWindowSoftCap = 100_000
	// defaultTPSWindow is TPS_WINDOW_MS.
	defaultTPSWindow = 5 * time.Second
)

// Percentiles is the fixed set of order statistics reported alongside a
// Snapshot.
type Percentiles struct {
	P50  time.Duration
	P75  time.Duration
	P90  time.Duration
	P95  time.Duration
	P99  time.Duration
	P999 time.Duration
}

// Snapshot is an immutable view of a Collector's state at the moment it
// was taken.
type Snapshot struct {
	StartTime   time.Time
	TakenAt     time.Time
	Total       int64
	Successful  int64
	Failed      int64
	SuccessRate float64 // percent, [0,100]

	CurrentTPS    float64
	AvgLatencyMs  float64
	MinLatency    time.Duration
	MaxLatency    time.Duration
	Percentiles   Percentiles
	ErrorHistogram map[string]int64

	// ActiveTasks is populated by a publisher.Publisher, which reads it
	// from the executor at publish time; a bare Collector.Snapshot()
	// leaves it zero.
	ActiveTasks int64
}

// Collector accumulates task results and produces Snapshots on demand.
// All methods are safe for concurrent use.
type Collector struct {
	clock func() time.Time

	mu        sync.Mutex
	startTime time.Time

	total         int64
	successful    int64
	failed        int64
	sumLatencyNs  int64

	latMu     sync.Mutex
	latencies []time.Duration
	latCap    int
	latNext   int
	latFull   bool

	winMu        sync.Mutex
	window       []time.Time
	windowSoftCap int
	windowLength time.Duration

	errMu sync.Mutex
	errs  map[string]int64
}

// Option configures a Collector at construction time.
type Option func(*Collector)

// WithClockFunc overrides the time source used for windowing; intended
// for deterministic tests.
func WithClockFunc(f func() time.Time) Option {
	return func(c *Collector) { c.clock = f }
}

// WithReservoirCapacity bounds how many recent latencies are retained
// for percentile computation (MAX_LAT). Older samples are overwritten
// once the reservoir fills.
func WithReservoirCapacity(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.latCap = n
		}
	}
}

// WithWindowSoftCap bounds how many completion timestamps are retained
// before the oldest is dropped unconditionally (MAX_TS), independent of
// the TPS window's read-time pruning.
func WithWindowSoftCap(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.windowSoftCap = n
		}
	}
}

// WithTPSWindow sets how far back current_tps looks (TPS_WINDOW_MS).
func WithTPSWindow(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.windowLength = d
		}
	}
}

// New creates a Collector with spec defaults: a 10,000-sample latency
// reservoir, a 100,000-entry timestamp soft cap, and a 5-second TPS
// window.
func New(opts ...Option) *Collector {
	c := &Collector{
		clock:         time.Now,
		latCap:        defaultReservoirCapacity,
		windowSoftCap: defaultWindowSoftCap,
		windowLength:  defaultTPSWindow,
		errs:          make(map[string]int64),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.latencies = make([]time.Duration, c.latCap)
	c.startTime = c.clock()
	return c
}

// StartTime returns the time the collector started counting, last reset
// by New or Reset.
func (c *Collector) StartTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startTime
}

// Record folds a task result into the collector's running state.
func (c *Collector) Record(r task.Result) {
	atomic.AddInt64(&c.total, 1)
	atomic.AddInt64(&c.sumLatencyNs, int64(r.Latency))
	if r.Success {
		atomic.AddInt64(&c.successful, 1)
	} else {
		atomic.AddInt64(&c.failed, 1)
		if r.Err != nil {
			c.recordError(r.Err.Error())
		}
	}
	c.recordLatency(r.Latency)
	c.recordCompletion()
}

func (c *Collector) recordLatency(d time.Duration) {
	c.latMu.Lock()
	defer c.latMu.Unlock()
	c.latencies[c.latNext] = d
	c.latNext++
	if c.latNext >= c.latCap {
		c.latNext = 0
		c.latFull = true
	}
}

func (c *Collector) recordCompletion() {
	now := c.clock()
	c.winMu.Lock()
	defer c.winMu.Unlock()
	c.window = append(c.window, now)
	if len(c.window) > c.windowSoftCap {
		c.window = c.window[len(c.window)-c.windowSoftCap:]
	}
}

// pruneWindowLocked drops timestamps older than windowLength. Caller
// must hold winMu.
func (c *Collector) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-c.windowLength)
	i := 0
	for i < len(c.window) && c.window[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		c.window = append(c.window[:0], c.window[i:]...)
	}
}

func (c *Collector) recordError(msg string) {
	if len(msg) > maxErrorMessageLen {
		msg = msg[:maxErrorMessageLen] + "..."
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if _, ok := c.errs[msg]; !ok && len(c.errs) >= maxErrorClasses {
		return
	}
	c.errs[msg]++
}

// Snapshot computes the current state. Percentiles are estimated by
// linear interpolation over the sorted contents of the latency
// reservoir.
func (c *Collector) Snapshot() Snapshot {
	now := c.clock()

	c.latMu.Lock()
	var samples []time.Duration
	if c.latFull {
		samples = append(samples, c.latencies...)
	} else {
		samples = append(samples, c.latencies[:c.latNext]...)
	}
	c.latMu.Unlock()
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	c.winMu.Lock()
	c.pruneWindowLocked(now)
	windowCount := len(c.window)
	c.winMu.Unlock()

	c.errMu.Lock()
	errsCopy := make(map[string]int64, len(c.errs))
	for k, v := range c.errs {
		errsCopy[k] = v
	}
	c.errMu.Unlock()

	total := atomic.LoadInt64(&c.total)
	successful := atomic.LoadInt64(&c.successful)
	failed := atomic.LoadInt64(&c.failed)
	sumLatencyNs := atomic.LoadInt64(&c.sumLatencyNs)

	snap := Snapshot{
		StartTime:      c.StartTime(),
		TakenAt:        now,
		Total:          total,
		Successful:     successful,
		Failed:         failed,
		ErrorHistogram: errsCopy,
	}
	if total > 0 {
		snap.SuccessRate = 100 * float64(successful) / float64(total)
		snap.AvgLatencyMs = float64(sumLatencyNs) / float64(total) / 1e6
	}
	if windowCount > 0 {
		snap.CurrentTPS = float64(windowCount) * float64(time.Second) / float64(c.windowLength)
	} else if elapsed := now.Sub(snap.StartTime); elapsed > 0 {
		snap.CurrentTPS = float64(total) / elapsed.Seconds()
	}
	if len(samples) > 0 {
		snap.MinLatency = samples[0]
		snap.MaxLatency = samples[len(samples)-1]
		snap.Percentiles = Percentiles{
			P50:  percentile(samples, 0.50),
			P75:  percentile(samples, 0.75),
			P90:  percentile(samples, 0.90),
			P95:  percentile(samples, 0.95),
			P99:  percentile(samples, 0.99),
			P999: percentile(samples, 0.999),
		}
	}
	return snap
}

// percentile interpolates linearly between the two bracketing samples,
// matching the "nearest rank with interpolation" convention used by most
// load-testing tools.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + time.Duration(frac*float64(sorted[hi]-sorted[lo]))
}

// Reset clears all counters, the latency reservoir, the throughput
// window, and the error table, and reseats start_time to now. Used when
// a warmup phase ends and the main phase should report its own
// statistics (including current_tps's fallback average-since-start)
// independently of warmup activity.
func (c *Collector) Reset() {
	atomic.StoreInt64(&c.total, 0)
	atomic.StoreInt64(&c.successful, 0)
	atomic.StoreInt64(&c.failed, 0)
	atomic.StoreInt64(&c.sumLatencyNs, 0)

	c.latMu.Lock()
	c.latNext = 0
	c.latFull = false
	c.latMu.Unlock()

	c.winMu.Lock()
	c.window = c.window[:0]
	c.winMu.Unlock()

	c.errMu.Lock()
	c.errs = make(map[string]int64)
	c.errMu.Unlock()

	c.mu.Lock()
	c.startTime = c.clock()
	c.mu.Unlock()
}
