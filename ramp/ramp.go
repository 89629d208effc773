// Package ramp computes the target in-flight concurrency at a given
// point in a load test's lifetime. Strategies are pure functions of
// elapsed time; they hold no mutable state and are safe for concurrent
// use. A Strategy governs the task executor's ceiling — it is unrelated
// to the rate controller's own target-tps ramp, which is a simpler,
// built-in linear warm-up (see the ratecontrol package).
package ramp

import "time"

// Strategy produces the target in-flight concurrency at elapsed time t
// since the phase it governs started. Implementations must be
// monotonic non-decreasing and bounded to [StartingConcurrency(),
// MaxConcurrency()].
type Strategy interface {
	// Target returns the target concurrency at elapsed time t.
	Target(t time.Duration) int
	// StartingConcurrency is the value Target returns at t<=0, except
	// for a Linear with zero RampDuration, which returns Max there.
	StartingConcurrency() int
	// MaxConcurrency is the value Target never exceeds.
	MaxConcurrency() int
}

// Constant holds concurrency fixed at Max from t=0.
type Constant struct {
	Max int
}

func NewConstant(max int) Constant { return Constant{Max: max} }

func (c Constant) Target(time.Duration) int { return c.Max }
func (c Constant) StartingConcurrency() int { return c.Max }
func (c Constant) MaxConcurrency() int      { return c.Max }

// Linear interpolates from Start to Max over RampDuration, then holds
// at Max. A RampDuration of zero jumps straight to Max.
type Linear struct {
	Start        int
	Max          int
	RampDuration time.Duration
}

func NewLinear(start, max int, rampDuration time.Duration) Linear {
	return Linear{Start: start, Max: max, RampDuration: rampDuration}
}

func (l Linear) Target(t time.Duration) int {
	if l.RampDuration <= 0 || t >= l.RampDuration {
		return l.Max
	}
	if t <= 0 {
		return l.Start
	}
	frac := float64(t) / float64(l.RampDuration)
	v := float64(l.Start) + frac*float64(l.Max-l.Start)
	return int(v + 0.5)
}
func (l Linear) StartingConcurrency() int { return l.Start }
func (l Linear) MaxConcurrency() int      { return l.Max }

// Step holds Start for the first IntervalDuration, then jumps by Step
// every subsequent interval, never exceeding Max. An IntervalDuration of
// zero degenerates to a constant concurrency of Start.
type Step struct {
	Start            int
	Step             int
	IntervalDuration time.Duration
	Max              int
}

func NewStep(start, step int, interval time.Duration, max int) Step {
	return Step{Start: start, Step: step, IntervalDuration: interval, Max: max}
}

func (s Step) Target(t time.Duration) int {
	if s.IntervalDuration <= 0 || s.Step <= 0 {
		return s.Start
	}
	n := int(t / s.IntervalDuration)
	v := s.Start + n*s.Step
	if v > s.Max {
		v = s.Max
	}
	return v
}
func (s Step) StartingConcurrency() int { return s.Start }
func (s Step) MaxConcurrency() int      { return s.Max }
