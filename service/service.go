// Package service maintains the set of in-flight and recently-finished
// load tests, launching each on a background goroutine and giving
// callers (typically the REST API) a handle to query, stop, and
// subscribe to it by id.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/99souls/loadgen/clock"
	"github.com/99souls/loadgen/metrics"
	"github.com/99souls/loadgen/publisher"
	"github.com/99souls/loadgen/runner"
)

// publishInterval is how often the per-run Publisher samples its
// collector for subscribers.
const publishInterval = 500 * time.Millisecond

// Status mirrors spec.md's external status vocabulary.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusStopping  Status = "STOPPING"
	StatusCompleted Status = "COMPLETED"
	StatusStopped   Status = "STOPPED"
	StatusFailed    Status = "FAILED"
)

func statusFromPhase(p runner.Phase) Status {
	switch p {
	case runner.PhaseCreated:
		return StatusPending
	case runner.PhaseWarmup, runner.PhaseRunning:
		return StatusRunning
	case runner.PhaseDraining:
		return StatusStopping
	case runner.PhaseCompleted:
		return StatusCompleted
	case runner.PhaseStopped:
		return StatusStopped
	case runner.PhaseFailed:
		return StatusFailed
	default:
		return StatusFailed
	}
}

func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusFailed:
		return true
	default:
		return false
	}
}

// EventStatus is the narrower lifecycle vocabulary used by StatusEvent,
// distinct from Status's wire vocabulary (which also has PENDING and
// STOPPING, transient states a lifecycle subscriber doesn't need a
// dedicated event for).
type EventStatus string

const (
	EventStarted   EventStatus = "STARTED"
	EventStopped   EventStatus = "STOPPED"
	EventCompleted EventStatus = "COMPLETED"
	EventFailed    EventStatus = "FAILED"
)

// StatusEvent reports a run's lifecycle transitions, independent of the
// metrics stream.
type StatusEvent struct {
	TestID      string
	Status      EventStatus
	TimestampMs int64
	Data        map[string]any
}

// TestStatus is a point-in-time view of a run, suitable for JSON
// serialization by the REST surface.
type TestStatus struct {
	TestID    string
	Status    Status
	StartedAt time.Time
	Elapsed   time.Duration
	Config    runner.TestConfig
	Metrics   metrics.Snapshot
	Active    int64
}

// Brief is the summary shown in ListActive.
type Brief struct {
	TestID    string
	Status    Status
	StartedAt time.Time
	TaskType  string
}

type entry struct {
	id     string
	runner *runner.Runner
	pub    *publisher.Publisher
	cancel context.CancelFunc

	statusMu   sync.Mutex
	statusSubs map[int64]chan StatusEvent
	nextSubID  int64
}

// Service owns the concurrent id -> run mapping. Access is guarded by a
// single RWMutex: the teacher's FNV-sharded map exists to avoid lock
// contention across many concurrently-rate-limited domains, a problem
// this service doesn't have — the number of concurrently-running tests
// is orders of magnitude smaller than the number of domains a crawler
// might rate-limit, so one mutex is sufficient here.
type Service struct {
	clock clock.Clock

	mu   sync.RWMutex
	runs map[string]*entry
}

// New creates an empty Service. clk may be nil to use the real clock.
func New(clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{clock: clk, runs: make(map[string]*entry)}
}

// Start validates cfg, builds a Runner, assigns it a new opaque id, and
// launches it on a background goroutine. It returns immediately with
// the new id; initialization failures (bad config, unknown task type)
// are returned synchronously and create no run.
func (s *Service) Start(cfg runner.TestConfig) (string, error) {
	r, err := runner.New(cfg, s.clock)
	if err != nil {
		return "", err
	}

	id, err := newID()
	if err != nil {
		return "", fmt.Errorf("service: generating test id: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pub := publisher.New(r.Collector(), publishInterval, s.clock, r.Active)
	e := &entry{
		id:         id,
		runner:     r,
		pub:        pub,
		cancel:     cancel,
		statusSubs: make(map[int64]chan StatusEvent),
	}

	s.mu.Lock()
	s.runs[id] = e
	s.mu.Unlock()

	s.broadcastStatus(e, EventStarted, nil)
	go pub.Run(ctx)
	go s.runEntry(ctx, e)

	return id, nil
}

func (s *Service) runEntry(ctx context.Context, e *entry) {
	_ = e.runner.Run(ctx)
	e.pub.Publish(e.runner.Collector().Snapshot())
	e.pub.Stop()
	e.cancel()

	var final EventStatus
	switch statusFromPhase(e.runner.Phase()) {
	case StatusCompleted:
		final = EventCompleted
	case StatusStopped:
		final = EventStopped
	default:
		final = EventFailed
	}
	s.broadcastStatus(e, final, nil)
}

// Status returns the current view of id, and whether it was found.
func (s *Service) Status(id string) (TestStatus, bool) {
	s.mu.RLock()
	e, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return TestStatus{}, false
	}
	st := e.runner.Status()
	return TestStatus{
		TestID:    id,
		Status:    statusFromPhase(st.Phase),
		StartedAt: st.StartedAt,
		Elapsed:   st.Elapsed,
		Config:    st.Config,
		Metrics:   st.Metrics,
		Active:    st.Active,
	}, true
}

// Stop flips id's cancel flag, returning true iff id exists and was not
// already in a terminal state.
func (s *Service) Stop(id string) bool {
	s.mu.RLock()
	e, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if statusFromPhase(e.runner.Phase()).terminal() {
		return false
	}
	e.runner.Stop()
	return true
}

// ListActive returns a brief for every run not yet in a terminal state.
// Terminal runs remain queryable via Status until the process restarts;
// "active registry" in the spec's data model is this filtered view, not
// literal removal from storage, so a caller can still retrieve a final
// snapshot shortly after a run completes.
func (s *Service) ListActive() map[string]Brief {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Brief)
	for id, e := range s.runs {
		st := statusFromPhase(e.runner.Phase())
		if st.terminal() {
			continue
		}
		rs := e.runner.Status()
		out[id] = Brief{TestID: id, Status: st, StartedAt: rs.StartedAt, TaskType: rs.Config.TaskType}
	}
	return out
}

// Subscribe returns a channel of metrics snapshots for id and an
// unsubscribe function, or ok=false if id is unknown.
func (s *Service) Subscribe(id string, buffer int) (ch <-chan metrics.Snapshot, unsubscribe func(), ok bool) {
	s.mu.RLock()
	e, found := s.runs[id]
	s.mu.RUnlock()
	if !found {
		return nil, nil, false
	}
	sub := e.pub.Subscribe(buffer)
	return sub.C(), sub.Close, true
}

// StatusEvents returns a channel of lifecycle transitions for id and an
// unsubscribe function, or ok=false if id is unknown.
func (s *Service) StatusEvents(id string) (ch <-chan StatusEvent, unsubscribe func(), ok bool) {
	s.mu.RLock()
	e, found := s.runs[id]
	s.mu.RUnlock()
	if !found {
		return nil, nil, false
	}

	e.statusMu.Lock()
	e.nextSubID++
	subID := e.nextSubID
	c := make(chan StatusEvent, 4)
	e.statusSubs[subID] = c
	e.statusMu.Unlock()

	unsub := func() {
		e.statusMu.Lock()
		if existing, ok := e.statusSubs[subID]; ok {
			delete(e.statusSubs, subID)
			close(existing)
		}
		e.statusMu.Unlock()
	}
	return c, unsub, true
}

func (s *Service) broadcastStatus(e *entry, status EventStatus, data map[string]any) {
	evt := StatusEvent{TestID: e.id, Status: status, TimestampMs: s.clock.Now().UnixMilli(), Data: data}
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	for _, c := range e.statusSubs {
		select {
		case c <- evt:
		default:
			// Drop the oldest queued event to make room, same policy as
			// the metrics publisher's subscriber channels.
			select {
			case <-c:
				c <- evt
			default:
			}
		}
	}
}

// newID returns a 12-byte, crypto/rand-backed hex id.
func newID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
