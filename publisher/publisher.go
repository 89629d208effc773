// Package publisher periodically samples a metrics.Collector and fans
// the resulting snapshot out to subscribers, such as the REST API's
// server-sent-events stream. Each subscriber has its own bounded
// channel; a slow subscriber drops its oldest buffered snapshot to make
// room for the newest one rather than blocking publication for anyone
// else.
package publisher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/99souls/loadgen/clock"
	"github.com/99souls/loadgen/metrics"
)

const defaultSubscriberBuffer = 16

// Subscription is a handle to a registered subscriber.
type Subscription interface {
	C() <-chan metrics.Snapshot
	Close()
	ID() int64
}

// Stats summarizes publisher activity for observability.
type Stats struct {
	Subscribers        int64
	Published          uint64
	Dropped            uint64
	PerSubscriberDrops map[int64]uint64
}

// ActiveFunc reports the number of tasks currently running, sampled
// once per publish so every subscriber sees it paired with the same
// snapshot.
type ActiveFunc func() int64

// Publisher samples a collector at a fixed cadence and republishes the
// snapshot to every subscriber, augmenting it with the active task
// count active reports.
type Publisher struct {
	collector *metrics.Collector
	clock     clock.Clock
	interval  time.Duration
	active    ActiveFunc

	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID int64

	published atomic.Uint64
	dropped   atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Publisher that samples collector every interval,
// attaching active's value to each snapshot before fan-out. active may
// be nil, leaving ActiveTasks at its zero value.
func New(collector *metrics.Collector, interval time.Duration, clk clock.Clock, active ActiveFunc) *Publisher {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = time.Second
	}
	if active == nil {
		active = func() int64 { return 0 }
	}
	return &Publisher{
		collector: collector,
		clock:     clk,
		interval:  interval,
		active:    active,
		subs:      make(map[int64]*subscriber),
		stopCh:    make(chan struct{}),
	}
}

// Run samples and publishes until ctx is cancelled or Stop is called.
// It is meant to be run in its own goroutine.
func (p *Publisher) Run(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()
	for {
		if !p.clock.SleepContext(ctx, p.interval) {
			return
		}
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		p.publish(p.collector.Snapshot())
	}
}

// Publish pushes snap to every subscriber immediately, independent of
// the sampling loop. Used by callers that want an out-of-band update,
// such as a final snapshot emitted when a run terminates.
func (p *Publisher) Publish(snap metrics.Snapshot) {
	p.publish(snap)
}

func (p *Publisher) publish(snap metrics.Snapshot) {
	snap.ActiveTasks = p.active()

	p.mu.RLock()
	subs := make([]*subscriber, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.RUnlock()

	p.published.Add(1)
	for _, s := range subs {
		s.deliver(snap, &p.dropped)
	}
}

// Subscribe registers a new subscriber with the given channel buffer
// size (defaultSubscriberBuffer if buffer <= 0).
func (p *Publisher) Subscribe(buffer int) Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	sub := &subscriber{id: p.nextID, ch: make(chan metrics.Snapshot, buffer), pub: p}
	p.subs[sub.id] = sub
	return sub
}

func (p *Publisher) unsubscribe(id int64) {
	p.mu.Lock()
	s, ok := p.subs[id]
	delete(p.subs, id)
	p.mu.Unlock()
	if ok {
		close(s.ch)
	}
}

// Stats returns current publisher counters.
func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := Stats{
		Subscribers:        int64(len(p.subs)),
		Published:          p.published.Load(),
		Dropped:            p.dropped.Load(),
		PerSubscriberDrops: make(map[int64]uint64, len(p.subs)),
	}
	for id, s := range p.subs {
		stats.PerSubscriberDrops[id] = s.dropped.Load()
	}
	return stats
}

// Stop halts the sampling loop and waits for Run to return.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

type subscriber struct {
	id      int64
	ch      chan metrics.Snapshot
	pub     *Publisher
	dropped atomic.Uint64
}

func (s *subscriber) C() <-chan metrics.Snapshot { return s.ch }
func (s *subscriber) ID() int64                  { return s.id }
func (s *subscriber) Close()                     { s.pub.unsubscribe(s.id) }

// deliver sends snap to the subscriber, dropping the oldest buffered
// snapshot if the channel is full so the newest value always wins.
func (s *subscriber) deliver(snap metrics.Snapshot, busDropped *atomic.Uint64) {
	for {
		select {
		case s.ch <- snap:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
			busDropped.Add(1)
		default:
			// Someone else drained concurrently; retry the send.
		}
	}
}
