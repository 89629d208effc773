package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/loadgen/clock"
	"github.com/99souls/loadgen/metrics"
	"github.com/99souls/loadgen/task"
)

func TestPublisherDeliversToSubscriber(t *testing.T) {
	c := metrics.New()
	c.Record(task.Result{Success: true, Latency: time.Millisecond})

	p := New(c, time.Hour, clock.Real(), nil)
	sub := p.Subscribe(4)
	defer sub.Close()

	p.Publish(c.Snapshot())

	select {
	case snap := <-sub.C():
		assert.EqualValues(t, 1, snap.Total)
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot")
	}
}

func TestPublisherAttachesActiveTasks(t *testing.T) {
	c := metrics.New()
	p := New(c, time.Hour, clock.Real(), func() int64 { return 7 })
	sub := p.Subscribe(4)
	defer sub.Close()

	p.Publish(c.Snapshot())

	select {
	case snap := <-sub.C():
		assert.EqualValues(t, 7, snap.ActiveTasks)
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot")
	}
}

func TestPublisherDropsOldestWhenFull(t *testing.T) {
	c := metrics.New()
	p := New(c, time.Hour, clock.Real(), nil)
	sub := p.Subscribe(1)
	defer sub.Close()

	p.Publish(metrics.Snapshot{Total: 1})
	p.Publish(metrics.Snapshot{Total: 2})

	snap := <-sub.C()
	assert.EqualValues(t, 2, snap.Total)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.PerSubscriberDrops[sub.ID()])
}

func TestPublisherRunSamplesOnInterval(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c := metrics.New()
	c.Record(task.Result{Success: true})

	p := New(c, 100*time.Millisecond, fc, nil)
	sub := p.Subscribe(4)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	fc.Advance(100 * time.Millisecond)

	select {
	case snap := <-sub.C():
		assert.EqualValues(t, 1, snap.Total)
	case <-time.After(time.Second):
		t.Fatal("expected a sampled snapshot")
	}

	cancel()
	<-done
}

func TestPublisherStatsTracksSubscriberCount(t *testing.T) {
	c := metrics.New()
	p := New(c, time.Hour, clock.Real(), nil)
	sub1 := p.Subscribe(1)
	sub2 := p.Subscribe(1)

	assert.EqualValues(t, 2, p.Stats().Subscribers)
	sub1.Close()
	assert.EqualValues(t, 1, p.Stats().Subscribers)
	sub2.Close()
}

func TestPublisherUnsubscribeClosesChannel(t *testing.T) {
	c := metrics.New()
	p := New(c, time.Hour, clock.Real(), nil)
	sub := p.Subscribe(1)
	sub.Close()

	_, ok := <-sub.C()
	require.False(t, ok)
}
