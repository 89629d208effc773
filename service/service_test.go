package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/loadgen/clock"
	"github.com/99souls/loadgen/ramp"
	"github.com/99souls/loadgen/runner"
)

func quickConfig() runner.TestConfig {
	return runner.TestConfig{
		TaskType:            "sleep",
		TaskParam:           "0s",
		MaxConcurrency:      10,
		StartingConcurrency: 10,
		Duration:            time.Second,
		RampStrategy:        ramp.NewConstant(10),
	}
}

func waitForStatus(t *testing.T, svc *Service, id string, want Status, timeout time.Duration) TestStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, ok := svc.Status(id)
		require.True(t, ok)
		if st.Status == want {
			return st
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("status never reached %s for %s", want, id)
	return TestStatus{}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	svc := New(clock.Real())
	cfg := quickConfig()
	cfg.MaxConcurrency = 0
	_, err := svc.Start(cfg)
	assert.Error(t, err)
}

func TestStartRunsToCompletion(t *testing.T) {
	svc := New(clock.Real())
	id, err := svc.Start(quickConfig())
	require.NoError(t, err)

	st := waitForStatus(t, svc, id, StatusCompleted, 2*time.Second)
	assert.Greater(t, st.Metrics.Total, int64(0))
}

func TestListActiveExcludesTerminalRuns(t *testing.T) {
	svc := New(clock.Real())
	id, err := svc.Start(quickConfig())
	require.NoError(t, err)

	active := svc.ListActive()
	_, present := active[id]
	assert.True(t, present)

	waitForStatus(t, svc, id, StatusCompleted, 2*time.Second)

	active = svc.ListActive()
	_, present = active[id]
	assert.False(t, present)

	// Status still works after the run leaves the active view.
	_, ok := svc.Status(id)
	assert.True(t, ok)
}

func TestStopReturnsFalseForUnknownOrTerminalRun(t *testing.T) {
	svc := New(clock.Real())
	assert.False(t, svc.Stop("not-a-real-id"))

	cfg := quickConfig()
	id, err := svc.Start(cfg)
	require.NoError(t, err)
	waitForStatus(t, svc, id, StatusCompleted, 2*time.Second)
	assert.False(t, svc.Stop(id))
}

func TestStopStopsALongRun(t *testing.T) {
	svc := New(clock.Real())
	cfg := quickConfig()
	cfg.Duration = time.Minute
	id, err := svc.Start(cfg)
	require.NoError(t, err)

	assert.True(t, svc.Stop(id))
	waitForStatus(t, svc, id, StatusStopped, 2*time.Second)
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	svc := New(clock.Real())
	cfg := quickConfig()
	cfg.Duration = time.Second
	id, err := svc.Start(cfg)
	require.NoError(t, err)

	ch, unsubscribe, ok := svc.Subscribe(id, 4)
	require.True(t, ok)
	defer unsubscribe()

	select {
	case snap := <-ch:
		assert.False(t, snap.TakenAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
	}
}

func TestSubscribeUnknownIDFails(t *testing.T) {
	svc := New(clock.Real())
	_, _, ok := svc.Subscribe("missing", 4)
	assert.False(t, ok)
}

func TestStatusEventsReportsLifecycle(t *testing.T) {
	svc := New(clock.Real())
	cfg := quickConfig()
	cfg.Duration = time.Second
	id, err := svc.Start(cfg)
	require.NoError(t, err)

	events, unsubscribe, ok := svc.StatusEvents(id)
	require.True(t, ok)
	defer unsubscribe()

	// The terminal event follows the 1s run plus up to one 500ms
	// publisher interval while the publisher shuts down.
	select {
	case evt := <-events:
		assert.Equal(t, id, evt.TestID)
		assert.Equal(t, EventCompleted, evt.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal status event delivered")
	}
}
