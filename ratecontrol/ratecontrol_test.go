package ratecontrol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/99souls/loadgen/clock"
)

func TestNewRejectsNonPositiveTPS(t *testing.T) {
	_, err := New(0, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidTargetTPS)

	_, err = New(-5, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidTargetTPS)
}

func TestAcquireFixedRatePaces(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c, err := New(100, 0, fc)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		done := make(chan error, 1)
		go func() { done <- c.Acquire(context.Background()) }()

		unblocked := false
		for j := 0; j < 1000; j++ {
			select {
			case err := <-done:
				require.NoError(t, err)
				unblocked = true
			default:
				fc.Advance(time.Millisecond)
			}
			if unblocked {
				break
			}
		}
		require.True(t, unblocked, "acquire never unblocked")
	}

	snap := c.Snapshot()
	assert.EqualValues(t, 10, snap.Issued)
	assert.Equal(t, 100.0, snap.EffectiveTPS)
}

func TestEffectiveTPSRampsLinearly(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c, err := New(100, 10*time.Second, fc)
	require.NoError(t, err)

	assert.Equal(t, 1.0, c.effectiveTPS(0))
	assert.InDelta(t, 50.5, c.effectiveTPS(5*time.Second), 0.01)
	assert.Equal(t, 100.0, c.effectiveTPS(10*time.Second))
	assert.Equal(t, 100.0, c.effectiveTPS(20*time.Second))
}

func TestEffectiveTPSNoRampIsImmediatelyAtTarget(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c, err := New(42, 0, fc)
	require.NoError(t, err)

	assert.Equal(t, 42.0, c.effectiveTPS(0))
	assert.Equal(t, 42.0, c.effectiveTPS(time.Hour))
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c, err := New(1, 0, fc)
	require.NoError(t, err)

	// Drain the first immediate slot.
	require.NoError(t, c.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Acquire(ctx) }()

	// Give the goroutine a chance to reach its sleep before cancelling.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancellation did not unblock acquire")
	}
}

func TestStopUnblocksWaitersAndRejectsFurtherAcquires(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c, err := New(1, 0, fc)
	require.NoError(t, err)

	require.NoError(t, c.Acquire(context.Background()))

	done := make(chan error, 1)
	go func() { done <- c.Acquire(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	c.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("stop did not unblock acquire")
	}

	err = c.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestResetClearsCountersAndRebasesElapsed(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c, err := New(10, 0, fc)
	require.NoError(t, err)

	require.NoError(t, c.Acquire(context.Background()))
	// At 10tps the second slot is 100ms out; advance so it is due now.
	fc.Advance(100 * time.Millisecond)
	require.NoError(t, c.Acquire(context.Background()))

	fc.Advance(time.Second)
	c.Reset()

	snap := c.Snapshot()
	assert.EqualValues(t, 0, snap.Issued)
	assert.EqualValues(t, 0, snap.Throttled)
}

func TestAcquireConcurrentCallersAllComplete(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	c, err := New(50, 0, fc)
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Acquire(context.Background())
		}(i)
	}

	for j := 0; j < 2000; j++ {
		fc.Advance(time.Millisecond)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	snap := c.Snapshot()
	assert.EqualValues(t, n, snap.Issued)
}
