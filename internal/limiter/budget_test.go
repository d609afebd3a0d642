package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireDecrementsKnownQuota(t *testing.T) {
	b := New(Options{Reserve: 2})
	b.Observe(5000, 10, time.Now().Add(time.Hour))

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Acquire(context.Background()))
	}
	assert.Equal(t, 7, b.State().Remaining)
}

func TestAcquireSuspendsUntilReset(t *testing.T) {
	b := New(Options{})
	var waited time.Duration
	b.OnWait(func(d time.Duration) { waited = d })

	reset := time.Now().Add(200 * time.Millisecond)
	b.Observe(5000, 0, reset)

	start := time.Now()
	require.NoError(t, b.Acquire(context.Background()))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 190*time.Millisecond)
	assert.False(t, time.Now().Before(reset))
	assert.Greater(t, waited, time.Duration(0))
	assert.Equal(t, 4999, b.State().Remaining, "quota restored from the last known limit")
}

func TestAcquireKeepsReserve(t *testing.T) {
	b := New(Options{Reserve: 5})
	b.Observe(5000, 5, time.Now().Add(150*time.Millisecond))

	start := time.Now()
	require.NoError(t, b.Acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}

func TestAcquireWaitIsCapped(t *testing.T) {
	b := New(Options{MaxWait: 50 * time.Millisecond})
	b.Observe(5000, 0, time.Now().Add(time.Hour))

	start := time.Now()
	require.NoError(t, b.Acquire(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAcquireHonoursCancellation(t *testing.T) {
	b := New(Options{})
	b.Observe(5000, 0, time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := b.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquireFallbackPacingWithoutQuota(t *testing.T) {
	b := New(Options{FallbackInterval: 100 * time.Millisecond})

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Acquire(context.Background()))
	}
	// First token is immediate, the next two are spaced.
	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)
	assert.False(t, b.State().Known)
}

func TestObserveMissingRevertsToFallback(t *testing.T) {
	b := New(Options{})
	b.Observe(5000, 4000, time.Now().Add(time.Hour))
	require.True(t, b.State().Known)
	b.ObserveMissing()
	assert.False(t, b.State().Known)
}

func TestObserveIgnoresStaleHigherRemaining(t *testing.T) {
	b := New(Options{})
	reset := time.Now().Add(time.Hour)
	b.Observe(5000, 100, reset)
	b.Observe(5000, 120, reset)
	assert.Equal(t, 100, b.State().Remaining)

	next := reset.Add(time.Hour)
	b.Observe(5000, 4999, next)
	assert.Equal(t, 4999, b.State().Remaining)
}

func TestAcquireSharedAcrossWorkers(t *testing.T) {
	b := New(Options{Reserve: 0})
	b.Observe(5000, 40, time.Now().Add(time.Hour))

	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if b.Acquire(context.Background()) == nil {
					granted.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(40), granted.Load())
	assert.Equal(t, 0, b.State().Remaining)
}
