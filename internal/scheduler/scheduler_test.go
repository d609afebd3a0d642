package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/elonfeng/starcrawler/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []time.Time
	targets []int
	results []error
	release chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, target int) (*store.Run, error) {
	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, time.Now())
	f.targets = append(f.targets, target)
	var err error
	if n < len(f.results) {
		err = f.results[n]
	}
	release := f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
	status := store.RunCompleted
	if err != nil {
		status = store.RunFailed
	}
	return &store.Run{ID: int64(n + 1), Target: target, Status: status}, err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) times() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}

func TestSchedulerRunsImmediatelyThenOnInterval(t *testing.T) {
	r := &fakeRunner{}
	s := New(NewGuard(r), 42, 30*time.Millisecond, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return r.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	calls := r.times()
	assert.GreaterOrEqual(t, calls[1].Sub(calls[0]), 25*time.Millisecond)
	assert.Equal(t, 42, r.targets[0])
}

func TestSchedulerRetriesSoonerAfterFailure(t *testing.T) {
	r := &fakeRunner{results: []error{errors.New("window stars:0..5 failed")}}
	s := New(NewGuard(r), 10, time.Hour, 20*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return r.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestSchedulerStopsWhileWaiting(t *testing.T) {
	r := &fakeRunner{}
	s := New(NewGuard(r), 10, time.Hour, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, 1, r.count())
}

func TestGuardRejectsOverlap(t *testing.T) {
	r := &fakeRunner{release: make(chan struct{})}
	g := NewGuard(r)

	done, err := g.Start(context.Background(), 5)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, time.Millisecond)
	assert.True(t, g.Busy())

	_, err = g.Run(context.Background(), 5)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = g.Start(context.Background(), 5)
	assert.ErrorIs(t, err, ErrBusy)

	close(r.release)
	<-done
	g.Wait()
	assert.False(t, g.Busy())
	require.NotNil(t, g.Last())
	assert.Equal(t, int64(1), g.Last().ID)

	run, err := g.Run(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, run.Target)
}
