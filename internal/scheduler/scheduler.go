package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/elonfeng/starcrawler/internal/store"
)

// ErrBusy is returned when a run is requested while another is in progress.
var ErrBusy = errors.New("scheduler: a crawl run is already in progress")

// Runner executes one bounded crawl.
type Runner interface {
	Run(ctx context.Context, target int) (*store.Run, error)
}

// Guard lets at most one run execute at a time across continuous mode and
// on-demand triggers.
type Guard struct {
	runner Runner

	mu      sync.Mutex
	running bool
	last    *store.Run
	wg      sync.WaitGroup
}

// NewGuard wraps r.
func NewGuard(r Runner) *Guard {
	return &Guard{runner: r}
}

// Run executes a run in the caller's goroutine, or returns ErrBusy.
func (g *Guard) Run(ctx context.Context, target int) (*store.Run, error) {
	if !g.acquire() {
		return nil, ErrBusy
	}
	return g.execute(ctx, target)
}

// Start launches a run in the background, or returns ErrBusy. The returned
// channel is closed when the run finishes.
func (g *Guard) Start(ctx context.Context, target int) (<-chan struct{}, error) {
	if !g.acquire() {
		return nil, ErrBusy
	}
	done := make(chan struct{})
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer close(done)
		g.execute(ctx, target)
	}()
	return done, nil
}

// Busy reports whether a run is in progress.
func (g *Guard) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Last returns the most recently finished run, or nil.
func (g *Guard) Last() *store.Run {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Wait blocks until background runs started with Start have finished.
func (g *Guard) Wait() {
	g.wg.Wait()
}

func (g *Guard) acquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return false
	}
	g.running = true
	return true
}

func (g *Guard) execute(ctx context.Context, target int) (*store.Run, error) {
	run, err := g.runner.Run(ctx, target)
	g.mu.Lock()
	g.running = false
	if run != nil {
		g.last = run
	}
	g.mu.Unlock()
	return run, err
}

// Scheduler repeats bounded runs: one immediately, then one per interval.
type Scheduler struct {
	guard        *Guard
	target       int
	interval     time.Duration
	failureRetry time.Duration
	logger       *slog.Logger
}

// New creates a new scheduler.
func New(guard *Guard, target int, interval, failureRetry time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if failureRetry <= 0 {
		failureRetry = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		guard:        guard,
		target:       target,
		interval:     interval,
		failureRetry: failureRetry,
		logger:       logger,
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler running", "interval", s.interval, "target", s.target)
	for {
		wait := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		}

		s.logger.Info("next run scheduled", "in", wait.Round(time.Second))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// runOnce executes one run and returns how long to wait before the next.
func (s *Scheduler) runOnce(ctx context.Context) time.Duration {
	start := time.Now()
	run, err := s.guard.Run(ctx, s.target)
	switch {
	case errors.Is(err, ErrBusy):
		s.logger.Info("run skipped, another run is in progress")
		return min(s.interval, s.failureRetry)
	case err != nil:
		attrs := []any{"error", err}
		if run != nil {
			attrs = append(attrs, "run_id", run.ID, "status", run.Status)
		}
		s.logger.Error("scheduled run failed", attrs...)
		return min(s.interval, s.failureRetry)
	}
	s.logger.Info("scheduled run completed", "run_id", run.ID, "repos", run.RepoCount,
		"partitions", run.PartitionCount, "elapsed", time.Since(start).Round(time.Second))
	return max(s.interval-time.Since(start), 0)
}
