// Package limiter gates outgoing API requests against a shared, server-reported quota.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Options configures a Budget.
type Options struct {
	// Reserve is the number of quota points left untouched before waiting for reset.
	Reserve int
	// SafetyMargin is added to every reset wait.
	SafetyMargin time.Duration
	// MaxWait caps a single suspension.
	MaxWait time.Duration
	// MinInterval spaces consecutive requests even with quota to spare.
	MinInterval time.Duration
	// FallbackInterval paces requests while the quota is unknown.
	FallbackInterval time.Duration
}

// Budget is a quota tracker shared by every worker of one run.
type Budget struct {
	mu        sync.Mutex
	known     bool
	limit     int
	remaining int
	resetAt   time.Time

	opts     Options
	pace     *rate.Limiter
	fallback *rate.Limiter
	now      func() time.Time
	onWait   func(time.Duration)
}

// New creates a Budget. The quota is unknown until the first Observe.
func New(opts Options) *Budget {
	if opts.MaxWait <= 0 {
		opts.MaxWait = time.Hour
	}
	if opts.FallbackInterval <= 0 {
		opts.FallbackInterval = time.Second
	}
	return &Budget{
		opts:     opts,
		pace:     newLimiter(opts.MinInterval),
		fallback: newLimiter(opts.FallbackInterval),
		now:      time.Now,
	}
}

func newLimiter(every time.Duration) *rate.Limiter {
	if every <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(every), 1)
}

// OnWait registers a hook called with the length of every quota suspension.
func (b *Budget) OnWait(fn func(time.Duration)) {
	b.mu.Lock()
	b.onWait = fn
	b.mu.Unlock()
}

// Acquire blocks until one request may be sent and takes a unit of quota.
func (b *Budget) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		if !b.known {
			b.mu.Unlock()
			if err := b.fallback.Wait(ctx); err != nil {
				return fmt.Errorf("fallback pacing: %w", err)
			}
			return b.waitPace(ctx)
		}

		now := b.now()
		if !now.Before(b.resetAt) && b.remaining <= b.opts.Reserve {
			if b.limit <= b.opts.Reserve {
				// No usable limit to restore; pace blindly until a response reports one.
				b.known = false
				b.mu.Unlock()
				continue
			}
			// The window rolled over; trust the last known limit until the next response.
			b.remaining = b.limit
			b.resetAt = now.Add(time.Hour)
		}
		if b.remaining > b.opts.Reserve {
			b.remaining--
			b.mu.Unlock()
			return b.waitPace(ctx)
		}

		wait := b.resetAt.Sub(now) + b.opts.SafetyMargin
		if wait > b.opts.MaxWait {
			wait = b.opts.MaxWait
		}
		hook := b.onWait
		b.mu.Unlock()

		if hook != nil {
			hook(wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		b.mu.Lock()
		if b.now().Before(b.resetAt) {
			// MaxWait elapsed first; go ahead and let the next response correct the quota.
			b.resetAt = b.now()
		}
		b.mu.Unlock()
	}
}

func (b *Budget) waitPace(ctx context.Context) error {
	if err := b.pace.Wait(ctx); err != nil {
		return fmt.Errorf("request pacing: %w", err)
	}
	return nil
}

// Observe records the authoritative quota from a response.
func (b *Budget) Observe(limit, remaining int, resetAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit > 0 {
		b.limit = limit
	} else if b.limit == 0 {
		b.limit = remaining
	}
	// Within one reset window the quota only goes down; late responses must not raise it.
	if b.known && resetAt.Equal(b.resetAt) && remaining > b.remaining {
		return
	}
	b.known = true
	b.remaining = remaining
	b.resetAt = resetAt
}

// ObserveMissing switches to fallback pacing after a response without quota data.
func (b *Budget) ObserveMissing() {
	b.mu.Lock()
	b.known = false
	b.mu.Unlock()
}

// State is a point-in-time view of the budget.
type State struct {
	Known     bool
	Remaining int
	ResetAt   time.Time
}

// State returns the tracked quota.
func (b *Budget) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{Known: b.known, Remaining: b.remaining, ResetAt: b.resetAt}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
