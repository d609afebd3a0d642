package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/elonfeng/starcrawler/pkg/source"
)

const tracerName = "github.com/elonfeng/starcrawler/internal/crawler"

// QuotaGate is the rate budget as seen by the fetcher.
type QuotaGate interface {
	Acquire(ctx context.Context) error
	Observe(limit, remaining int, resetAt time.Time)
	ObserveMissing()
}

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	PageSize  int
	ResultCap int
	// Qualifiers are prepended to every window query.
	Qualifiers string
	// EarlySplit gives up on a splittable window as soon as the first page reports more than ResultCap matches.
	EarlySplit bool

	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxElapsed bounds all attempts for one page.
	MaxElapsed time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

// Result is the outcome of draining one window.
type Result struct {
	Items      []source.Repository
	TotalCount int
	CapHit     bool
	Pages      int
}

// WindowError is a window whose fetch failed for good.
type WindowError struct {
	Window Window
	Err    error
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("window %s: %v", e.Window, e.Err)
}

func (e *WindowError) Unwrap() error { return e.Err }

// Fetcher paginates windows through a Searcher.
type Fetcher struct {
	searcher source.Searcher
	gate     QuotaGate
	opts     FetcherOptions
	logger   *slog.Logger
	metrics  *Metrics
}

// NewFetcher creates a Fetcher.
func NewFetcher(s source.Searcher, gate QuotaGate, opts FetcherOptions) *Fetcher {
	if opts.PageSize <= 0 || opts.PageSize > 100 {
		opts.PageSize = 100
	}
	if opts.ResultCap <= 0 {
		opts.ResultCap = 1000
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 1500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Hour
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 2 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Fetcher{searcher: s, gate: gate, opts: opts, logger: logger, metrics: metrics}
}

// Fetch drains w page by page. CapHit is set when the result ceiling stops
// pagination with matches left over; splittable tells the fetcher whether
// the caller could act on an early cap signal.
func (f *Fetcher) Fetch(ctx context.Context, w Window, splittable bool) (*Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "crawl.window")
	defer span.End()
	span.SetAttributes(
		attribute.String("window", w.String()),
		attribute.Int("window.depth", w.Depth),
	)

	res, err := f.fetch(ctx, w, splittable)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &WindowError{Window: w, Err: err}
	}
	span.SetAttributes(
		attribute.Int("window.total_count", res.TotalCount),
		attribute.Int("window.items", len(res.Items)),
		attribute.Bool("window.cap_hit", res.CapHit),
	)
	return res, nil
}

func (f *Fetcher) fetch(ctx context.Context, w Window, splittable bool) (*Result, error) {
	res := &Result{}
	query := w.Query(f.opts.Qualifiers)
	cursor := ""

	for {
		first := min(f.opts.PageSize, f.opts.ResultCap-len(res.Items))
		page, err := f.page(ctx, source.SearchRequest{Query: query, First: first, After: cursor})
		if err != nil {
			return nil, err
		}
		res.Pages++
		if res.Pages == 1 {
			res.TotalCount = page.TotalCount
			if f.opts.EarlySplit && splittable && page.TotalCount > f.opts.ResultCap {
				res.CapHit = true
				return res, nil
			}
		}

		res.Items = append(res.Items, page.Repositories...)
		more := page.HasNextPage && page.EndCursor != "" && len(page.Repositories) > 0
		if len(res.Items) >= f.opts.ResultCap {
			// The upstream may stop offering cursors at the ceiling; the
			// reported total still tells us matches were left behind.
			if more || res.TotalCount > f.opts.ResultCap {
				res.Items = res.Items[:f.opts.ResultCap]
				res.CapHit = true
			}
			return res, nil
		}
		if !more {
			return res, nil
		}
		cursor = page.EndCursor
	}
}

// TopStars returns the highest star count among repositories matching root's
// creation range and lower star bound.
func (f *Fetcher) TopStars(ctx context.Context, root Window) (int, bool, error) {
	query := strings.TrimSpace(fmt.Sprintf("%s stars:>=%d created:%s..%s sort:stars-desc",
		f.opts.Qualifiers, root.Lo, root.From.Format(time.DateOnly), root.To.Format(time.DateOnly)))
	page, err := f.page(ctx, source.SearchRequest{Query: query, First: 1})
	if err != nil {
		return 0, false, fmt.Errorf("find top stars: %w", err)
	}
	if len(page.Repositories) == 0 {
		return 0, false, nil
	}
	return page.Repositories[0].Stars, true, nil
}

// page fetches one page with retries. The request, cursor included, is
// re-issued unchanged, so a retry resumes where the window left off.
func (f *Fetcher) page(ctx context.Context, req source.SearchRequest) (*source.SearchPage, error) {
	op := func() (*source.SearchPage, error) {
		if err := f.gate.Acquire(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		page, err := f.searcher.Search(ctx, req)
		if err != nil {
			if rl, ok := source.RateLimitOf(err); ok {
				f.gate.Observe(rl.Limit, rl.Remaining, rl.ResetAt)
			}
			if !source.IsTransient(err) {
				return nil, backoff.Permanent(err)
			}
			if hint, ok := source.RetryAfterHint(err); ok {
				return nil, errors.Join(err, backoff.RetryAfter(f.retryAfterSeconds(hint)))
			}
			return nil, err
		}
		f.observe(page)
		return page, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.opts.BaseBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.3
	bo.MaxInterval = f.opts.MaxBackoff

	page, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(f.opts.MaxAttempts)),
		backoff.WithMaxElapsedTime(f.opts.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.metrics.retries.Inc()
			f.logger.Warn("search retry", "query", req.Query, "cursor", req.After, "wait", next, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	f.metrics.pages.Inc()
	return page, nil
}

func (f *Fetcher) retryAfterSeconds(d time.Duration) int {
	if d > f.opts.MaxBackoff {
		d = f.opts.MaxBackoff
	}
	return int(math.Ceil(d.Seconds()))
}

func (f *Fetcher) observe(page *source.SearchPage) {
	if page.RateLimit == nil {
		f.gate.ObserveMissing()
		return
	}
	f.gate.Observe(page.RateLimit.Limit, page.RateLimit.Remaining, page.RateLimit.ResetAt)
	f.metrics.budgetRemaining.Set(float64(page.RateLimit.Remaining))
}
