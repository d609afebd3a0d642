package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/elonfeng/starcrawler/internal/store"
	"github.com/elonfeng/starcrawler/pkg/source"
)

// maxTruncatedListed bounds the truncated_windows metadata entry.
const maxTruncatedListed = 50

// Source is what the orchestrator needs from a fetcher.
type Source interface {
	WindowFetcher
	TopStars(ctx context.Context, root Window) (int, bool, error)
}

// SnapshotPublisher receives every batch of newly recorded snapshots.
type SnapshotPublisher interface {
	PublishSnapshots(ctx context.Context, date time.Time, repos []source.Repository) error
}

// RunNotifier is told about every finished run.
type RunNotifier interface {
	NotifyRun(ctx context.Context, run *store.Run) error
}

// Config describes the domain and shape of a run.
type Config struct {
	MinStars    int
	CreatedFrom time.Time

	Workers      int
	MaxDepth     int
	Order        Order
	DrainTimeout time.Duration
	LogEvery     int
}

// Orchestrator runs bounded crawls: ledger row, top-star lookup, partitioning, persistence.
type Orchestrator struct {
	src       Source
	items     store.ItemWriter
	ledger    store.RunLedger
	cfg       Config
	publisher SnapshotPublisher
	notifier  RunNotifier
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher streams recorded snapshots to p.
func WithPublisher(p SnapshotPublisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithNotifier reports finished runs to n.
func WithNotifier(n RunNotifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source used for the snapshot date.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(src Source, items store.ItemWriter, ledger store.RunLedger, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		src:    src,
		items:  items,
		ledger: ledger,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	if o.cfg.Order == "" {
		o.cfg.Order = OrderStarsDesc
	}
	if o.cfg.CreatedFrom.IsZero() {
		o.cfg.CreatedFrom = time.Date(2008, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return o
}

// Run executes one bounded crawl. A target of zero exhausts the domain.
// The returned run is always closed when StartRun succeeded; the error is
// non-nil for failed and cancelled runs.
func (o *Orchestrator) Run(ctx context.Context, target int) (*store.Run, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "crawl.run")
	defer span.End()

	run, err := o.ledger.StartRun(ctx, target)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("start run: %w", err)
	}
	logger := o.logger.With("run_id", run.ID)
	span.SetAttributes(attribute.Int64("run.id", run.ID), attribute.Int("run.target", target))

	today := o.now()
	root := NewWindow(o.cfg.MinStars, o.cfg.MinStars, o.cfg.CreatedFrom, today)
	s := &sink{
		writer:    o.items,
		publisher: o.publisher,
		day:       store.Day(today),
		seen:      make(map[string]struct{}),
		logger:    logger,
		metrics:   o.metrics,
	}

	logger.Info("run started", "target", target, "min_stars", o.cfg.MinStars,
		"created_from", root.From.Format(time.DateOnly), "workers", o.cfg.Workers, "order", o.cfg.Order)

	var stats Stats
	maxStars, found, err := o.src.TopStars(ctx, root)
	if err == nil && found {
		root.Hi = max(maxStars, root.Lo)
		p := NewPartitioner(o.src, PartitionerOptions{
			Workers:      o.cfg.Workers,
			MaxDepth:     o.cfg.MaxDepth,
			Target:       target,
			Order:        o.cfg.Order,
			DrainTimeout: o.cfg.DrainTimeout,
			LogEvery:     o.cfg.LogEvery,
			Logger:       logger,
			Metrics:      o.metrics,
		})
		stats, err = p.Run(ctx, root, s.accept)
	} else if err == nil {
		logger.Info("no repositories in domain", "window", root.String())
	}

	result := o.result(ctx, err, stats, s, maxStars)
	if ferr := o.ledger.FinishRun(context.WithoutCancel(ctx), run, result); ferr != nil {
		logger.Error("finish run", "error", ferr)
		err = errors.Join(err, fmt.Errorf("finish run %d: %w", run.ID, ferr))
	}
	o.metrics.runs.WithLabelValues(string(result.Status)).Inc()

	logger.Info("run finished", "status", result.Status, "repos", result.RepoCount,
		"partitions", result.PartitionCount, "splits", result.SplitPartitionCount,
		"duplicates", s.duplicateCount(), "possible_undercount", len(stats.Truncated) > 0)

	if o.notifier != nil {
		if nerr := o.notifier.NotifyRun(context.WithoutCancel(ctx), run); nerr != nil {
			logger.Warn("notify run", "error", nerr)
		}
	}

	span.SetAttributes(attribute.String("run.status", string(result.Status)), attribute.Int("run.repos", result.RepoCount))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return run, err
}

func (o *Orchestrator) result(ctx context.Context, err error, stats Stats, s *sink, maxStars int) store.RunResult {
	truncated := make([]string, 0, min(len(stats.Truncated), maxTruncatedListed))
	for _, w := range stats.Truncated {
		if len(truncated) == maxTruncatedListed {
			break
		}
		truncated = append(truncated, w.String())
	}

	res := store.RunResult{
		Status:              store.RunCompleted,
		RepoCount:           s.count(),
		PartitionCount:      stats.Partitions,
		SplitPartitionCount: stats.Splits,
		Metadata: map[string]any{
			"partitions_processed": stats.Partitions,
			"partitions_split":     stats.Splits,
			"partitions_truncated": len(stats.Truncated),
			"possible_undercount":  len(stats.Truncated) > 0,
			"truncated_windows":    truncated,
			"duplicate_repo_nodes": s.duplicateCount(),
			"max_star_count":       maxStars,
			"target_reached":       stats.TargetReached,
			"windows_pending":      stats.Pending,
			"order":                string(o.cfg.Order),
		},
	}
	switch {
	case err == nil:
	case ctx.Err() != nil:
		res.Status = store.RunCancelled
		res.Error = fmt.Sprintf("cancelled: %v", context.Cause(ctx))
	default:
		res.Status = store.RunFailed
		res.Error = err.Error()
	}
	return res
}

// sink persists accepted windows as they arrive and dedups across windows.
type sink struct {
	writer    store.ItemWriter
	publisher SnapshotPublisher
	day       time.Time
	logger    *slog.Logger
	metrics   *Metrics

	mu         sync.Mutex
	seen       map[string]struct{}
	persisted  int
	duplicates int
}

func (s *sink) accept(ctx context.Context, w Window, res *Result) (int, error) {
	fresh := s.claim(res.Items)
	if len(fresh) == 0 {
		return 0, nil
	}
	if err := s.writer.UpsertItems(ctx, fresh); err != nil {
		return 0, err
	}
	if err := s.writer.RecordSnapshots(ctx, fresh, s.day); err != nil {
		return 0, err
	}
	s.metrics.items.Add(float64(len(fresh)))

	s.mu.Lock()
	s.persisted += len(fresh)
	s.mu.Unlock()

	if s.publisher != nil {
		if err := s.publisher.PublishSnapshots(ctx, s.day, fresh); err != nil {
			s.logger.Warn("publish snapshots", "window", w.String(), "count", len(fresh), "error", err)
		}
	}
	return len(fresh), nil
}

// claim returns the repositories not yet seen in this run and marks them seen.
func (s *sink) claim(repos []source.Repository) []source.Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make([]source.Repository, 0, len(repos))
	for _, r := range repos {
		if _, ok := s.seen[r.NodeID]; ok {
			s.duplicates++
			s.metrics.duplicates.Inc()
			continue
		}
		s.seen[r.NodeID] = struct{}{}
		fresh = append(fresh, r)
	}
	return fresh
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persisted
}

func (s *sink) duplicateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duplicates
}
