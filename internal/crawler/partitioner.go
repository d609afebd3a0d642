package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// WindowFetcher drains one window.
type WindowFetcher interface {
	Fetch(ctx context.Context, w Window, splittable bool) (*Result, error)
}

// AcceptFunc persists an accepted window and returns how many repositories it
// added that the run had not seen before.
type AcceptFunc func(ctx context.Context, w Window, res *Result) (int, error)

// PartitionerOptions configures a Partitioner.
type PartitionerOptions struct {
	Workers  int
	MaxDepth int
	// Target stops scheduling new windows once this many repositories were accepted. Zero exhausts the domain.
	Target int
	Order  Order
	// DrainTimeout is how long in-flight windows may keep running after ctx is cancelled.
	DrainTimeout time.Duration
	LogEvery     int

	Logger  *slog.Logger
	Metrics *Metrics
}

// Stats summarises one partitioning pass.
type Stats struct {
	Partitions    int
	Splits        int
	Accepted      int
	Items         int
	Truncated     []Window
	Pending       int
	TargetReached bool
}

// Partitioner enumerates a domain by splitting capped windows until every leaf
// fits under the result ceiling.
type Partitioner struct {
	fetcher WindowFetcher
	opts    PartitionerOptions
	logger  *slog.Logger
	metrics *Metrics
}

// NewPartitioner creates a Partitioner.
func NewPartitioner(f WindowFetcher, opts PartitionerOptions) *Partitioner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 64
	}
	if opts.Order == "" {
		opts.Order = OrderStarsDesc
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Partitioner{fetcher: f, opts: opts, logger: logger, metrics: metrics}
}

type tally struct {
	mu sync.Mutex
	Stats
}

// Run partitions root. On cancellation no new window is started, in-flight
// windows get DrainTimeout to finish, and ctx's error is returned with the
// stats gathered so far. The first failed window stops the run the same way.
func (p *Partitioner) Run(ctx context.Context, root Window, accept AcceptFunc) (Stats, error) {
	q := newFrontier(p.opts.Order)
	q.push(root)

	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var drain *time.Timer
	var drainMu sync.Mutex
	stop := context.AfterFunc(ctx, func() {
		q.close()
		drainMu.Lock()
		drain = time.AfterFunc(p.opts.DrainTimeout, cancelWork)
		drainMu.Unlock()
	})
	defer func() {
		stop()
		drainMu.Lock()
		if drain != nil {
			drain.Stop()
		}
		drainMu.Unlock()
	}()

	t := &tally{}
	var g errgroup.Group
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			for {
				w, ok := q.pop()
				if !ok {
					return nil
				}
				err := p.process(work, q, w, accept, t)
				q.done()
				if err != nil {
					q.close()
					return err
				}
			}
		})
	}
	err := g.Wait()

	t.mu.Lock()
	stats := t.Stats
	t.mu.Unlock()
	stats.Pending = q.pending()

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return stats, err
}

func (p *Partitioner) process(ctx context.Context, q *frontier, w Window, accept AcceptFunc, t *tally) error {
	splittable := w.CanSplit() && w.Depth < p.opts.MaxDepth
	res, err := p.fetcher.Fetch(ctx, w, splittable)
	p.countPartition(t, q)
	if err != nil {
		p.metrics.partitions.WithLabelValues("failed").Inc()
		return err
	}

	if res.CapHit && splittable {
		left, right := w.Split()
		t.mu.Lock()
		t.Splits++
		t.mu.Unlock()
		p.metrics.partitions.WithLabelValues("split").Inc()
		p.logger.Debug("window split", "window", w.String(), "total", res.TotalCount,
			"left", left.String(), "right", right.String())
		q.push(left)
		q.push(right)
		return nil
	}

	if res.CapHit {
		t.mu.Lock()
		t.Truncated = append(t.Truncated, w)
		t.mu.Unlock()
		p.metrics.partitions.WithLabelValues("truncated").Inc()
		p.logger.Warn("window exceeds result cap and cannot split",
			"window", w.String(), "depth", w.Depth, "total", res.TotalCount, "kept", len(res.Items))
	} else {
		p.metrics.partitions.WithLabelValues("accepted").Inc()
	}

	n, err := accept(ctx, w, res)
	if err != nil {
		return fmt.Errorf("persist window %s: %w", w, err)
	}

	t.mu.Lock()
	t.Accepted++
	t.Items += n
	reached := p.opts.Target > 0 && t.Items >= p.opts.Target && !t.TargetReached
	if reached {
		t.TargetReached = true
	}
	items := t.Items
	t.mu.Unlock()

	if reached {
		p.logger.Info("target reached", "target", p.opts.Target, "items", items)
		q.close()
	}
	return nil
}

func (p *Partitioner) countPartition(t *tally, q *frontier) {
	t.mu.Lock()
	t.Partitions++
	n, splits, items := t.Partitions, t.Splits, t.Items
	t.mu.Unlock()

	if p.opts.LogEvery > 0 && n%p.opts.LogEvery == 0 {
		p.logger.Info("partition progress",
			"partitions", n, "splits", splits, "items", items, "pending", q.pending())
	}
}
