package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/starcrawler/internal/config"
	"github.com/elonfeng/starcrawler/internal/crawler"
	"github.com/elonfeng/starcrawler/internal/limiter"
	"github.com/elonfeng/starcrawler/internal/scheduler"
	"github.com/elonfeng/starcrawler/internal/store"
	"github.com/elonfeng/starcrawler/pkg/alert"
	"github.com/elonfeng/starcrawler/pkg/events"
	"github.com/elonfeng/starcrawler/pkg/export"
	"github.com/elonfeng/starcrawler/pkg/server"
	"github.com/elonfeng/starcrawler/pkg/source"
	"github.com/elonfeng/starcrawler/pkg/trend"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}
	var h slog.Handler
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	db, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers, cfg.Alerts.FailuresOnly)
}

// pipeline is everything a crawl needs, wired from config.
type pipeline struct {
	orchestrator *crawler.Orchestrator
	publisher    *events.KafkaPublisher
}

func (p *pipeline) Close() error {
	if p.publisher != nil {
		return p.publisher.Close()
	}
	return nil
}

func buildPipeline(cfg *config.Config, db store.Store, reg prometheus.Registerer, logger *slog.Logger) (*pipeline, error) {
	from, err := cfg.Crawl.ParseCreatedFrom()
	if err != nil {
		return nil, err
	}
	order, err := crawler.ParseOrder(cfg.Crawl.Order)
	if err != nil {
		return nil, err
	}

	metrics := crawler.NewMetrics(reg)

	budget := limiter.New(limiter.Options{
		Reserve:          cfg.Budget.MinRemaining,
		SafetyMargin:     cfg.Budget.ParseSafetyMargin(),
		MaxWait:          cfg.Budget.ParseMaxWait(),
		MinInterval:      cfg.Budget.ParseMinInterval(),
		FallbackInterval: cfg.Budget.ParseFallbackInterval(),
	})
	budget.OnWait(func(d time.Duration) {
		metrics.ObserveBudgetWait(d.Seconds())
		logger.Warn("rate budget exhausted, waiting for reset", "wait", d.Round(time.Second))
	})

	gh := source.NewGitHub(source.GitHubOptions{
		Token:           cfg.GitHub.Token,
		Endpoint:        cfg.GitHub.Endpoint,
		Timeout:         cfg.GitHub.ParseTimeout(),
		UserAgent:       cfg.GitHub.UserAgent,
		BreakerFailures: uint32(max(cfg.Breaker.MaxFailures, 0)),
		BreakerCooldown: cfg.Breaker.ParseCooldown(),
		Registerer:      reg,
	})

	fetcher := crawler.NewFetcher(gh, budget, crawler.FetcherOptions{
		PageSize:    cfg.Crawl.PageSize,
		ResultCap:   cfg.Crawl.ResultCap,
		Qualifiers:  cfg.Crawl.Qualifiers,
		EarlySplit:  cfg.Crawl.EarlySplit,
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseBackoff: cfg.Retry.ParseBaseBackoff(),
		MaxBackoff:  cfg.Retry.ParseMaxBackoff(),
		MaxElapsed:  cfg.Retry.ParseMaxElapsed(),
		Logger:      logger,
		Metrics:     metrics,
	})

	p := &pipeline{}
	opts := []crawler.Option{crawler.WithLogger(logger), crawler.WithMetrics(metrics)}
	if cfg.Kafka.Enabled {
		pub, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		p.publisher = pub
		opts = append(opts, crawler.WithPublisher(pub))
	}
	if mgr := buildAlertManager(cfg); mgr.HasNotifiers() {
		opts = append(opts, crawler.WithNotifier(mgr))
	}

	p.orchestrator = crawler.NewOrchestrator(fetcher, db, db, crawler.Config{
		MinStars:     cfg.Crawl.MinStars,
		CreatedFrom:  from,
		Workers:      cfg.Crawl.Workers,
		MaxDepth:     cfg.Crawl.MaxDepth,
		Order:        order,
		DrainTimeout: cfg.Crawl.ParseDrainTimeout(),
		LogEvery:     cfg.Crawl.LogEvery,
	}, opts...)
	return p, nil
}

func runCrawl(target int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)
	if target < 0 {
		target = cfg.Crawl.Target
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := initTracing(ctx)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := buildPipeline(cfg, db, nil, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	run, err := p.orchestrator.Run(ctx, target)
	if run != nil {
		printRunSummary(run)
	}
	return err
}

func runDaemon(interval string, port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if interval != "" {
		cfg.Schedule.Interval = interval
		if _, err := time.ParseDuration(interval); err != nil {
			return fmt.Errorf("--interval: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Server.Port
	}
	logger := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := initTracing(ctx)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := newRegistry()
	p, err := buildPipeline(cfg, db, reg, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	guard := scheduler.NewGuard(p.orchestrator)
	sched := scheduler.New(guard, cfg.Crawl.Target,
		cfg.Schedule.ParseInterval(),
		cfg.Schedule.ParseFailureRetry(),
		logger,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if port > 0 {
		srv := server.New(db, trend.NewEngine(db, 0, 0, 0), guard, server.Options{
			Port:     port,
			Target:   cfg.Crawl.Target,
			Gatherer: reg,
			Logger:   logger,
		})
		g.Go(func() error { return srv.ListenAndServe(gctx) })
	}

	err = g.Wait()
	guard.Wait()
	logger.Info("shut down")
	return err
}

func runServe(port int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port == 0 {
		port = cfg.Server.Port
	}
	logger := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := newRegistry()
	var guard *scheduler.Guard
	if err := cfg.Validate(); err != nil {
		logger.Warn("crawl triggers disabled", "error", err)
	} else {
		p, err := buildPipeline(cfg, db, reg, logger)
		if err != nil {
			return err
		}
		defer p.Close()
		guard = scheduler.NewGuard(p.orchestrator)
		defer guard.Wait()
	}

	srv := server.New(db, trend.NewEngine(db, 0, 0, 0), guard, server.Options{
		Port:     port,
		Target:   cfg.Crawl.Target,
		Gatherer: reg,
		Logger:   logger,
	})
	return srv.ListenAndServe(ctx)
}

func runInitDB() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "schema ready (%s)\n", cfg.Database.Driver)
	return nil
}

func runRuns(jsonOutput bool, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.ListRuns(context.Background(), limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	if len(runs) == 0 {
		fmt.Println("no runs yet (start one with: starcrawler crawl)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tREPOS\tTARGET\tPARTITIONS\tSPLITS\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, colorStatus(r.Status), r.RepoCount, r.Target,
			r.PartitionCount, r.SplitPartitionCount,
			r.StartedAt.Format(time.RFC3339), duration)
	}
	return w.Flush()
}

func runExport(out string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sum, err := export.Dir(ctx, db, out)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported %d repositories, %d snapshots and %d runs to %s\n",
		sum.Repositories, sum.Snapshots, sum.Runs, out)
	return nil
}

func runGainers(jsonOutput bool, days, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	gainers, err := trend.NewEngine(db, 0, 0, 0).Gainers(context.Background(), days, limit)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(gainers)
	}

	if len(gainers) == 0 {
		fmt.Println("no gainers found (snapshots from at least two days are needed)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tGAINED\tSTARS\tPER DAY\tREPOSITORY")
	for _, g := range gainers {
		fmt.Fprintf(w, "%.1f\t%s\t%d\t%.1f\t%s\n",
			g.Score, color.GreenString("+%d", g.Gained), g.ToStars, g.PerDay, g.NameWithOwner)
	}
	return w.Flush()
}

func printRunSummary(run *store.Run) {
	bold := color.New(color.Bold)
	bold.Fprintf(os.Stderr, "run #%d %s\n", run.ID, colorStatus(run.Status))
	fmt.Fprintf(os.Stderr, "  repositories: %d (target %d)\n", run.RepoCount, run.Target)
	fmt.Fprintf(os.Stderr, "  partitions:   %d (%d split)\n", run.PartitionCount, run.SplitPartitionCount)
	if undercount, _ := run.Metadata["possible_undercount"].(bool); undercount {
		color.New(color.FgYellow).Fprintln(os.Stderr, "  some windows were truncated at the result cap; counts may be low")
	}
	if run.ErrorMessage != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "  error: %s\n", *run.ErrorMessage)
	}
}

func colorStatus(s store.RunStatus) string {
	switch s {
	case store.RunCompleted:
		return color.GreenString(string(s))
	case store.RunFailed:
		return color.RedString(string(s))
	case store.RunCancelled, store.RunRunning:
		return color.YellowString(string(s))
	}
	return string(s)
}
