package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every pre-flight validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	GitHub   GitHubConfig   `yaml:"github"`
	Crawl    CrawlConfig    `yaml:"crawl"`
	Retry    RetryConfig    `yaml:"retry"`
	Budget   BudgetConfig   `yaml:"budget"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Server   ServerConfig   `yaml:"server"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	Path   string `yaml:"path"`
	URL    string `yaml:"url"`
}

// DSN returns the connection string for the selected driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "postgres" {
		return d.URL
	}
	return d.Path
}

// GitHubConfig configures the GraphQL client.
type GitHubConfig struct {
	Token     string `yaml:"token"`
	Endpoint  string `yaml:"endpoint"`
	Timeout   string `yaml:"timeout"`
	UserAgent string `yaml:"user_agent"`
}

// ParseTimeout returns the per-request timeout.
func (g GitHubConfig) ParseTimeout() time.Duration {
	return parseDuration(g.Timeout, 40*time.Second)
}

// CrawlConfig shapes one bounded run.
type CrawlConfig struct {
	Target       int    `yaml:"target"`
	PageSize     int    `yaml:"page_size"`
	MinStars     int    `yaml:"min_stars"`
	ResultCap    int    `yaml:"result_cap"`
	Workers      int    `yaml:"workers"`
	MaxDepth     int    `yaml:"max_depth"`
	Order        string `yaml:"order"`
	Qualifiers   string `yaml:"qualifiers"`
	CreatedFrom  string `yaml:"created_from"`
	EarlySplit   bool   `yaml:"early_split"`
	LogEvery     int    `yaml:"log_every"`
	DrainTimeout string `yaml:"drain_timeout"`
}

// ParseCreatedFrom returns the earliest creation day searched.
func (c CrawlConfig) ParseCreatedFrom() (time.Time, error) {
	t, err := time.Parse(time.DateOnly, c.CreatedFrom)
	if err != nil {
		return time.Time{}, fmt.Errorf("crawl.created_from %q: %w", c.CreatedFrom, err)
	}
	return t, nil
}

// ParseDrainTimeout returns the grace period for in-flight windows after a stop signal.
func (c CrawlConfig) ParseDrainTimeout() time.Duration {
	return parseDuration(c.DrainTimeout, 30*time.Second)
}

// RetryConfig configures per-page retries.
type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseBackoff string `yaml:"base_backoff"`
	MaxBackoff  string `yaml:"max_backoff"`
	MaxElapsed  string `yaml:"max_elapsed"`
}

func (r RetryConfig) ParseBaseBackoff() time.Duration {
	return parseDuration(r.BaseBackoff, 1500*time.Millisecond)
}

func (r RetryConfig) ParseMaxBackoff() time.Duration {
	return parseDuration(r.MaxBackoff, time.Hour)
}

func (r RetryConfig) ParseMaxElapsed() time.Duration {
	return parseDuration(r.MaxElapsed, 2*time.Hour)
}

// BudgetConfig configures the shared rate budget.
type BudgetConfig struct {
	MinRemaining     int    `yaml:"min_remaining"`
	MinInterval      string `yaml:"min_interval"`
	FallbackInterval string `yaml:"fallback_interval"`
	SafetyMargin     string `yaml:"safety_margin"`
	MaxWait          string `yaml:"max_wait"`
}

func (b BudgetConfig) ParseMinInterval() time.Duration {
	return parseDuration(b.MinInterval, 350*time.Millisecond)
}

func (b BudgetConfig) ParseFallbackInterval() time.Duration {
	return parseDuration(b.FallbackInterval, time.Second)
}

func (b BudgetConfig) ParseSafetyMargin() time.Duration {
	return parseDuration(b.SafetyMargin, 2*time.Second)
}

func (b BudgetConfig) ParseMaxWait() time.Duration {
	return parseDuration(b.MaxWait, time.Hour)
}

// BreakerConfig configures the circuit breaker around the API client.
type BreakerConfig struct {
	MaxFailures int    `yaml:"max_failures"`
	Cooldown    string `yaml:"cooldown"`
}

func (b BreakerConfig) ParseCooldown() time.Duration {
	return parseDuration(b.Cooldown, time.Minute)
}

// ScheduleConfig configures continuous mode.
type ScheduleConfig struct {
	Interval     string `yaml:"interval"`
	FailureRetry string `yaml:"failure_retry"`
}

// ParseInterval returns the time between run starts.
func (s ScheduleConfig) ParseInterval() time.Duration {
	return parseDuration(s.Interval, 24*time.Hour)
}

// ParseFailureRetry returns the delay after a failed run.
func (s ScheduleConfig) ParseFailureRetry() time.Duration {
	return parseDuration(s.FailureRetry, 15*time.Minute)
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// KafkaConfig configures snapshot event publishing.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// AlertsConfig configures run notifications.
type AlertsConfig struct {
	Slack        SlackConfig   `yaml:"slack"`
	Discord      DiscordConfig `yaml:"discord"`
	Webhook      WebhookConfig `yaml:"webhook"`
	FailuresOnly bool          `yaml:"failures_only"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// SlogLevel maps the configured level name, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "./starcrawler.db"},
		GitHub: GitHubConfig{
			Endpoint:  "https://api.github.com/graphql",
			Timeout:   "40s",
			UserAgent: "starcrawler",
		},
		Crawl: CrawlConfig{
			Target:       100000,
			PageSize:     100,
			ResultCap:    1000,
			Workers:      4,
			MaxDepth:     64,
			Order:        "stars-desc",
			Qualifiers:   "is:public fork:false archived:false",
			CreatedFrom:  "2008-01-01",
			EarlySplit:   true,
			LogEvery:     20,
			DrainTimeout: "30s",
		},
		Retry: RetryConfig{
			MaxAttempts: 8,
			BaseBackoff: "1.5s",
			MaxBackoff:  "1h",
			MaxElapsed:  "2h",
		},
		Budget: BudgetConfig{
			MinRemaining:     100,
			MinInterval:      "350ms",
			FallbackInterval: "1s",
			SafetyMargin:     "2s",
			MaxWait:          "1h",
		},
		Breaker: BreakerConfig{MaxFailures: 5, Cooldown: "1m"},
		Schedule: ScheduleConfig{
			Interval:     "24h",
			FailureRetry: "15m",
		},
		Server: ServerConfig{Port: 8080},
		Kafka:  KafkaConfig{Topic: "repo-star-snapshots"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("GITHUB_TOKEN"); v != "" {
		cfg.GitHub.Token = v
	}
	if v := os.Getenv("STARCRAWLER_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.URL = v
	}
	if v := os.Getenv("SEARCH_BASE_QUALIFIERS"); v != "" {
		cfg.Crawl.Qualifiers = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
		cfg.Kafka.Enabled = true
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	var errs []error
	ints := []struct {
		env string
		dst *int
	}{
		{"TARGET_REPO_COUNT", &cfg.Crawl.Target},
		{"PAGE_SIZE", &cfg.Crawl.PageSize},
		{"MIN_STARS", &cfg.Crawl.MinStars},
		{"MAX_PARTITION_RESULTS", &cfg.Crawl.ResultCap},
		{"MAX_RETRIES", &cfg.Retry.MaxAttempts},
		{"MIN_REMAINING_POINTS", &cfg.Budget.MinRemaining},
		{"LOG_EVERY_N_PARTITIONS", &cfg.Crawl.LogEvery},
		{"CRAWL_WORKERS", &cfg.Crawl.Workers},
	}
	for _, o := range ints {
		v := os.Getenv(o.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: not an integer", o.env, v))
			continue
		}
		*o.dst = n
	}

	durations := []struct {
		env  string
		unit time.Duration
		dst  *string
	}{
		{"BASE_BACKOFF_SECONDS", time.Second, &cfg.Retry.BaseBackoff},
		{"REQUEST_TIMEOUT_SECONDS", time.Second, &cfg.GitHub.Timeout},
		{"MIN_REQUEST_INTERVAL_SECONDS", time.Second, &cfg.Budget.MinInterval},
		{"LOOP_INTERVAL_HOURS", time.Hour, &cfg.Schedule.Interval},
	}
	for _, o := range durations {
		v := os.Getenv(o.env)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || f < 0 {
			errs = append(errs, fmt.Errorf("%s=%q: not a non-negative number", o.env, v))
			continue
		}
		*o.dst = time.Duration(f * float64(o.unit)).String()
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Validate is the pre-flight check run before any network activity.
func (c *Config) Validate() error {
	var errs []error

	if isPlaceholder(c.GitHub.Token) {
		errs = append(errs, errors.New("github.token is missing or a placeholder (set GITHUB_TOKEN)"))
	}
	switch c.Database.Driver {
	case "", "sqlite":
		if isPlaceholder(c.Database.Path) {
			errs = append(errs, errors.New("database.path is missing or a placeholder"))
		}
	case "postgres":
		if isPlaceholder(c.Database.URL) {
			errs = append(errs, errors.New("database.url is missing or a placeholder (set DATABASE_URL)"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not sqlite or postgres", c.Database.Driver))
	}

	if c.Crawl.PageSize < 1 || c.Crawl.PageSize > 100 {
		errs = append(errs, fmt.Errorf("crawl.page_size %d is outside 1..100", c.Crawl.PageSize))
	}
	if c.Crawl.ResultCap <= 0 {
		errs = append(errs, fmt.Errorf("crawl.result_cap %d must be positive", c.Crawl.ResultCap))
	}
	if c.Crawl.Workers <= 0 {
		errs = append(errs, fmt.Errorf("crawl.workers %d must be positive", c.Crawl.Workers))
	}
	if c.Crawl.Target < 0 {
		errs = append(errs, fmt.Errorf("crawl.target %d is negative", c.Crawl.Target))
	}
	if c.Crawl.MinStars < 0 {
		errs = append(errs, fmt.Errorf("crawl.min_stars %d is negative", c.Crawl.MinStars))
	}
	switch c.Crawl.Order {
	case "", "stars-desc", "fifo":
	default:
		errs = append(errs, fmt.Errorf("crawl.order %q is not stars-desc or fifo", c.Crawl.Order))
	}
	if _, err := c.Crawl.ParseCreatedFrom(); err != nil {
		errs = append(errs, err)
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts %d must be positive", c.Retry.MaxAttempts))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.enabled without kafka.brokers"))
	}
	errs = append(errs, c.durationErrors()...)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func isPlaceholder(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return true
	}
	switch v {
	case "changeme", "change_me", "your_token", "your_github_token", "token", "todo":
		return true
	}
	if strings.HasPrefix(v, "<") && strings.HasSuffix(v, ">") {
		return true
	}
	return strings.HasPrefix(v, "xxx")
}

// durationErrors reports duration settings that would otherwise fall back
// to their defaults unnoticed. Empty means default.
func (c *Config) durationErrors() []error {
	fields := []struct {
		key, value string
	}{
		{"github.timeout", c.GitHub.Timeout},
		{"crawl.drain_timeout", c.Crawl.DrainTimeout},
		{"retry.base_backoff", c.Retry.BaseBackoff},
		{"retry.max_backoff", c.Retry.MaxBackoff},
		{"retry.max_elapsed", c.Retry.MaxElapsed},
		{"budget.min_interval", c.Budget.MinInterval},
		{"budget.fallback_interval", c.Budget.FallbackInterval},
		{"budget.safety_margin", c.Budget.SafetyMargin},
		{"budget.max_wait", c.Budget.MaxWait},
		{"breaker.cooldown", c.Breaker.Cooldown},
		{"schedule.interval", c.Schedule.Interval},
		{"schedule.failure_retry", c.Schedule.FailureRetry},
	}
	var errs []error
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("%s %q is not a duration", f.key, f.value))
		case d < 0:
			errs = append(errs, fmt.Errorf("%s %q is negative", f.key, f.value))
		}
	}
	return errs
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
