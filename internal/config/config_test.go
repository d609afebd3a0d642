package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 100000, cfg.Crawl.Target)
	assert.Equal(t, 100, cfg.Crawl.PageSize)
	assert.Equal(t, 1000, cfg.Crawl.ResultCap)
	assert.Equal(t, 8, cfg.Retry.MaxAttempts)
	assert.Equal(t, 1500*time.Millisecond, cfg.Retry.ParseBaseBackoff())
	assert.Equal(t, 40*time.Second, cfg.GitHub.ParseTimeout())
	assert.Equal(t, 350*time.Millisecond, cfg.Budget.ParseMinInterval())
	assert.Equal(t, 24*time.Hour, cfg.Schedule.ParseInterval())
	assert.Equal(t, 15*time.Minute, cfg.Schedule.ParseFailureRetry())

	from, err := cfg.Crawl.ParseCreatedFrom()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2008, 1, 1, 0, 0, 0, 0, time.UTC), from)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  url: postgres://crawler:secret@db:5432/github
crawl:
  target: 500
  workers: 8
  order: fifo
schedule:
  interval: 6h
alerts:
  failures_only: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://crawler:secret@db:5432/github", cfg.Database.DSN())
	assert.Equal(t, 500, cfg.Crawl.Target)
	assert.Equal(t, 8, cfg.Crawl.Workers)
	assert.Equal(t, "fifo", cfg.Crawl.Order)
	assert.Equal(t, 100, cfg.Crawl.PageSize, "unset keys keep defaults")
	assert.Equal(t, 6*time.Hour, cfg.Schedule.ParseInterval())
	assert.True(t, cfg.Alerts.FailuresOnly)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_realtoken")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/github")
	t.Setenv("TARGET_REPO_COUNT", "2500")
	t.Setenv("PAGE_SIZE", "50")
	t.Setenv("BASE_BACKOFF_SECONDS", "2.5")
	t.Setenv("MIN_REQUEST_INTERVAL_SECONDS", "0")
	t.Setenv("LOOP_INTERVAL_HOURS", "12")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.test/x")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ghp_realtoken", cfg.GitHub.Token)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 2500, cfg.Crawl.Target)
	assert.Equal(t, 50, cfg.Crawl.PageSize)
	assert.Equal(t, 2500*time.Millisecond, cfg.Retry.ParseBaseBackoff())
	assert.Zero(t, cfg.Budget.ParseMinInterval())
	assert.Equal(t, 12*time.Hour, cfg.Schedule.ParseInterval())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled)
	assert.True(t, cfg.Alerts.Slack.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverrideMalformed(t *testing.T) {
	t.Setenv("TARGET_REPO_COUNT", "lots")
	t.Setenv("LOOP_INTERVAL_HOURS", "-1")

	_, err := Load("")
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "TARGET_REPO_COUNT")
	assert.Contains(t, err.Error(), "LOOP_INTERVAL_HOURS")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.GitHub.Token = "ghp_0123456789"
		return cfg
	}
	require.NoError(t, valid().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing token", func(c *Config) { c.GitHub.Token = "" }, "github.token"},
		{"placeholder token", func(c *Config) { c.GitHub.Token = "<your-token>" }, "github.token"},
		{"changeme token", func(c *Config) { c.GitHub.Token = "CHANGEME" }, "github.token"},
		{"xxx token", func(c *Config) { c.GitHub.Token = "xxxxxxxx" }, "github.token"},
		{"postgres without url", func(c *Config) { c.Database.Driver = "postgres" }, "database.url"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"page size", func(c *Config) { c.Crawl.PageSize = 101 }, "crawl.page_size"},
		{"cap", func(c *Config) { c.Crawl.ResultCap = 0 }, "crawl.result_cap"},
		{"workers", func(c *Config) { c.Crawl.Workers = 0 }, "crawl.workers"},
		{"order", func(c *Config) { c.Crawl.Order = "random" }, "crawl.order"},
		{"created from", func(c *Config) { c.Crawl.CreatedFrom = "2008/01/01" }, "crawl.created_from"},
		{"attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"kafka", func(c *Config) { c.Kafka.Enabled = true }, "kafka.brokers"},
		{"unparsable backoff", func(c *Config) { c.Retry.BaseBackoff = "abc" }, `retry.base_backoff "abc" is not a duration`},
		{"unitless interval", func(c *Config) { c.Schedule.Interval = "24" }, "schedule.interval"},
		{"negative cooldown", func(c *Config) { c.Breaker.Cooldown = "-1m" }, `breaker.cooldown "-1m" is negative`},
		{"github timeout", func(c *Config) { c.GitHub.Timeout = "forty seconds" }, "github.timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Crawl.PageSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "github.token")
	assert.Contains(t, err.Error(), "crawl.page_size")
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", LogConfig{Level: "debug"}.SlogLevel().String())
	assert.Equal(t, "INFO", LogConfig{Level: "loud"}.SlogLevel().String())
}
