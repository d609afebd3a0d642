package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/elonfeng/starcrawler/pkg/source"
)

// DateLayout is the calendar-day format of snapshot dates.
const DateLayout = "2006-01-02"

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrRunClosed is returned when finishing a run that is not running or not owned by the caller.
	ErrRunClosed = errors.New("store: run already closed or owned elsewhere")
)

// Snapshot is one repository's star count on one calendar day.
type Snapshot struct {
	RepoNodeID string    `db:"repo_node_id" json:"repo_node_id"`
	Date       string    `db:"snapshot_date" json:"snapshot_date"`
	Stars      int       `db:"stargazer_count" json:"stars"`
	FetchedAt  time.Time `db:"fetched_at" json:"fetched_at"`
}

// StarDelta is a repository's star change between its first and last snapshot in a range.
type StarDelta struct {
	RepoNodeID    string `db:"repo_node_id" json:"repo_node_id"`
	NameWithOwner string `db:"name_with_owner" json:"name_with_owner"`
	URL           string `db:"url" json:"url"`
	FromDate      string `db:"from_date" json:"from_date"`
	ToDate        string `db:"to_date" json:"to_date"`
	FromStars     int    `db:"from_stars" json:"from_stars"`
	ToStars       int    `db:"to_stars" json:"to_stars"`
}

// RunStatus is the lifecycle state of a crawl run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether s is a final state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Run is one crawl invocation in the ledger.
type Run struct {
	ID                  int64          `db:"run_id" json:"run_id"`
	OwnerToken          string         `db:"owner_token" json:"-"`
	Target              int            `db:"target_repo_count" json:"target_repo_count"`
	Status              RunStatus      `db:"status" json:"status"`
	RepoCount           int            `db:"repo_count" json:"repo_count"`
	PartitionCount      int            `db:"partition_count" json:"partition_count"`
	SplitPartitionCount int            `db:"split_partition_count" json:"split_partition_count"`
	ErrorMessage        *string        `db:"error_message" json:"error_message,omitempty"`
	StartedAt           time.Time      `db:"started_at" json:"started_at"`
	FinishedAt          *time.Time     `db:"finished_at" json:"finished_at,omitempty"`
	MetadataJSON        string         `db:"metadata" json:"-"`
	Metadata            map[string]any `db:"-" json:"metadata,omitempty"`
}

// RunResult is the terminal state written by FinishRun.
type RunResult struct {
	Status              RunStatus
	RepoCount           int
	PartitionCount      int
	SplitPartitionCount int
	Error               string
	Metadata            map[string]any
}

func (r RunResult) validate() error {
	if !r.Status.Terminal() {
		return fmt.Errorf("finish run: status %q is not terminal", r.Status)
	}
	if r.SplitPartitionCount > r.PartitionCount {
		return fmt.Errorf("finish run: split partitions %d exceed partitions %d",
			r.SplitPartitionCount, r.PartitionCount)
	}
	return nil
}

// ListOpts controls repository listing.
type ListOpts struct {
	Owner    string
	MinStars int
	Limit    int
	Offset   int
}

// ItemWriter persists search results. Both calls are idempotent.
type ItemWriter interface {
	UpsertItems(ctx context.Context, repos []source.Repository) error
	RecordSnapshots(ctx context.Context, repos []source.Repository, date time.Time) error
}

// RunLedger records crawl invocations.
type RunLedger interface {
	StartRun(ctx context.Context, target int) (*Run, error)
	FinishRun(ctx context.Context, run *Run, result RunResult) error
}

// Store is the persistence interface.
type Store interface {
	ItemWriter
	RunLedger

	Migrate(ctx context.Context) error

	GetRepository(ctx context.Context, nodeID string) (*source.Repository, error)
	ListRepositories(ctx context.Context, opts ListOpts) ([]source.Repository, error)
	CountRepositories(ctx context.Context) (int, error)
	ScanRepositories(ctx context.Context, fn func(*source.Repository) error) error

	ListSnapshots(ctx context.Context, nodeID string, since time.Time) ([]Snapshot, error)
	ScanSnapshots(ctx context.Context, fn func(*Snapshot) error) error
	StarDeltas(ctx context.Context, from, to time.Time, limit int) ([]StarDelta, error)

	GetRun(ctx context.Context, id int64) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	Close() error
}

// Open picks a backend by driver name.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return New(dsn)
	case "postgres":
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func marshalMetadata(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeRun(r *Run) {
	if r.MetadataJSON != "" {
		json.Unmarshal([]byte(r.MetadataJSON), &r.Metadata)
	}
}

func applyResult(r *Run, res RunResult, finished time.Time) {
	r.Status = res.Status
	r.RepoCount = res.RepoCount
	r.PartitionCount = res.PartitionCount
	r.SplitPartitionCount = res.SplitPartitionCount
	r.FinishedAt = &finished
	r.Metadata = res.Metadata
	r.MetadataJSON = marshalMetadata(res.Metadata)
	if res.Error != "" {
		msg := res.Error
		r.ErrorMessage = &msg
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func listLimit(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}
