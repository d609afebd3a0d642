// Package export dumps the persisted tables to flat files.
package export

import (
	"cmp"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/elonfeng/starcrawler/internal/store"
	"github.com/elonfeng/starcrawler/pkg/source"
)

// Reader is the read side of the store used by an export.
type Reader interface {
	ScanRepositories(ctx context.Context, fn func(*source.Repository) error) error
	ScanSnapshots(ctx context.Context, fn func(*store.Snapshot) error) error
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
}

// Summary is written to summary.json next to the CSV files.
type Summary struct {
	GeneratedAt  time.Time  `json:"generated_at"`
	Repositories int        `json:"repositories"`
	Snapshots    int        `json:"repo_star_snapshots"`
	Runs         int        `json:"crawl_runs"`
	LatestRun    *store.Run `json:"latest_run,omitempty"`
}

var (
	repoHeader = []string{
		"repo_node_id", "name_with_owner", "owner_login", "repo_name", "url",
		"is_fork", "is_archived", "is_private", "default_branch", "primary_language",
		"stargazer_count", "created_at", "updated_at", "pushed_at", "last_seen_at",
	}
	snapshotHeader = []string{"repo_node_id", "snapshot_date", "stargazer_count", "fetched_at"}
	runHeader      = []string{
		"run_id", "target_repo_count", "status", "repo_count", "partition_count",
		"split_partition_count", "error_message", "started_at", "finished_at", "metadata",
	}
)

// Dir writes repositories.csv, repo_star_snapshots.csv, crawl_runs.csv and
// summary.json into dir, creating it if needed.
func Dir(ctx context.Context, r Reader, dir string) (*Summary, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir %s: %w", dir, err)
	}
	sum := &Summary{GeneratedAt: time.Now().UTC()}

	err := writeFile(filepath.Join(dir, "repositories.csv"), func(w io.Writer) error {
		n, err := Repositories(ctx, r, w)
		sum.Repositories = n
		return err
	})
	if err != nil {
		return nil, err
	}

	err = writeFile(filepath.Join(dir, "repo_star_snapshots.csv"), func(w io.Writer) error {
		n, err := Snapshots(ctx, r, w)
		sum.Snapshots = n
		return err
	})
	if err != nil {
		return nil, err
	}

	err = writeFile(filepath.Join(dir, "crawl_runs.csv"), func(w io.Writer) error {
		runs, err := Runs(ctx, r, w)
		sum.Runs = len(runs)
		if len(runs) > 0 {
			sum.LatestRun = &runs[len(runs)-1]
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	err = writeFile(filepath.Join(dir, "summary.json"), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}

// Repositories writes the repositories table as CSV, most starred first.
func Repositories(ctx context.Context, r Reader, w io.Writer) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(repoHeader); err != nil {
		return 0, err
	}
	n := 0
	err := r.ScanRepositories(ctx, func(repo *source.Repository) error {
		n++
		return cw.Write([]string{
			repo.NodeID, repo.NameWithOwner, repo.Owner, repo.Name, repo.URL,
			strconv.FormatBool(repo.IsFork), strconv.FormatBool(repo.IsArchived), strconv.FormatBool(repo.IsPrivate),
			deref(repo.DefaultBranch), deref(repo.PrimaryLanguage),
			strconv.Itoa(repo.Stars),
			timestamp(repo.CreatedAt), timestamp(repo.UpdatedAt), timestampPtr(repo.PushedAt), timestamp(repo.LastSeenAt),
		})
	})
	if err != nil {
		return n, fmt.Errorf("export repositories: %w", err)
	}
	cw.Flush()
	return n, cw.Error()
}

// Snapshots writes the snapshot table as CSV, newest day first.
func Snapshots(ctx context.Context, r Reader, w io.Writer) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(snapshotHeader); err != nil {
		return 0, err
	}
	n := 0
	err := r.ScanSnapshots(ctx, func(s *store.Snapshot) error {
		n++
		return cw.Write([]string{s.RepoNodeID, s.Date, strconv.Itoa(s.Stars), timestamp(s.FetchedAt)})
	})
	if err != nil {
		return n, fmt.Errorf("export snapshots: %w", err)
	}
	cw.Flush()
	return n, cw.Error()
}

// Runs writes the run ledger as CSV in run id order and returns the rows written.
func Runs(ctx context.Context, r Reader, w io.Writer) ([]store.Run, error) {
	runs, err := r.ListRuns(ctx, math.MaxInt32)
	if err != nil {
		return nil, fmt.Errorf("export runs: %w", err)
	}
	slices.SortFunc(runs, func(a, b store.Run) int { return cmp.Compare(a.ID, b.ID) })

	cw := csv.NewWriter(w)
	if err := cw.Write(runHeader); err != nil {
		return nil, err
	}
	for _, run := range runs {
		meta := run.MetadataJSON
		if meta == "" {
			meta = "{}"
		}
		err := cw.Write([]string{
			strconv.FormatInt(run.ID, 10), strconv.Itoa(run.Target), string(run.Status),
			strconv.Itoa(run.RepoCount), strconv.Itoa(run.PartitionCount), strconv.Itoa(run.SplitPartitionCount),
			deref(run.ErrorMessage), timestamp(run.StartedAt), timestampPtr(run.FinishedAt), meta,
		})
		if err != nil {
			return nil, err
		}
	}
	cw.Flush()
	return runs, cw.Error()
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func timestampPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return timestamp(*t)
}
