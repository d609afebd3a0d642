package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/elonfeng/starcrawler/pkg/source"
)

const repoColumns = `repo_node_id, name_with_owner, owner_login, repo_name, url,
	is_fork, is_archived, is_private, default_branch, primary_language,
	stargazer_count, created_at, updated_at, pushed_at, last_seen_at, raw_payload`

const runColumns = `run_id, owner_token, target_repo_count, status, repo_count,
	partition_count, split_partition_count, error_message, started_at, finished_at, metadata`

const deltaQuery = `
WITH bounds AS (
	SELECT repo_node_id, MIN(snapshot_date) AS first_date, MAX(snapshot_date) AS last_date
	FROM %[1]srepo_star_snapshots
	WHERE snapshot_date BETWEEN %[2]s AND %[3]s
	GROUP BY repo_node_id
	HAVING MIN(snapshot_date) < MAX(snapshot_date)
)
SELECT b.repo_node_id, r.name_with_owner, r.url,
	%[5]s AS from_date, %[6]s AS to_date,
	f.stargazer_count AS from_stars, l.stargazer_count AS to_stars
FROM bounds b
JOIN %[1]srepo_star_snapshots f ON f.repo_node_id = b.repo_node_id AND f.snapshot_date = b.first_date
JOIN %[1]srepo_star_snapshots l ON l.repo_node_id = b.repo_node_id AND l.snapshot_date = b.last_date
JOIN %[1]srepositories r ON r.repo_node_id = b.repo_node_id
ORDER BY (l.stargazer_count - f.stargazer_count) DESC, b.repo_node_id
LIMIT %[4]s`

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// New opens a SQLite database and runs migrations.
func New(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_time_format=sqlite"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if strings.Contains(path, ":memory:") {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertItems writes every repository in one transaction.
func (s *SQLiteStore) UpsertItems(ctx context.Context, repos []source.Repository) error {
	if len(repos) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, `
			INSERT INTO repositories (`+repoColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(repo_node_id) DO UPDATE SET
				name_with_owner = excluded.name_with_owner,
				owner_login = excluded.owner_login,
				repo_name = excluded.repo_name,
				url = excluded.url,
				is_fork = excluded.is_fork,
				is_archived = excluded.is_archived,
				is_private = excluded.is_private,
				default_branch = excluded.default_branch,
				primary_language = excluded.primary_language,
				stargazer_count = excluded.stargazer_count,
				created_at = excluded.created_at,
				updated_at = excluded.updated_at,
				pushed_at = excluded.pushed_at,
				last_seen_at = excluded.last_seen_at,
				raw_payload = excluded.raw_payload
		`)
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer stmt.Close()

		now := s.now().UTC()
		for i := range repos {
			r := &repos[i]
			if _, err := stmt.ExecContext(ctx, repoArgs(r, now)...); err != nil {
				return fmt.Errorf("upsert repository %s: %w", r.NodeID, err)
			}
		}
		return nil
	})
}

// RecordSnapshots writes one (repository, day) row per repository; a second call on the same day overwrites it.
func (s *SQLiteStore) RecordSnapshots(ctx context.Context, repos []source.Repository, date time.Time) error {
	if len(repos) == 0 {
		return nil
	}
	day := Day(date).Format(DateLayout)
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, `
			INSERT INTO repo_star_snapshots (repo_node_id, snapshot_date, stargazer_count, fetched_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(repo_node_id, snapshot_date) DO UPDATE SET
				stargazer_count = excluded.stargazer_count,
				fetched_at = excluded.fetched_at
		`)
		if err != nil {
			return fmt.Errorf("prepare snapshot: %w", err)
		}
		defer stmt.Close()

		now := s.now().UTC()
		for i := range repos {
			if _, err := stmt.ExecContext(ctx, repos[i].NodeID, day, repos[i].Stars, now); err != nil {
				return fmt.Errorf("record snapshot %s: %w", repos[i].NodeID, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func repoArgs(r *source.Repository, now time.Time) []any {
	seen := r.LastSeenAt
	if seen.IsZero() {
		seen = now
	}
	payload := r.RawPayload
	if payload == "" {
		payload = "{}"
	}
	return []any{
		r.NodeID, r.NameWithOwner, r.Owner, r.Name, r.URL,
		r.IsFork, r.IsArchived, r.IsPrivate, r.DefaultBranch, r.PrimaryLanguage,
		r.Stars, r.CreatedAt.UTC(), r.UpdatedAt.UTC(), r.PushedAt, seen.UTC(), payload,
	}
}

func (s *SQLiteStore) GetRepository(ctx context.Context, nodeID string) (*source.Repository, error) {
	var repo source.Repository
	err := s.db.GetContext(ctx, &repo, "SELECT "+repoColumns+" FROM repositories WHERE repo_node_id = ?", nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get repository %s: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", nodeID, err)
	}
	return &repo, nil
}

func (s *SQLiteStore) ListRepositories(ctx context.Context, opts ListOpts) ([]source.Repository, error) {
	query := "SELECT " + repoColumns + " FROM repositories WHERE 1=1"
	var args []any

	if opts.Owner != "" {
		query += " AND owner_login = ?"
		args = append(args, opts.Owner)
	}
	if opts.MinStars > 0 {
		query += " AND stargazer_count >= ?"
		args = append(args, opts.MinStars)
	}

	query += " ORDER BY stargazer_count DESC, repo_node_id LIMIT ? OFFSET ?"
	args = append(args, listLimit(opts.Limit, 100), opts.Offset)

	var repos []source.Repository
	if err := s.db.SelectContext(ctx, &repos, query, args...); err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	return repos, nil
}

func (s *SQLiteStore) CountRepositories(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM repositories"); err != nil {
		return 0, fmt.Errorf("count repositories: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ScanRepositories(ctx context.Context, fn func(*source.Repository) error) error {
	rows, err := s.db.QueryxContext(ctx,
		"SELECT "+repoColumns+" FROM repositories ORDER BY stargazer_count DESC, repo_node_id")
	if err != nil {
		return fmt.Errorf("scan repositories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var repo source.Repository
		if err := rows.StructScan(&repo); err != nil {
			return fmt.Errorf("scan repository row: %w", err)
		}
		if err := fn(&repo); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, nodeID string, since time.Time) ([]Snapshot, error) {
	var snaps []Snapshot
	err := s.db.SelectContext(ctx, &snaps, `
		SELECT repo_node_id, snapshot_date, stargazer_count, fetched_at
		FROM repo_star_snapshots
		WHERE repo_node_id = ? AND snapshot_date >= ?
		ORDER BY snapshot_date`,
		nodeID, Day(since).Format(DateLayout))
	if err != nil {
		return nil, fmt.Errorf("list snapshots %s: %w", nodeID, err)
	}
	return snaps, nil
}

func (s *SQLiteStore) ScanSnapshots(ctx context.Context, fn func(*Snapshot) error) error {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT repo_node_id, snapshot_date, stargazer_count, fetched_at
		FROM repo_star_snapshots
		ORDER BY snapshot_date DESC, stargazer_count DESC, repo_node_id`)
	if err != nil {
		return fmt.Errorf("scan snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var snap Snapshot
		if err := rows.StructScan(&snap); err != nil {
			return fmt.Errorf("scan snapshot row: %w", err)
		}
		if err := fn(&snap); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) StarDeltas(ctx context.Context, from, to time.Time, limit int) ([]StarDelta, error) {
	query := fmt.Sprintf(deltaQuery, "", "?", "?", "?", "b.first_date", "b.last_date")
	var deltas []StarDelta
	err := s.db.SelectContext(ctx, &deltas, query,
		Day(from).Format(DateLayout), Day(to).Format(DateLayout), listLimit(limit, 20))
	if err != nil {
		return nil, fmt.Errorf("star deltas: %w", err)
	}
	return deltas, nil
}

// StartRun opens a running ledger row owned by a fresh token.
func (s *SQLiteStore) StartRun(ctx context.Context, target int) (*Run, error) {
	run := &Run{
		OwnerToken:   uuid.NewString(),
		Target:       target,
		Status:       RunRunning,
		StartedAt:    s.now().UTC(),
		MetadataJSON: "{}",
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_runs (owner_token, target_repo_count, status, started_at, metadata)
		VALUES (?, ?, ?, ?, ?)
	`, run.OwnerToken, run.Target, run.Status, run.StartedAt, run.MetadataJSON)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	run.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("start run id: %w", err)
	}
	return run, nil
}

// FinishRun closes a running row exactly once.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *Run, result RunResult) error {
	if err := result.validate(); err != nil {
		return err
	}
	finished := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE crawl_runs SET
			status = ?, repo_count = ?, partition_count = ?, split_partition_count = ?,
			error_message = ?, metadata = ?, finished_at = ?
		WHERE run_id = ? AND owner_token = ? AND status = ?
	`, result.Status, result.RepoCount, result.PartitionCount, result.SplitPartitionCount,
		nullable(result.Error), marshalMetadata(result.Metadata), finished,
		run.ID, run.OwnerToken, RunRunning)
	if err != nil {
		return fmt.Errorf("finish run %d: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run %d: %w", run.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %d: %w", run.ID, ErrRunClosed)
	}
	applyResult(run, result, finished)
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id int64) (*Run, error) {
	var run Run
	err := s.db.GetContext(ctx, &run, "SELECT "+runColumns+" FROM crawl_runs WHERE run_id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %d: %w", id, err)
	}
	decodeRun(&run)
	return &run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	err := s.db.SelectContext(ctx, &runs,
		"SELECT "+runColumns+" FROM crawl_runs ORDER BY run_id DESC LIMIT ?", listLimit(limit, 20))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for i := range runs {
		decodeRun(&runs[i])
	}
	return runs, nil
}
