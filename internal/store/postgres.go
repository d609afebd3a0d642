package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/elonfeng/starcrawler/pkg/source"
)

// pgBatchSize bounds the statements queued in one round trip.
const pgBatchSize = 200

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres connects, verifies the connection and runs migrations.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns < 4 {
		cfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &PostgresStore{pool: pool, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const pgUpsertRepo = `
INSERT INTO github.repositories (` + repoColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (repo_node_id) DO UPDATE SET
	name_with_owner = EXCLUDED.name_with_owner,
	owner_login = EXCLUDED.owner_login,
	repo_name = EXCLUDED.repo_name,
	url = EXCLUDED.url,
	is_fork = EXCLUDED.is_fork,
	is_archived = EXCLUDED.is_archived,
	is_private = EXCLUDED.is_private,
	default_branch = EXCLUDED.default_branch,
	primary_language = EXCLUDED.primary_language,
	stargazer_count = EXCLUDED.stargazer_count,
	created_at = EXCLUDED.created_at,
	updated_at = EXCLUDED.updated_at,
	pushed_at = EXCLUDED.pushed_at,
	last_seen_at = EXCLUDED.last_seen_at,
	raw_payload = EXCLUDED.raw_payload`

const pgUpsertSnapshot = `
INSERT INTO github.repo_star_snapshots (repo_node_id, snapshot_date, stargazer_count, fetched_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (repo_node_id, snapshot_date) DO UPDATE SET
	stargazer_count = EXCLUDED.stargazer_count,
	fetched_at = EXCLUDED.fetched_at`

// UpsertItems queues the upserts in batches of pgBatchSize.
func (s *PostgresStore) UpsertItems(ctx context.Context, repos []source.Repository) error {
	now := s.now().UTC()
	return s.sendBatches(ctx, len(repos), func(b *pgx.Batch, i int) {
		b.Queue(pgUpsertRepo, repoArgs(&repos[i], now)...)
	}, func(i int) string { return "upsert repository " + repos[i].NodeID })
}

func (s *PostgresStore) RecordSnapshots(ctx context.Context, repos []source.Repository, date time.Time) error {
	day := Day(date)
	now := s.now().UTC()
	return s.sendBatches(ctx, len(repos), func(b *pgx.Batch, i int) {
		b.Queue(pgUpsertSnapshot, repos[i].NodeID, day, repos[i].Stars, now)
	}, func(i int) string { return "record snapshot " + repos[i].NodeID })
}

func (s *PostgresStore) sendBatches(ctx context.Context, n int, queue func(*pgx.Batch, int), label func(int) string) error {
	for start := 0; start < n; start += pgBatchSize {
		end := min(start+pgBatchSize, n)
		b := &pgx.Batch{}
		for i := start; i < end; i++ {
			queue(b, i)
		}
		br := s.pool.SendBatch(ctx, b)
		for i := start; i < end; i++ {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("%s: %w", label(i), err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("close batch: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetRepository(ctx context.Context, nodeID string) (*source.Repository, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+repoColumns+" FROM github.repositories WHERE repo_node_id = $1", nodeID)
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", nodeID, err)
	}
	repo, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[source.Repository])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get repository %s: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get repository %s: %w", nodeID, err)
	}
	return &repo, nil
}

func (s *PostgresStore) ListRepositories(ctx context.Context, opts ListOpts) ([]source.Repository, error) {
	var (
		where []string
		args  []any
	)
	if opts.Owner != "" {
		args = append(args, opts.Owner)
		where = append(where, fmt.Sprintf("owner_login = $%d", len(args)))
	}
	if opts.MinStars > 0 {
		args = append(args, opts.MinStars)
		where = append(where, fmt.Sprintf("stargazer_count >= $%d", len(args)))
	}
	query := "SELECT " + repoColumns + " FROM github.repositories"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, listLimit(opts.Limit, 100), opts.Offset)
	query += fmt.Sprintf(" ORDER BY stargazer_count DESC, repo_node_id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	repos, err := pgx.CollectRows(rows, pgx.RowToStructByName[source.Repository])
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	return repos, nil
}

func (s *PostgresStore) CountRepositories(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM github.repositories").Scan(&n); err != nil {
		return 0, fmt.Errorf("count repositories: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ScanRepositories(ctx context.Context, fn func(*source.Repository) error) error {
	rows, err := s.pool.Query(ctx,
		"SELECT "+repoColumns+" FROM github.repositories ORDER BY stargazer_count DESC, repo_node_id")
	if err != nil {
		return fmt.Errorf("scan repositories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		repo, err := pgx.RowToStructByName[source.Repository](rows)
		if err != nil {
			return fmt.Errorf("scan repository row: %w", err)
		}
		if err := fn(&repo); err != nil {
			return err
		}
	}
	return rows.Err()
}

const pgSnapshotColumns = `repo_node_id, to_char(snapshot_date, 'YYYY-MM-DD') AS snapshot_date, stargazer_count, fetched_at`

func (s *PostgresStore) ListSnapshots(ctx context.Context, nodeID string, since time.Time) ([]Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgSnapshotColumns+`
		FROM github.repo_star_snapshots
		WHERE repo_node_id = $1 AND snapshot_date >= $2
		ORDER BY snapshot_date`, nodeID, Day(since))
	if err != nil {
		return nil, fmt.Errorf("list snapshots %s: %w", nodeID, err)
	}
	snaps, err := pgx.CollectRows(rows, pgx.RowToStructByName[Snapshot])
	if err != nil {
		return nil, fmt.Errorf("list snapshots %s: %w", nodeID, err)
	}
	return snaps, nil
}

func (s *PostgresStore) ScanSnapshots(ctx context.Context, fn func(*Snapshot) error) error {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgSnapshotColumns+`
		FROM github.repo_star_snapshots
		ORDER BY snapshot_date DESC, stargazer_count DESC, repo_node_id`)
	if err != nil {
		return fmt.Errorf("scan snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		snap, err := pgx.RowToStructByName[Snapshot](rows)
		if err != nil {
			return fmt.Errorf("scan snapshot row: %w", err)
		}
		if err := fn(&snap); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) StarDeltas(ctx context.Context, from, to time.Time, limit int) ([]StarDelta, error) {
	query := fmt.Sprintf(deltaQuery, "github.", "$1", "$2", "$3",
		"to_char(b.first_date, 'YYYY-MM-DD')", "to_char(b.last_date, 'YYYY-MM-DD')")
	rows, err := s.pool.Query(ctx, query, Day(from), Day(to), listLimit(limit, 20))
	if err != nil {
		return nil, fmt.Errorf("star deltas: %w", err)
	}
	deltas, err := pgx.CollectRows(rows, pgx.RowToStructByName[StarDelta])
	if err != nil {
		return nil, fmt.Errorf("star deltas: %w", err)
	}
	return deltas, nil
}

func (s *PostgresStore) StartRun(ctx context.Context, target int) (*Run, error) {
	run := &Run{
		OwnerToken:   uuid.NewString(),
		Target:       target,
		Status:       RunRunning,
		StartedAt:    s.now().UTC(),
		MetadataJSON: "{}",
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO github.crawl_runs (owner_token, target_repo_count, status, started_at, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING run_id
	`, run.OwnerToken, run.Target, string(run.Status), run.StartedAt, run.MetadataJSON).Scan(&run.ID)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, run *Run, result RunResult) error {
	if err := result.validate(); err != nil {
		return err
	}
	finished := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE github.crawl_runs SET
			status = $1, repo_count = $2, partition_count = $3, split_partition_count = $4,
			error_message = $5, metadata = $6, finished_at = $7
		WHERE run_id = $8 AND owner_token = $9 AND status = $10
	`, string(result.Status), result.RepoCount, result.PartitionCount, result.SplitPartitionCount,
		nullable(result.Error), marshalMetadata(result.Metadata), finished,
		run.ID, run.OwnerToken, string(RunRunning))
	if err != nil {
		return fmt.Errorf("finish run %d: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %d: %w", run.ID, ErrRunClosed)
	}
	applyResult(run, result, finished)
	return nil
}

const pgRunColumns = `run_id, owner_token, target_repo_count, status, repo_count,
	partition_count, split_partition_count, error_message, started_at, finished_at, metadata::text AS metadata`

func (s *PostgresStore) GetRun(ctx context.Context, id int64) (*Run, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+pgRunColumns+" FROM github.crawl_runs WHERE run_id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("get run %d: %w", id, err)
	}
	run, err := pgx.CollectOneRow(rows, pgx.RowToStructByNameLax[Run])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %d: %w", id, err)
	}
	decodeRun(&run)
	return &run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+pgRunColumns+" FROM github.crawl_runs ORDER BY run_id DESC LIMIT $1", listLimit(limit, 20))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[Run])
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for i := range runs {
		decodeRun(&runs[i])
	}
	return runs, nil
}
