package store

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS repositories (
    repo_node_id     TEXT PRIMARY KEY,
    name_with_owner  TEXT NOT NULL,
    owner_login      TEXT NOT NULL,
    repo_name        TEXT NOT NULL,
    url              TEXT NOT NULL,
    is_fork          BOOLEAN NOT NULL DEFAULT 0,
    is_archived      BOOLEAN NOT NULL DEFAULT 0,
    is_private       BOOLEAN NOT NULL DEFAULT 0,
    default_branch   TEXT,
    primary_language TEXT,
    stargazer_count  INTEGER NOT NULL,
    created_at       DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL,
    pushed_at        DATETIME,
    raw_payload      TEXT NOT NULL DEFAULT '{}',
    last_seen_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_repositories_stars ON repositories(stargazer_count DESC);
CREATE INDEX IF NOT EXISTS idx_repositories_owner ON repositories(owner_login);

CREATE TABLE IF NOT EXISTS repo_star_snapshots (
    repo_node_id    TEXT NOT NULL REFERENCES repositories(repo_node_id) ON DELETE CASCADE,
    snapshot_date   TEXT NOT NULL,
    stargazer_count INTEGER NOT NULL,
    fetched_at      DATETIME NOT NULL,
    PRIMARY KEY (repo_node_id, snapshot_date)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_date_stars ON repo_star_snapshots(snapshot_date, stargazer_count DESC);

CREATE TABLE IF NOT EXISTS crawl_runs (
    run_id                INTEGER PRIMARY KEY AUTOINCREMENT,
    owner_token           TEXT NOT NULL,
    target_repo_count     INTEGER NOT NULL,
    status                TEXT NOT NULL,
    repo_count            INTEGER NOT NULL DEFAULT 0,
    partition_count       INTEGER NOT NULL DEFAULT 0,
    split_partition_count INTEGER NOT NULL DEFAULT 0,
    metadata              TEXT NOT NULL DEFAULT '{}',
    error_message         TEXT,
    started_at            DATETIME NOT NULL,
    finished_at           DATETIME,
    CHECK (split_partition_count <= partition_count)
);

CREATE INDEX IF NOT EXISTS idx_crawl_runs_started ON crawl_runs(started_at);
`

const postgresSchema = `
CREATE SCHEMA IF NOT EXISTS github;

CREATE TABLE IF NOT EXISTS github.repositories (
    repo_node_id     TEXT PRIMARY KEY,
    name_with_owner  TEXT NOT NULL,
    owner_login      TEXT NOT NULL,
    repo_name        TEXT NOT NULL,
    url              TEXT NOT NULL,
    is_fork          BOOLEAN NOT NULL DEFAULT FALSE,
    is_archived      BOOLEAN NOT NULL DEFAULT FALSE,
    is_private       BOOLEAN NOT NULL DEFAULT FALSE,
    default_branch   TEXT,
    primary_language TEXT,
    stargazer_count  INTEGER NOT NULL CHECK (stargazer_count >= 0),
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL,
    pushed_at        TIMESTAMPTZ,
    raw_payload      JSONB NOT NULL DEFAULT '{}'::jsonb,
    last_seen_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_repositories_stars ON github.repositories(stargazer_count DESC);
CREATE INDEX IF NOT EXISTS idx_repositories_owner ON github.repositories(owner_login);

CREATE TABLE IF NOT EXISTS github.repo_star_snapshots (
    repo_node_id    TEXT NOT NULL REFERENCES github.repositories(repo_node_id) ON DELETE CASCADE,
    snapshot_date   DATE NOT NULL,
    stargazer_count INTEGER NOT NULL CHECK (stargazer_count >= 0),
    fetched_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (repo_node_id, snapshot_date)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_date_stars ON github.repo_star_snapshots(snapshot_date, stargazer_count DESC);

CREATE TABLE IF NOT EXISTS github.crawl_runs (
    run_id                BIGSERIAL PRIMARY KEY,
    owner_token           TEXT NOT NULL,
    target_repo_count     INTEGER NOT NULL,
    status                TEXT NOT NULL,
    repo_count            INTEGER NOT NULL DEFAULT 0,
    partition_count       INTEGER NOT NULL DEFAULT 0,
    split_partition_count INTEGER NOT NULL DEFAULT 0,
    metadata              JSONB NOT NULL DEFAULT '{}'::jsonb,
    error_message         TEXT,
    started_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    finished_at           TIMESTAMPTZ,
    CHECK (split_partition_count <= partition_count)
);

CREATE INDEX IF NOT EXISTS idx_crawl_runs_started ON github.crawl_runs(started_at);
`
