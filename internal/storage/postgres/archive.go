// Package postgres archives finished jobs into Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/grand-spider/internal/crawler"
)

// DefaultTable is used when ArchiveConfig.Table is empty.
const DefaultTable = "spider_jobs"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ArchiveConfig controls the Postgres connection pool used for job rows.
type ArchiveConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// Archive upserts job rows keyed by job id.
type Archive struct {
	pool  execCloser
	table string
}

// NewArchive connects a pool using cfg.
func NewArchive(ctx context.Context, cfg ArchiveConfig) (*Archive, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Archive{pool: pool, table: table}, nil
}

// NewArchiveWithPool constructs an archive from an existing pool.
func NewArchiveWithPool(pool execCloser, table string) (*Archive, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Archive{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (a *Archive) Close() {
	if a == nil || a.pool == nil {
		return
	}
	a.pool.Close()
}

// Ping checks that the database is reachable.
func (a *Archive) Ping(ctx context.Context) error {
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the archive table when it does not exist.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	status        TEXT NOT NULL,
	parameters    JSONB NOT NULL,
	submitted_at  TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ,
	error         TEXT,
	pages_visited INTEGER NOT NULL DEFAULT 0,
	report_uri    TEXT,
	result        JSONB
)`, a.table)
	if _, err := a.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", a.table, err)
	}
	return nil
}

// ArchiveJob inserts job or replaces the existing row with the same id.
func (a *Archive) ArchiveJob(ctx context.Context, job crawler.Job) error {
	if a == nil || a.pool == nil {
		return fmt.Errorf("result archive is not configured")
	}
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	paramsJSON, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	var (
		resultJSON   []byte
		pagesVisited int
		reportURI    string
	)
	if job.Result != nil {
		resultJSON, err = json.Marshal(job.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		pagesVisited = job.Result.PagesVisited
		reportURI = job.Result.ReportURI
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	kind,
	status,
	parameters,
	submitted_at,
	started_at,
	finished_at,
	error,
	pages_visited,
	report_uri,
	result
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	started_at = EXCLUDED.started_at,
	finished_at = EXCLUDED.finished_at,
	error = EXCLUDED.error,
	pages_visited = EXCLUDED.pages_visited,
	report_uri = EXCLUDED.report_uri,
	result = EXCLUDED.result`, a.table)

	args := []any{
		job.ID,
		string(job.Kind),
		string(job.Status),
		paramsJSON,
		job.Submitted,
		job.Started,
		job.Finished,
		job.ErrorText,
		pagesVisited,
		reportURI,
		resultJSON,
	}
	if _, err := a.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("archive job %s: %w", job.ID, err)
	}
	return nil
}
