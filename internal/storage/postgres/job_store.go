// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/site-analyzer/internal/crawler"
)

// Schema creates the tables used by JobStore. Results and broken links cascade
// from their job.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl_jobs (
	id            TEXT PRIMARY KEY,
	url           TEXT NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	run_id        TEXT NOT NULL DEFAULT '',
	attempts      INTEGER NOT NULL DEFAULT 0,
	queued_at     TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS crawl_jobs_queue_idx ON crawl_jobs (queued_at) WHERE status = 'queued';
CREATE TABLE IF NOT EXISTS crawl_results (
	id             TEXT PRIMARY KEY,
	job_id         TEXT NOT NULL UNIQUE REFERENCES crawl_jobs (id) ON DELETE CASCADE,
	html_version   TEXT NOT NULL,
	title          TEXT NOT NULL,
	h1             INTEGER NOT NULL CHECK (h1 >= 0),
	h2             INTEGER NOT NULL CHECK (h2 >= 0),
	h3             INTEGER NOT NULL CHECK (h3 >= 0),
	h4             INTEGER NOT NULL CHECK (h4 >= 0),
	h5             INTEGER NOT NULL CHECK (h5 >= 0),
	h6             INTEGER NOT NULL CHECK (h6 >= 0),
	internal_links INTEGER NOT NULL,
	external_links INTEGER NOT NULL,
	broken_links   INTEGER NOT NULL,
	has_login_form BOOLEAN NOT NULL,
	error_message  TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	CHECK (broken_links <= internal_links + external_links)
);
CREATE TABLE IF NOT EXISTS broken_links (
	result_id     TEXT NOT NULL REFERENCES crawl_results (id) ON DELETE CASCADE,
	url           TEXT NOT NULL,
	status_code   INTEGER NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (result_id, url)
);
`

const jobColumns = `id, url, title, status, error_message, run_id, attempts, created_at, updated_at`

const uniqueViolation = "23505"

// JobStoreConfig controls the Postgres connection pool.
type JobStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Pool is the subset of *pgxpool.Pool used by JobStore.
type Pool interface {
	querier
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// JobStore implements crawler.JobStore on Postgres. Claims use
// FOR UPDATE SKIP LOCKED so concurrent processes never take the same row.
type JobStore struct {
	pool  Pool
	clock crawler.Clock
}

// NewJobStore connects a pool using cfg.
func NewJobStore(ctx context.Context, cfg JobStoreConfig, clock crawler.Clock) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
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
	return &JobStore{pool: pool, clock: clock}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool Pool, clock crawler.Clock) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &JobStore{pool: pool, clock: clock}, nil
}

// Migrate applies Schema.
func (s *JobStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a queued job.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.CrawlJob) error {
	now := s.clock.Now()
	created := job.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO crawl_jobs (id, url, status, queued_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $4)`,
		job.ID, job.URL, string(crawler.JobStatusQueued), now, created)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("job %s: %w", job.ID, crawler.ErrConflict)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.CrawlJob, error) {
	return getJob(ctx, s.pool, jobID)
}

// ListJobs returns jobs newest first.
func (s *JobStore) ListJobs(ctx context.Context, filter crawler.ListFilter) ([]crawler.CrawlJob, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+search+"%")
		n := strconv.Itoa(len(args))
		where = append(where, "(url ILIKE $"+n+" OR title ILIKE $"+n+")")
	}
	query := "SELECT " + jobColumns + " FROM crawl_jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	out := make([]crawler.CrawlJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// ClaimNextQueued moves the longest-waiting queued job to running.
func (s *JobStore) ClaimNextQueued(ctx context.Context, runID string) (crawler.CrawlJob, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE crawl_jobs
SET status = $1, run_id = $2, attempts = attempts + 1, error_message = '', updated_at = $3
WHERE id = (
	SELECT id FROM crawl_jobs
	WHERE status = $4
	ORDER BY queued_at, id
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING `+jobColumns,
		string(crawler.JobStatusRunning), runID, s.clock.Now(), string(crawler.JobStatusQueued))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, crawler.ErrNoJobs
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// UpdateStatus sets status when the current status is one of from.
func (s *JobStore) UpdateStatus(
	ctx context.Context,
	jobID string,
	from []crawler.JobStatus,
	to crawler.JobStatus,
	errMsg string,
) (crawler.CrawlJob, error) {
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}
	row := s.pool.QueryRow(ctx, `
UPDATE crawl_jobs
SET status = $2::text,
	error_message = $3,
	run_id = CASE WHEN $2::text = 'running' THEN run_id ELSE '' END,
	queued_at = CASE WHEN $2::text = 'queued' THEN $4 ELSE queued_at END,
	updated_at = $4
WHERE id = $1 AND status = ANY($5)
RETURNING `+jobColumns,
		jobID, string(to), errMsg, s.clock.Now(), allowed)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, fmt.Errorf("update status: %w", err)
	}
	current, err := getJob(ctx, s.pool, jobID)
	if err != nil {
		return crawler.CrawlJob{}, err
	}
	return current, fmt.Errorf("job %s is %s: %w", jobID, current.Status, crawler.ErrConflict)
}

// CompleteRun replaces the job's result and marks it done in one transaction.
func (s *JobStore) CompleteRun(ctx context.Context, jobID, runID string, result crawler.CrawlResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	now := s.clock.Now()
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE crawl_jobs
SET status = $3, error_message = '', title = $4, run_id = '', updated_at = $5
WHERE id = $1 AND status = $6 AND run_id = $2`,
			jobID, runID, string(crawler.JobStatusDone), result.Title, now, string(crawler.JobStatusRunning))
		if err != nil {
			return fmt.Errorf("finalize job: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return lostRun(ctx, tx, jobID, runID)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM crawl_results WHERE job_id = $1`, jobID); err != nil {
			return fmt.Errorf("delete previous result: %w", err)
		}
		h := result.Headings
		if _, err := tx.Exec(ctx, `
INSERT INTO crawl_results (
	id, job_id, html_version, title, h1, h2, h3, h4, h5, h6,
	internal_links, external_links, broken_links, has_login_form, error_message, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16)`,
			result.ID, jobID, result.HTMLVersion, result.Title, h[0], h[1], h[2], h[3], h[4], h[5],
			result.InternalLinks, result.ExternalLinks, result.BrokenLinks, result.HasLoginForm,
			result.ErrorMessage, now,
		); err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		for _, bl := range result.BrokenURLs {
			if _, err := tx.Exec(ctx, `
INSERT INTO broken_links (result_id, url, status_code, error_message, created_at)
VALUES ($1, $2, $3, $4, $5)`,
				result.ID, bl.URL, bl.StatusCode, bl.ErrorMessage, now,
			); err != nil {
				return fmt.Errorf("insert broken link: %w", err)
			}
		}
		return nil
	})
}

// FailRun marks the job error without touching its previous result.
func (s *JobStore) FailRun(ctx context.Context, jobID, runID, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_jobs
SET status = $3, error_message = $4, run_id = '', updated_at = $5
WHERE id = $1 AND status = $6 AND run_id = $2`,
		jobID, runID, string(crawler.JobStatusError), errMsg, s.clock.Now(), string(crawler.JobStatusRunning))
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lostRun(ctx, s.pool, jobID, runID)
	}
	return nil
}

// ReleaseRun puts a running job back at the end of the queue.
func (s *JobStore) ReleaseRun(ctx context.Context, jobID, runID string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_jobs
SET status = $3, run_id = '', queued_at = $4, updated_at = $4
WHERE id = $1 AND status = $5 AND run_id = $2`,
		jobID, runID, string(crawler.JobStatusQueued), s.clock.Now(), string(crawler.JobStatusRunning))
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lostRun(ctx, s.pool, jobID, runID)
	}
	return nil
}

// ResetToQueued re-enqueues a job from any state.
func (s *JobStore) ResetToQueued(ctx context.Context, jobID string) (crawler.CrawlJob, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE crawl_jobs
SET status = $2, error_message = '', run_id = '', attempts = 0, queued_at = $3, updated_at = $3
WHERE id = $1
RETURNING `+jobColumns,
		jobID, string(crawler.JobStatusQueued), s.clock.Now())
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("reset job: %w", err)
	}
	return job, nil
}

// GetResult returns the current result with its broken links.
func (s *JobStore) GetResult(ctx context.Context, jobID string) (crawler.CrawlResult, error) {
	var (
		res crawler.CrawlResult
		h   = &res.Headings
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, job_id, html_version, title, h1, h2, h3, h4, h5, h6,
	internal_links, external_links, broken_links, has_login_form, error_message, created_at, updated_at
FROM crawl_results WHERE job_id = $1`, jobID).Scan(
		&res.ID, &res.JobID, &res.HTMLVersion, &res.Title, &h[0], &h[1], &h[2], &h[3], &h[4], &h[5],
		&res.InternalLinks, &res.ExternalLinks, &res.BrokenLinks, &res.HasLoginForm, &res.ErrorMessage,
		&res.CreatedAt, &res.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlResult{}, fmt.Errorf("result for job %s: %w", jobID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlResult{}, fmt.Errorf("get result: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
SELECT url, status_code, error_message, created_at
FROM broken_links WHERE result_id = $1 ORDER BY url`, res.ID)
	if err != nil {
		return crawler.CrawlResult{}, fmt.Errorf("list broken links: %w", err)
	}
	defer rows.Close()
	res.BrokenURLs = make([]crawler.BrokenLink, 0, res.BrokenLinks)
	for rows.Next() {
		bl := crawler.BrokenLink{ResultID: res.ID}
		if err := rows.Scan(&bl.URL, &bl.StatusCode, &bl.ErrorMessage, &bl.CreatedAt); err != nil {
			return crawler.CrawlResult{}, fmt.Errorf("scan broken link: %w", err)
		}
		res.BrokenURLs = append(res.BrokenURLs, bl)
	}
	if err := rows.Err(); err != nil {
		return crawler.CrawlResult{}, fmt.Errorf("list broken links: %w", err)
	}
	return res, nil
}

// Delete removes a job; its result and broken links cascade.
func (s *JobStore) Delete(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM crawl_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return nil
}

func (s *JobStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// lostRun explains why a run-scoped update matched no row.
func lostRun(ctx context.Context, q querier, jobID, runID string) error {
	if _, err := getJob(ctx, q, jobID); err != nil {
		return err
	}
	return fmt.Errorf("job %s run %s: %w", jobID, runID, crawler.ErrConflict)
}

func getJob(ctx context.Context, q querier, jobID string) (crawler.CrawlJob, error) {
	job, err := scanJob(q.QueryRow(ctx, "SELECT "+jobColumns+" FROM crawl_jobs WHERE id = $1", jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (crawler.CrawlJob, error) {
	var (
		job    crawler.CrawlJob
		status string
	)
	err := row.Scan(
		&job.ID, &job.URL, &job.Title, &status, &job.ErrorMessage,
		&job.RunID, &job.Attempts, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return crawler.CrawlJob{}, err
	}
	job.Status = crawler.JobStatus(status)
	return job, nil
}
