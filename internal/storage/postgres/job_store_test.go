package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-analyzer/internal/crawler"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Unix(1700000000, 0).UTC()

var jobCols = []string{"id", "url", "title", "status", "error_message", "run_id", "attempts", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewJobStoreWithPool(mock, fixedClock{now: testNow})
	require.NoError(t, err)
	return store, mock
}

func jobRow(id, status, runID string, attempts int) *pgxmock.Rows {
	return pgxmock.NewRows(jobCols).
		AddRow(id, "https://example.com/", "", status, "", runID, attempts, testNow, testNow)
}

func TestNewJobStoreWithPoolRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := NewJobStoreWithPool(nil, fixedClock{})
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewJobStoreWithPool(mock, nil)
	require.Error(t, err)
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_jobs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobInsertsQueuedRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs("job-1", "https://example.com/", "queued", testNow, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs("job-1", "https://example.com/", "queued", testNow, testNow).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})

	job := crawler.CrawlJob{ID: "job-1", URL: "https://example.com/"}
	require.NoError(t, store.CreateJob(context.Background(), job))
	require.ErrorIs(t, store.CreateJob(context.Background(), job), crawler.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextQueued(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs("running", "run-1", testNow, "queued").
		WillReturnRows(jobRow("job-1", "running", "run-1", 1))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs("running", "run-2", testNow, "queued").
		WillReturnRows(pgxmock.NewRows(jobCols))

	job, err := store.ClaimNextQueued(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusRunning, job.Status)
	require.Equal(t, "run-1", job.RunID)
	require.Equal(t, 1, job.Attempts)

	_, err = store.ClaimNextQueued(context.Background(), "run-2")
	require.ErrorIs(t, err, crawler.ErrNoJobs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusReportsConflictWithCurrentStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	from := []crawler.JobStatus{crawler.JobStatusQueued, crawler.JobStatusRunning}
	mock.ExpectQuery("UPDATE crawl_jobs").
		WithArgs("job-1", "stopped", "", testNow, []string{"queued", "running"}).
		WillReturnRows(pgxmock.NewRows(jobCols))
	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRow("job-1", "done", "", 1))

	job, err := store.UpdateStatus(context.Background(), "job-1", from, crawler.JobStatusStopped, "")
	require.ErrorIs(t, err, crawler.ErrConflict)
	require.Equal(t, crawler.JobStatusDone, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusMissingJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE crawl_jobs").
		WithArgs("job-x", "stopped", "", testNow, []string{"running"}).
		WillReturnRows(pgxmock.NewRows(jobCols))
	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs WHERE id").
		WithArgs("job-x").
		WillReturnRows(pgxmock.NewRows(jobCols))

	_, err := store.UpdateStatus(context.Background(), "job-x",
		[]crawler.JobStatus{crawler.JobStatusRunning}, crawler.JobStatusStopped, "")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRunWritesResultInTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	facts := crawler.AnalysisFacts{
		HTMLVersion: "HTML5",
		Title:       "Example",
		Headings:    crawler.Headings{1, 2, 0, 0, 0, 0},
		Links: []crawler.Link{
			{URL: "https://example.com/a", Internal: true},
			{URL: "https://other.example/", Internal: false},
		},
	}
	checks := []crawler.LinkCheck{
		{URL: "https://example.com/a", StatusCode: 404},
		{URL: "https://other.example/", StatusCode: 200},
	}
	result := crawler.NewCrawlResult("res-1", "job-1", facts, checks, testNow)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("job-1", "run-1", "done", "Example", testNow, "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("DELETE FROM crawl_results").
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO crawl_results").
		WithArgs("res-1", "job-1", "HTML5", "Example", 1, 2, 0, 0, 0, 0, 1, 1, 1, false, "", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO broken_links").
		WithArgs("res-1", "https://example.com/a", 404, "", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.CompleteRun(context.Background(), "job-1", "run-1", result))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRunLosesToStop(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	result := crawler.NewCrawlResult("res-1", "job-1", crawler.AnalysisFacts{Title: "late"}, nil, testNow)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("job-1", "run-1", "done", "late", testNow, "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRow("job-1", "stopped", "", 1))
	mock.ExpectRollback()

	err := store.CompleteRun(context.Background(), "job-1", "run-1", result)
	require.ErrorIs(t, err, crawler.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRunRejectsInvalidResult(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	err := store.CompleteRun(context.Background(), "job-1", "run-1", crawler.CrawlResult{})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailRunOnDeletedJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("job-1", "run-1", "error", "HTTP error: 500", testNow, "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobCols))

	err := store.FailRun(context.Background(), "job-1", "run-1", "HTTP error: 500")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseRunRequeues(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("job-1", "run-1", "queued", testNow, "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.ReleaseRun(context.Background(), "job-1", "run-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResetToQueued(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE crawl_jobs").
		WithArgs("job-1", "queued", testNow).
		WillReturnRows(jobRow("job-1", "queued", "", 0))
	mock.ExpectQuery("UPDATE crawl_jobs").
		WithArgs("job-2", "queued", testNow).
		WillReturnRows(pgxmock.NewRows(jobCols))

	job, err := store.ResetToQueued(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusQueued, job.Status)

	_, err = store.ResetToQueued(context.Background(), "job-2")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetResultLoadsBrokenLinks(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM crawl_results WHERE job_id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "job_id", "html_version", "title", "h1", "h2", "h3", "h4", "h5", "h6",
			"internal_links", "external_links", "broken_links", "has_login_form", "error_message",
			"created_at", "updated_at",
		}).AddRow("res-1", "job-1", "HTML5", "Example", 1, 0, 3, 0, 0, 0, 4, 2, 1, true, "", testNow, testNow))
	mock.ExpectQuery("FROM broken_links WHERE result_id").
		WithArgs("res-1").
		WillReturnRows(pgxmock.NewRows([]string{"url", "status_code", "error_message", "created_at"}).
			AddRow("https://example.com/gone", 410, "", testNow))

	res, err := store.GetResult(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, 3, res.Headings.Level(3))
	require.True(t, res.HasLoginForm)
	require.Len(t, res.BrokenURLs, 1)
	require.Equal(t, "res-1", res.BrokenURLs[0].ResultID)
	require.Equal(t, 410, res.BrokenURLs[0].StatusCode)
	require.NoError(t, res.Validate())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetResultNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM crawl_results WHERE job_id").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := store.GetResult(context.Background(), "job-1")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobsBuildsFilteredQuery(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(
		"WHERE status = $1 AND (url ILIKE $2 OR title ILIKE $2) ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4",
	)).
		WithArgs("done", "%example%", 10, 20).
		WillReturnRows(jobRow("job-1", "done", "", 1))

	jobs, err := store.ListJobs(context.Background(), crawler.ListFilter{
		Status: crawler.JobStatusDone,
		Search: " example ",
		Limit:  10,
		Offset: 20,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "job-1", jobs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMissingJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM crawl_jobs").
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM crawl_jobs").
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, store.Delete(context.Background(), "job-1"))
	require.ErrorIs(t, store.Delete(context.Background(), "job-1"), crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
