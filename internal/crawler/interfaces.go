package crawler

import (
	"context"
	"time"
)

// JobStore persists jobs, their current result and broken links.
// Every status change is atomic; the run-scoped methods compare the job's
// active RunID so a superseded run can never overwrite newer state.
type JobStore interface {
	CreateJob(ctx context.Context, job CrawlJob) error
	GetJob(ctx context.Context, jobID string) (CrawlJob, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]CrawlJob, error)
	// ClaimNextQueued moves the oldest queued job to running and stamps runID on it.
	// Returns ErrNoJobs when nothing is queued.
	ClaimNextQueued(ctx context.Context, runID string) (CrawlJob, error)
	// UpdateStatus sets status only if the current status is one of from.
	// Returns ErrConflict with the current status otherwise.
	UpdateStatus(ctx context.Context, jobID string, from []JobStatus, to JobStatus, errMsg string) (CrawlJob, error)
	// CompleteRun writes the result and marks the job done if runID still owns it.
	CompleteRun(ctx context.Context, jobID, runID string, result CrawlResult) error
	// FailRun marks the job error if runID still owns it. No result is written.
	FailRun(ctx context.Context, jobID, runID, errMsg string) error
	// ReleaseRun returns a running job to queued if runID still owns it.
	ReleaseRun(ctx context.Context, jobID, runID string) error
	// ResetToQueued re-enqueues a job from any state and clears its error.
	ResetToQueued(ctx context.Context, jobID string) (CrawlJob, error)
	GetResult(ctx context.Context, jobID string) (CrawlResult, error)
	Delete(ctx context.Context, jobID string) error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Analyzer extracts structural facts from an HTML document.
type Analyzer interface {
	Analyze(body []byte, baseURL string) (AnalysisFacts, error)
}

// LinkVerifier probes discovered links.
type LinkVerifier interface {
	Verify(ctx context.Context, links []string) ([]LinkCheck, error)
}

// Signal wakes idle workers when new work is queued.
type Signal interface {
	Notify(ctx context.Context, jobID string) error
	Wait(ctx context.Context) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job, run and result IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
