// Package memory provides in-memory store implementations for development/testing.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/site-analyzer/internal/crawler"
)

// JobStore provides an in-memory crawler.JobStore. A single mutex serializes
// every mutation, which makes claims and compare-and-set updates atomic.
type JobStore struct {
	mu      sync.RWMutex
	clock   crawler.Clock
	jobs    map[string]crawler.CrawlJob
	results map[string]crawler.CrawlResult
	seq     map[string]uint64
	next    uint64
}

// NewJobStore constructs a JobStore.
func NewJobStore(clock crawler.Clock) *JobStore {
	return &JobStore{
		clock:   clock,
		jobs:    make(map[string]crawler.CrawlJob),
		results: make(map[string]crawler.CrawlResult),
		seq:     make(map[string]uint64),
	}
}

// CreateJob stores a new job in queued status.
func (s *JobStore) CreateJob(_ context.Context, job crawler.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, crawler.ErrConflict)
	}
	now := s.clock.Now()
	job.Status = crawler.JobStatusQueued
	job.RunID = ""
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = job
	s.enqueueLocked(job.ID)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return job, nil
}

// ListJobs returns jobs newest first, filtered by status and URL/title substring.
func (s *JobStore) ListJobs(_ context.Context, filter crawler.ListFilter) ([]crawler.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	out := make([]crawler.CrawlJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(job.URL), search) &&
			!strings.Contains(strings.ToLower(job.Title), search) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []crawler.CrawlJob{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ClaimNextQueued moves the longest-waiting queued job to running.
func (s *JobStore) ClaimNextQueued(_ context.Context, runID string) (crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		picked  string
		lowSeq  uint64
		present bool
	)
	for id, job := range s.jobs {
		if job.Status != crawler.JobStatusQueued {
			continue
		}
		if seq := s.seq[id]; !present || seq < lowSeq {
			picked, lowSeq, present = id, seq, true
		}
	}
	if !present {
		return crawler.CrawlJob{}, crawler.ErrNoJobs
	}
	job := s.jobs[picked]
	job.Status = crawler.JobStatusRunning
	job.RunID = runID
	job.Attempts++
	job.ErrorMessage = ""
	job.UpdatedAt = s.clock.Now()
	s.jobs[picked] = job
	return job, nil
}

// UpdateStatus sets status when the current status is one of from.
func (s *JobStore) UpdateStatus(
	_ context.Context,
	jobID string,
	from []crawler.JobStatus,
	to crawler.JobStatus,
	errMsg string,
) (crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if !slices.Contains(from, job.Status) {
		return job, fmt.Errorf("job %s is %s: %w", jobID, job.Status, crawler.ErrConflict)
	}
	job.Status = to
	job.ErrorMessage = errMsg
	if to != crawler.JobStatusRunning {
		job.RunID = ""
	}
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	if to == crawler.JobStatusQueued {
		s.enqueueLocked(jobID)
	}
	return job, nil
}

// CompleteRun replaces the job's result and marks it done.
func (s *JobStore) CompleteRun(_ context.Context, jobID, runID string, result crawler.CrawlResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.ownedLocked(jobID, runID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	result.JobID = jobID
	result.BrokenURLs = slices.Clone(result.BrokenURLs)
	s.results[jobID] = result
	job.Status = crawler.JobStatusDone
	job.ErrorMessage = ""
	job.Title = result.Title
	job.RunID = ""
	job.UpdatedAt = now
	s.jobs[jobID] = job
	return nil
}

// FailRun marks the job error without touching its previous result.
func (s *JobStore) FailRun(_ context.Context, jobID, runID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.ownedLocked(jobID, runID)
	if err != nil {
		return err
	}
	job.Status = crawler.JobStatusError
	job.ErrorMessage = errMsg
	job.RunID = ""
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	return nil
}

// ReleaseRun puts a running job back in the queue.
func (s *JobStore) ReleaseRun(_ context.Context, jobID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.ownedLocked(jobID, runID)
	if err != nil {
		return err
	}
	job.Status = crawler.JobStatusQueued
	job.RunID = ""
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	s.enqueueLocked(jobID)
	return nil
}

// ResetToQueued re-enqueues a job from any state.
func (s *JobStore) ResetToQueued(_ context.Context, jobID string) (crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	job.Status = crawler.JobStatusQueued
	job.ErrorMessage = ""
	job.RunID = ""
	job.Attempts = 0
	job.UpdatedAt = s.clock.Now()
	s.jobs[jobID] = job
	s.enqueueLocked(jobID)
	return job, nil
}

// GetResult returns the current result with its broken links.
func (s *JobStore) GetResult(_ context.Context, jobID string) (crawler.CrawlResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return crawler.CrawlResult{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	res, ok := s.results[jobID]
	if !ok {
		return crawler.CrawlResult{}, fmt.Errorf("result for job %s: %w", jobID, crawler.ErrNotFound)
	}
	res.BrokenURLs = slices.Clone(res.BrokenURLs)
	return res, nil
}

// Delete removes a job with its result and broken links.
func (s *JobStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	delete(s.jobs, jobID)
	delete(s.results, jobID)
	delete(s.seq, jobID)
	return nil
}

func (s *JobStore) ownedLocked(jobID, runID string) (crawler.CrawlJob, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.CrawlJob{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if job.Status != crawler.JobStatusRunning || job.RunID != runID {
		return crawler.CrawlJob{}, fmt.Errorf("job %s run %s: %w", jobID, runID, crawler.ErrConflict)
	}
	return job, nil
}

// enqueueLocked stamps the FIFO position used by ClaimNextQueued.
func (s *JobStore) enqueueLocked(jobID string) {
	s.next++
	s.seq[jobID] = s.next
}
