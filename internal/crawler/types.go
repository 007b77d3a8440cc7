// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusError   JobStatus = "error"
	JobStatusStopped JobStatus = "stopped"
)

// Terminal reports whether the status ends a run.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusError, JobStatusStopped:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusDone, JobStatusError, JobStatusStopped:
		return true
	default:
		return false
	}
}

// CrawlJob is one submitted URL under management.
type CrawlJob struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Title        string    `json:"title,omitempty"`
	Status       JobStatus `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RunID        string    `json:"-"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Headings holds per-level heading counts, index 0 is h1.
type Headings [6]int

// Level returns the count for heading level 1..6, or 0 when out of range.
func (h Headings) Level(level int) int {
	if level < 1 || level > len(h) {
		return 0
	}
	return h[level-1]
}

// Total sums every heading level.
func (h Headings) Total() int {
	total := 0
	for _, n := range h {
		total += n
	}
	return total
}

// Link is one hyperlink discovered on a page, already resolved to an absolute URL.
type Link struct {
	URL      string `json:"url"`
	Internal bool   `json:"internal"`
}

// AnalysisFacts are the structural facts the analyzer extracts from one document.
type AnalysisFacts struct {
	HTMLVersion  string   `json:"html_version"`
	Title        string   `json:"title"`
	Headings     Headings `json:"headings"`
	Links        []Link   `json:"links"`
	HasLoginForm bool     `json:"has_login_form"`
}

// InternalCount returns the number of links on the base host.
func (f AnalysisFacts) InternalCount() int {
	n := 0
	for _, l := range f.Links {
		if l.Internal {
			n++
		}
	}
	return n
}

// ExternalCount returns the number of links off the base host.
func (f AnalysisFacts) ExternalCount() int {
	return len(f.Links) - f.InternalCount()
}

// LinkURLs flattens the discovered links into URL strings.
func (f AnalysisFacts) LinkURLs() []string {
	out := make([]string, 0, len(f.Links))
	for _, l := range f.Links {
		out = append(out, l.URL)
	}
	return out
}

// LinkCheck is the verification outcome for a single link.
type LinkCheck struct {
	URL          string `json:"url"`
	StatusCode   int    `json:"status_code"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Broken reports whether the probe failed or returned a 4xx/5xx status.
func (c LinkCheck) Broken() bool {
	return c.ErrorMessage != "" || c.StatusCode == 0 || c.StatusCode >= http.StatusBadRequest
}

// BrokenLink is one link found unreachable during verification.
type BrokenLink struct {
	ResultID     string    `json:"result_id"`
	URL          string    `json:"url"`
	StatusCode   int       `json:"status_code"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CrawlResult is the latest analysis snapshot for a job.
type CrawlResult struct {
	ID            string       `json:"id"`
	JobID         string       `json:"job_id"`
	HTMLVersion   string       `json:"html_version"`
	Title         string       `json:"title"`
	Headings      Headings     `json:"headings"`
	InternalLinks int          `json:"internal_links"`
	ExternalLinks int          `json:"external_links"`
	BrokenLinks   int          `json:"broken_links"`
	HasLoginForm  bool         `json:"has_login_form"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	BrokenURLs    []BrokenLink `json:"broken_urls"`
}

// NewCrawlResult assembles a result from analysis facts and the verifier's checks.
// Only checks for URLs present in facts.Links are kept so the broken set stays a
// subset of the discovered links.
func NewCrawlResult(id, jobID string, facts AnalysisFacts, checks []LinkCheck, now time.Time) CrawlResult {
	known := make(map[string]struct{}, len(facts.Links))
	for _, l := range facts.Links {
		known[l.URL] = struct{}{}
	}
	broken := make([]BrokenLink, 0)
	seen := make(map[string]struct{}, len(checks))
	for _, c := range checks {
		if !c.Broken() {
			continue
		}
		if _, ok := known[c.URL]; !ok {
			continue
		}
		if _, dup := seen[c.URL]; dup {
			continue
		}
		seen[c.URL] = struct{}{}
		broken = append(broken, BrokenLink{
			ResultID:     id,
			URL:          c.URL,
			StatusCode:   c.StatusCode,
			ErrorMessage: c.ErrorMessage,
			CreatedAt:    now,
		})
	}
	return CrawlResult{
		ID:            id,
		JobID:         jobID,
		HTMLVersion:   facts.HTMLVersion,
		Title:         facts.Title,
		Headings:      facts.Headings,
		InternalLinks: facts.InternalCount(),
		ExternalLinks: facts.ExternalCount(),
		BrokenLinks:   len(broken),
		HasLoginForm:  facts.HasLoginForm,
		CreatedAt:     now,
		UpdatedAt:     now,
		BrokenURLs:    broken,
	}
}

// Validate checks the structural invariants of a result before it is persisted.
func (r CrawlResult) Validate() error {
	if r.JobID == "" {
		return errInvalidResult("job id is required")
	}
	for i, n := range r.Headings {
		if n < 0 {
			return errInvalidResult(fmt.Sprintf("negative heading count for h%d", i+1))
		}
	}
	if r.InternalLinks < 0 || r.ExternalLinks < 0 {
		return errInvalidResult("negative link count")
	}
	if r.BrokenLinks != len(r.BrokenURLs) {
		return errInvalidResult("broken link count does not match broken urls")
	}
	if r.BrokenLinks > r.InternalLinks+r.ExternalLinks {
		return errInvalidResult("more broken links than discovered links")
	}
	return nil
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID   string
	URL     string
	Method  string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// BulkAction names a bulk command against a set of jobs.
type BulkAction string

// Supported bulk actions.
const (
	BulkStop    BulkAction = "stop"
	BulkDelete  BulkAction = "delete"
	BulkRecrawl BulkAction = "recrawl"
)

// Valid reports whether the action is supported.
func (a BulkAction) Valid() bool {
	switch a {
	case BulkStop, BulkDelete, BulkRecrawl:
		return true
	default:
		return false
	}
}

// BulkOutcome values.
const (
	OutcomeOK       = "ok"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// BulkOutcome is the per-id result of a bulk command.
type BulkOutcome struct {
	JobID   string    `json:"id"`
	Outcome string    `json:"outcome"`
	Status  JobStatus `json:"status,omitempty"`
	Message string    `json:"message,omitempty"`
}

// ListFilter narrows ListJobs.
type ListFilter struct {
	Status JobStatus
	Search string
	Limit  int
	Offset int
}
