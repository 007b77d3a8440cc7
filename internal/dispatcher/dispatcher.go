// Package dispatcher owns the fixed worker pool: it claims queued jobs, tracks
// the cancel function of every active run and applies bulk commands.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/crawler"
	"github.com/JakeFAU/site-analyzer/internal/metrics"
	"github.com/JakeFAU/site-analyzer/internal/worker"
)

const (
	defaultConcurrency  = 4
	defaultPollInterval = time.Second
	defaultStopGrace    = 5 * time.Second
)

// ErrInvalidAction is returned by BulkAction for unknown actions.
var ErrInvalidAction = errors.New("invalid bulk action")

// Executor runs one claimed job.
type Executor interface {
	Execute(ctx context.Context, job crawler.CrawlJob) worker.Outcome
}

// Config controls pool size and pacing.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	StopGrace    time.Duration
}

type activeRun struct {
	runID  string
	cancel context.CancelFunc
}

// Dispatcher fans queued jobs out to a fixed number of workers.
type Dispatcher struct {
	store    crawler.JobStore
	executor Executor
	signal   crawler.Signal
	ids      crawler.IDGenerator
	cfg      Config
	logger   *zap.Logger

	wake    chan struct{}
	running atomic.Bool

	mu     sync.Mutex
	active map[string]activeRun
}

// New creates a Dispatcher. signal may be nil, in which case wake-ups stay
// inside this process.
func New(
	store crawler.JobStore,
	executor Executor,
	signal crawler.Signal,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:    store,
		executor: executor,
		signal:   signal,
		ids:      ids,
		cfg:      cfg,
		logger:   logger,
		wake:     make(chan struct{}, cfg.Concurrency),
		active:   make(map[string]activeRun),
	}
}

// Run starts the workers and blocks until ctx finishes. In-flight runs get
// cfg.StopGrace to finish before their contexts are cancelled; cancelled runs
// hand their jobs back to the queue.
func (d *Dispatcher) Run(ctx context.Context) {
	runCtx, hardStop := context.WithCancel(context.WithoutCancel(ctx))
	defer hardStop()

	d.running.Store(true)
	defer d.running.Store(false)

	var wg sync.WaitGroup
	if d.signal != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.pumpSignal(ctx)
		}()
	}
	for i := range d.cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.loop(ctx, runCtx, d.logger.With(zap.Int("worker", i)))
		}()
	}
	d.logger.Info("dispatcher started", zap.Int("workers", d.cfg.Concurrency))

	<-ctx.Done()
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(d.cfg.StopGrace):
		d.logger.Warn("stop grace elapsed, cancelling in-flight runs", zap.Duration("grace", d.cfg.StopGrace))
		hardStop()
		<-drained
	}
	d.logger.Info("dispatcher stopped")
}

// Running reports whether Run is active.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Submit validates and normalizes rawURL, stores a queued job and wakes a worker.
func (d *Dispatcher) Submit(ctx context.Context, rawURL string) (crawler.CrawlJob, error) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return crawler.CrawlJob{}, err
	}
	id, err := d.ids.NewID()
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("generate job id: %w", err)
	}
	if err := d.store.CreateJob(ctx, crawler.CrawlJob{ID: id, URL: normalized}); err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("create job: %w", err)
	}
	d.notify(ctx, id)
	job, err := d.store.GetJob(ctx, id)
	if err != nil {
		return crawler.CrawlJob{}, fmt.Errorf("load job: %w", err)
	}
	d.logger.Info("job submitted", zap.String("job_id", id), zap.String("url", normalized))
	return job, nil
}

// BulkAction applies action to every id independently. The only error is an
// unknown action; per-id failures are reported in the outcomes.
func (d *Dispatcher) BulkAction(ctx context.Context, ids []string, action crawler.BulkAction) ([]crawler.BulkOutcome, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	outcomes := make([]crawler.BulkOutcome, 0, len(ids))
	woke := false
	for _, id := range ids {
		var out crawler.BulkOutcome
		switch action {
		case crawler.BulkStop:
			out = d.stop(ctx, id)
		case crawler.BulkDelete:
			out = d.delete(ctx, id)
		case crawler.BulkRecrawl:
			out = d.recrawl(ctx, id)
			woke = woke || out.Outcome == crawler.OutcomeOK
		}
		metrics.ObserveBulkAction(string(action), out.Outcome)
		outcomes = append(outcomes, out)
	}
	if woke {
		d.notify(ctx, "")
	}
	return outcomes, nil
}

// GetJob returns one job.
func (d *Dispatcher) GetJob(ctx context.Context, id string) (crawler.CrawlJob, error) {
	return d.store.GetJob(ctx, id)
}

// GetResult returns the job's current result.
func (d *Dispatcher) GetResult(ctx context.Context, id string) (crawler.CrawlResult, error) {
	return d.store.GetResult(ctx, id)
}

// ListJobs lists jobs matching filter.
func (d *Dispatcher) ListJobs(ctx context.Context, filter crawler.ListFilter) ([]crawler.CrawlJob, error) {
	return d.store.ListJobs(ctx, filter)
}

func (d *Dispatcher) stop(ctx context.Context, id string) crawler.BulkOutcome {
	out := crawler.BulkOutcome{JobID: id}
	job, err := d.store.UpdateStatus(ctx, id,
		[]crawler.JobStatus{crawler.JobStatusQueued, crawler.JobStatusRunning}, crawler.JobStatusStopped, "")
	switch {
	case err == nil:
		d.cancelRun(id)
	case errors.Is(err, crawler.ErrNotFound):
		return notFound(out)
	case errors.Is(err, crawler.ErrConflict) && job.Status.Terminal():
		// Already finished; stopping is a no-op.
	default:
		return failed(out, err)
	}
	out.Outcome = crawler.OutcomeOK
	out.Status = job.Status
	return out
}

func (d *Dispatcher) delete(ctx context.Context, id string) crawler.BulkOutcome {
	out := crawler.BulkOutcome{JobID: id}
	// A running job is stopped first so its run cannot finalize in between.
	if _, err := d.store.UpdateStatus(ctx, id,
		[]crawler.JobStatus{crawler.JobStatusRunning}, crawler.JobStatusStopped, ""); err != nil &&
		!errors.Is(err, crawler.ErrConflict) && !errors.Is(err, crawler.ErrNotFound) {
		d.logger.Warn("stop before delete failed", zap.String("job_id", id), zap.Error(err))
	}
	err := d.store.Delete(ctx, id)
	switch {
	case err == nil:
		d.cancelRun(id)
		out.Outcome = crawler.OutcomeOK
		return out
	case errors.Is(err, crawler.ErrNotFound):
		return notFound(out)
	default:
		return failed(out, err)
	}
}

func (d *Dispatcher) recrawl(ctx context.Context, id string) crawler.BulkOutcome {
	out := crawler.BulkOutcome{JobID: id}
	// The old run loses its compare-and-set either way; cancelling it up front
	// stops its network work sooner.
	d.cancelRun(id)
	job, err := d.store.ResetToQueued(ctx, id)
	switch {
	case err == nil:
		// A run claimed between the cancel and the reset was superseded too.
		d.cancelStaleRun(ctx, id)
		out.Outcome = crawler.OutcomeOK
		out.Status = job.Status
		return out
	case errors.Is(err, crawler.ErrNotFound):
		return notFound(out)
	default:
		return failed(out, err)
	}
}

func notFound(out crawler.BulkOutcome) crawler.BulkOutcome {
	out.Outcome = crawler.OutcomeNotFound
	out.Message = "job not found"
	return out
}

func failed(out crawler.BulkOutcome, err error) crawler.BulkOutcome {
	out.Outcome = crawler.OutcomeError
	out.Message = err.Error()
	return out
}

func (d *Dispatcher) loop(ctx, runCtx context.Context, logger *zap.Logger) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		d.drain(ctx, runCtx, logger)
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// drain claims and runs jobs until the queue is empty or ctx ends.
func (d *Dispatcher) drain(ctx, runCtx context.Context, logger *zap.Logger) {
	for ctx.Err() == nil {
		runID, err := d.ids.NewID()
		if err != nil {
			logger.Error("generate run id failed", zap.Error(err))
			return
		}
		job, err := d.store.ClaimNextQueued(ctx, runID)
		if errors.Is(err, crawler.ErrNoJobs) {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("claim failed", zap.Error(err))
			}
			return
		}
		if !d.execute(runCtx, job, logger) {
			return
		}
	}
}

// execute runs a claimed job under its own cancelable context. It returns
// false on a claim collision so the caller backs off until the next tick.
func (d *Dispatcher) execute(runCtx context.Context, job crawler.CrawlJob, logger *zap.Logger) bool {
	jobCtx, cancel := context.WithCancel(runCtx)
	defer cancel()
	if !d.register(job.ID, job.RunID, cancel) {
		logger.Warn("claim collision, releasing job", zap.String("job_id", job.ID), zap.String("run_id", job.RunID))
		if err := d.store.ReleaseRun(context.WithoutCancel(runCtx), job.ID, job.RunID); err != nil {
			logger.Warn("release after collision failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		return false
	}
	defer d.unregister(job.ID, job.RunID)

	watched := make(chan struct{})
	go func() {
		defer close(watched)
		d.watch(jobCtx, job, cancel, logger)
	}()
	outcome := d.executor.Execute(jobCtx, job)
	cancel()
	<-watched
	logger.Debug("run finished", zap.String("job_id", job.ID), zap.String("outcome", string(outcome)))
	return true
}

// watch cancels the run once the store shows it no longer owns the job. This
// is how a stop, delete or recrawl issued by another process reaches it.
func (d *Dispatcher) watch(ctx context.Context, job crawler.CrawlJob, cancel context.CancelFunc, logger *zap.Logger) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		current, err := d.store.GetJob(ctx, job.ID)
		if err != nil && !errors.Is(err, crawler.ErrNotFound) {
			if ctx.Err() == nil {
				logger.Warn("run ownership check failed", zap.String("job_id", job.ID), zap.Error(err))
			}
			continue
		}
		if err == nil && ownedBy(current, job.RunID) {
			continue
		}
		logger.Info("run superseded, cancelling", zap.String("job_id", job.ID), zap.String("run_id", job.RunID))
		cancel()
		return
	}
}

func ownedBy(job crawler.CrawlJob, runID string) bool {
	return job.Status == crawler.JobStatusRunning && job.RunID == runID
}

func (d *Dispatcher) register(jobID, runID string, cancel context.CancelFunc) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.active[jobID]; busy {
		return false
	}
	d.active[jobID] = activeRun{runID: runID, cancel: cancel}
	return true
}

func (d *Dispatcher) unregister(jobID, runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if run, ok := d.active[jobID]; ok && run.runID == runID {
		delete(d.active, jobID)
	}
}

func (d *Dispatcher) cancelRun(jobID string) {
	d.mu.Lock()
	run, ok := d.active[jobID]
	d.mu.Unlock()
	if ok {
		run.cancel()
	}
}

// cancelStaleRun cancels the local run registered for jobID unless it still
// owns the job.
func (d *Dispatcher) cancelStaleRun(ctx context.Context, jobID string) {
	d.mu.Lock()
	run, ok := d.active[jobID]
	d.mu.Unlock()
	if !ok {
		return
	}
	job, err := d.store.GetJob(ctx, jobID)
	if err == nil && ownedBy(job, run.runID) {
		return
	}
	run.cancel()
}

func (d *Dispatcher) notify(ctx context.Context, jobID string) {
	if d.signal == nil {
		d.wakeWorkers()
		return
	}
	if err := d.signal.Notify(ctx, jobID); err != nil {
		d.logger.Warn("wake-up notify failed", zap.String("job_id", jobID), zap.Error(err))
		d.wakeWorkers()
	}
}

// wakeWorkers wakes every idle worker; the ones that find nothing to claim go
// straight back to sleep.
func (d *Dispatcher) wakeWorkers() {
	for range cap(d.wake) {
		select {
		case d.wake <- struct{}{}:
		default:
			return
		}
	}
}

func (d *Dispatcher) pumpSignal(ctx context.Context) {
	for {
		if _, err := d.signal.Wait(ctx); err != nil {
			if ctx.Err() == nil {
				d.logger.Warn("wake-up signal stopped, falling back to polling", zap.Error(err))
			}
			return
		}
		d.wakeWorkers()
	}
}
