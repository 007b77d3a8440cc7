// Package worker runs a single claimed crawl job through fetch, analysis and
// link verification, and records the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/crawler"
	"github.com/JakeFAU/site-analyzer/internal/metrics"
)

// Outcome describes how Execute left a job.
type Outcome string

// Execute outcomes.
const (
	// OutcomeDone means the result was written and the job is done.
	OutcomeDone Outcome = "done"
	// OutcomeError means the job was marked error.
	OutcomeError Outcome = "error"
	// OutcomeRequeued means the run was handed back to the queue, either for a
	// retry or because the worker was shut down mid-run.
	OutcomeRequeued Outcome = "requeued"
	// OutcomeDiscarded means the run no longer owned the job (stopped,
	// recrawled or deleted) and its work was dropped.
	OutcomeDiscarded Outcome = "discarded"
)

// Config controls Worker behavior.
type Config struct {
	// MaxRetries is how many extra attempts a transient fetch failure earns.
	MaxRetries int
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer
}

const tracerName = "github.com/JakeFAU/site-analyzer/internal/worker"

// Worker executes claimed jobs. It is safe for concurrent use.
type Worker struct {
	store    crawler.JobStore
	fetcher  crawler.Fetcher
	analyzer crawler.Analyzer
	verifier crawler.LinkVerifier
	ids      crawler.IDGenerator
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	store crawler.JobStore,
	fetcher crawler.Fetcher,
	analyzer crawler.Analyzer,
	verifier crawler.LinkVerifier,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &Worker{
		store:    store,
		fetcher:  fetcher,
		analyzer: analyzer,
		verifier: verifier,
		ids:      ids,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Execute runs job, which must have been claimed with job.RunID. Cancelling
// ctx abandons the run: partial work is never written.
func (w *Worker) Execute(ctx context.Context, job crawler.CrawlJob) (outcome Outcome) {
	ctx, span := w.cfg.Tracer.Start(ctx, "job.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.url", job.URL),
		attribute.Int("job.attempt", job.Attempts),
	))
	defer span.End()

	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("run_id", job.RunID), zap.String("url", job.URL))
	if sc := span.SpanContext(); sc.HasTraceID() {
		logger = logger.With(zap.String("trace_id", sc.TraceID().String()))
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("job run panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			outcome = w.fail(ctx, logger, job, fmt.Sprintf("internal error: %v", r))
		}
		span.SetAttributes(attribute.String("job.outcome", string(outcome)))
		if outcome == OutcomeError {
			span.SetStatus(codes.Error, "job failed")
		}
		metrics.ObserveJob(string(outcome))
	}()

	resp, err := w.fetch(ctx, job)
	if ctx.Err() != nil {
		return w.abandon(ctx, logger, job)
	}
	if err != nil {
		if crawler.IsTransient(err) && job.Attempts <= w.cfg.MaxRetries {
			logger.Warn("transient fetch failure, requeueing", zap.Int("attempt", job.Attempts), zap.Error(err))
			return w.release(ctx, logger, job)
		}
		logger.Info("fetch failed", zap.Error(err))
		return w.fail(ctx, logger, job, err.Error())
	}

	facts, err := w.analyzer.Analyze(resp.Body, resp.URL)
	if err != nil {
		logger.Info("analyze failed", zap.Error(err))
		return w.fail(ctx, logger, job, err.Error())
	}

	checks, err := w.verify(ctx, facts.LinkURLs())
	if err != nil || ctx.Err() != nil {
		return w.abandon(ctx, logger, job)
	}

	resultID, err := w.ids.NewID()
	if err != nil {
		return w.fail(ctx, logger, job, fmt.Sprintf("generate result id: %v", err))
	}
	result := crawler.NewCrawlResult(resultID, job.ID, facts, checks, w.clock.Now())
	if ctx.Err() != nil {
		return w.abandon(ctx, logger, job)
	}
	err = w.store.CompleteRun(context.WithoutCancel(ctx), job.ID, job.RunID, result)
	switch {
	case err == nil:
		logger.Info("job done",
			zap.String("html_version", result.HTMLVersion),
			zap.Int("internal_links", result.InternalLinks),
			zap.Int("external_links", result.ExternalLinks),
			zap.Int("broken_links", result.BrokenLinks),
		)
		return OutcomeDone
	case superseded(err):
		logger.Info("run superseded, discarding result", zap.Error(err))
		return OutcomeDiscarded
	default:
		logger.Error("persist result failed", zap.Error(err))
		return w.fail(ctx, logger, job, fmt.Sprintf("persist result: %v", err))
	}
}

func (w *Worker) fetch(ctx context.Context, job crawler.CrawlJob) (crawler.FetchResponse, error) {
	ctx, span := w.cfg.Tracer.Start(ctx, "job.fetch")
	defer span.End()

	start := time.Now()
	resp, err := w.fetcher.Fetch(ctx, crawler.FetchRequest{JobID: job.ID, URL: job.URL})
	outcome := fetchOutcome(err)
	metrics.ObserveFetch(job.URL, outcome, time.Since(start))
	span.SetAttributes(attribute.String("fetch.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return crawler.FetchResponse{}, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

func (w *Worker) verify(ctx context.Context, links []string) ([]crawler.LinkCheck, error) {
	ctx, span := w.cfg.Tracer.Start(ctx, "job.verify", trace.WithAttributes(attribute.Int("links", len(links))))
	defer span.End()

	checks, err := w.verifier.Verify(ctx, links)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	broken := 0
	for _, c := range checks {
		if c.Broken() {
			broken++
		}
	}
	span.SetAttributes(attribute.Int("links.broken", broken))
	return checks, nil
}

// abandon hands the job back to the queue when the run was cancelled by
// shutdown. If it was cancelled by stop, recrawl or delete the run no longer
// owns the job and the release loses the compare-and-set.
func (w *Worker) abandon(ctx context.Context, logger *zap.Logger, job crawler.CrawlJob) Outcome {
	logger.Debug("run canceled", zap.Error(context.Cause(ctx)))
	return w.release(ctx, logger, job)
}

func (w *Worker) release(ctx context.Context, logger *zap.Logger, job crawler.CrawlJob) Outcome {
	err := w.store.ReleaseRun(context.WithoutCancel(ctx), job.ID, job.RunID)
	switch {
	case err == nil:
		return OutcomeRequeued
	case superseded(err):
		return OutcomeDiscarded
	default:
		logger.Error("release run failed", zap.Error(err))
		return OutcomeDiscarded
	}
}

func (w *Worker) fail(ctx context.Context, logger *zap.Logger, job crawler.CrawlJob, msg string) Outcome {
	err := w.store.FailRun(context.WithoutCancel(ctx), job.ID, job.RunID, msg)
	switch {
	case err == nil:
		return OutcomeError
	case superseded(err):
		logger.Info("run superseded, discarding failure", zap.String("message", msg))
		return OutcomeDiscarded
	default:
		logger.Error("record failure failed", zap.Error(err))
		return OutcomeDiscarded
	}
}

func superseded(err error) bool {
	return errors.Is(err, crawler.ErrConflict) || errors.Is(err, crawler.ErrNotFound)
}

func fetchOutcome(err error) string {
	var fe *crawler.FetchError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &fe):
		return string(fe.Kind)
	default:
		return "error"
	}
}
