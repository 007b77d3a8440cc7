// Package verifier probes discovered links concurrently and classifies them as
// reachable or broken.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-analyzer/internal/crawler"
	"github.com/JakeFAU/site-analyzer/internal/metrics"
)

const (
	defaultConcurrency = 10
	defaultTimeout     = 10 * time.Second
)

// HostLimiter paces probes per host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls probe fan-out and per-link timeouts. Limiter is optional.
type Config struct {
	Concurrency int
	Timeout     time.Duration
	Limiter     HostLimiter
}

// Verifier implements crawler.LinkVerifier on top of a Fetcher.
type Verifier struct {
	fetcher crawler.Fetcher
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Verifier.
func New(fetcher crawler.Fetcher, cfg Config, logger *zap.Logger) *Verifier {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger,
	}
}

// Verify probes every distinct link with at most cfg.Concurrency probes in
// flight. Individual failures are recorded on the returned checks; the only
// error returned is cancellation of ctx, in which case no checks are returned.
// Result order is unspecified.
func (v *Verifier) Verify(ctx context.Context, links []string) ([]crawler.LinkCheck, error) {
	unique := dedupe(links)
	checks := make([]crawler.LinkCheck, len(unique))

	var g errgroup.Group
	g.SetLimit(v.cfg.Concurrency)
	for i, link := range unique {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			checks[i] = v.probe(ctx, link)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("verify canceled: %w", err)
	}
	for _, c := range checks {
		outcome := "ok"
		if c.Broken() {
			outcome = "broken"
		}
		metrics.ObserveLinkCheck(outcome)
	}
	return checks, nil
}

// Broken filters checks down to the broken ones.
func Broken(checks []crawler.LinkCheck) []crawler.LinkCheck {
	out := make([]crawler.LinkCheck, 0)
	for _, c := range checks {
		if c.Broken() {
			out = append(out, c)
		}
	}
	return out
}

func (v *Verifier) probe(ctx context.Context, link string) (check crawler.LinkCheck) {
	check.URL = link
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("link probe panicked",
				zap.String("url", link),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			check.StatusCode = 0
			check.ErrorMessage = fmt.Sprintf("probe panic: %v", r)
		}
	}()

	if u, err := url.Parse(link); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		check.ErrorMessage = "invalid url"
		return check
	}

	status, err := v.request(ctx, link, http.MethodHead)
	if (err != nil || status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) && ctx.Err() == nil {
		status, err = v.request(ctx, link, http.MethodGet)
	}
	check.StatusCode = status
	if err != nil {
		check.ErrorMessage = err.Error()
	}
	if check.Broken() {
		v.logger.Debug("broken link",
			zap.String("url", link),
			zap.Int("status", status),
			zap.String("error", check.ErrorMessage),
		)
	}
	return check
}

// request returns the response status. Non-success statuses are not errors here;
// err is only set when no response was received.
func (v *Verifier) request(ctx context.Context, link, method string) (int, error) {
	if v.cfg.Limiter != nil {
		if err := v.cfg.Limiter.Wait(ctx, link); err != nil {
			return 0, err
		}
	}
	probeCtx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	resp, err := v.fetcher.Fetch(probeCtx, crawler.FetchRequest{URL: link, Method: method})
	if err != nil {
		var fe *crawler.FetchError
		if errors.As(err, &fe) && fe.Kind == crawler.FetchErrorNonSuccessStatus {
			return fe.StatusCode, nil
		}
		return 0, err
	}
	return resp.StatusCode, nil
}

func dedupe(links []string) []string {
	seen := make(map[string]struct{}, len(links))
	out := make([]string, 0, len(links))
	for _, l := range links {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
