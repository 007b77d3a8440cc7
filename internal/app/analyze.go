package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analyzer"
	"github.com/JakeFAU/site-analyzer/internal/clock/system"
	"github.com/JakeFAU/site-analyzer/internal/config"
	"github.com/JakeFAU/site-analyzer/internal/crawler"
	"github.com/JakeFAU/site-analyzer/internal/id/uuid"
	"github.com/JakeFAU/site-analyzer/internal/verifier"
)

// Report is the outcome of a one-shot analysis that bypasses the job store.
type Report struct {
	URL        string              `json:"url"`
	FinalURL   string              `json:"final_url"`
	StatusCode int                 `json:"status_code"`
	Result     crawler.CrawlResult `json:"result"`
}

// Analyze fetches rawURL once, analyzes it and verifies its links using the
// same components the worker pool uses.
func Analyze(ctx context.Context, cfg config.Config, logger *zap.Logger, rawURL string) (Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return Report{}, err
	}
	page, probe := NewFetchers(cfg, logger)

	resp, err := page.Fetch(ctx, crawler.FetchRequest{URL: normalized})
	if err != nil {
		return Report{}, err
	}
	facts, err := analyzer.New().Analyze(resp.Body, resp.URL)
	if err != nil {
		return Report{}, err
	}
	v := verifier.New(probe, verifier.Config{
		Concurrency: cfg.Verify.Concurrency,
		Timeout:     cfg.VerifyTimeout(),
		Limiter:     NewProbeLimiter(cfg),
	}, logger.Named("verifier"))
	checks, err := v.Verify(ctx, facts.LinkURLs())
	if err != nil {
		return Report{}, err
	}

	id, err := uuid.New().NewID()
	if err != nil {
		return Report{}, fmt.Errorf("generate result id: %w", err)
	}
	result := crawler.NewCrawlResult(id, "", facts, checks, system.New().Now())
	logger.Debug("analysis finished",
		zap.String("url", normalized),
		zap.Int("links", len(facts.Links)),
		zap.Int("broken_links", result.BrokenLinks),
	)
	return Report{
		URL:        normalized,
		FinalURL:   resp.URL,
		StatusCode: resp.StatusCode,
		Result:     result,
	}, nil
}
