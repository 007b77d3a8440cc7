// Package robots gates page fetches on the target host's robots.txt.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/site-analyzer/internal/crawler"
)

const (
	defaultTimeout = 10 * time.Second
	maxRobotsBytes = 1 << 20
)

// Config controls robots.txt lookups.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Client overrides the HTTP client used to download robots.txt.
	Client *http.Client
}

// Fetcher wraps a crawler.Fetcher and refuses URLs the host's robots.txt
// disallows for the configured user agent. Rules are cached per origin for
// the lifetime of the Fetcher.
type Fetcher struct {
	next   crawler.Fetcher
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*robotstxt.RobotsData
	group singleflight.Group
}

// New returns a robots-aware Fetcher delegating allowed requests to next.
func New(next crawler.Fetcher, cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Fetcher{
		next:   next,
		cfg:    cfg,
		client: client,
		logger: logger,
		cache:  make(map[string]*robotstxt.RobotsData),
	}
}

// Fetch implements crawler.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if !f.Allowed(ctx, req.URL) {
		return crawler.FetchResponse{}, &crawler.FetchError{
			Kind: crawler.FetchErrorDisallowed,
			URL:  req.URL,
		}
	}
	return f.next.Fetch(ctx, req)
}

// Allowed reports whether rawURL may be fetched. A robots.txt that cannot be
// downloaded allows everything; a 5xx answer disallows everything.
func (f *Fetcher) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	data, err := f.rules(ctx, parsed)
	if err != nil {
		f.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", parsed.Host),
			zap.Error(err),
		)
		return true
	}
	return data.TestAgent(requestPath(parsed), f.cfg.UserAgent)
}

func (f *Fetcher) rules(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	origin := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	f.mu.RLock()
	data, ok := f.cache[origin]
	f.mu.RUnlock()
	if ok {
		return data, nil
	}

	v, err, _ := f.group.Do(origin, func() (any, error) {
		// Callers share this download, so one caller's cancellation must not
		// fail it for the others.
		dlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.Timeout)
		defer cancel()
		data, err := f.download(dlCtx, origin)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.cache[origin] = data
		f.mu.Unlock()
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*robotstxt.RobotsData), nil
}

func (f *Fetcher) download(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func requestPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
