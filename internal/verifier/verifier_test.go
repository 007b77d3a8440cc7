package verifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/crawler"
	collyfetcher "github.com/JakeFAU/site-analyzer/internal/fetcher/colly"
	"github.com/JakeFAU/site-analyzer/internal/policy/ratelimit"
)

func TestVerifyClassifiesLinks(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		statuses: map[string]int{
			"https://example.com/ok":       200,
			"https://example.com/missing":  404,
			"https://example.com/error":    503,
			"https://example.com/redirect": 200,
		},
		errs: map[string]error{
			"https://down.example.org/": &crawler.FetchError{Kind: crawler.FetchErrorNetwork, Err: errors.New("connection refused")},
		},
	}
	v := New(fetcher, Config{Concurrency: 2, Timeout: time.Second}, zap.NewNop())

	checks, err := v.Verify(context.Background(), []string{
		"https://example.com/ok",
		"https://example.com/missing",
		"https://example.com/error",
		"https://example.com/redirect",
		"https://down.example.org/",
		"https://example.com/ok",
	})
	require.NoError(t, err)
	require.Len(t, checks, 5)

	byURL := map[string]crawler.LinkCheck{}
	for _, c := range checks {
		byURL[c.URL] = c
	}
	require.False(t, byURL["https://example.com/ok"].Broken())
	require.False(t, byURL["https://example.com/redirect"].Broken())
	require.Equal(t, 404, byURL["https://example.com/missing"].StatusCode)
	require.Equal(t, 503, byURL["https://example.com/error"].StatusCode)
	require.Zero(t, byURL["https://down.example.org/"].StatusCode)
	require.Contains(t, byURL["https://down.example.org/"].ErrorMessage, "connection refused")
	require.Len(t, Broken(checks), 3)
}

func TestVerifyFallsBackToGet(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		headStatuses: map[string]int{"https://example.com/nohead": http.StatusMethodNotAllowed},
		statuses:     map[string]int{"https://example.com/nohead": http.StatusOK},
	}
	v := New(fetcher, Config{Concurrency: 1}, zap.NewNop())

	checks, err := v.Verify(context.Background(), []string{"https://example.com/nohead"})
	require.NoError(t, err)
	require.Len(t, checks, 1)
	require.Equal(t, http.StatusOK, checks[0].StatusCode)
	require.Equal(t, []string{http.MethodHead, http.MethodGet}, fetcher.methodsFor("https://example.com/nohead"))
}

func TestVerifyRespectsConcurrencyLimit(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	fetcher := &fakeFetcher{
		delay: 20 * time.Millisecond,
		onStart: func() {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
		},
		onEnd: func() { inFlight.Add(-1) },
	}
	v := New(fetcher, Config{Concurrency: 3}, zap.NewNop())

	links := make([]string, 30)
	for i := range links {
		links[i] = fmt.Sprintf("https://example.com/%d", i)
	}
	checks, err := v.Verify(context.Background(), links)
	require.NoError(t, err)
	require.Len(t, checks, 30)
	require.LessOrEqual(t, peak.Load(), int32(3))
	require.Positive(t, peak.Load())
}

func TestVerifyIsolatesPanicsAndBadURLs(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		panics:   map[string]bool{"https://example.com/panic": true},
		statuses: map[string]int{"https://example.com/fine": 200},
	}
	v := New(fetcher, Config{Concurrency: 2}, zap.NewNop())

	checks, err := v.Verify(context.Background(), []string{
		"https://example.com/panic",
		"://bad",
		"https://example.com/fine",
	})
	require.NoError(t, err)
	require.Len(t, checks, 3)

	byURL := map[string]crawler.LinkCheck{}
	for _, c := range checks {
		byURL[c.URL] = c
	}
	require.Contains(t, byURL["https://example.com/panic"].ErrorMessage, "probe panic")
	require.Equal(t, "invalid url", byURL["://bad"].ErrorMessage)
	require.False(t, byURL["https://example.com/fine"].Broken())
}

func TestVerifyCancellationStopsAllProbes(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{block: true}
	v := New(fetcher, Config{Concurrency: 4, Timeout: 10 * time.Second}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	links := make([]string, 12)
	for i := range links {
		links[i] = fmt.Sprintf("https://slow.example.com/%d", i)
	}

	done := make(chan error, 1)
	go func() {
		_, err := v.Verify(ctx, links)
		done <- err
	}()

	require.Eventually(t, func() bool { return fetcher.started.Load() >= 4 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("verify did not observe cancellation")
	}
	require.LessOrEqual(t, fetcher.started.Load(), int32(8))
}

func TestVerifyAgainstHTTPServer(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ok", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusGone) })
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fetcher := collyfetcher.New(collyfetcher.Config{Timeout: 200 * time.Millisecond})
	v := New(fetcher, Config{Concurrency: 4, Timeout: 200 * time.Millisecond}, zap.NewNop())

	checks, err := v.Verify(context.Background(), []string{
		srv.URL + "/ok",
		srv.URL + "/moved",
		srv.URL + "/gone",
		srv.URL + "/slow",
	})
	require.NoError(t, err)

	broken := map[string]crawler.LinkCheck{}
	for _, c := range Broken(checks) {
		broken[c.URL] = c
	}
	require.Len(t, broken, 2)
	require.Equal(t, http.StatusGone, broken[srv.URL+"/gone"].StatusCode)
	require.Zero(t, broken[srv.URL+"/slow"].StatusCode)
	require.NotEmpty(t, broken[srv.URL+"/slow"].ErrorMessage)
}

func TestVerifyPacesProbesPerHost(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	limiter := ratelimit.New(ratelimit.Config{PerHostRPS: 50, PerHostBurst: 1})
	v := New(fetcher, Config{Concurrency: 8, Limiter: limiter}, zap.NewNop())

	links := []string{
		"https://slow.example.com/1",
		"https://slow.example.com/2",
		"https://slow.example.com/3",
		"https://other.example.org/",
	}
	start := time.Now()
	checks, err := v.Verify(context.Background(), links)
	require.NoError(t, err)
	require.Len(t, checks, 4)
	for _, c := range checks {
		require.False(t, c.Broken(), c.URL)
	}
	// Three probes on one host at 50 RPS need at least two 20ms refills.
	require.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
	require.Equal(t, 2, limiter.Hosts())
}

func TestVerifyLimiterCancellation(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	limiter := ratelimit.New(ratelimit.Config{PerHostRPS: 0.01, PerHostBurst: 1})
	v := New(fetcher, Config{Concurrency: 2, Limiter: limiter}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	_, err := v.Verify(ctx, []string{"https://example.com/a", "https://example.com/b"})
	require.ErrorIs(t, err, context.Canceled)
}

type fakeFetcher struct {
	mu           sync.Mutex
	statuses     map[string]int
	headStatuses map[string]int
	errs         map[string]error
	panics       map[string]bool
	methods      map[string][]string
	delay        time.Duration
	block        bool
	started      atomic.Int32
	onStart      func()
	onEnd        func()
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.started.Add(1)
	if f.onStart != nil {
		f.onStart()
	}
	if f.onEnd != nil {
		defer f.onEnd()
	}

	f.mu.Lock()
	if f.methods == nil {
		f.methods = map[string][]string{}
	}
	f.methods[req.URL] = append(f.methods[req.URL], req.Method)
	panics := f.panics[req.URL]
	err := f.errs[req.URL]
	status, ok := f.statuses[req.URL]
	if hs, hok := f.headStatuses[req.URL]; hok && req.Method == http.MethodHead {
		status, ok = hs, true
	}
	f.mu.Unlock()

	if panics {
		panic("boom")
	}
	if f.block {
		<-ctx.Done()
		return crawler.FetchResponse{}, &crawler.FetchError{Kind: crawler.FetchErrorCanceled, Err: ctx.Err()}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if !ok {
		status = http.StatusOK
	}
	resp := crawler.FetchResponse{URL: req.URL, StatusCode: status}
	if status >= 400 {
		return resp, &crawler.FetchError{Kind: crawler.FetchErrorNonSuccessStatus, StatusCode: status, Response: &resp}
	}
	return resp, nil
}

func (f *fakeFetcher) methodsFor(url string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods[url]...)
}
