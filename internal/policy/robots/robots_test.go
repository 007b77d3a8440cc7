package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/crawler"
)

type stubFetcher struct {
	calls atomic.Int32
}

func (s *stubFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	s.calls.Add(1)
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK}, nil
}

func newRobotsServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			hits.Add(1)
			w.WriteHeader(status)
			fmt.Fprint(w, body)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetchHonorsDisallow(t *testing.T) {
	t.Parallel()

	srv, hits := newRobotsServer(t, http.StatusOK, "User-agent: *\nDisallow: /private\n")
	next := &stubFetcher{}
	f := New(next, Config{UserAgent: "site-analyzer-test"}, zap.NewNop())

	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/public"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/private/page"})
	require.ErrorIs(t, err, crawler.ErrDisallowed)
	require.False(t, crawler.IsTransient(err))

	require.EqualValues(t, 1, next.calls.Load())
	require.EqualValues(t, 1, hits.Load(), "rules are cached per origin")
}

func TestFetchMatchesUserAgentGroup(t *testing.T) {
	t.Parallel()

	srv, _ := newRobotsServer(t, http.StatusOK, "User-agent: site-analyzer-test\nDisallow: /\n\nUser-agent: *\nAllow: /\n")
	blocked := New(&stubFetcher{}, Config{UserAgent: "site-analyzer-test"}, nil)
	other := New(&stubFetcher{}, Config{UserAgent: "someone-else"}, nil)

	require.False(t, blocked.Allowed(context.Background(), srv.URL+"/"))
	require.True(t, other.Allowed(context.Background(), srv.URL+"/"))
}

func TestMissingRobotsAllowsEverything(t *testing.T) {
	t.Parallel()

	srv, _ := newRobotsServer(t, http.StatusNotFound, "")
	f := New(&stubFetcher{}, Config{UserAgent: "site-analyzer-test"}, nil)
	require.True(t, f.Allowed(context.Background(), srv.URL+"/anything"))
}

func TestServerErrorDisallowsEverything(t *testing.T) {
	t.Parallel()

	srv, _ := newRobotsServer(t, http.StatusServiceUnavailable, "")
	f := New(&stubFetcher{}, Config{UserAgent: "site-analyzer-test"}, nil)
	require.False(t, f.Allowed(context.Background(), srv.URL+"/anything"))
}

func TestCancelledCallerDoesNotFailSharedDownload(t *testing.T) {
	t.Parallel()

	requested := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			w.WriteHeader(http.StatusOK)
			return
		}
		select {
		case requested <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	}))
	t.Cleanup(srv.Close)

	f := New(&stubFetcher{}, Config{UserAgent: "site-analyzer-test"}, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan bool, 1)
	go func() { first <- f.Allowed(firstCtx, srv.URL+"/private/a") }()
	<-requested

	second := make(chan bool, 1)
	go func() { second <- f.Allowed(context.Background(), srv.URL+"/private/b") }()
	time.Sleep(50 * time.Millisecond)
	cancelFirst()
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.False(t, <-second, "waiter must see the downloaded rules")
	require.False(t, <-first)
}

func TestUnreachableRobotsAllows(t *testing.T) {
	t.Parallel()

	srv, _ := newRobotsServer(t, http.StatusOK, "")
	addr := srv.URL
	srv.Close()

	f := New(&stubFetcher{}, Config{UserAgent: "site-analyzer-test"}, nil)
	require.True(t, f.Allowed(context.Background(), addr+"/page"))
	require.False(t, f.Allowed(context.Background(), "::not a url"))
}
