// Package app builds the long-lived services from configuration and holds
// them for the lifetime of a command.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analyzer"
	"github.com/JakeFAU/site-analyzer/internal/api"
	"github.com/JakeFAU/site-analyzer/internal/clock/system"
	"github.com/JakeFAU/site-analyzer/internal/config"
	"github.com/JakeFAU/site-analyzer/internal/crawler"
	"github.com/JakeFAU/site-analyzer/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/site-analyzer/internal/fetcher/colly"
	"github.com/JakeFAU/site-analyzer/internal/id/uuid"
	"github.com/JakeFAU/site-analyzer/internal/policy/ratelimit"
	"github.com/JakeFAU/site-analyzer/internal/policy/robots"
	memsignal "github.com/JakeFAU/site-analyzer/internal/queue/memory"
	redissignal "github.com/JakeFAU/site-analyzer/internal/queue/redis"
	memstore "github.com/JakeFAU/site-analyzer/internal/storage/memory"
	pgstore "github.com/JakeFAU/site-analyzer/internal/storage/postgres"
	"github.com/JakeFAU/site-analyzer/internal/verifier"
	"github.com/JakeFAU/site-analyzer/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App holds the wired services. It is built once per command and closed by
// the command when it returns.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	store      crawler.JobStore
	signal     crawler.Signal
	dispatcher *dispatcher.Dispatcher
	server     *api.Server
	closers    []func() error
}

// New wires the job store, wake signal, analysis pipeline, worker pool and
// HTTP server described by cfg.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}

	clock := system.New()
	ids := uuid.New()

	if err := a.initStore(ctx, clock); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initSignal(ctx); err != nil {
		a.Close()
		return nil, err
	}

	fetcher, probe := NewFetchers(cfg, logger)
	w := worker.New(
		a.store,
		fetcher,
		analyzer.New(),
		verifier.New(probe, verifier.Config{
			Concurrency: cfg.Verify.Concurrency,
			Timeout:     cfg.VerifyTimeout(),
			Limiter:     NewProbeLimiter(cfg),
		}, logger.Named("verifier")),
		ids,
		clock,
		worker.Config{MaxRetries: cfg.Crawler.MaxRetries},
		logger.Named("worker"),
	)
	a.dispatcher = dispatcher.New(a.store, w, a.signal, ids, dispatcher.Config{
		Concurrency:  cfg.Crawler.Concurrency,
		PollInterval: cfg.PollInterval(),
		StopGrace:    cfg.StopGrace(),
	}, logger.Named("dispatcher"))
	a.server = api.NewServer(a.dispatcher, cfg, logger)

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("signal", cfg.Signal.Driver),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
	)
	return a, nil
}

// NewFetchers returns the page fetcher and the lighter fetcher used for link
// probes. Both share the user agent and redirect limit. Only page fetches are
// subject to robots.txt.
func NewFetchers(cfg config.Config, logger *zap.Logger) (page crawler.Fetcher, probe *collyfetcher.Fetcher) {
	page = collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxRedirects: cfg.Fetch.MaxRedirects,
		MaxBodyBytes: int(cfg.Fetch.MaxBodyBytes),
	})
	if cfg.Crawler.RespectRobots {
		page = robots.New(page, robots.Config{
			UserAgent: cfg.Crawler.UserAgent,
			Timeout:   cfg.VerifyTimeout(),
		}, logger.Named("robots"))
	}
	probe = collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.VerifyTimeout(),
		MaxRedirects: cfg.Fetch.MaxRedirects,
	})
	return page, probe
}

// NewProbeLimiter returns the per-host limiter shared by all link probes.
func NewProbeLimiter(cfg config.Config) *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		PerHostRPS:   cfg.Verify.PerHostRPS,
		PerHostBurst: cfg.Verify.PerHostBurst,
	})
}

func (a *App) initStore(ctx context.Context, clock crawler.Clock) error {
	switch a.cfg.Store.Driver {
	case config.DriverPostgres:
		a.logger.Info("connecting to postgres")
		store, err := pgstore.NewJobStore(ctx, pgstore.JobStoreConfig{
			DSN:             a.cfg.Store.DSN,
			MaxConns:        a.cfg.Store.MaxConns,
			MinConns:        a.cfg.Store.MinConns,
			MaxConnLifetime: a.cfg.ConnLifetime(),
		}, clock)
		if err != nil {
			return fmt.Errorf("init job store: %w", err)
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		if a.cfg.Store.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate job store: %w", err)
			}
		}
		a.store = store
	default:
		a.logger.Info("using in-memory job store; jobs are lost on exit")
		a.store = memstore.NewJobStore(clock)
	}
	return nil
}

func (a *App) initSignal(ctx context.Context) error {
	switch a.cfg.Signal.Driver {
	case config.DriverRedis:
		a.logger.Info("subscribing to redis wake channel", zap.String("channel", a.cfg.Signal.Channel))
		sig, err := redissignal.NewSignal(ctx, redissignal.Config{
			Addr:     a.cfg.Signal.RedisAddr,
			Password: a.cfg.Signal.RedisPassword,
			DB:       a.cfg.Signal.RedisDB,
			Channel:  a.cfg.Signal.Channel,
		})
		if err != nil {
			return fmt.Errorf("init signal: %w", err)
		}
		a.closers = append(a.closers, sig.Close)
		a.signal = sig
	default:
		sig := memsignal.NewSignal(a.cfg.Signal.Buffer)
		a.closers = append(a.closers, sig.Close)
		a.signal = sig
	}
	return nil
}

// Dispatcher exposes the worker pool, mainly for tests and one-shot commands.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatcher
}

// Handler returns the HTTP handler of the API server.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Serve runs the worker pool and the HTTP server until ctx is canceled, then
// shuts both down. In-flight runs are given the configured stop grace.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		a.logger.Info("dispatcher started")
		a.dispatcher.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
			cancel()
			return
		}
		serveErr <- nil
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-poolDone
	err := <-serveErr
	a.logger.Info("shutdown complete")
	return err
}

// Close releases the store and signal connections. It is safe to call on a
// partially built App.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
		}
	}
	a.closers = nil
}
