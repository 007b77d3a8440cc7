package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/app"
	"github.com/JakeFAU/site-analyzer/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the worker pool and the HTTP API",
		Long: `Starts the configured number of workers and the HTTP API. On SIGINT or
SIGTERM the API stops accepting requests and in-flight runs get the configured
grace period before their jobs are handed back to the queue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
				Enabled:     rt.cfg.Tracing.Enabled,
				SampleRatio: rt.cfg.Tracing.SampleRatio,
			}, telemetry.NewLogExporter(rt.logger.Named("trace")))
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
					rt.logger.Warn("tracer shutdown failed", zap.Error(err))
				}
			}()

			a, err := app.New(ctx, rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			defer a.Close()
			return a.Serve(ctx)
		},
	}
}
