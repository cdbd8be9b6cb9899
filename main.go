package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tubeqa/internal/app"
	"tubeqa/internal/config"
	"tubeqa/internal/logger"
	"tubeqa/internal/telemetry"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tubeqa",
		Short:         "Question answering over video transcripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the HTTP API",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, cfg *config.Config, a *app.App) error {
					return run(ctx, cfg, a)
				})
			},
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Consume asynchronous ingestion messages",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, cfg *config.Config, a *app.App) error {
					if !cfg.EnableNSQ {
						return fmt.Errorf("%w: worker needs ENABLE_NSQ=true", config.ErrInvalid)
					}
					return a.RunWorker(ctx)
				})
			},
		},
		newIngestCmd(),
		newAskCmd(),
		newEvaluateCmd(),
	)
	return root
}

// withApp loads configuration, connects dependencies and hands a ready app
// to fn. Interrupts cancel the context passed to fn.
func withApp(parent context.Context, fn func(ctx context.Context, cfg *config.Config, a *app.App) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}
	slog.SetDefault(logger.New(os.Stdout, cfg.LogLevel, cfg.LogFormat))

	shutdown, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		slog.Error("failed to init tracing", "error", err)
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		return err
	}
	defer deps.Close()

	a, err := app.New(ctx, cfg, deps)
	if err != nil {
		slog.Error("failed to build app", "error", err)
		return err
	}
	defer a.Close()

	if err := fn(ctx, cfg, a); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("command failed", "error", err)
		return err
	}
	return nil
}

// run serves the API and, when NSQ is enabled, consumes ingestion messages
// in the same process.
func run(ctx context.Context, cfg *config.Config, a *app.App) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(ctx) })
	if cfg.EnableNSQ {
		g.Go(func() error { return a.RunWorker(ctx) })
	}
	return g.Wait()
}
