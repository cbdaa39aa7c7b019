// Command shipit serves the release orchestrator: it accepts GitHub push
// webhooks, drives the release workflow and streams progress to websocket
// observers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/shipit"
	"github.com/petrijr/shipit/internal/broadcast"
	"github.com/petrijr/shipit/internal/config"
	"github.com/petrijr/shipit/internal/ingress"
	"github.com/petrijr/shipit/internal/metrics"
	"github.com/petrijr/shipit/internal/release"
	"github.com/petrijr/shipit/pkg/api"
	"github.com/petrijr/shipit/pkg/providers/github"
	"github.com/petrijr/shipit/pkg/providers/openai"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "shipit:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("shipit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(stderr)
	slog.SetDefault(logger)

	m := metrics.New()
	bundle, err := shipit.OpenBundle(ctx, shipit.BundleConfig{
		Driver:   cfg.Store.Driver,
		DSN:      cfg.Store.DSN,
		Observer: api.NewCompositeObserver(api.NewLoggingObserver(logger), m),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer func() {
		if err := bundle.Close(); err != nil {
			logger.Error("close store", slog.Any("error", err))
		}
	}()
	eng := bundle.Engine

	if err := registerRelease(eng, cfg, logger); err != nil {
		return err
	}

	recovered, err := eng.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	logger.Info("recovered workflow instances", slog.Int("count", recovered))

	runID, err := eng.ScheduleWorkflow(ctx, release.WorkflowName, cfg.Workflow.ID, api.ScheduleOptions{Exclusive: true})
	var sched *api.SchedulingError
	switch {
	case errors.As(err, &sched):
		logger.Info("release workflow already running", slog.String("workflow_id", cfg.Workflow.ID))
	case err != nil:
		return fmt.Errorf("schedule release workflow: %w", err)
	default:
		logger.Info("release workflow scheduled",
			slog.String("workflow_id", cfg.Workflow.ID),
			slog.String("run_id", runID),
		)
	}

	sender, ok := eng.(api.AsyncSender)
	if !ok {
		return errors.New("engine does not support asynchronous sends")
	}
	hub := broadcast.NewHub(broadcast.WithObserver(m), broadcast.WithLogger(logger))
	adapter := ingress.NewAdapter(sender, hub, cfg.Workflow.ID, logger)
	defer adapter.Close()

	server := ingress.NewServer(adapter, ingress.ServerConfig{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Websocket: broadcast.WebsocketConfig{
			KeepAlive: cfg.Server.KeepAlive,
			Logger:    logger,
		},
		Metrics: m.Handler(),
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return nil
	})
	return g.Wait()
}

func registerRelease(eng api.Engine, cfg *config.Config, logger *slog.Logger) error {
	ghOpts := []github.Option{github.WithLogger(logger)}
	if cfg.GitHub.BaseURL != "" {
		ghOpts = append(ghOpts, github.WithBaseURL(cfg.GitHub.BaseURL))
	}
	aiOpts := []openai.Option{openai.WithLogger(logger), openai.WithModel(cfg.OpenAI.Model)}
	if cfg.OpenAI.BaseURL != "" {
		aiOpts = append(aiOpts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}

	wf, err := release.New(release.Options{
		AdmissionRule:       cfg.Workflow.AdmissionRule,
		StrictTagSuggestion: cfg.Workflow.StrictTagSuggestion,
		Model:               cfg.OpenAI.Model,
		StepTimeout:         cfg.Workflow.StepTimeout,
		Logger:              logger,
	})
	if err != nil {
		return err
	}
	return release.Register(eng, wf,
		github.New(cfg.GitHub.Token, ghOpts...),
		openai.New(cfg.OpenAI.APIKey, aiOpts...),
		cfg.Workflow.Concurrency,
	)
}
