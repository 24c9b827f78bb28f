package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xiaogangdengdai/autotask/internal/agent"
	"github.com/xiaogangdengdai/autotask/internal/config"
	"github.com/xiaogangdengdai/autotask/internal/digest"
	"github.com/xiaogangdengdai/autotask/internal/events"
	"github.com/xiaogangdengdai/autotask/internal/gateway"
	"github.com/xiaogangdengdai/autotask/internal/history"
	"github.com/xiaogangdengdai/autotask/internal/logging"
	"github.com/xiaogangdengdai/autotask/internal/pipeline"
	"github.com/xiaogangdengdai/autotask/internal/prompt"
	"github.com/xiaogangdengdai/autotask/internal/reconcile"
	"github.com/xiaogangdengdai/autotask/internal/scheduler"
	"github.com/xiaogangdengdai/autotask/internal/webhooks"
)

// app holds every component wired from one config.
type app struct {
	cfg       *config.Config
	bus       *events.Bus
	invoker   agent.Invoker
	builder   *prompt.Builder
	store     *history.Store
	scheduler *scheduler.Scheduler
	digest    *digest.Scheduler
	gateway   *gateway.Server
	notifier  *webhooks.Notifier
	logger    *slog.Logger
}

// newApp builds the component graph. Errors are startup failures: the output
// directory, the history store and the gateway listener must all be usable.
func newApp(cfg *config.Config, invoker agent.Invoker, opts ...scheduler.Option) (*app, error) {
	a := &app{
		cfg:     cfg,
		bus:     events.NewBus(events.DefaultHistory),
		builder: prompt.NewBuilder(*cfg.Policy),
		logger:  logging.WithComponent("main"),
	}
	if invoker == nil {
		invoker = agent.NewClaudeInvoker(cfg.Agent)
	}
	a.invoker = invoker

	artifacts, err := pipeline.NewDirArtifacts(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	controllerOpts := []pipeline.Option{
		pipeline.WithEvents(a.bus),
		pipeline.WithTimeout(cfg.Agent.Timeout),
	}
	if cfg.History.Enabled {
		a.store, err = history.Open(cfg.History.Driver, cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		controllerOpts = append(controllerOpts, pipeline.WithRecorder(a.store))
	}

	reporter := reconcile.NewReporter(a.invoker, a.builder, cfg.Agent.StatusTimeout)
	controller := pipeline.NewController(a.invoker, a.builder, reporter, artifacts, controllerOpts...)

	schedOpts := append([]scheduler.Option{
		scheduler.WithInterval(cfg.Scheduler.CheckInterval),
		scheduler.WithErrorCooldown(cfg.Scheduler.ErrorCooldown),
		scheduler.WithProbeTimeout(cfg.Agent.ProbeTimeout),
		scheduler.WithEvents(a.bus),
	}, opts...)
	a.scheduler = scheduler.New(a.invoker, a.builder, controller, schedOpts...)

	if cfg.Digest.Enabled && a.store != nil {
		a.digest = digest.NewScheduler(a.store, cfg.Digest, a.bus)
	}

	if cfg.Webhooks.Enabled {
		a.notifier = webhooks.NewNotifier(webhooks.NewManager(cfg.Webhooks, version), a.bus)
	}

	if cfg.Gateway.Enabled {
		gwOpts := []gateway.ServerOption{
			gateway.WithStatusProvider(a.scheduler),
			gateway.WithEventSource(a.bus),
			gateway.WithVersion(version),
		}
		if a.store != nil {
			gwOpts = append(gwOpts, gateway.WithRunLister(a.store))
		}
		if a.digest != nil {
			gwOpts = append(gwOpts, gateway.WithDigest(a.digest))
		}
		a.gateway = gateway.NewServer(cfg.Gateway, gwOpts...)
		if err := a.gateway.Listen(); err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

// startAuxiliary starts the digest cron, the webhook notifier and the
// gateway. They stop when ctx is cancelled.
func (a *app) startAuxiliary(ctx context.Context) error {
	if a.notifier != nil {
		if err := a.notifier.Start(ctx); err != nil {
			return fmt.Errorf("failed to start webhooks: %w", err)
		}
	}
	if a.digest != nil {
		if err := a.digest.Start(ctx); err != nil {
			return fmt.Errorf("failed to start digest: %w", err)
		}
	}
	if a.gateway != nil {
		go func() {
			if err := a.gateway.Serve(ctx); err != nil {
				a.logger.Error("Gateway stopped", slog.Any("error", err))
			}
		}()
		a.logger.Info("Gateway listening", slog.String("addr", a.gateway.Addr()))
	}
	return nil
}

// Close releases the store and stops auxiliary services.
func (a *app) Close() {
	if a.digest != nil {
		a.digest.Stop()
	}
	if a.notifier != nil {
		a.notifier.Stop()
	}
	if a.gateway != nil {
		if err := a.gateway.Shutdown(); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("Gateway shutdown failed", slog.Any("error", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close history store", slog.Any("error", err))
		}
	}
}

// logStartup logs the effective polling settings once.
func (a *app) logStartup() {
	a.logger.Info("autotask started",
		slog.String("version", version),
		slog.Duration("check_interval", a.cfg.Scheduler.CheckInterval),
		slog.Duration("agent_timeout", a.cfg.Agent.Timeout),
		slog.String("output_dir", a.cfg.OutputDir),
		slog.Bool("history", a.store != nil),
		slog.Bool("gateway", a.gateway != nil),
		slog.Bool("digest", a.digest != nil),
		slog.Bool("webhooks", a.notifier != nil),
	)
}
