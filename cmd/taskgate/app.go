package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/config"
	"github.com/fyrsmithlabs/taskgate/internal/evaluator"
	"github.com/fyrsmithlabs/taskgate/internal/events"
	"github.com/fyrsmithlabs/taskgate/internal/hooks"
	"github.com/fyrsmithlabs/taskgate/internal/pairing"
	"github.com/fyrsmithlabs/taskgate/internal/policy"
	"github.com/fyrsmithlabs/taskgate/internal/secrets"
	"github.com/fyrsmithlabs/taskgate/internal/service"
	"github.com/fyrsmithlabs/taskgate/internal/settle"
	"github.com/fyrsmithlabs/taskgate/internal/store"
	"github.com/fyrsmithlabs/taskgate/internal/taskrt"
	"github.com/fyrsmithlabs/taskgate/internal/telemetry"
)

// app holds the wired components shared by serve and mcp.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	registry  *prometheus.Registry
	store     *store.Store
	runtime   *taskrt.FileRuntime
	watcher   *policy.Watcher
	scrubber  secrets.Scrubber
	publisher events.Publisher
	engine    *pairing.Engine
	settle    *settle.Coordinator
	service   *service.Service
	hooks     *hooks.HookManager
	logger    *zap.Logger
}

// newApp initializes every component in dependency order:
//  1. telemetry and the Prometheus registry
//  2. decision store and task runtime
//  3. policy cache (and watcher), secret scrubber, evaluator gateway
//  4. event publisher, pairing engine (with startup reconcile)
//  5. settle coordinator (with recovery), service and hook interceptor
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.telemetry, err = telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version), logger.Named("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.store, err = store.Open(ctx, &store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: cfg.Store.BusyTimeout.Duration(),
		MaxRetries:  cfg.Store.MaxRetries,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	a.runtime, err = taskrt.NewFileRuntime(cfg.Tasks.Dir, cfg.Tasks.ListID, cfg.Tasks.LockTimeout.Duration(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening task runtime: %w", err)
	}

	cache := policy.NewCache(policy.NewFileSource(cfg.Policy.File), cfg.Policy.CacheTTL.Duration(), logger)
	if cfg.Policy.Watch && cfg.Policy.File != "" {
		a.watcher, err = policy.NewWatcher(cfg.Policy.File, cache, logger)
		if err != nil {
			logger.Warn("policy watcher disabled", zap.String("file", cfg.Policy.File), zap.Error(err))
			a.watcher = nil
		} else {
			a.watcher.Start(ctx)
		}
	}

	a.scrubber = secrets.Nop{}
	if cfg.Secrets.Enabled {
		var allow *secrets.Allowlist
		if cfg.Secrets.AllowlistPath != "" {
			allow, err = secrets.LoadAllowlist(cfg.Secrets.AllowlistPath)
			if err != nil {
				return nil, fmt.Errorf("loading secrets allowlist: %w", err)
			}
		}
		det, err := secrets.NewDetector(allow)
		if err != nil {
			return nil, fmt.Errorf("initializing secret detector: %w", err)
		}
		a.scrubber = det
	}

	eval := evaluator.New(
		evaluator.FromSettings(cfg.Evaluator),
		&evaluator.ExecRunner{Command: cfg.Evaluator.Command, Args: cfg.Evaluator.Args, Dir: cfg.Evaluator.WorkDir},
		cache,
		logger,
		evaluator.WithMetrics(evaluator.NewMetrics(a.registry)),
		evaluator.WithScrubber(a.scrubber),
	)

	a.publisher, err = events.Connect(cfg.Events, logger.Named("events"))
	if err != nil {
		// Events are best effort; governance runs without them.
		logger.Warn("event publishing disabled", zap.Error(err))
		a.publisher = events.Nop{}
		err = nil
	}

	a.engine = pairing.New(a.runtime, a.store, logger, pairing.WithPublisher(a.publisher))
	report, err := a.engine.Reconcile(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciling pairing intents: %w", err)
	}
	if report.Examined > 0 {
		logger.Info("pairing intents reconciled",
			zap.Int("examined", report.Examined),
			zap.Int("repaired", report.Repaired),
			zap.Int("abandoned", report.Abandoned),
			zap.Int("failed", report.Failed))
	}

	a.settle = settle.New(settle.FromSettings(cfg.Settle), a.store, eval, a.engine, logger,
		settle.WithMetrics(settle.NewMetrics(a.registry)),
		settle.WithPublisher(a.publisher))
	if n, err := a.settle.Recover(ctx); err != nil {
		logger.Warn("settle recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("settle sessions rescheduled", zap.Int("sessions", n))
	}

	a.service, err = service.New(a.store, a.engine, eval, a.settle, logger, service.WithPublisher(a.publisher))
	if err != nil {
		return nil, err
	}

	a.hooks = hooks.NewHookManager(logger)
	hooks.NewInterceptor(a.engine, a.settle, a.service, logger).Register(a.hooks)

	return a, nil
}

// Close stops background work and releases resources in reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.settle != nil {
		if err := a.settle.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping settle coordinator: %w", err))
		}
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing event publisher: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
