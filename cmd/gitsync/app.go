package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/szaher/gitsync/internal/config"
	"github.com/szaher/gitsync/internal/controller"
	"github.com/szaher/gitsync/internal/engine"
	"github.com/szaher/gitsync/internal/events"
	"github.com/szaher/gitsync/internal/secrets"
	"github.com/szaher/gitsync/internal/state"
	"github.com/szaher/gitsync/internal/telemetry"
)

// app is everything a local command needs, built from the config file.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	redactor *secrets.RedactFilter
	resolver *secrets.Chain
	metrics  *telemetry.Metrics
	events   *events.Broadcaster
	eventLog *events.FileEmitter
	store    state.Store
	engine   *engine.Engine
	ctrl     *controller.Controller
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

// newApp wires the store, engine and controller. Logs go to stderr so
// command output on stdout stays machine-readable.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, redactor := telemetry.NewLogger(os.Stderr, telemetry.ParseLevel(cfg.Log.Level), cfg.Log.Format)

	resolver, err := cfg.Resolver(ctx)
	if err != nil {
		return nil, err
	}
	evaluator, err := cfg.Evaluator()
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	notifier, err := cfg.Notifier(ctx, resolver, logger)
	if err != nil {
		return nil, err
	}
	store, err := cfg.OpenStore(ctx, resolver)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		redactor: redactor,
		resolver: resolver,
		metrics:  telemetry.NewMetrics(),
		events:   events.NewBroadcaster(256),
		store:    store,
	}

	emitters := events.Multi{events.LogEmitter{Logger: logger}, a.events}
	if eventsFile != "" {
		if a.eventLog, err = events.OpenFile(eventsFile); err != nil {
			_ = store.Close()
			return nil, err
		}
		emitters = append(emitters, a.eventLog)
	}

	opts := []engine.Option{
		engine.WithPolicy(evaluator),
		engine.WithConcurrency(cfg.Engine.Concurrency),
		engine.WithTimeouts(time.Duration(cfg.Engine.FetchTimeout), time.Duration(cfg.Engine.ApplyTimeout)),
		engine.WithLogger(logger),
		engine.WithEmitter(emitters),
		engine.WithMetrics(a.metrics),
		engine.WithTracer(telemetry.NewTracer(telemetry.LogExporter(logger))),
		engine.WithRedactor(redactor),
	}
	if notifier != nil {
		opts = append(opts, engine.WithNotifier(notifier))
	}
	a.engine = engine.New(store, opts...)

	drivers, err := cfg.Drivers()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	targets, err := cfg.BuildTargets(ctx, resolver, drivers)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.ctrl, err = controller.New(a.engine, targets, controller.WithLogger(logger))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	err := a.store.Close()
	if a.eventLog != nil {
		err = errors.Join(err, a.eventLog.Close())
	}
	return err
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// passError maps an aborted pass onto exit code 2 and resource failures
// onto exit code 3.
func passError(report *engine.Report, err error) error {
	if err != nil {
		return &exitError{code: 2, err: errors.New(report.Summary())}
	}
	if n := report.Count(state.OutcomeFailed); n > 0 {
		return &exitError{code: 3, err: fmt.Errorf("%s: %d resource(s) failed", report.Target, n)}
	}
	return nil
}
