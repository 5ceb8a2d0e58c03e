// Package app opens a workspace once and hands out the wired components.
// Callers await Open instead of polling for readiness.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"fixitnow/internal/config"
	"fixitnow/internal/db"
	"fixitnow/internal/engine"
	"fixitnow/internal/migrate"
	"fixitnow/internal/notify"
	"fixitnow/internal/store"
	"fixitnow/internal/telemetry"
)

type Options struct {
	Logger *slog.Logger
	// Metrics enables the OpenTelemetry pipeline configured in the workspace.
	Metrics bool
}

// App is an opened workspace.
type App struct {
	Workspace  string
	DB         *sql.DB
	Config     *config.Config
	Store      *store.Store
	Engine     engine.Engine
	Dispatcher *notify.Dispatcher
	Retrier    *engine.MatchRetrier
	Logger     *slog.Logger

	shutdown func(context.Context) error
}

// Open opens the workspace database, applies pending migrations, loads
// fixitnow.yml (defaults when absent) and wires the engine.
func Open(ctx context.Context, workspace string, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("workspace opened", "workspace", workspace, "schema", version)

	a := &App{Workspace: workspace, DB: conn, Config: cfg, Logger: logger}
	a.shutdown = func(context.Context) error { return nil }
	var metrics *telemetry.Metrics
	if opts.Metrics {
		shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		a.shutdown = shutdown
		metrics = telemetry.New()
	}

	a.Store = store.New(conn, store.Options{
		PollInterval: cfg.Subscriptions.PollInterval,
		MaxElapsed:   cfg.Subscriptions.MaxElapsed,
		Logger:       logger,
	})
	a.Dispatcher = notify.NewDispatcher(a.Store.Repo, cfg.Webhooks, logger)
	a.Engine = engine.New(a.Store, cfg).WithLogger(logger).WithMetrics(metrics)
	a.Engine.Notifier.Changed = a.Dispatcher.Wake
	a.Retrier = engine.NewMatchRetrier(a.Engine)
	return a, nil
}

func (a *App) Close() error {
	shutdownErr := a.shutdown(context.Background())
	if err := a.DB.Close(); err != nil {
		return err
	}
	return shutdownErr
}
