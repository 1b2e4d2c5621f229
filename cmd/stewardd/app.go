package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/GoCodeAlone/steward/channel"
	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/config"
	"github.com/GoCodeAlone/steward/conversation"
	"github.com/GoCodeAlone/steward/delivery"
	"github.com/GoCodeAlone/steward/executor"
	"github.com/GoCodeAlone/steward/internal/redact"
	"github.com/GoCodeAlone/steward/internal/sqlite"
	"github.com/GoCodeAlone/steward/internal/version"
	"github.com/GoCodeAlone/steward/notify"
	"github.com/GoCodeAlone/steward/processor"
	"github.com/GoCodeAlone/steward/provider"
	"github.com/GoCodeAlone/steward/provider/anthropic"
	"github.com/GoCodeAlone/steward/provider/mock"
	"github.com/GoCodeAlone/steward/scheduler"
	"github.com/GoCodeAlone/steward/server"
	"github.com/GoCodeAlone/steward/server/api"
	"github.com/GoCodeAlone/steward/task"
)

// App holds every wired component of the daemon.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sql.DB
	tasks     *task.SQLiteStore
	convs     *conversation.SQLiteStore
	channels  *channel.Registry
	bus       *comms.InMemoryBus
	processor *processor.Processor
	scheduler *scheduler.Scheduler
	server    *server.Server
}

// newBrain selects the reasoning backend.
func newBrain(cfg config.BrainConfig) (provider.Provider, error) {
	switch cfg.Provider {
	case "mock":
		return mock.New(), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, errors.New("brain.api_key is required for the anthropic provider")
		}
		return anthropic.New(anthropic.Config{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			BaseURL:     cfg.BaseURL,
			MaxTokens:   cfg.MaxTokens,
			MaxHistory:  cfg.HistoryTurns * 2,
			MaxSessions: cfg.MaxSessions,
		}), nil
	}
	return nil, fmt.Errorf("unknown brain provider %q", cfg.Provider)
}

// newSink builds the notification sink: always the log, plus a webhook
// when configured.
func newSink(cfg config.NotifyConfig, logger *slog.Logger) notify.Sink {
	sinks := notify.Multi{notify.LogSink{Logger: logger}}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.WebhookURL, cfg.MinImportance))
	}
	return sinks
}

// newGuard registers every configured secret so execution logs never
// persist them.
func newGuard(cfg *config.Config) *redact.Guard {
	g := redact.New()
	g.Add("brain.api_key", cfg.Brain.APIKey)
	g.Add("auth.jwt_secret", cfg.Auth.JWTSecret)
	g.Add("notify.webhook_url", cfg.Notify.WebhookURL)
	for _, ch := range cfg.Channels {
		g.Add("channels."+ch.ID+".url", ch.URL)
	}
	return g
}

// newApp opens storage and wires the pipeline. Nothing runs until Run.
func newApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	brain, err := newBrain(cfg.Brain)
	if err != nil {
		return nil, err
	}

	db, err := sqlite.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	app := &App{cfg: cfg, logger: logger, db: db}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	if app.tasks, err = task.NewSQLiteStore(db, cfg.LogDir()); err != nil {
		return nil, err
	}
	if app.convs, err = conversation.NewSQLiteStore(db); err != nil {
		return nil, err
	}
	if app.channels, err = channel.NewRegistryFromConfig(cfg.Channels, logger); err != nil {
		return nil, err
	}
	app.bus = comms.NewInMemoryBus()

	execLog := task.NewExecLog()
	execLog.SetRedactor(newGuard(cfg).Redact)
	ex := executor.New(app.tasks, execLog, brain, app.channels, executor.Config{
		SystemPrompt: cfg.Brain.SystemPrompt,
		HistoryTurns: cfg.Brain.HistoryTurns,
	}, logger.With("component", "executor"))

	app.processor = processor.New(processor.Options{
		Store:         app.tasks,
		Executor:      ex,
		Delivery:      delivery.New(app.channels, app.convs, logger.With("component", "delivery")),
		Conversations: app.convs,
		Observer: processor.Broadcaster{
			Bus:    app.bus,
			Sink:   newSink(cfg.Notify, logger.With("component", "notify")),
			Logger: logger,
		},
		Log:    execLog,
		Logger: logger.With("component", "processor"),
	})

	app.scheduler = scheduler.New(scheduler.Options{
		Store:        app.tasks,
		Runner:       app.processor,
		Log:          execLog,
		PollInterval: cfg.Scheduler.PollInterval,
		Reconcile:    cfg.Scheduler.ReconcileOnStart,
		Logger:       logger.With("component", "scheduler"),
	})

	app.server = server.New(*cfg, &api.Handlers{
		Tasks:         app.tasks,
		Log:           execLog,
		Conversations: app.convs,
		Dispatcher:    app.processor,
		Scheduler:     app.scheduler,
		Channels:      app.channels,
		Bus:           app.bus,
		Version:       version.Version,
	}, logger.With("component", "server"))

	return app, nil
}

// Run starts the scheduler and serves HTTP on ln until ctx is cancelled,
// then shuts down gracefully.
func (a *App) Run(ctx context.Context, ln net.Listener) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.server.Serve(ln) }()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errors.Join(serveErr, a.Shutdown(shutdownCtx))
}

// Shutdown stops intake, then waits for in-flight runs.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("stop server: %w", err))
	}
	if err := a.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}

	done := make(chan struct{})
	go func() {
		a.processor.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, errors.New("timed out waiting for running tasks"))
	}
	return errors.Join(errs...)
}

// Close releases channels and the database.
func (a *App) Close() error {
	var errs []error
	if a.channels != nil {
		errs = append(errs, a.channels.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
