package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/livechat-connect/internal/auth"
	"github.com/vovakirdan/livechat-connect/internal/bridge"
	"github.com/vovakirdan/livechat-connect/internal/config"
	"github.com/vovakirdan/livechat-connect/internal/store"
	"github.com/vovakirdan/livechat-connect/internal/store/sqlstore"
	"github.com/vovakirdan/livechat-connect/internal/tasks"
	transporthttp "github.com/vovakirdan/livechat-connect/internal/transport/http"
)

// App wires together storage, the bridge, the task runner and the HTTP layer.
type App struct {
	cfg             *config.Config
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	store           store.Store
	bridge          *bridge.Bridge
	runner          *tasks.Runner
	maintenance     *tasks.Maintenance
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlstore.New(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("database initialized")

	b, err := bridge.New(st, cfg, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init bridge: %w", err)
	}

	runner := tasks.NewRunner(cfg.Tasks, logger)
	server := transporthttp.NewServer(transporthttp.Deps{
		Config: cfg,
		Bridge: b,
		Runner: runner,
		Store:  st,
		JWT:    auth.FromConfig(cfg.Admin),
	}, logger)

	return &App{
		cfg:             cfg,
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		store:           st,
		bridge:          b,
		runner:          runner,
		maintenance:     tasks.NewMaintenance(cfg, st, b, logger),
		log:             logger,
	}, nil
}

// Maintenance exposes the maintenance jobs for one-shot commands.
func (a *App) Maintenance() *tasks.Maintenance { return a.maintenance }

// Runner exposes the task runner for one-shot commands.
func (a *App) Runner() *tasks.Runner { return a.runner }

// Run starts the HTTP server and blocks until context cancellation or fatal error.
// Background work is always drained before the store is closed.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	maintCtx, stopMaintenance := context.WithCancel(ctx)
	defer stopMaintenance()
	maintDone := make(chan struct{})
	go func() {
		defer close(maintDone)
		a.maintenance.Run(maintCtx, a.runner, a.cfg.Maintenance.Interval)
	}()

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	var runErr error
	serverStopped := false
	select {
	case runErr = <-serverErr:
		serverStopped = true
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	stopMaintenance()
	<-maintDone

	if !serverStopped {
		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			runErr = err
		} else {
			runErr = <-serverErr
		}
	}
	if err := a.runner.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("tasks still running at shutdown")
	}

	a.Close()
	return runErr
}

// Close releases the database.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
