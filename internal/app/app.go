// Package app owns the trade copier's lifecycle: it wires the dependencies,
// enforces the production startup window, runs the listener, archiver, and
// credential-reload loops, and tears everything down in order on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stratbase/tradecopier/internal/config"
)

// minProductionAbortWindow is the floor on the pre-start pause against a
// live-money brokerage, no matter what the config says.
const minProductionAbortWindow = 10 * time.Second

// App is the root application object.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies and blocks until the context is cancelled or the
// listener gives up. On return all resources have been released.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting trade copier",
		slog.Bool("production", a.cfg.Production),
		slog.String("log_level", a.cfg.LogLevel))

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	if a.cfg.Production {
		if err := a.productionAbortWindow(ctx); err != nil {
			return err
		}
	}

	deps.Alerts.Startup(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Listener.Run(gctx)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(gctx)
		})
	}

	g.Go(func() error {
		return a.pollCredentials(gctx, deps)
	})

	err = g.Wait()

	// Shutdown notifications go out on a fresh context; the run context is
	// already cancelled by now.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	deps.Alerts.Shutdown(shutdownCtx)
	cancel()

	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("app: replication stopped: %w", err)
}

// productionAbortWindow pauses before trading against live money so an
// operator who started the wrong build can still abort.
func (a *App) productionAbortWindow(ctx context.Context) error {
	window := a.cfg.Copier.StartupAbortWindow.Duration
	if window < minProductionAbortWindow {
		window = minProductionAbortWindow
	}

	a.logger.Warn("PRODUCTION MODE: live orders will be placed",
		slog.Duration("abort_window", window))

	select {
	case <-ctx.Done():
		a.logger.Info("aborted during startup window")
		return ctx.Err()
	case <-time.After(window):
		return nil
	}
}

// pollCredentials watches the master row's updated_at stamp and hot-swaps the
// scaling engine and stream credentials when an operator rotates keys.
func (a *App) pollCredentials(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Copier.CredentialPollInterval.Duration
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	master, err := deps.Store.GetMasterMeta(ctx)
	if err != nil {
		return fmt.Errorf("app: reading master account: %w", err)
	}
	lastSeen := master.UpdatedAt

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		meta, err := deps.Store.GetMasterMeta(ctx)
		if err != nil {
			a.logger.Error("credential poll failed", slog.String("error", err.Error()))
			continue
		}
		if !meta.UpdatedAt.After(lastSeen) {
			continue
		}

		a.logger.Info("master credentials changed, reloading",
			slog.String("account_id", meta.AccountID),
			slog.Time("updated_at", meta.UpdatedAt))

		_, creds, err := deps.Store.GetMaster(ctx)
		if err != nil {
			a.logger.Error("loading rotated credentials failed", slog.String("error", err.Error()))
			continue
		}

		if err := deps.Engine.Reinitialize(ctx, creds); err != nil {
			a.logger.Error("scaling engine reinitialization failed", slog.String("error", err.Error()))
			deps.Alerts.SystemError(ctx, "scaling", err)
			continue
		}
		deps.Listener.ReconnectWithCredentials(creds.APIKey, creds.SecretKey)
		lastSeen = meta.UpdatedAt
	}
}

// Close tears down all resources in reverse registration order. Safe to call
// multiple times.
func (a *App) Close() {
	a.logger.Info("shutting down trade copier")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
