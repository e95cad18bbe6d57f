package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikeyg42/streamqc/internal/api"
	"github.com/mikeyg42/streamqc/internal/archive"
	"github.com/mikeyg42/streamqc/internal/audit"
	"github.com/mikeyg42/streamqc/internal/config"
	"github.com/mikeyg42/streamqc/internal/session"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			app, err := NewApplication(cmd.Context(), cfg, ctx.logger)
			if err != nil {
				return &ExitError{Code: ExitServeError, Err: err}
			}
			defer app.Cleanup()

			ctx.logger.Info("streamqc starting",
				zap.String("config", ctx.configPath),
				zap.String("addr", cfg.Server.Addr))

			if err := app.Run(cmd.Context()); err != nil {
				return &ExitError{Code: ExitServeError, Err: err}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

// Application holds the long-lived components of the server
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	audit    *audit.Store
	archive  *archive.Store
	sessions *session.Manager
	server   *api.Server
}

// NewApplication opens the optional stores and wires the session manager
// and HTTP server together
func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	app := &Application{config: cfg, logger: logger}

	ladder, start, err := cfg.LadderOptions()
	if err != nil {
		return nil, err
	}

	sessionCfg := session.Config{
		Settings: cfg.QualitySettings(),
		Ladder:   ladder,
		Start:    start,
		Logger:   logger.Named("sessions"),
	}
	apiOpts := api.Options{
		Addr:              cfg.Server.Addr,
		ReadTimeout:       cfg.Server.ReadTimeout.Duration,
		WriteTimeout:      cfg.Server.WriteTimeout.Duration,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		SessionsPerMinute: cfg.Server.SessionsPerMinute,
		Logger:            logger.Named("api"),
	}

	if cfg.Audit.Enabled {
		store, err := audit.Open(ctx, cfg.AuditConfig())
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		app.audit = store
		sessionCfg.Recorder = store
		apiOpts.Audit = store
	}

	if cfg.Archive.Enabled {
		store, err := archive.New(ctx, cfg.ArchiveConfig())
		if err != nil {
			app.Cleanup()
			return nil, fmt.Errorf("open report archive: %w", err)
		}
		app.archive = store
		sessionCfg.Archiver = store
		apiOpts.Reports = store
	}

	sessions, err := session.NewManager(sessionCfg)
	if err != nil {
		app.Cleanup()
		return nil, err
	}
	app.sessions = sessions
	app.server = api.NewServer(apiOpts, sessions)

	return app, nil
}

// Run serves until ctx is cancelled or the listener fails, then shuts down
// gracefully so every open session is closed and archived
func (app *Application) Run(ctx context.Context) error {
	errCh := app.server.StartInBackground()

	var serveErr error
	select {
	case <-ctx.Done():
		app.logger.Info("shutdown requested")
	case err, ok := <-errCh:
		if ok {
			serveErr = err
		}
	}

	timeout := app.config.Server.ShutdownTimeout.Duration
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.server.Shutdown(shutdownCtx); err != nil {
		app.logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	// Sessions opened outside a socket, or left behind by a timed out shutdown
	app.sessions.CloseAll(shutdownCtx)

	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	return nil
}

// Cleanup releases the stores
func (app *Application) Cleanup() {
	if app.audit != nil {
		if err := app.audit.Close(); err != nil {
			app.logger.Warn("failed to close audit store", zap.Error(err))
		}
	}
}
