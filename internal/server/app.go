// Package server initializes and runs the docvault server. It opens the
// encrypted store on the configured database backend, wires the access
// evaluator and sharing service, and serves the HTTP API until a
// shutdown signal arrives.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docvault/docvault/internal/access"
	"github.com/docvault/docvault/internal/backup"
	"github.com/docvault/docvault/internal/keystore"
	"github.com/docvault/docvault/internal/logging"
	"github.com/docvault/docvault/internal/server/config"
	"github.com/docvault/docvault/internal/server/httpapi"
	"github.com/docvault/docvault/internal/sharing"
)

const (
	shutdownTimeout     = 10 * time.Second
	maintenanceInterval = time.Hour
)

type App struct {
	config   *config.Config
	logger   logging.Logger
	db       *sql.DB
	store    *keystore.Store
	shares   *sharing.Service
	uploader *backup.Uploader
}

// NewApp opens the database, unlocks the store, and wires the services.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	store := keystore.New(repo, logger)
	var password []byte
	if cfg.MasterPassword != "" {
		password = []byte(cfg.MasterPassword)
	}
	if err := store.Initialize(ctx, password); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store init error: %w", err)
	}

	evaluator := access.NewEvaluator(store, logger)
	shares := sharing.NewService(store, evaluator, []byte(cfg.SessionSecret), logger,
		sharing.WithSessionTTL(cfg.SessionTTL),
		sharing.WithDefaultTTL(cfg.DefaultShareTTL))

	var uploader *backup.Uploader
	if cfg.S3Configured() {
		uploader = backup.NewUploader(store, backup.S3Config{
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Bucket:       cfg.S3Bucket,
			BaseEndpoint: cfg.S3BaseEndpoint,
		}, logger)
	} else {
		logger.Info(ctx, "backups disabled: object storage not configured")
	}

	return &App{
		config:   cfg,
		logger:   logger,
		db:       db,
		store:    store,
		shares:   shares,
		uploader: uploader,
	}, nil
}

func openRepository(ctx context.Context, cfg *config.Config) (*sql.DB, keystore.Repository, error) {
	switch cfg.DatabaseDriver {
	case "sqlite":
		db, err := keystore.OpenSQLite(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, err
		}
		return db, keystore.NewSQLiteRepository(db), nil
	case "postgres":
		db, err := keystore.OpenPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, err
		}
		return db, keystore.NewPostgresRepository(db), nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}

// Close releases the store key material and the database handle.
func (app *App) Close(ctx context.Context) error {
	if err := app.store.Lock(); err != nil {
		app.logger.Warn(ctx, "locking store on shutdown", "error", err)
	}
	return app.db.Close()
}

// runMaintenance periodically deactivates dead shares and purges expired
// store entries.
func (app *App) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := app.shares.CleanupExpiredShares(ctx); err != nil {
				app.logger.Error(ctx, "share cleanup failed", "error", err)
			}
			if _, err := app.store.CleanupExpired(ctx); err != nil {
				app.logger.Error(ctx, "entry cleanup failed", "error", err)
			}
		}
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run serves the HTTP API until ctx is cancelled or a signal arrives.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting server", "addr", app.config.EndpointAddr)

	app.initSignalHandler(cancelFunc)
	go app.runMaintenance(ctx)

	// a nil *backup.Uploader must not become a non-nil Backupper
	var backupper httpapi.Backupper
	if app.uploader != nil {
		backupper = app.uploader
	}
	handler := httpapi.NewHandler(app.shares, backupper, app.config.PublicOrigin, app.logger)
	srv := &http.Server{
		Addr:    app.config.EndpointAddr,
		Handler: httpapi.NewRouter(handler, app.logger),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	app.logger.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return app.Close(ctx)
}
