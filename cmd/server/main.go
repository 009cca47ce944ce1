// Package main is the entry point for the user API server.
//
// The main package is kept minimal. Its job is to:
//  1. Read configuration (environment, optionally a .env file)
//  2. Create the infrastructure clients (store, object store, sync client)
//  3. Hand them to internal/server and start it
//
// All actual logic lives in imported packages.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sakif/user-api/internal/auth"
	"github.com/sakif/user-api/internal/config"
	"github.com/sakif/user-api/internal/media"
	"github.com/sakif/user-api/internal/repository"
	mongoRepo "github.com/sakif/user-api/internal/repository/mongo"
	sqliteRepo "github.com/sakif/user-api/internal/repository/sqlite"
	"github.com/sakif/user-api/internal/server"
	"github.com/sakif/user-api/internal/service"
	"github.com/sakif/user-api/internal/syncer"
	"github.com/sakif/user-api/internal/upload"
)

// startupTimeout bounds connecting to the store and the object store.
const startupTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// === 1. CONFIGURATION ===
	cfg, err := config.Load(".env")
	if err != nil {
		return err
	}

	// === 2. LOGGING ===
	// Text for humans in development, JSON for log shippers in production.
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var logger *slog.Logger
	if cfg.IsProduction() {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, opts))
	} else {
		logger = slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	// === 3. USER STORE ===
	users, closeStore, err := openStore(ctx, cfg.DB)
	if err != nil {
		return err
	}
	logger.Info("user store ready", slog.String("driver", cfg.DB.Driver))

	srv, err := assemble(ctx, cfg, logger, users, closeStore)
	if err != nil {
		return err
	}

	// Start() blocks until the server is shut down (via Ctrl+C or SIGTERM)
	return srv.Start()
}

// assemble builds everything that sits on top of the store and hands the
// store to the server. On failure the store is closed here, since no server
// exists yet to close it.
func assemble(ctx context.Context, cfg *config.Config, logger *slog.Logger,
	users repository.UserRepository, closeStore func(context.Context) error,
) (_ *server.Server, err error) {
	defer func() {
		if err == nil {
			return
		}
		if cerr := closeStore(context.Background()); cerr != nil {
			logger.Error("closing user store", slog.String("error", cerr.Error()))
		}
	}()

	// === 4. CREDENTIALS ===
	passwords, err := auth.NewPasswordService(cfg.Token.BcryptCost)
	if err != nil {
		return nil, err
	}
	access, err := auth.NewTokenService(cfg.Token.AccessSecret, cfg.Token.AccessExpiry.Std())
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	refresh, err := auth.NewTokenService(cfg.Token.RefreshSecret, cfg.Token.RefreshExpiry.Std())
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	// === 5. MEDIA ===
	objects, err := media.NewMinioStore(ctx, media.StoreConfig{
		Endpoint:  cfg.Media.Endpoint,
		AccessKey: cfg.Media.AccessKey,
		SecretKey: cfg.Media.SecretKey,
		Bucket:    cfg.Media.Bucket,
		UseSSL:    cfg.Media.UseSSL,
		PublicURL: cfg.Media.PublicURL,
	})
	if err != nil {
		return nil, err
	}
	uploader := media.NewService(objects, "users", logger)

	stager, err := upload.NewStager(cfg.Upload.Dir, cfg.Upload.MaxBytes, logger)
	if err != nil {
		return nil, err
	}

	// === 6. EXTERNAL SYNC ===
	var sync service.AccountSyncer = syncer.Noop{}
	if cfg.Sync.Enabled() {
		sync = syncer.New(syncer.Config{
			URL:          cfg.Sync.URL,
			AuthMode:     cfg.Sync.AuthMode,
			Timeout:      cfg.Sync.Timeout,
			Username:     cfg.Sync.Username,
			Password:     cfg.Sync.Password,
			TokenURL:     cfg.Sync.TokenURL,
			ClientID:     cfg.Sync.ClientID,
			ClientSecret: cfg.Sync.ClientSecret,
			Scopes:       cfg.Sync.Scopes,
		})
		logger.Info("account sync enabled", slog.String("mode", cfg.Sync.AuthMode))
	} else {
		logger.Warn("SYNC_URL not set; new accounts are not pushed to the system of record")
	}

	// === 7. SERVER ===
	// Relative web paths are resolved against the working directory, which
	// is the project root under `go run ./cmd/server`.
	templateDir, _ := filepath.Abs(cfg.TemplateDir)
	staticDir, _ := filepath.Abs(cfg.StaticDir)

	srv, err := server.New(server.Config{
		Port:          cfg.Port,
		TemplateDir:   templateDir,
		StaticDir:     staticDir,
		CORSOrigin:    cfg.CORSOrigin,
		BodyLimit:     cfg.BodyLimit,
		SecureCookies: cfg.IsProduction(),
	}, logger, server.Deps{
		Users:        users,
		Passwords:    passwords,
		Access:       access,
		Refresh:      refresh,
		Media:        uploader,
		Sync:         sync,
		Stager:       stager,
		RollbackUser: cfg.RegisterRollbackUser,
		Close:        closeStore,
	})
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// openStore connects the configured user store and returns it with its
// close function.
func openStore(ctx context.Context, cfg config.DB) (repository.UserRepository, func(context.Context) error, error) {
	switch cfg.Driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating database directory: %w", err)
		}
		db, err := sqliteRepo.New(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return db, func(context.Context) error { return db.Close() }, nil
	default:
		store, err := mongoRepo.New(ctx, cfg.MongoURI, cfg.Name)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
}
