package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sydlexius/linkpreview/internal/api"
	"github.com/sydlexius/linkpreview/internal/api/middleware"
	"github.com/sydlexius/linkpreview/internal/auth"
	"github.com/sydlexius/linkpreview/internal/backup"
	"github.com/sydlexius/linkpreview/internal/config"
	"github.com/sydlexius/linkpreview/internal/database"
	"github.com/sydlexius/linkpreview/internal/event"
	"github.com/sydlexius/linkpreview/internal/fetcher"
	"github.com/sydlexius/linkpreview/internal/logging"
	"github.com/sydlexius/linkpreview/internal/maintenance"
	"github.com/sydlexius/linkpreview/internal/preview"
	"github.com/sydlexius/linkpreview/internal/selector"
	"github.com/sydlexius/linkpreview/internal/store"
	"github.com/sydlexius/linkpreview/internal/version"
)

const usage = `usage: linkpreview [command]

commands:
  (none)               run the server
  create-token <name>  issue an API token and print it once
  revoke-token <id>    revoke an API token
  list-tokens          list API tokens
  preview <url>        fetch one preview and print it as JSON
  backup               snapshot the database into the backup directory
  version              print the build version
`

func main() {
	// Handle subcommands before starting the server
	var err error
	switch {
	case len(os.Args) < 2:
		err = run()
	case os.Args[1] == "create-token" && len(os.Args) == 3:
		err = createToken(os.Args[2])
	case os.Args[1] == "revoke-token" && len(os.Args) == 3:
		err = revokeToken(os.Args[2])
	case os.Args[1] == "list-tokens":
		err = listTokens()
	case os.Args[1] == "preview" && len(os.Args) == 3:
		err = previewOnce(os.Args[2])
	case os.Args[1] == "backup":
		err = backupOnce()
	case os.Args[1] == "version":
		fmt.Printf("linkpreview %s (%s)\n", version.Version, version.Commit)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := config.Path()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logManager, logger := logging.NewManager(cfg.Logging)
	defer logManager.Close() //nolint:errcheck
	slog.SetDefault(logger)

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("closing database", "error", err)
		}
	}()
	logger.Info("database ready", slog.String("path", cfg.Database.Path))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event bus and counters
	eventBus := event.NewBus(logger, 256)
	stats := event.NewStats()
	stats.Attach(eventBus)
	go eventBus.Start()
	defer eventBus.Stop()

	// Storage and services
	previewStore := store.NewPreviews(db)
	dimensionStore := store.NewDimensions(db)
	embedStore := store.NewEmbeds(db)

	limiter := fetcher.NewRateLimiterMap(cfg.Fetcher.PerDomainRate, cfg.Fetcher.PerDomainBurst)
	pageFetcher := fetcher.New(fetcherOptions(cfg), limiter, logger)
	previewService := preview.NewService(pageFetcher, previewStore, dimensionStore, embedStore, eventBus, previewOptions(cfg), logger)
	authService := auth.NewService(db)
	maintenanceService := maintenance.NewService(db, cfg.Database.Path, previewStore, dimensionStore, eventBus,
		cfg.Maintenance.DimensionRetention, logger)
	var backupService *backup.Service
	if cfg.Backup.Dir != "" {
		backupService = backup.NewService(db, cfg.Backup.Dir, cfg.Backup.Retention, logger)
	}

	if cfg.Auth.Enabled {
		n, err := authService.Count(ctx)
		if err != nil {
			return fmt.Errorf("counting tokens: %w", err)
		}
		if n == 0 {
			logger.Warn("auth is enabled but no API tokens exist; run `linkpreview create-token <name>`")
		}
	}

	var rateLimiter *middleware.ClientRateLimiter
	if cfg.Server.RequestsPerMinute > 0 {
		rateLimiter = middleware.NewClientRateLimiter(ctx, cfg.Server.RequestsPerMinute)
	}

	router := api.NewRouter(api.RouterDeps{
		PreviewService:     previewService,
		AuthService:        authService,
		MaintenanceService: maintenanceService,
		BackupService:      backupService,
		Stats:              stats,
		RateLimiter:        rateLimiter,
		AuthEnabled:        cfg.Auth.Enabled,
		Logger:             logger,
		BasePath:           cfg.Server.BasePath,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Fetcher.Timeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.Maintenance.Interval > 0 {
		go maintenanceService.StartScheduler(ctx, cfg.Maintenance.Interval)
	}

	// Idle per-domain limiters are dropped alongside maintenance.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := limiter.Prune(30 * time.Minute); n > 0 {
					logger.Debug("pruned idle domain limiters", "count", n)
				}
			}
		}
	}()

	// Logging settings follow the config file while running. Other
	// sections need a restart.
	go func() {
		err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
			if logManager.Reconfigure(next.Logging) {
				logger.Info("logging reconfigured", "level", next.Logging.Level, "format", next.Logging.Format)
			}
		})
		if err != nil {
			logger.Warn("config watch unavailable", "path", configPath, "error", err)
		}
	}()

	go func() {
		logger.Info("server starting",
			slog.String("addr", addr),
			slog.String("base_path", cfg.Server.BasePath),
			slog.String("version", version.Version),
			slog.Bool("auth", cfg.Auth.Enabled))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func fetcherOptions(cfg *config.Config) fetcher.Options {
	return fetcher.Options{
		UserAgent:     cfg.Fetcher.UserAgent,
		Timeout:       cfg.Fetcher.Timeout,
		MaxBodyBytes:  cfg.Fetcher.MaxBodyBytes,
		MaxImageBytes: cfg.Fetcher.MaxImageBytes,
		AllowPrivate:  cfg.Fetcher.AllowPrivate,
	}
}

func previewOptions(cfg *config.Config) preview.Options {
	return preview.Options{
		Target:           selector.Point{Width: cfg.Preview.ThumbnailWidth, Height: cfg.Preview.ThumbnailHeight},
		TTL:              cfg.Preview.TTL,
		NegativeTTL:      cfg.Preview.NegativeTTL,
		MaxTitle:         cfg.Preview.MaxTitle,
		MaxDescription:   cfg.Preview.MaxDescription,
		ProbeLimit:       cfg.Fetcher.ProbeLimit,
		ProbeConcurrency: cfg.Fetcher.ProbeConcurrency,
	}
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// withServices loads config, opens the database, and passes both to fn.
// Used by the one-shot subcommands.
func withServices(fn func(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) error) error {
	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logCfg := cfg.Logging
	logCfg.File = ""
	if logCfg.Level == "info" {
		logCfg.Level = "warn"
	}
	logManager, logger := logging.NewManager(logCfg)
	defer logManager.Close() //nolint:errcheck

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return fn(ctx, cfg, db, logger)
}

func createToken(name string) error {
	return withServices(func(ctx context.Context, _ *config.Config, db *sql.DB, _ *slog.Logger) error {
		plain, tok, err := auth.NewService(db).Create(ctx, name)
		if err != nil {
			return err
		}
		fmt.Printf("Created token %q (id %s). It will not be shown again:\n\n  %s\n", tok.Name, tok.ID, plain)
		return nil
	})
}

func revokeToken(id string) error {
	return withServices(func(ctx context.Context, _ *config.Config, db *sql.DB, _ *slog.Logger) error {
		if err := auth.NewService(db).Revoke(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Revoked token %s\n", id)
		return nil
	})
}

func listTokens() error {
	return withServices(func(ctx context.Context, _ *config.Config, db *sql.DB, _ *slog.Logger) error {
		tokens, err := auth.NewService(db).List(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tokens)
	})
}

func previewOnce(rawURL string) error {
	return withServices(func(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) error {
		limiter := fetcher.NewRateLimiterMap(cfg.Fetcher.PerDomainRate, cfg.Fetcher.PerDomainBurst)
		svc := preview.NewService(
			fetcher.New(fetcherOptions(cfg), limiter, logger),
			store.NewPreviews(db), store.NewDimensions(db), store.NewEmbeds(db),
			nil, previewOptions(cfg), logger)

		p, err := svc.Get(ctx, rawURL, preview.GetOptions{Refresh: true})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(p); err != nil {
			return err
		}
		if p.Failed {
			return fmt.Errorf("preview failed: %s", p.Error)
		}
		return nil
	})
}

func backupOnce() error {
	return withServices(func(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) error {
		if cfg.Backup.Dir == "" {
			return errors.New("backup.dir is not configured")
		}
		info, err := backup.NewService(db, cfg.Backup.Dir, cfg.Backup.Retention, logger).Backup(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %s (%s) to %s\n", info.Filename, info.SizeText, cfg.Backup.Dir)
		return nil
	})
}
