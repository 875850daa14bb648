package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/JonMunkholm/finimport/internal/bank"
	"github.com/JonMunkholm/finimport/internal/config"
	"github.com/JonMunkholm/finimport/internal/importer"
	"github.com/JonMunkholm/finimport/internal/jobs"
	"github.com/JonMunkholm/finimport/internal/ledger"
	"github.com/JonMunkholm/finimport/internal/logging"
	"github.com/JonMunkholm/finimport/internal/maintenance"
	"github.com/JonMunkholm/finimport/internal/rules"
	"github.com/JonMunkholm/finimport/internal/store/memory"
	"github.com/JonMunkholm/finimport/internal/store/postgres"
	"github.com/JonMunkholm/finimport/internal/web"
)

// ledgerStore is what the services and the maintenance scheduler need.
type ledgerStore interface {
	ledger.Store
	maintenance.AuditStore
}

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"store", cfg.Database.Driver,
		"import_max_concurrent", cfg.Import.MaxConcurrent,
		"workers", cfg.Worker.Count,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	registry, err := loadRegistry(cfg.Import.TemplatesFile)
	if err != nil {
		slog.Error("failed to load bank templates", "error", err)
		os.Exit(1)
	}
	slog.Info("bank templates loaded", "count", len(registry.List()))

	materializer := ledger.NewMaterializer(store, &ledger.AccountLocks{}, rules.NewEngine(store))
	limiter := importer.NewLimiter(cfg.Import.MaxConcurrent, cfg.Import.MaxWaitTime)
	service := importer.NewService(store, materializer, registry, limiter, importer.Config{
		MaxFileSize:   cfg.Import.MaxFileSize,
		PreviewRows:   cfg.Import.PreviewRows,
		MaxFailedRows: cfg.Import.MaxFailedRows,
	})

	// Create cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	queue := jobs.NewQueue(service, nil, jobs.Config{
		QueueSize:  cfg.Worker.QueueSize,
		Workers:    cfg.Worker.Count,
		JobTimeout: cfg.Worker.JobTimeout,
	})
	if err := queue.Start(jobCtx); err != nil {
		slog.Error("failed to start job queue", "error", err)
		os.Exit(1)
	}

	scheduler, err := maintenance.New(store, queue, maintenance.Config{
		HotRetentionDays:      cfg.Archive.HotRetentionDays,
		ArchiveRetentionYears: cfg.Archive.ArchiveRetentionYears,
		BatchSize:             cfg.Archive.BatchSize,
		ArchiveSchedule:       cfg.Archive.Schedule,
		JobRetention:          cfg.Worker.JobRetention,
		CleanupSchedule:       cfg.Worker.CleanupSchedule,
		TimeZone:              cfg.Archive.TimeZone,
		RunOnStart:            cfg.Archive.RunOnStart,
	})
	if err != nil {
		slog.Error("failed to create maintenance scheduler", "error", err)
		os.Exit(1)
	}
	scheduler.Start(jobCtx)

	server := web.NewServer(cfg, web.Deps{
		Store:    store,
		Importer: service,
		Jobs:     queue,
		Ledger:   materializer,
	})

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		// Queued jobs are cancelled; running ones get the rest of the timeout.
		if err := queue.Stop(shutdownCtx); err != nil {
			slog.Warn("jobs did not finish in time", "error", err)
		}

		// Wait for active imports to complete (with timeout)
		if active := limiter.ActiveCount(); active > 0 {
			slog.Info("waiting for imports to complete", "active", active)
			if err := limiter.WaitForDrain(shutdownCtx); err != nil {
				slog.Warn("imports did not complete in time", "error", err)
			} else {
				slog.Info("all imports completed")
			}
		}

		// Stop background jobs
		cancelJobs()
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			slog.Warn("maintenance task still running at shutdown")
		}
	}()

	// Start server (uses addr from config internally)
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	<-done
	slog.Info("server stopped")
}

// openStore returns the configured ledger store and its close function.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (ledgerStore, func(), error) {
	if cfg.Driver == "memory" {
		slog.Warn("using in-memory store; data is lost on restart")
		return memory.New(), func() {}, nil
	}

	// Parse and configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	store := postgres.New(pool)
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		slog.Info("schema applied")
	}
	return store, pool.Close, nil
}

// loadRegistry reads bank templates from path, or returns the built-in set.
func loadRegistry(path string) (*bank.Registry, error) {
	if path == "" {
		return bank.DefaultRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return bank.LoadRegistry(data)
}
