// Package main is the entrypoint for the invoicepipe API server and its
// background pipeline loops.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/invoicepipe/invoicepipe/internal/api"
	"github.com/invoicepipe/invoicepipe/internal/api/handler"
	mw "github.com/invoicepipe/invoicepipe/internal/api/middleware"
	"github.com/invoicepipe/invoicepipe/internal/cache"
	"github.com/invoicepipe/invoicepipe/internal/callback"
	"github.com/invoicepipe/invoicepipe/internal/config"
	"github.com/invoicepipe/invoicepipe/internal/drive"
	"github.com/invoicepipe/invoicepipe/internal/invoice"
	"github.com/invoicepipe/invoicepipe/internal/jobs"
	"github.com/invoicepipe/invoicepipe/internal/monitor"
	"github.com/invoicepipe/invoicepipe/internal/security"
	"github.com/invoicepipe/invoicepipe/internal/store"
	"github.com/invoicepipe/invoicepipe/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create Drive client
	driveClient, err := drive.NewGoogleClient(ctx, cfg.Drive.CredentialsFile, cfg.Drive.SharedFolderID)
	if err != nil {
		return fmt.Errorf("create drive client: %w", err)
	}
	slog.Info("drive client initialized", "folder_id", cfg.Drive.SharedFolderID)

	// 6. Create store and services
	pgStore := store.NewPostgresStore(pool)
	workerClient := worker.NewHTTPClient(cfg.Worker.BaseURL, cfg.Worker.Timeout)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "invoicepipe"
	}
	jobService := jobs.NewService(pgStore, workerClient, redisCache, logger, cfg.Jobs, hostname)
	invoiceService := invoice.NewService(pgStore, logger)
	callbackService := callback.NewService(pgStore, jobService, invoiceService, logger)

	pipeline := security.NewPipeline(logger,
		security.FileTypeCheck{},
		security.MagicBytesCheck{},
		security.TokenCountCheck{MaxTokens: cfg.Security.MaxTokensAllowed},
		security.ReputationCheck{
			Client:     security.NewHTTPReputationClient(cfg.Security.ReputationBaseURL, cfg.Security.ReputationAPIKey, 10*time.Second),
			Cache:      redisCache,
			FailClosed: cfg.Security.ReputationFailClosed,
			Logger:     logger,
		},
	)

	detector := monitor.NewDetector(driveClient, pgStore, logger, cfg.Drive.PollInterval)
	if err := detector.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate change detector: %w", err)
	}
	slog.Info("change detector hydrated")

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:        mw.NewAuth(pgStore),
		UploadLimit: mw.NewUploadLimit(redisCache, cfg.Security.MaxUploadsPerHour),

		HealthHandler:     handler.NewHealthHandler(pgStore, redisCache),
		CallbackHandler:   handler.NewCallbackHandler(callbackService, []byte(cfg.Security.CallbackSecret)),
		UploadHandler:     handler.NewUploadHandler(pgStore, driveClient, pipeline, logger),
		ListJobsHandler:   handler.NewListJobsHandler(pgStore),
		GetJobHandler:     handler.NewGetJobHandler(pgStore),
		JobStatusHandler:  handler.NewJobStatusHandler(pgStore, redisCache),
		RequeueHandler:    handler.NewRequeueJobHandler(jobService),
		GetInvoiceHandler: handler.NewGetInvoiceHandler(pgStore),
	}
	router := api.NewRouter(deps)

	// 8. Start HTTP server and background loops
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		detector.Run(gctx)
		return nil
	})
	g.Go(func() error {
		jobService.RunCreationLoop(gctx)
		return nil
	})
	g.Go(func() error {
		jobService.RunRetryLoop(gctx)
		return nil
	})

	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}
