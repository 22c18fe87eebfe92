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

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rezkam/towncrier/internal/application/pipeline"
	"github.com/rezkam/towncrier/internal/compilesite"
	"github.com/rezkam/towncrier/internal/config"
	"github.com/rezkam/towncrier/internal/deploy"
	"github.com/rezkam/towncrier/internal/extract"
	"github.com/rezkam/towncrier/internal/infrastructure/observability"
	"github.com/rezkam/towncrier/internal/infrastructure/persistence/postgres"
	"github.com/rezkam/towncrier/internal/metrics"
	"github.com/rezkam/towncrier/internal/ocr"
	"github.com/rezkam/towncrier/internal/ops"
	"github.com/rezkam/towncrier/internal/schedule"
	"github.com/rezkam/towncrier/internal/scrape"
	"github.com/rezkam/towncrier/internal/sitefs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	providers, err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.OTelEnabled,
		ServiceName: cfg.Observability.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("failed to init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown observability", "error", err)
		}
	}()
	slog.SetDefault(providers.Slog)

	workerID := cfg.Pipeline.WorkerID
	if workerID == "" {
		workerID = deriveWorkerID()
	}
	slog.InfoContext(ctx, "starting towncrier worker", "worker_id", workerID)

	store, err := postgres.NewStoreWithConfig(ctx, postgres.DBConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		AutoMigrate:     cfg.Database.AutoMigrate,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer store.Close()

	layout := sitefs.NewLayout(cfg.Site.StorageRoot)

	collab, backendName, cleanup, err := buildCollaborators(ctx, cfg, layout)
	if err != nil {
		return err
	}
	defer cleanup()

	registry := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)

	pipe := pipeline.NewPipeline(store, store, store, layout, collab, recorder, pipeline.Config{
		ExtractionEnabled: cfg.Site.ExtractionEnabled,
		OCRBackend:        backendName,
		JobTimeout:        cfg.Pipeline.AvailabilityTimeout,
		ResultTTL:         cfg.Site.ResultTTL,
	})

	worker := pipeline.NewWorker(pipe, pipeline.WorkerConfig{
		WorkerID:            workerID,
		Queues:              cfg.Pipeline.QueueNames(),
		Concurrency:         cfg.Pipeline.Concurrency,
		AvailabilityTimeout: cfg.Pipeline.AvailabilityTimeout,
		HeartbeatInterval:   cfg.Pipeline.HeartbeatInterval,
		PollInterval:        cfg.Pipeline.PollInterval,
		RetryConfig: pipeline.RetryConfig{
			MaxRetries: cfg.Pipeline.MaxRetries,
			BaseDelay:  cfg.Pipeline.RetryBaseDelay,
			MaxDelay:   cfg.Pipeline.RetryMaxDelay,
		},
	})

	if cfg.Reconciler.Enabled {
		reconciler := pipeline.NewReconciler(pipe, pipeline.ReconcileConfig{
			WorkerID:         workerID,
			Interval:         cfg.Reconciler.Interval,
			MaxStartupJitter: cfg.Reconciler.MaxStartupJitter,
			StuckAfter:       cfg.Reconciler.StuckAfter,
			RateLimitDelay:   cfg.Reconciler.RateLimitDelay,
			BatchSize:        cfg.Reconciler.BatchSize,
			LeaseDuration:    cfg.Reconciler.LeaseDuration,
			DryRun:           cfg.Reconciler.DryRun,
		})
		go func() {
			if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.ErrorContext(ctx, "reconciler stopped", "error", err)
			}
		}()
	}

	if cfg.Scheduler.Enabled {
		scheduler, err := schedule.New(store, store, pipe, recorder, schedule.Config{
			RefreshInterval: cfg.Scheduler.RefreshInterval,
			PruneInterval:   cfg.Scheduler.PruneInterval,
			DepthInterval:   cfg.Scheduler.DepthInterval,
			SitesFile:       cfg.Site.SitesFile,
			ResultTTL:       cfg.Site.ResultTTL,
			HolderID:        workerID,
			LeaseDuration:   cfg.Reconciler.LeaseDuration,
		})
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}
		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer func() {
			if err := scheduler.Shutdown(); err != nil {
				slog.Error("failed to shutdown scheduler", "error", err)
			}
		}()
	}

	opsServer := ops.New(store, store, store, registry, ops.Config{
		Addr:              cfg.Ops.Addr,
		ReadHeaderTimeout: cfg.Ops.ReadHeaderTimeout,
		StuckAfter:        cfg.Reconciler.StuckAfter,
	})
	go func() {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.ErrorContext(ctx, "ops server stopped", "error", err)
			cancel()
		}
	}()

	// Blocks until ctx is cancelled, then drains in-flight jobs.
	worker.Start(ctx)

	slog.Info("worker drained, shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "failed to shutdown ops server", "error", err)
	}

	return nil
}

// buildCollaborators constructs the stage implementations from configuration.
// The returned cleanup releases any remote clients and is safe to call once.
func buildCollaborators(ctx context.Context, cfg *config.WorkerConfig, layout sitefs.Layout) (pipeline.Collaborators, string, func(), error) {
	scrapers := scrape.NewRegistry()
	scrapeCfg := scrape.DefaultCivicClerkConfig()
	scrapeCfg.UserAgent = cfg.Scrape.UserAgent
	scrapeCfg.RequestTimeout = cfg.Scrape.RequestTimeout
	scrapeCfg.RateLimit = cfg.Scrape.RateLimit
	scrapeCfg.YearsBack = cfg.Scrape.YearsBack
	scrapers.Register(scrape.CivicClerkLabel, scrape.NewCivicClerk(layout, nil, scrapeCfg))

	selector := ocr.NewSelector(ocr.Options{
		Backend:           cfg.OCR.Backend,
		VisionCredentials: cfg.OCR.VisionCredentials,
		TesseractPath:     cfg.OCR.TesseractPath,
		Languages:         cfg.OCR.Languages,
	})
	// Resolve the default once at startup: jobs re-resolve their own name
	// at execution time, but a setup with no usable backend at all should
	// fail the process, not every ocr-page job.
	backend, err := selector.Select(ctx, "")
	if err != nil {
		return pipeline.Collaborators{}, "", nil, fmt.Errorf("failed to init recognition backend: %w", err)
	}
	slog.InfoContext(ctx, "recognition backend selected",
		"configured", selector.DefaultName(), "backend", backend.Name())

	cleanup := func() {}
	var target deploy.Target
	switch cfg.Deploy.Target {
	case deploy.TargetGCS:
		gcs, err := deploy.NewGCS(ctx, cfg.Deploy.GCSBucket)
		if err != nil {
			return pipeline.Collaborators{}, "", nil, fmt.Errorf("failed to init gcs target: %w", err)
		}
		cleanup = func() {
			if err := gcs.Close(); err != nil {
				slog.Error("failed to close gcs client", "error", err)
			}
		}
		target = gcs
	default:
		target = deploy.NewFS(cfg.Deploy.FSDir)
	}

	collab := pipeline.Collaborators{
		Scrapers:  scrapers,
		OCR:       ocr.NewProcessor(selector, cfg.OCR.PageTimeout),
		Compiler:  compilesite.NewSQLiteCompiler(layout),
		Extractor: extract.NewMotionExtractor(layout),
		Deployer:  target,
	}
	return collab, selector.DefaultName(), cleanup, nil
}

// deriveWorkerID builds an identity for job claims and leases when none is
// configured. Hostname and pid make logs traceable; the uuid suffix keeps
// two workers on one host distinct across restarts.
func deriveWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
