package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/solenlabs/chatvault/internal/adapter/api"
	"github.com/solenlabs/chatvault/internal/adapter/api/handler"
	"github.com/solenlabs/chatvault/internal/adapter/digest"
	"github.com/solenlabs/chatvault/internal/adapter/export"
	"github.com/solenlabs/chatvault/internal/adapter/metrics"
	"github.com/solenlabs/chatvault/internal/adapter/mirror"
	"github.com/solenlabs/chatvault/internal/adapter/normalize"
	"github.com/solenlabs/chatvault/internal/adapter/scheduler"
	"github.com/solenlabs/chatvault/internal/adapter/scrub"
	"github.com/solenlabs/chatvault/internal/adapter/source"
	"github.com/solenlabs/chatvault/internal/domain"
	"github.com/solenlabs/chatvault/internal/pkg/config"
	"github.com/solenlabs/chatvault/internal/pkg/logger"
	"github.com/solenlabs/chatvault/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	m := metrics.NewVaultMetrics()

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Error("failed to load timezone", "timezone", cfg.Timezone, "error", err)
		os.Exit(1)
	}

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Recover Durable State ---
	vault, err := usecase.Bootstrap(ctx, cfg, m, logger)
	if err != nil {
		logger.Error("failed to bootstrap vault", "error", err)
		os.Exit(1)
	}

	var aliases *config.ScrubAliases
	if cfg.ScrubAliasesFile != "" {
		aliases, err = config.LoadScrubAliases(cfg.ScrubAliasesFile)
		if err != nil {
			logger.Error("failed to load scrub aliases", "path", cfg.ScrubAliasesFile, "error", err)
			os.Exit(1)
		}
	}

	// --- Initialize Use Cases ---
	gate := &sync.RWMutex{}
	ingestUseCase := usecase.NewIngestEventUseCase(
		normalize.New(cfg.MaxEventSize, cfg.DefaultSourceTag),
		scrub.New(aliases, logger),
		vault.Buffer,
		vault.EventLog,
		gate,
		m,
		logger,
	)

	var artifactMirror domain.ArtifactMirror
	if cfg.S3MirrorBucket != "" {
		s3Mirror, err := mirror.NewS3Mirror(ctx, mirror.Options{
			Bucket:   cfg.S3MirrorBucket,
			Region:   cfg.S3MirrorRegion,
			Endpoint: cfg.S3MirrorEndpoint,
			Prefix:   cfg.S3MirrorPrefix,
		}, logger)
		if err != nil {
			logger.Error("failed to initialize s3 mirror", "error", err)
			os.Exit(1)
		}
		artifactMirror = s3Mirror
	}

	flushUseCase := usecase.NewFlushUseCase(
		vault.Buffer,
		vault.EventLog,
		vault.DigestWriter,
		vault.ExportWriter,
		digest.NewBuilder(cfg.DigestGroupBy, cfg.DigestMaxSamples, loc),
		export.NewBuilder(loc),
		artifactMirror,
		gate,
		cfg.RetentionHorizon,
		cfg.WriteEscalation,
		m,
		logger,
	)

	// --- Start Scheduler ---
	sched := scheduler.New(flushUseCase, cfg.DigestInterval, cfg.ExportInterval, cfg.MaxFlushDuration, logger)
	sched.Start()

	// --- Start Upstream Sources ---
	var supervisor *source.Supervisor
	if cfg.SourcesFile != "" {
		specs, err := config.LoadSources(cfg.SourcesFile)
		if err != nil {
			logger.Error("failed to load sources file", "path", cfg.SourcesFile, "error", err)
			os.Exit(1)
		}
		sources, err := source.FromSpecs(specs, logger)
		if err != nil {
			logger.Error("failed to build sources", "error", err)
			os.Exit(1)
		}
		if len(sources) > 0 {
			supervisor = source.NewSupervisor(sources, ingestUseCase.Emit, m, logger)
			supervisor.Start(ctx)
		}
	}

	// --- Manual Flush Signals ---
	manual := make(chan os.Signal, 2)
	signal.Notify(manual, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-manual:
				var (
					kind    string
					outcome scheduler.Outcome
					err     error
				)
				if sig == syscall.SIGUSR1 {
					kind = "digest"
					outcome, err = sched.TriggerDigest()
				} else {
					kind = "export"
					outcome, err = sched.TriggerExport(0)
				}
				if err != nil {
					logger.Warn("manual flush signal rejected", "kind", kind, "error", err)
					continue
				}
				logger.Info("manual flush signal accepted", "kind", kind, "outcome", string(outcome))
			}
		}
	}()

	// --- Start Admin Server ---
	status := func() handler.VaultStatus {
		return handler.VaultStatus{
			BufferRecords: vault.Buffer.Len(),
			DigestMark:    vault.Buffer.DigestMark(),
			ExportTime:    vault.Buffer.ExportTime(),
			NextDigestSeq: vault.DigestWriter.NextSequence(domain.KindDigest),
			NextExportSeq: vault.ExportWriter.NextSequence(domain.KindExport),
			UptimeSeconds: int64(time.Since(vault.StartedAt).Seconds()),
		}
	}
	adminServer := &http.Server{
		Addr:    cfg.AdminServerAddr,
		Handler: api.NewAdminRouter(sched, status, logger),
	}
	go func() {
		logger.Info("starting admin server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server failed", "error", err)
			stop()
		}
	}()

	// --- Start Ingest Server ---
	ingestServer := &http.Server{
		Addr:         cfg.IngestServerAddr,
		Handler:      api.NewRouter(cfg, logger, ingestUseCase),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	go func() {
		logger.Info("starting ingest server", "addr", ingestServer.Addr)
		if err := ingestServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ingest server failed", "error", err)
			stop()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := ingestServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ingest server shutdown failed", "error", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "error", err)
	}
	if supervisor != nil {
		supervisor.Wait()
	}
	sched.Stop()
	vault.Close(logger)

	logger.Info("shutdown complete")
}
