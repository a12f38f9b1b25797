package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fileforge/artifact"
	"fileforge/config"
	"fileforge/converter"
	"fileforge/history"
	"fileforge/job"
	"fileforge/logger"
	"fileforge/metrics"
	"fileforge/ratelimit"
	"fileforge/routes"
	"fileforge/taskqueue"
	"fileforge/validate"
)

const shutdownTimeout = 30 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.LogFile != "" {
		if err := logger.Init(cfg.LogFile, true); err != nil {
			return err
		}
		defer logger.Close()
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	logger.Info("Starting fileforge server initialization")

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Debugf("Opening %s artifact store", cfg.Artifacts.Backend)
	store, err := artifact.Open(ctx, cfg.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}
	defer store.Close()
	logger.Infof("Artifact store ready (backend: %s)", cfg.Artifacts.Backend)

	var hist *history.Store
	if cfg.History.Enabled {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		hist, err = history.Open(config.GetHistoryDBPath())
		if err != nil {
			return fmt.Errorf("failed to open history database: %w", err)
		}
		defer hist.Close()
		logger.Info("History database initialized successfully")
		go cleanupRoutine(ctx, hist, cfg.History.Retention)
	}

	tools := converter.NewRegistry()
	converter.RegisterDefaults(tools)

	limiter := ratelimit.New(cfg.RateLimit.SweepInterval)
	defer limiter.Stop()

	jobs := job.NewRegistry(cfg.Jobs.SweepInterval, job.WithExpireHook(job.ExpiredArtifactsCleaner(store)))
	defer jobs.Destroy()

	janitor := artifact.NewJanitor(store, cfg.Jobs.ResultGrace)
	defer janitor.Stop()

	queue := taskqueue.New(cfg.Jobs.Workers, cfg.Jobs.QueueCapacity)

	m := metrics.New()
	m.TrackGauge("jobs_tracked", "Jobs currently held by the registry.", func() float64 { return float64(jobs.Len()) })
	m.TrackGauge("queue_depth", "Conversions waiting for a worker.", func() float64 { return float64(queue.Len()) })
	m.TrackGauge("queue_active", "Conversions currently running.", func() float64 { return float64(queue.Active()) })
	m.TrackGauge("pending_cleanups", "Fetched results waiting for deletion.", func() float64 { return float64(janitor.Pending()) })

	pcfg := job.PipelineConfig{
		Tools:     tools,
		Validator: validate.Validator{MaxBytes: cfg.Upload.MaxBytes, MaxFiles: cfg.Upload.MaxFiles},
		Jobs:      jobs,
		Queue:     queue,
		Store:     store,
		Janitor:   janitor,
		Metrics:   m,
		WorkDir:   cfg.WorkDir,
		JobTTL:    cfg.Jobs.TTL,
		Timeout:   cfg.Jobs.Timeout,
	}
	opts := routes.Options{
		Tools:        tools,
		Limiter:      limiter,
		Limits:       cfg.RateLimit,
		Upload:       cfg.Upload,
		WorkDir:      cfg.WorkDir,
		ProgressPoll: cfg.Jobs.ProgressPoll,
		Metrics:      m,
		Queue:        queue,
	}
	// a nil *history.Store must not end up in the interfaces
	if hist != nil {
		pcfg.History = hist
		opts.History = hist
	}
	opts.Pipeline = job.NewPipeline(pcfg)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           routes.NewServer(opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Infof("Fileforge server listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP shutdown: %v", err)
	}
	if err := queue.Stop(shutdownCtx); err != nil {
		logger.Warnf("Abandoned running conversions: %v", err)
	}
	logger.Info("Fileforge server stopped")
	return nil
}

// cleanupRoutine drops history entries older than retention once a day.
func cleanupRoutine(ctx context.Context, hist *history.Store, retention time.Duration) {
	if retention <= 0 {
		return
	}
	logger.Info("History cleanup routine started - will run every 24 hours")
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("History cleanup routine stopped")
			return
		case <-ticker.C:
			logger.Debugf("Cleaning up history entries older than %v", retention)
			n, err := hist.CleanupOlderThan(retention)
			if err != nil {
				logger.Errorf("Failed to cleanup old history entries: %v", err)
				continue
			}
			logger.Infof("Removed %d old history entries", n)
		}
	}
}
