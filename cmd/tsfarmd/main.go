package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/tsfarm/internal/api"
	"github.com/orrn/tsfarm/internal/archive"
	"github.com/orrn/tsfarm/internal/config"
	"github.com/orrn/tsfarm/internal/core"
	"github.com/orrn/tsfarm/internal/db"
	"github.com/orrn/tsfarm/internal/logging"
	"github.com/orrn/tsfarm/internal/monitor"
	"github.com/orrn/tsfarm/internal/runhours"
	"github.com/orrn/tsfarm/internal/transcoder"
	"github.com/orrn/tsfarm/internal/webhook"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("tsfarmd: %v", err)
	}
}

func run(configPath string) error {
	// 1. Configuration and logging
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 2. Storage and profile catalog
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := db.Init(db.Config{Path: cfg.Database.Path}); err != nil {
		return err
	}
	defer db.Close()

	catalog, err := core.LoadCatalog(cfg.Queue.ProfilesPath)
	if err != nil {
		return err
	}

	opts := core.Options{
		NumParallel:              cfg.Queue.NumParallel,
		EnableResourceScheduling: cfg.Queue.EnableResourceScheduling,
		NumGPU:                   cfg.Queue.NumGPU,
		MaxGPU:                   cfg.Queue.MaxGPU,
		MinImageWidth:            cfg.Queue.MinImageWidth,
		MinImageHeight:           cfg.Queue.MinImageHeight,
	}
	if opts.NumParallel == 0 {
		opts.NumParallel = config.DefaultParallelism()
	}
	if err := db.Settings.LoadQueueOptions(ctx, &opts); err != nil {
		return err
	}

	// 3. Notification sinks
	sender := webhook.NewSender(db.Webhooks, webhook.Config{
		RetryMax:     cfg.Webhook.RetryMax,
		RetryWaitMin: cfg.Webhook.RetryWaitMin,
		RetryWaitMax: cfg.Webhook.RetryWaitMax,
		Timeout:      cfg.Webhook.Timeout,
		QueueSize:    cfg.Webhook.QueueSize,
	})
	sender.Start()
	defer sender.Stop()

	stats := db.NewStatsRecorder(0)
	go stats.Run(ctx)

	notifier := core.MultiNotifier{core.LogNotifier{}, sender, stats}

	// 4. Scheduler
	qm := core.NewQueueManager(
		transcoder.NewProber(cfg.Transcoder.FFprobePath),
		transcoder.NewRunner(cfg.Transcoder.FFmpegPath, cfg.Transcoder.TempDir),
		notifier,
		db.Items,
		catalog,
		opts,
	)
	if err := qm.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue: %w", err)
	}
	defer qm.Stop()

	window, err := runhours.NewWindow(cfg.Queue.RunHours)
	if err != nil {
		return err
	}
	runhours.New(window, cfg.Queue.RunHoursCheckInterval, qm).Start(ctx)

	archiver, err := archive.NewArchiver(qm, archive.ArchiveConfig{
		ArchivePath: cfg.Database.ArchivePath,
		ArchiveDays: cfg.Database.ArchiveDays,
	})
	if err != nil {
		return err
	}
	archiver.Start()
	defer archiver.Stop()

	// 5. HTTP API
	router, err := api.NewRouter(ctx, api.Deps{
		Queue:        qm,
		Webhooks:     sender,
		Archiver:     archiver,
		Host:         monitor.NewSystemMonitor(cfg.Transcoder.FFmpegPath, 200*time.Millisecond),
		ProfilesPath: cfg.Queue.ProfilesPath,
		SessionTTL:   cfg.Server.SessionTTL,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr, "num_parallel", opts.NumParallel)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 6. Block until shutdown signal
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown", "error", err)
	}
	return nil
}
