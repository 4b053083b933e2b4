package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cyderes/reel-publisher/internal/catalog"
	"github.com/cyderes/reel-publisher/internal/config"
	"github.com/cyderes/reel-publisher/internal/conversion"
	"github.com/cyderes/reel-publisher/internal/cover"
	"github.com/cyderes/reel-publisher/internal/events"
	"github.com/cyderes/reel-publisher/internal/inbox"
	"github.com/cyderes/reel-publisher/internal/logger"
	"github.com/cyderes/reel-publisher/internal/optimizer"
	"github.com/cyderes/reel-publisher/internal/platform"
	"github.com/cyderes/reel-publisher/internal/queue"
	"github.com/cyderes/reel-publisher/internal/scheduler"
	"github.com/cyderes/reel-publisher/internal/server"
	"github.com/cyderes/reel-publisher/internal/storage"
	"github.com/cyderes/reel-publisher/internal/tracking"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.Init("info", "console")
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}
	log := logger.Init(cfg.Log.Level, cfg.Log.Format)

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, err := storage.NewStorage(ctx, cfg.Storage, log)
	if err != nil {
		log.Fatal().Err(err).Str("type", cfg.Storage.Type).Msg("failed to initialize storage")
	}
	defer store.Close()

	source, err := newSource(cfg.Queue, log)
	if err != nil {
		log.Fatal().Err(err).Str("type", cfg.Queue.Type).Msg("failed to initialize queue source")
	}

	bus, err := events.NewBus(ctx, cfg.Messaging, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect event bus")
	}
	defer bus.Close()

	tracker := tracking.NewTracker(store, cfg.Tracking.RedirectDomain, log, tracking.WithObserver(bus))
	products := catalog.New(cfg.Tracking.CatalogTTL, log)

	sales := conversion.NewGumroadClient(cfg.Conversion, log)
	if !sales.HasAccessToken() {
		log.Warn().Msg("GUMROAD_TOKEN not set, interval will not adapt to sales")
	}
	messages := inbox.NewHandler(products, tracker, log, inbox.WithLicenses(sales, cfg.Tracking.DownloadBaseURL))

	sched := scheduler.New(cfg.Scheduler, cfg.Publish.Timeout, scheduler.Deps{
		Store:     store,
		Source:    source,
		Publisher: platform.NewWebhookPublisher(cfg.Publish, log),
		Signal:    sales,
		Optimizer: optimizer.New(cfg.Scheduler),
		Covers:    cover.NewBuilder(cfg.Queue.FallbackCover, log),
		Notifier:  bus,
	}, log)

	// Initialize HTTP server for API endpoints
	httpServer := server.NewServer(cfg.Server, server.Deps{
		Tracker:   tracker,
		Scheduler: sched,
		Inbox:     messages,
	}, log)

	var wg sync.WaitGroup

	// Start public and admin HTTP listeners
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
			stop()
		}
	}()

	// Start publishing loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Str("queue", cfg.Queue.Type).Str("storage", cfg.Storage.Type).Msg("starting publishing loop")
		if err := sched.Run(ctx); err != nil {
			log.Error().Err(err).Msg("publishing loop error")
			stop()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	log.Info().Msg("shutdown signal received, gracefully shutting down...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	wg.Wait()
	log.Info().Msg("shutdown complete")
}

func newSource(cfg config.QueueConfig, log zerolog.Logger) (queue.Source, error) {
	if cfg.Type == "s3" {
		return queue.NewS3Source(cfg, log)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	return queue.NewDirSource(cfg.Dir, cfg.ProcessedDir, cfg.Extension, log), nil
}
