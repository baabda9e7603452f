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

	"github.com/couchcryptid/weather-tile-service/internal/adapter/fetch"
	httpadapter "github.com/couchcryptid/weather-tile-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/weather-tile-service/internal/adapter/kafka"
	"github.com/couchcryptid/weather-tile-service/internal/bands"
	"github.com/couchcryptid/weather-tile-service/internal/cache"
	"github.com/couchcryptid/weather-tile-service/internal/config"
	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/couchcryptid/weather-tile-service/internal/download"
	"github.com/couchcryptid/weather-tile-service/internal/observability"
	"github.com/couchcryptid/weather-tile-service/internal/provider"
	"github.com/couchcryptid/weather-tile-service/internal/scheduler"
	"github.com/joho/godotenv"
)

func main() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings := domain.DefaultBandSettings()
	if cfg.BandSettingsFile != "" {
		settings, err = bands.LoadFile(cfg.BandSettingsFile)
		if err != nil {
			logger.Error("failed to load band settings", "error", err)
			os.Exit(1)
		}
	}
	registry, err := bands.NewRegistry(settings)
	if err != nil {
		logger.Error("invalid band settings", "error", err)
		os.Exit(1)
	}

	tileCache, err := cache.Open(ctx, cache.Options{
		Root:             cfg.CacheDir,
		TimeResolution:   cfg.CacheTimeResolution,
		GridCacheSize:    cfg.GridCacheSize,
		DerivedCacheSize: cfg.DerivedCacheSize,
	}, logger, metrics)
	if err != nil {
		logger.Error("failed to open cache", "dir", cfg.CacheDir, "error", err)
		os.Exit(1)
	}

	fetcher, closeFetcher, err := newFetcher(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create fetcher", "backend", cfg.FetchBackend, "error", err)
		os.Exit(1)
	}

	downloader := download.New(fetcher, tileCache, download.Options{
		Concurrency: cfg.DownloadConcurrency,
		Retries:     cfg.DownloadRetries,
	}, logger, metrics)
	downloader.SetNetworkAllowed(cfg.NetworkEnabled)

	// Download notifications are feature-flagged via KAFKA_DOWNLOAD_TOPIC.
	var notifier *kafkaadapter.Notifier
	opts := provider.Options{
		DateTime:      domain.Now().Truncate(cfg.CacheTimeResolution),
		TileSize:      cfg.TileSize,
		DensityFactor: cfg.DensityFactor,
		Workers:       cfg.Workers,
	}
	if cfg.KafkaDownloadTopic != "" {
		notifier = kafkaadapter.NewNotifier(cfg, logger)
		opts.Notifier = notifier
		logger.Info("download notifications enabled", "topic", cfg.KafkaDownloadTopic)
	}

	p := provider.New(registry, tileCache, downloader, opts, logger, metrics)

	sched := scheduler.New(p, cfg.PrefetchRegions, cfg.PrefetchInterval, cfg.CacheTimeResolution, logger)
	if err := sched.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	sched.Stop()
	p.Close()
	if notifier != nil {
		if err := notifier.Close(); err != nil {
			logger.Error("kafka notifier close error", "error", err)
		}
	}
	if err := closeFetcher(); err != nil {
		logger.Error("fetcher close error", "error", err)
	}
	if err := tileCache.Close(); err != nil {
		logger.Error("cache close error", "error", err)
	}

	logger.Info("shutdown complete")
}

// newFetcher builds the configured fetch backend and its close function.
func newFetcher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (download.Fetcher, func() error, error) {
	noop := func() error { return nil }

	switch cfg.FetchBackend {
	case config.BackendGCS:
		f, err := fetch.NewGCSFetcher(ctx, cfg.GCSBucket, cfg.ObjectPathTemplate, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("fetching from gcs", "bucket", cfg.GCSBucket)
		return f, f.Close, nil
	case config.BackendS3:
		f, err := fetch.NewS3Fetcher(ctx, cfg.S3Bucket, cfg.S3Region, cfg.ObjectPathTemplate, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("fetching from s3", "bucket", cfg.S3Bucket, "region", cfg.S3Region)
		return f, noop, nil
	case config.BackendHTTP:
		logger.Info("fetching over http", "template", cfg.FetchURLTemplate)
		return fetch.NewHTTPFetcher(cfg.FetchURLTemplate, cfg.FetchTimeout, logger), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown fetch backend %q", cfg.FetchBackend)
	}
}
