// Package scheduler keeps the provider on the current observation time and
// prefetches configured regions.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/weather-tile-service/internal/config"
	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/couchcryptid/weather-tile-service/internal/provider"
	"github.com/go-co-op/gocron"
)

// Target is the provider surface the scheduler drives.
type Target interface {
	SetDateTime(t time.Time) (uint64, bool, error)
	DownloadGeoTiles(req domain.DownloadGeoTileRequest, collectMetric bool) provider.DownloadResult
}

// Scheduler periodically rolls the observation time and prefetches regions.
type Scheduler struct {
	scheduler  *gocron.Scheduler
	target     Target
	regions    []config.Region
	interval   time.Duration
	resolution time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. resolution is the cache time resolution the
// observation time is truncated to.
func New(target Target, regions []config.Region, interval, resolution time.Duration, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler:  gocron.NewScheduler(time.UTC),
		target:     target,
		regions:    regions,
		interval:   interval,
		resolution: resolution,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start schedules the job, runs it immediately and starts the underlying
// scheduler. Runs never overlap.
func (s *Scheduler) Start() error {
	interval := s.interval
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	s.scheduler.SingletonModeAll()
	_, err := s.scheduler.Every(interval).StartImmediately().Do(func() {
		s.RunOnce(s.ctx)
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", "interval", interval, "regions", len(s.regions))
	return nil
}

// Stop cancels a running prefetch and stops future runs.
func (s *Scheduler) Stop() {
	s.cancel()
	s.scheduler.Stop()
}

// RunOnce rolls the observation time to the current slot and downloads
// every region for it. Regions are fetched concurrently.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := domain.Now()
	if s.resolution > 0 {
		now = now.Truncate(s.resolution)
	}
	version, changed, err := s.target.SetDateTime(now)
	if err != nil {
		s.logger.Warn("observation time roll failed", "error", err)
		return
	}
	if changed {
		s.logger.Info("observation time rolled", "observation_time", now, "version", version)
	}

	var wg sync.WaitGroup
	for _, r := range s.regions {
		wg.Add(1)
		go func() {
			defer wg.Done()

			token := domain.NewCancelTokenFromContext(ctx)
			defer token.Cancel()

			res := s.target.DownloadGeoTiles(domain.DownloadGeoTileRequest{
				TopLeft:     domain.PointFromLatLon(r.North, r.West),
				BottomRight: domain.PointFromLatLon(r.South, r.East),
				Token:       token,
			}, true)
			if res.Err != nil {
				s.logger.Warn("prefetch failed", "region", r, "error", res.Err)
				return
			}
			attrs := []any{
				"region", r,
				"time_key", res.TimeKey,
				"succeeded", len(res.Succeeded()),
				"failed", len(res.Failed()),
			}
			if res.Metric != nil {
				attrs = append(attrs, "duration", res.Metric.Total)
			}
			s.logger.Info("prefetch complete", attrs...)
		}()
	}
	wg.Wait()
}
