package provider

import (
	"context"
	"time"

	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/couchcryptid/weather-tile-service/internal/download"
	"github.com/couchcryptid/weather-tile-service/internal/geotile"
)

// DownloadResult is the outcome of a region download. Per-tile failures are
// reported in the embedded Result, not in Err.
type DownloadResult struct {
	download.Result
	Metric *RequestMetric
	Err    error
}

// DownloadGeoTiles blocks until the region download completes.
func (p *Provider) DownloadGeoTiles(req domain.DownloadGeoTileRequest, collectMetric bool) DownloadResult {
	ch := make(chan DownloadResult, 1)
	p.DownloadGeoTilesAsync(req, collectMetric, func(r DownloadResult) { ch <- r })
	return <-ch
}

// DownloadGeoTilesAsync fetches every geo tile covering the region for the
// current observation time and calls cb from a worker.
func (p *Provider) DownloadGeoTilesAsync(req domain.DownloadGeoTileRequest, collectMetric bool, cb func(DownloadResult)) {
	submitted := time.Now()
	req = req.Clone()
	deliver := func(res download.Result, m RequestMetric, err error) {
		cb(DownloadResult{
			Result: res,
			Err:    err,
			Metric: p.observe(kindDownload, outcomeLabel(err, true), collectMetric, m, submitted),
		})
	}

	if p.closed.Load() {
		go deliver(download.Result{}, RequestMetric{}, domain.ErrProviderClosed)
		return
	}

	token := domain.NewCancelTokenFromContext(p.ctx)
	stop := context.AfterFunc(req.Token.Context(), token.Cancel)
	p.submit(func() {
		defer token.Cancel()
		defer stop()

		m := RequestMetric{QueueWait: time.Since(submitted)}
		tiles := geotile.CoveringTiles(req.TopLeft, req.BottomRight)
		start := time.Now()
		res, err := p.downloader.Download(token, p.DateTime(), tiles, req.ForceDownload)
		m.Download = time.Since(start)

		if err == nil && p.closed.Load() && len(res.Cancelled()) > 0 {
			err = domain.ErrProviderClosed
		}
		if err == nil && p.notifier != nil {
			if nerr := p.notifier.NotifyDownload(p.ctx, res); nerr != nil {
				p.logger.Warn("download notification failed", "time_key", res.TimeKey, "error", nerr)
			}
		}
		deliver(res, m, err)
	}, func() {
		stop()
		token.Cancel()
		deliver(download.Result{}, RequestMetric{}, domain.ErrProviderClosed)
	})
}
