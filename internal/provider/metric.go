package provider

import (
	"errors"
	"time"

	"github.com/couchcryptid/weather-tile-service/internal/domain"
)

const (
	kindValue    = "value"
	kindTile     = "tile"
	kindDownload = "download"
)

// RequestMetric breaks down where a request spent its time. Stage durations
// belong to the shared computation; Total is measured per caller.
type RequestMetric struct {
	QueueWait time.Duration
	Download  time.Duration
	Decode    time.Duration
	Rasterize time.Duration
	Total     time.Duration
}

// observe counts the request and, when collect is set, returns its metric
// with Total filled in.
func (p *Provider) observe(kind, outcome string, collect bool, m RequestMetric, submitted time.Time) *RequestMetric {
	p.metrics.Requests.WithLabelValues(kind, outcome).Inc()
	if !collect {
		return nil
	}
	m.Total = time.Since(submitted)
	p.metrics.RequestDuration.WithLabelValues(kind).Observe(m.Total.Seconds())
	return &m
}

func outcomeLabel(err error, found bool) string {
	switch {
	case err == nil && found:
		return "ok"
	case err == nil:
		return "no_data"
	case errors.Is(err, domain.ErrCancelled):
		return "cancelled"
	case errors.Is(err, domain.ErrStale):
		return "stale"
	case errors.Is(err, domain.ErrProviderClosed):
		return "closed"
	default:
		return "error"
	}
}
