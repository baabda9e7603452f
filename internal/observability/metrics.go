package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "weather_tiles"

// Metrics holds the Prometheus counters, histograms, and gauges for the tile provider.
type Metrics struct {
	Requests        *prometheus.CounterVec   // labels: kind={value,tile,download}, outcome={ok,no_data,cancelled,stale,closed,error}
	RequestDuration *prometheus.HistogramVec // labels: kind
	DedupAttached   *prometheus.CounterVec   // labels: kind
	QueueDepth      prometheus.Gauge
	ProviderVersion prometheus.Gauge

	// Cache metrics.
	CacheLookups *prometheus.CounterVec // labels: cache={derived,grid,raw}, result={hit,miss}

	// Download metrics.
	TileDownloads    *prometheus.CounterVec // labels: outcome={downloaded,cached,failed,cancelled}
	DownloadDuration prometheus.Histogram
	NetworkEnabled   prometheus.Gauge

	// Rasterizer metrics.
	RasterizeDuration *prometheus.HistogramVec // labels: type={raster,contour}
}

// NewMetrics creates and registers all provider metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.Requests,
		m.RequestDuration,
		m.DedupAttached,
		m.QueueDepth,
		m.ProviderVersion,
		m.CacheLookups,
		m.TileDownloads,
		m.DownloadDuration,
		m.NetworkEnabled,
		m.RasterizeDuration,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Provider requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end duration of requests submitted with metric collection.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"kind"}),
		DedupAttached: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_attached_total",
			Help:      "Requests attached to an identical in-flight computation.",
		}, []string{"kind"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queue_depth",
			Help:      "Tasks waiting for a worker.",
		}),
		ProviderVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_version",
			Help:      "Current band settings version.",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		TileDownloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geo_tile_downloads_total",
			Help:      "Geo tile download outcomes.",
		}, []string{"outcome"}),
		DownloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geo_tile_download_duration_seconds",
			Help:      "Duration of a single geo tile fetch and commit.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		NetworkEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_enabled",
			Help:      "1 when downloads may use the network, 0 otherwise.",
		}),
		RasterizeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rasterize_duration_seconds",
			Help:      "Duration of deriving one tile.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"type"}),
	}
}
