// Package provider is the asynchronous front of the weather tile service.
//
// Requests run on a bounded worker pool. Equivalent tile and value requests
// in flight share one computation. Each computation captures the band
// settings snapshot and observation time when it starts; tile requests
// stamped with an older version complete with domain.ErrStale unless they
// set IgnoreVersion.
package provider

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/weather-tile-service/internal/bands"
	"github.com/couchcryptid/weather-tile-service/internal/cache"
	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/couchcryptid/weather-tile-service/internal/download"
	"github.com/couchcryptid/weather-tile-service/internal/observability"
	"github.com/couchcryptid/weather-tile-service/internal/rasterize"
	"github.com/paulmach/orb/maptile"
)

// Notifier is told about every completed region download.
type Notifier interface {
	NotifyDownload(ctx context.Context, res download.Result) error
}

// Options configures a Provider.
type Options struct {
	DateTime      time.Time
	TileSize      int
	DensityFactor float64
	Workers       int
	Notifier      Notifier
}

// Provider serves point values, tile data and region downloads.
type Provider struct {
	registry   *bands.Registry
	cache      *cache.Cache
	downloader *download.Downloader
	rasterizer *rasterize.Rasterizer
	density    float64
	notifier   Notifier

	// mu orders observation time changes with version bumps so a
	// computation always sees a matching pair.
	mu       sync.RWMutex
	dateTime time.Time

	pool    *workerPool
	tiles   *inflight[tileOutcome]
	values  *inflight[valueOutcome]
	ctx     context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool
	logger  *slog.Logger
	metrics *observability.Metrics
}

// state is what a computation captures when it starts.
type state struct {
	snap     *bands.Snapshot
	observed time.Time
}

// New creates a Provider and starts its workers.
func New(registry *bands.Registry, c *cache.Cache, d *download.Downloader, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Provider {
	if opts.TileSize <= 0 {
		opts.TileSize = 256
	}
	if opts.DensityFactor <= 0 {
		opts.DensityFactor = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.DateTime.IsZero() {
		opts.DateTime = domain.Now()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		registry:   registry,
		cache:      c,
		downloader: d,
		rasterizer: rasterize.New(opts.TileSize),
		density:    opts.DensityFactor,
		notifier:   opts.Notifier,
		dateTime:   opts.DateTime.UTC(),
		pool:       newWorkerPool(opts.Workers, metrics),
		tiles:      newInflight[tileOutcome](ctx),
		values:     newInflight[valueOutcome](ctx),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
		metrics:    metrics,
	}
	registry.OnBump(func(version uint64) {
		c.PurgeDerived()
		metrics.ProviderVersion.Set(float64(version))
	})
	// A replaced payload invalidates every result derived from it.
	c.OnReplace(func(key cache.RawKey) {
		v := registry.Bump()
		logger.Info("geo tile replaced", "key", key.String(), "version", v)
	})
	metrics.ProviderVersion.Set(float64(registry.Version()))

	logger.Info("provider started",
		"workers", opts.Workers,
		"tile_size", opts.TileSize,
		"density", opts.DensityFactor,
		"observation_time", p.dateTime,
		"version", registry.Version(),
	)
	return p
}

// CurrentVersion returns the version new tile requests should carry.
func (p *Provider) CurrentVersion() uint64 {
	return p.registry.Version()
}

// BandSettings returns a copy of the active band settings.
func (p *Provider) BandSettings() domain.BandSettings {
	return p.registry.Snapshot().All()
}

// SetBandSettings replaces every band's settings and advances the version.
// Computations already running keep the snapshot they captured.
func (p *Provider) SetBandSettings(settings domain.BandSettings) (uint64, error) {
	if p.closed.Load() {
		return 0, domain.ErrProviderClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v, err := p.registry.Set(settings)
	if err != nil {
		return 0, err
	}
	p.logger.Info("band settings replaced", "version", v)
	return v, nil
}

// DateTime returns the observation time requests are served for.
func (p *Provider) DateTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dateTime
}

// SetDateTime changes the observation time. The version advances only when
// the new time falls in a different cache time slot, which is what the
// returned bool reports.
func (p *Provider) SetDateTime(t time.Time) (uint64, bool, error) {
	if p.closed.Load() {
		return 0, false, domain.ErrProviderClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	t = t.UTC()
	same := p.timeKey(t) == p.timeKey(p.dateTime)
	p.dateTime = t
	if same {
		return p.registry.Version(), false, nil
	}
	v := p.registry.Bump()
	p.logger.Info("observation time changed", "observation_time", t, "version", v)
	return v, true, nil
}

// NetworkAccessAllowed reports whether on-demand and region downloads may
// use the network.
func (p *Provider) NetworkAccessAllowed() bool {
	return p.downloader.NetworkAllowed()
}

// SetNetworkAccessAllowed enables or disables network access.
func (p *Provider) SetNetworkAccessAllowed(allowed bool) {
	p.downloader.SetNetworkAllowed(allowed)
	p.logger.Info("network access changed", "allowed", allowed)
}

// CheckReadiness returns nil while the provider accepts requests.
func (p *Provider) CheckReadiness(_ context.Context) error {
	if p.closed.Load() {
		return domain.ErrProviderClosed
	}
	return nil
}

// Close cancels outstanding work, aborts queued requests and waits for the
// workers to stop. It returns true on the first call and false afterwards.
func (p *Provider) Close() bool {
	if !p.closed.CompareAndSwap(false, true) {
		return false
	}
	p.cancel()
	p.pool.close()
	p.logger.Info("provider closed")
	return true
}

func (p *Provider) capture() state {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return state{snap: p.registry.Snapshot(), observed: p.dateTime}
}

func (p *Provider) timeKey(t time.Time) string {
	return p.cache.Key(t, maptile.Tile{}).TimeKey
}

// closedErr maps an abort caused by Close to domain.ErrProviderClosed.
func (p *Provider) closedErr(err error) error {
	if errors.Is(err, domain.ErrCancelled) && p.closed.Load() {
		return domain.ErrProviderClosed
	}
	return err
}

// submit queues run, or calls abort if the pool is closed.
func (p *Provider) submit(run, abort func()) {
	if !p.pool.submit(task{run: run, abort: abort}) {
		abort()
	}
}
