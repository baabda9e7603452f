// Package download fills the local cache with raw geo tile payloads.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/weather-tile-service/internal/cache"
	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/couchcryptid/weather-tile-service/internal/geotile"
	"github.com/couchcryptid/weather-tile-service/internal/observability"
	"github.com/paulmach/orb/maptile"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Fetcher retrieves the raw payload of one geo tile for an observation time
// and writes it to w. Implementations must honor ctx cancellation.
type Fetcher interface {
	Fetch(ctx context.Context, tile maptile.Tile, observed time.Time, w io.Writer) error
}

// Outcome classifies the result of one tile in a batch.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeDownloaded
	OutcomeCached
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDownloaded:
		return "downloaded"
	case OutcomeCached:
		return "cached"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TileOutcome reports what happened to one geo tile.
type TileOutcome struct {
	Tile    maptile.Tile
	Outcome Outcome
	Err     error
}

// Result lists the outcome of every tile in a batch, in request order.
type Result struct {
	ObservationTime time.Time
	TimeKey         string
	Tiles           []TileOutcome
}

// Succeeded returns the tiles that are now present in the cache.
func (r Result) Succeeded() []maptile.Tile {
	return r.filter(OutcomeDownloaded, OutcomeCached)
}

// Failed returns the tiles whose fetch failed.
func (r Result) Failed() []maptile.Tile {
	return r.filter(OutcomeFailed)
}

// Cancelled returns the tiles not completed because of cancellation.
func (r Result) Cancelled() []maptile.Tile {
	return r.filter(OutcomeCancelled)
}

func (r Result) filter(outcomes ...Outcome) []maptile.Tile {
	var out []maptile.Tile
	for _, t := range r.Tiles {
		for _, o := range outcomes {
			if t.Outcome == o {
				out = append(out, t.Tile)
				break
			}
		}
	}
	return out
}

// Options tunes batch downloads.
type Options struct {
	Concurrency    int
	Retries        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Downloader fetches geo tiles into the cache. Concurrent requests for the
// same payload share one fetch.
type Downloader struct {
	fetcher Fetcher
	cache   *cache.Cache
	opts    Options
	network atomic.Bool
	flights singleflight.Group
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates a Downloader with network access enabled.
func New(f Fetcher, c *cache.Cache, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Downloader {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	d := &Downloader{fetcher: f, cache: c, opts: opts, logger: logger, metrics: metrics}
	d.SetNetworkAllowed(true)
	return d
}

// SetNetworkAllowed enables or disables all transport calls.
func (d *Downloader) SetNetworkAllowed(allowed bool) {
	d.network.Store(allowed)
	if allowed {
		d.metrics.NetworkEnabled.Set(1)
	} else {
		d.metrics.NetworkEnabled.Set(0)
	}
}

// NetworkAllowed reports whether downloads may use the network.
func (d *Downloader) NetworkAllowed() bool {
	return d.network.Load()
}

// Download ensures every tile is cached for the observation time. Tiles
// already cached are skipped unless force is set. A failed tile never aborts
// its siblings. Once token is cancelled no further tile is started and the
// remaining tiles are reported as cancelled.
func (d *Downloader) Download(token *domain.CancelToken, observed time.Time, tiles []maptile.Tile, force bool) (Result, error) {
	res := Result{
		ObservationTime: observed,
		TimeKey:         d.cache.Key(observed, maptile.Tile{}).TimeKey,
		Tiles:           make([]TileOutcome, len(tiles)),
	}
	if !d.NetworkAllowed() {
		for i, tile := range tiles {
			res.Tiles[i] = TileOutcome{Tile: tile, Outcome: OutcomeFailed, Err: domain.ErrNetworkDisabled}
		}
		return res, domain.ErrNetworkDisabled
	}

	ctx := token.Context()
	g := new(errgroup.Group)
	g.SetLimit(d.opts.Concurrency)

	for i, tile := range tiles {
		res.Tiles[i] = TileOutcome{Tile: tile, Outcome: OutcomeCancelled, Err: domain.ErrCancelled}
		if token.Cancelled() {
			continue
		}
		g.Go(func() error {
			res.Tiles[i] = d.downloadOne(ctx, token, observed, tile, force)
			return nil
		})
	}
	_ = g.Wait()

	for _, t := range res.Tiles {
		d.metrics.TileDownloads.WithLabelValues(t.Outcome.String()).Inc()
	}
	d.logger.Info("geo tile batch complete",
		"time_key", res.TimeKey,
		"tiles", len(tiles),
		"succeeded", len(res.Succeeded()),
		"failed", len(res.Failed()),
		"cancelled", len(res.Cancelled()),
	)
	return res, nil
}

// Ensure downloads a single tile if it is not cached, for on-demand fills.
func (d *Downloader) Ensure(token *domain.CancelToken, observed time.Time, tile maptile.Tile) error {
	if !d.NetworkAllowed() {
		return domain.ErrNetworkDisabled
	}
	out := d.downloadOne(token.Context(), token, observed, tile, false)
	d.metrics.TileDownloads.WithLabelValues(out.Outcome.String()).Inc()
	return out.Err
}

func (d *Downloader) downloadOne(ctx context.Context, token *domain.CancelToken, observed time.Time, tile maptile.Tile, force bool) TileOutcome {
	if token.Cancelled() {
		return TileOutcome{Tile: tile, Outcome: OutcomeCancelled, Err: domain.ErrCancelled}
	}
	key := d.cache.Key(observed, tile)
	if !force && d.cache.HasRaw(key) {
		return TileOutcome{Tile: tile, Outcome: OutcomeCached}
	}

	flight := key.String()
	if force {
		flight += "/force"
	}
	var err error
	for range 2 {
		_, err, _ = d.flights.Do(flight, func() (any, error) {
			if !force && d.cache.HasRaw(key) {
				return nil, nil
			}
			return nil, d.fetchWithRetry(ctx, token, key)
		})
		// A shared fetch cancelled by another caller is retried on our own token.
		if !errors.Is(err, domain.ErrCancelled) || token.Cancelled() {
			break
		}
	}

	switch {
	case err == nil:
		return TileOutcome{Tile: tile, Outcome: OutcomeDownloaded}
	case token.Cancelled() || errors.Is(err, domain.ErrCancelled):
		return TileOutcome{Tile: tile, Outcome: OutcomeCancelled, Err: domain.ErrCancelled}
	default:
		d.logger.Warn("geo tile download failed", "tile", key.String(), "error", err)
		return TileOutcome{Tile: tile, Outcome: OutcomeFailed, Err: err}
	}
}

func (d *Downloader) fetchWithRetry(ctx context.Context, token *domain.CancelToken, key cache.RawKey) error {
	backoff := d.opts.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= d.opts.Retries; attempt++ {
		if attempt > 0 {
			if !sleepWithContext(ctx, backoff) {
				return domain.ErrCancelled
			}
			backoff = nextBackoff(backoff, d.opts.MaxBackoff)
		}
		if token.Cancelled() {
			return domain.ErrCancelled
		}
		if !d.NetworkAllowed() {
			return domain.ErrNetworkDisabled
		}

		start := time.Now()
		lastErr = d.fetchOnce(ctx, key)
		if lastErr == nil {
			d.metrics.DownloadDuration.Observe(time.Since(start).Seconds())
			return nil
		}
		if errors.Is(lastErr, errInvalidPayload) {
			return lastErr
		}
	}
	return lastErr
}

var errInvalidPayload = errors.New("invalid payload")

// fetchOnce buffers the payload, validates it, then commits it to the cache.
func (d *Downloader) fetchOnce(ctx context.Context, key cache.RawKey) error {
	at, err := cache.ParseTimeKey(key.TimeKey)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := d.fetcher.Fetch(ctx, key.Tile, at, &buf); err != nil {
		if ctx.Err() != nil {
			return domain.ErrCancelled
		}
		return fmt.Errorf("%w: %w", domain.ErrNetworkFailure, err)
	}

	g, err := geotile.Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidPayload, err)
	}
	if g.Tile() != key.Tile {
		return fmt.Errorf("%w: payload covers %v, want %v", errInvalidPayload, g.Tile(), key.Tile)
	}

	return d.cache.CommitRaw(ctx, key, func(w io.Writer) error {
		_, err := w.Write(buf.Bytes())
		return err
	})
}
