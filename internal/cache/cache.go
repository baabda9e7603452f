// Package cache stores raw weather payloads on disk and keeps decoded grids
// and derived tile results in memory.
package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/couchcryptid/weather-tile-service/internal/geotile"
	"github.com/couchcryptid/weather-tile-service/internal/observability"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb/maptile"
	"golang.org/x/sync/singleflight"
)

// Options configures a Cache.
type Options struct {
	Root             string
	TimeResolution   time.Duration
	GridCacheSize    int
	DerivedCacheSize int
}

// DerivedKey addresses one derived tile result.
type DerivedKey struct {
	Tile          maptile.Tile
	WeatherType   domain.WeatherType
	DensityFactor float64
	Bands         string
	Version       uint64
}

// Cache is the local tile cache: durable raw payloads plus in-memory decoded
// grids and derived results.
type Cache struct {
	raw        *RawStore
	grids      *lru.Cache[RawKey, *geotile.Grid]
	derived    *lru.Cache[DerivedKey, *domain.Data]
	loads      singleflight.Group
	resolution time.Duration

	// gens counts replacements per key so a load that opened a replaced
	// payload cannot repopulate the grid cache.
	mu        sync.Mutex
	gens      map[RawKey]uint64
	onReplace []func(RawKey)

	metrics    *observability.Metrics
	logger     *slog.Logger
}

// Open opens the raw store under opts.Root and allocates the memory caches.
func Open(ctx context.Context, opts Options, logger *slog.Logger, metrics *observability.Metrics) (*Cache, error) {
	if opts.TimeResolution <= 0 {
		opts.TimeResolution = time.Hour
	}
	raw, err := OpenRawStore(ctx, opts.Root, logger)
	if err != nil {
		return nil, err
	}
	grids, err := lru.New[RawKey, *geotile.Grid](max(opts.GridCacheSize, 1))
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("create grid cache: %w", err)
	}
	derived, err := lru.New[DerivedKey, *domain.Data](max(opts.DerivedCacheSize, 1))
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("create derived cache: %w", err)
	}
	return &Cache{
		raw:        raw,
		grids:      grids,
		derived:    derived,
		gens:       make(map[RawKey]uint64),
		resolution: opts.TimeResolution,
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// Key builds the raw key for tile at observation time t.
func (c *Cache) Key(t time.Time, tile maptile.Tile) RawKey {
	return RawKey{TimeKey: TimeKey(t, c.resolution), Tile: tile}
}

// Raw exposes the underlying raw store.
func (c *Cache) Raw() *RawStore {
	return c.raw
}

// HasRaw reports whether a payload for key is committed.
func (c *Cache) HasRaw(key RawKey) bool {
	ok := c.raw.Has(key)
	c.lookup("raw", ok)
	return ok
}

// OnReplace registers fn to be called after a committed payload replaces an
// earlier one.
func (c *Cache) OnReplace(fn func(key RawKey)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReplace = append(c.onReplace, fn)
}

// CommitRaw stores a payload for key. Replacing an existing payload drops
// its decoded grid and every derived result, then runs the OnReplace hooks.
func (c *Cache) CommitRaw(ctx context.Context, key RawKey, write func(w io.Writer) error) error {
	replaced, err := c.raw.Commit(ctx, key, write)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if replaced {
		c.gens[key]++
	}
	c.grids.Remove(key)
	hooks := c.onReplace
	c.mu.Unlock()

	if replaced {
		c.derived.Purge()
		c.logger.Debug("raw payload replaced, derived results purged", "key", key.String())
		for _, fn := range hooks {
			fn(key)
		}
	}
	return nil
}

// Grid returns the decoded grid for key, loading it from disk on a miss.
// Concurrent loads of one key share a single decode.
func (c *Cache) Grid(key RawKey) (*geotile.Grid, error) {
	if g, ok := c.grids.Get(key); ok {
		c.lookup("grid", true)
		return g, nil
	}
	c.lookup("grid", false)

	gen := c.generation(key)
	v, err, _ := c.loads.Do(fmt.Sprintf("%s#%d", key, gen), func() (any, error) {
		return c.load(key, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*geotile.Grid), nil
}

func (c *Cache) generation(key RawKey) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key]
}

// load decodes the payload for key and caches it unless key was replaced
// since gen was read.
func (c *Cache) load(key RawKey, gen uint64) (*geotile.Grid, error) {
	if g, ok := c.grids.Get(key); ok {
		return g, nil
	}
	r, err := c.raw.Open(key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	g, err := geotile.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}

	c.mu.Lock()
	if c.gens[key] == gen {
		c.grids.Add(key, g)
	}
	c.mu.Unlock()
	return g, nil
}

// Derived returns a cached derived result.
func (c *Cache) Derived(key DerivedKey) (*domain.Data, bool) {
	d, ok := c.derived.Get(key)
	c.lookup("derived", ok)
	return d, ok
}

// StoreDerived caches d under key.
func (c *Cache) StoreDerived(key DerivedKey, d *domain.Data) {
	c.derived.Add(key, d)
}

// PurgeDerived drops every derived result.
func (c *Cache) PurgeDerived() {
	c.derived.Purge()
}

// DerivedLen returns the number of cached derived results.
func (c *Cache) DerivedLen() int {
	return c.derived.Len()
}

// Close releases the raw store.
func (c *Cache) Close() error {
	c.grids.Purge()
	c.derived.Purge()
	return c.raw.Close()
}

func (c *Cache) lookup(name string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.metrics.CacheLookups.WithLabelValues(name, result).Inc()
}
