package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/weather-tile-service/internal/bands"
	"github.com/couchcryptid/weather-tile-service/internal/cache"
	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/couchcryptid/weather-tile-service/internal/download"
	"github.com/couchcryptid/weather-tile-service/internal/geotile"
	"github.com/couchcryptid/weather-tile-service/internal/observability"
	"github.com/paulmach/orb/maptile"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	obsTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	munich  = domain.PointFromLatLon(48.14, 11.58)
)

// --- mocks ---

type gatedFetcher struct {
	mu      sync.Mutex
	calls   int
	missing map[maptile.Tile]bool
	gate    chan struct{}
	started chan maptile.Tile
}

func newGatedFetcher(gated bool) *gatedFetcher {
	f := &gatedFetcher{missing: make(map[maptile.Tile]bool), started: make(chan maptile.Tile, 64)}
	if gated {
		f.gate = make(chan struct{})
	}
	return f
}

func (f *gatedFetcher) Fetch(ctx context.Context, tile maptile.Tile, observed time.Time, w io.Writer) error {
	f.mu.Lock()
	f.calls++
	missing := f.missing[tile]
	f.mu.Unlock()

	select {
	case f.started <- tile:
	default:
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if missing {
		return errors.New("not found")
	}
	return geotile.Encode(w, geotile.Synthesize(tile, 16, 16, observed, domain.AllBands...))
}

func (f *gatedFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *gatedFetcher) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch never started")
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	results []download.Result
}

func (n *recordingNotifier) NotifyDownload(_ context.Context, res download.Result) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, res)
	return nil
}

// --- helpers ---

type harness struct {
	p       *Provider
	cache   *cache.Cache
	metrics *observability.Metrics
}

func newHarness(t *testing.T, f download.Fetcher, opts Options) harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()

	c, err := cache.Open(context.Background(), cache.Options{
		Root:             t.TempDir(),
		GridCacheSize:    8,
		DerivedCacheSize: 64,
	}, logger, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	reg, err := bands.NewRegistry(domain.DefaultBandSettings())
	require.NoError(t, err)

	d := download.New(f, c, download.Options{Concurrency: 2}, logger, metrics)
	if opts.DateTime.IsZero() {
		opts.DateTime = obsTime
	}
	if opts.TileSize == 0 {
		opts.TileSize = 32
	}
	if opts.Workers == 0 {
		opts.Workers = 2
	}
	p := New(reg, c, d, opts, logger, metrics)
	t.Cleanup(func() { p.Close() })
	return harness{p: p, cache: c, metrics: metrics}
}

func tileRequest(p *Provider, tile maptile.Tile, wt domain.WeatherType) domain.TileRequest {
	return domain.TileRequest{
		Tile:        tile,
		WeatherType: wt,
		Bands:       []domain.BandIndex{domain.BandTemperature, domain.BandPressure},
		Version:     p.CurrentVersion(),
	}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("callback never invoked")
		panic("unreachable")
	}
}

// --- tile data ---

func TestObtainData_LayerTile(t *testing.T) {
	h := newHarness(t, newGatedFetcher(false), Options{})
	tile := munich.Tile(7)

	res := h.p.ObtainData(tileRequest(h.p, tile, domain.WeatherTypeRaster), true)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Data)
	assert.Equal(t, tile, res.Data.Tile)
	assert.Equal(t, 32, res.Data.Image.Bounds().Dx())
	assert.Equal(t, h.p.CurrentVersion(), res.Data.Version)
	assert.NotEqual(t, domain.AlphaUnknown, res.Data.AlphaChannelPresence)
	assert.Nil(t, res.Data.Contours)

	require.NotNil(t, res.Metric)
	assert.GreaterOrEqual(t, res.Metric.Total, res.Metric.Rasterize)
	assert.Positive(t, h.cache.DerivedLen())
}

func TestObtainData_Contours(t *testing.T) {
	h := newHarness(t, newGatedFetcher(false), Options{})

	res := h.p.ObtainData(tileRequest(h.p, munich.Tile(4), domain.WeatherTypeContour), false)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Data)
	assert.Nil(t, res.Data.Image)
	assert.Nil(t, res.Metric)

	settings := domain.DefaultBandSettings()
	for _, b := range []domain.BandIndex{domain.BandTemperature, domain.BandPressure} {
		assert.Len(t, res.Data.Contours[b], len(settings[b].ContourLevels), "one group per level for %s", b)
	}
}

func TestObtainData_OverAndUnderZoom(t *testing.T) {
	f := newGatedFetcher(false)
	h := newHarness(t, f, Options{})

	over := h.p.ObtainData(tileRequest(h.p, munich.Tile(10), domain.WeatherTypeRaster), false)
	require.NoError(t, over.Err)
	require.NotNil(t, over.Data)
	assert.Equal(t, 32, over.Data.Image.Bounds().Dx())

	under := h.p.ObtainData(tileRequest(h.p, munich.Tile(2), domain.WeatherTypeContour), false)
	require.NoError(t, under.Err)
	require.NotNil(t, under.Data)
	assert.NotEmpty(t, under.Data.Contours[domain.BandTemperature])

	// Zoom 2 spans 4x4 geo tiles, zoom 10 one of them.
	assert.Equal(t, 16, f.count())
}

func TestObtainData_Dedup(t *testing.T) {
	f := newGatedFetcher(true)
	h := newHarness(t, f, Options{})
	req := tileRequest(h.p, munich.Tile(7), domain.WeatherTypeRaster)

	ch := make(chan DataResult, 2)
	h.p.ObtainDataAsync(req, false, func(r DataResult) { ch <- r })
	h.p.ObtainDataAsync(req.Clone(), false, func(r DataResult) { ch <- r })
	close(f.gate)

	a, b := receive(t, ch), receive(t, ch)
	require.NoError(t, a.Err)
	require.NoError(t, b.Err)
	require.NotNil(t, a.Data)
	assert.Same(t, a.Data, b.Data)
	assert.Equal(t, 1, f.count())
	assert.InDelta(t, 1.0, testutil.ToFloat64(h.metrics.DedupAttached.WithLabelValues(kindTile)), 0)
}

func TestObtainData_StaleAfterSetBandSettings(t *testing.T) {
	f := newGatedFetcher(true)
	h := newHarness(t, f, Options{})
	req := tileRequest(h.p, munich.Tile(7), domain.WeatherTypeRaster)

	ch := make(chan DataResult, 1)
	h.p.ObtainDataAsync(req, false, func(r DataResult) { ch <- r })
	f.waitStarted(t)

	v, err := h.p.SetBandSettings(domain.DefaultBandSettings())
	require.NoError(t, err)
	assert.Equal(t, req.Version+1, v)
	close(f.gate)

	res := receive(t, ch)
	require.ErrorIs(t, res.Err, domain.ErrStale)
	assert.Nil(t, res.Data)
}

func TestObtainData_IgnoreVersionKeepsCapturedSnapshot(t *testing.T) {
	f := newGatedFetcher(true)
	h := newHarness(t, f, Options{})
	req := tileRequest(h.p, munich.Tile(7), domain.WeatherTypeRaster)
	req.IgnoreVersion = true

	ch := make(chan DataResult, 1)
	h.p.ObtainDataAsync(req, false, func(r DataResult) { ch <- r })
	f.waitStarted(t)

	_, err := h.p.SetBandSettings(domain.DefaultBandSettings())
	require.NoError(t, err)
	close(f.gate)

	res := receive(t, ch)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Data)
	assert.Equal(t, req.Version, res.Data.Version)
}

func TestObtainData_StaleAtSubmission(t *testing.T) {
	h := newHarness(t, newGatedFetcher(false), Options{})
	req := tileRequest(h.p, munich.Tile(7), domain.WeatherTypeRaster)
	req.Version = 0

	res := h.p.ObtainData(req, false)
	require.ErrorIs(t, res.Err, domain.ErrStale)
}

func TestObtainData_CancelDetachesOnlyThatWaiter(t *testing.T) {
	f := newGatedFetcher(true)
	h := newHarness(t, f, Options{})
	req := tileRequest(h.p, munich.Tile(7), domain.WeatherTypeRaster)

	cancelled := req.Clone()
	cancelled.Token = domain.NewCancelToken()

	first := make(chan DataResult, 1)
	second := make(chan DataResult, 1)
	h.p.ObtainDataAsync(cancelled, false, func(r DataResult) { first <- r })
	h.p.ObtainDataAsync(req, false, func(r DataResult) { second <- r })
	f.waitStarted(t)

	cancelled.Token.Cancel()
	require.ErrorIs(t, receive(t, first).Err, domain.ErrCancelled)

	close(f.gate)
	res := receive(t, second)
	require.NoError(t, res.Err)
	assert.NotNil(t, res.Data)
}

func TestObtainData_LastWaiterCancelStopsWork(t *testing.T) {
	f := newGatedFetcher(true)
	h := newHarness(t, f, Options{})
	req := tileRequest(h.p, munich.Tile(7), domain.WeatherTypeRaster)
	req.Token = domain.NewCancelToken()

	ch := make(chan DataResult, 1)
	h.p.ObtainDataAsync(req, false, func(r DataResult) { ch <- r })
	f.waitStarted(t)
	req.Token.Cancel()

	require.ErrorIs(t, receive(t, ch).Err, domain.ErrCancelled)
	assert.Zero(t, h.p.tiles.size())
	assert.False(t, h.cache.HasRaw(h.cache.Key(obsTime, munich.Tile(4))))
}

func TestObtainData_NoCoverage(t *testing.T) {
	h := newHarness(t, newGatedFetcher(false), Options{})

	h.p.SetNetworkAccessAllowed(false)
	res := h.p.ObtainData(tileRequest(h.p, munich.Tile(7), domain.WeatherTypeRaster), false)
	require.NoError(t, res.Err)
	assert.Nil(t, res.Data)

	h.p.SetNetworkAccessAllowed(true)
	res = h.p.ObtainData(tileRequest(h.p, munich.Tile(13), domain.WeatherTypeRaster), false)
	require.NoError(t, res.Err)
	assert.Nil(t, res.Data)
}

func TestObtainData_PartialCoverageIsNotCached(t *testing.T) {
	f := newGatedFetcher(false)
	tile := munich.Tile(3)
	// South-east zoom 4 child of the zoom 3 tile.
	f.missing[maptile.New(tile.X*2+1, tile.Y*2+1, 4)] = true
	h := newHarness(t, f, Options{})

	req := tileRequest(h.p, tile, domain.WeatherTypeRaster)
	res := h.p.ObtainData(req, false)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Data)
	assert.Equal(t, domain.AlphaPresent, res.Data.AlphaChannelPresence)

	_, ok := h.cache.Derived(cache.DerivedKey{
		Tile:          tile,
		WeatherType:   domain.WeatherTypeRaster,
		DensityFactor: 1,
		Bands:         domain.BandsKey(req.NormalizedBands()),
		Version:       req.Version,
	})
	assert.False(t, ok)
}

func TestObtainData_InvalidRequest(t *testing.T) {
	h := newHarness(t, newGatedFetcher(false), Options{})
	req := tileRequest(h.p, munich.Tile(7), domain.WeatherTypeRaster)
	req.Bands = []domain.BandIndex{domain.BandUndefined}

	res := h.p.ObtainData(req, false)
	require.ErrorIs(t, res.Err, domain.ErrInvalidRequest)
}

// --- values ---

func TestObtainValue_Deterministic(t *testing.T) {
	h := newHarness(t, newGatedFetcher(false), Options{})
	req := domain.ValueRequest{Point: munich, Zoom: 7, Band: domain.BandTemperature}

	a := h.p.ObtainValue(req, false)
	b := h.p.ObtainValue(req.Clone(), true)
	require.NoError(t, a.Err)
	require.True(t, a.Found)
	assert.Equal(t, math.Float64bits(a.Value), math.Float64bits(b.Value))
	assert.NotNil(t, b.Metric)

	grid := geotile.Synthesize(munich.Tile(4), 16, 16, obsTime, domain.AllBands...)
	want, ok := grid.Sample(domain.BandTemperature, munich)
	require.True(t, ok)
	assert.Equal(t, math.Float64bits(want), math.Float64bits(a.Value))
}

func TestObtainValue_NoData(t *testing.T) {
	h := newHarness(t, newGatedFetcher(false), Options{})

	res := h.p.ObtainValue(domain.ValueRequest{Point: munich, Zoom: 14, Band: domain.BandPressure}, false)
	require.NoError(t, res.Err)
	assert.False(t, res.Found)

	res = h.p.ObtainValue(domain.ValueRequest{Point: munich, Zoom: 7, Band: 9}, false)
	require.ErrorIs(t, res.Err, domain.ErrInvalidRequest)
}

func TestObtainValue_NewTimeSlotDoesNotShareOldSample(t *testing.T) {
	f := newGatedFetcher(true)
	h := newHarness(t, f, Options{})
	req := domain.ValueRequest{Point: munich, Zoom: 7, Band: domain.BandTemperature}

	before := make(chan ValueResult, 1)
	h.p.ObtainValueAsync(req, false, func(r ValueResult) { before <- r })
	f.waitStarted(t)

	rolled := obsTime.Add(6 * time.Hour)
	_, changed, err := h.p.SetDateTime(rolled)
	require.NoError(t, err)
	require.True(t, changed)

	after := make(chan ValueResult, 1)
	h.p.ObtainValueAsync(req.Clone(), false, func(r ValueResult) { after <- r })
	close(f.gate)

	old, cur := receive(t, before), receive(t, after)
	require.NoError(t, old.Err)
	require.NoError(t, cur.Err)
	require.True(t, cur.Found)
	assert.Zero(t, testutil.ToFloat64(h.metrics.DedupAttached.WithLabelValues(kindValue)))
	assert.Equal(t, 2, f.count())

	sample := func(at time.Time) float64 {
		v, ok := geotile.Synthesize(munich.Tile(4), 16, 16, at, domain.AllBands...).Sample(domain.BandTemperature, munich)
		require.True(t, ok)
		return v
	}
	assert.Equal(t, math.Float64bits(sample(obsTime)), math.Float64bits(old.Value))
	assert.Equal(t, math.Float64bits(sample(rolled)), math.Float64bits(cur.Value))
	assert.NotEqual(t, old.Value, cur.Value)
}

// --- downloads ---

func TestDownloadGeoTiles(t *testing.T) {
	n := &recordingNotifier{}
	f := newGatedFetcher(false)
	h := newHarness(t, f, Options{Notifier: n})
	req := domain.DownloadGeoTileRequest{
		TopLeft:     domain.PointFromLatLon(60, 2),
		BottomRight: domain.PointFromLatLon(45, 30),
	}

	res := h.p.DownloadGeoTiles(req, true)
	require.NoError(t, res.Err)
	assert.Len(t, res.Succeeded(), 4)
	assert.Empty(t, res.Failed())
	assert.Equal(t, 4, f.count())
	assert.NotNil(t, res.Metric)

	res = h.p.DownloadGeoTiles(req, false)
	require.NoError(t, res.Err)
	for _, o := range res.Tiles {
		assert.Equal(t, download.OutcomeCached, o.Outcome)
	}
	assert.Equal(t, 4, f.count())

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.results, 2)
	assert.Equal(t, "20260314_1200", n.results[0].TimeKey)
}

func TestDownloadGeoTiles_ForcedReplacementAdvancesVersion(t *testing.T) {
	f := newGatedFetcher(false)
	h := newHarness(t, f, Options{})
	region := domain.DownloadGeoTileRequest{TopLeft: munich, BottomRight: munich}

	req := tileRequest(h.p, munich.Tile(7), domain.WeatherTypeRaster)
	first := h.p.ObtainData(req, false)
	require.NoError(t, first.Err)
	require.NotNil(t, first.Data)
	v0 := h.p.CurrentVersion()

	res := h.p.DownloadGeoTiles(region, false)
	require.NoError(t, res.Err)
	assert.Equal(t, v0, h.p.CurrentVersion(), "cached tiles are not replaced")

	region.ForceDownload = true
	res = h.p.DownloadGeoTiles(region, false)
	require.NoError(t, res.Err)
	assert.Equal(t, v0+1, h.p.CurrentVersion())
	assert.Zero(t, h.cache.DerivedLen())

	stale := h.p.ObtainData(req, false)
	require.ErrorIs(t, stale.Err, domain.ErrStale)
}

func TestDownloadGeoTiles_NetworkDisabled(t *testing.T) {
	f := newGatedFetcher(false)
	h := newHarness(t, f, Options{})
	h.p.SetNetworkAccessAllowed(false)

	res := h.p.DownloadGeoTiles(domain.DownloadGeoTileRequest{TopLeft: munich, BottomRight: munich}, false)
	require.ErrorIs(t, res.Err, domain.ErrNetworkDisabled)
	assert.Empty(t, res.Succeeded())
	assert.Equal(t, []maptile.Tile{geotile.GeoTileFor(munich.Tile(4))}, res.Failed())
	assert.Zero(t, f.count())
}

// --- lifecycle ---

func TestClose_Twice(t *testing.T) {
	h := newHarness(t, newGatedFetcher(false), Options{})

	assert.True(t, h.p.Close())
	assert.False(t, h.p.Close())
	require.ErrorIs(t, h.p.CheckReadiness(context.Background()), domain.ErrProviderClosed)

	res := h.p.ObtainData(tileRequest(h.p, munich.Tile(7), domain.WeatherTypeRaster), false)
	require.ErrorIs(t, res.Err, domain.ErrProviderClosed)
	require.ErrorIs(t, h.p.ObtainValue(domain.ValueRequest{Point: munich, Zoom: 7, Band: domain.BandCloud}, false).Err, domain.ErrProviderClosed)
	require.ErrorIs(t, h.p.DownloadGeoTiles(domain.DownloadGeoTileRequest{}, false).Err, domain.ErrProviderClosed)

	_, err := h.p.SetBandSettings(domain.DefaultBandSettings())
	require.ErrorIs(t, err, domain.ErrProviderClosed)
}

func TestClose_AbortsRunningAndQueued(t *testing.T) {
	f := newGatedFetcher(true)
	h := newHarness(t, f, Options{Workers: 1})

	running := make(chan DataResult, 1)
	queued := make(chan ValueResult, 1)
	h.p.ObtainDataAsync(tileRequest(h.p, munich.Tile(7), domain.WeatherTypeRaster), false, func(r DataResult) { running <- r })
	f.waitStarted(t)
	h.p.ObtainValueAsync(domain.ValueRequest{Point: munich, Zoom: 7, Band: domain.BandCloud}, false, func(r ValueResult) { queued <- r })

	require.True(t, h.p.Close())
	require.ErrorIs(t, receive(t, running).Err, domain.ErrProviderClosed)
	require.ErrorIs(t, receive(t, queued).Err, domain.ErrProviderClosed)
}

func TestSetDateTime(t *testing.T) {
	h := newHarness(t, newGatedFetcher(false), Options{})
	v0 := h.p.CurrentVersion()

	v, changed, err := h.p.SetDateTime(obsTime.Add(20 * time.Minute))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, v0, v)

	v, changed, err = h.p.SetDateTime(obsTime.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, v0+1, v)
	assert.Equal(t, obsTime.Add(time.Hour), h.p.DateTime())
	assert.InDelta(t, float64(v), testutil.ToFloat64(h.metrics.ProviderVersion), 0)
}
