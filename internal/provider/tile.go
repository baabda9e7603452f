package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/couchcryptid/weather-tile-service/internal/cache"
	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/couchcryptid/weather-tile-service/internal/geotile"
	"github.com/couchcryptid/weather-tile-service/internal/rasterize"
	"github.com/paulmach/orb/maptile"
)

// DataResult is the outcome of a tile request. Data is nil with a nil error
// when nothing covers the tile.
type DataResult struct {
	Data   *domain.Data
	Metric *RequestMetric
	Err    error
}

type tileOutcome struct {
	data   *domain.Data
	metric RequestMetric
}

// ObtainData blocks until the tile request completes.
func (p *Provider) ObtainData(req domain.TileRequest, collectMetric bool) DataResult {
	ch := make(chan DataResult, 1)
	p.ObtainDataAsync(req, collectMetric, func(r DataResult) { ch <- r })
	return <-ch
}

// ObtainDataAsync derives the image or contours of a tile and calls cb from
// a worker. Identical requests in flight share one derivation.
func (p *Provider) ObtainDataAsync(req domain.TileRequest, collectMetric bool, cb func(DataResult)) {
	submitted := time.Now()
	req = req.Clone()
	deliver := func(out tileOutcome, err error) {
		cb(DataResult{
			Data:   out.data,
			Err:    err,
			Metric: p.observe(kindTile, outcomeLabel(err, out.data != nil), collectMetric, out.metric, submitted),
		})
	}

	if p.closed.Load() {
		go deliver(tileOutcome{}, domain.ErrProviderClosed)
		return
	}
	if err := validateTile(req); err != nil {
		go deliver(tileOutcome{}, err)
		return
	}

	f, leader := p.tiles.join(req.Key(), req.Token.Context(), domain.ErrCancelled, deliver)
	if !leader {
		p.metrics.DedupAttached.WithLabelValues(kindTile).Inc()
		return
	}
	p.submit(func() {
		out, err := p.computeData(f.ctx, req, submitted)
		p.tiles.finish(f, out, p.closedErr(err))
	}, func() {
		p.tiles.finish(f, tileOutcome{}, domain.ErrProviderClosed)
	})
}

func validateTile(req domain.TileRequest) error {
	if req.WeatherType != domain.WeatherTypeRaster && req.WeatherType != domain.WeatherTypeContour {
		return fmt.Errorf("%w: unknown weather type %d", domain.ErrInvalidRequest, req.WeatherType)
	}
	if n := uint64(1) << min(req.Tile.Z, 32); uint64(req.Tile.X) >= n || uint64(req.Tile.Y) >= n {
		return fmt.Errorf("%w: tile %v out of range", domain.ErrInvalidRequest, req.Tile)
	}
	for _, b := range req.Bands {
		if !b.Valid() {
			return fmt.Errorf("%w: unknown band %d", domain.ErrInvalidRequest, b)
		}
	}
	return nil
}

// job carries what one derivation captured at start.
type job struct {
	token       *domain.CancelToken
	st          state
	weatherType domain.WeatherType
	bands       []domain.BandIndex
	metric      *RequestMetric
}

func (p *Provider) computeData(ctx context.Context, req domain.TileRequest, submitted time.Time) (tileOutcome, error) {
	out := tileOutcome{metric: RequestMetric{QueueWait: time.Since(submitted)}}
	token := domain.NewCancelTokenFromContext(ctx)
	defer token.Cancel()

	if token.Cancelled() {
		return out, domain.ErrCancelled
	}
	st := p.capture()
	if !req.IgnoreVersion && st.snap.Version != req.Version {
		return out, domain.ErrStale
	}
	layer := domain.LayerForZoom(req.Zoom())
	if layer == domain.LayerUndefined {
		return out, nil
	}

	bands := req.NormalizedBands()
	if len(bands) == 0 {
		bands = domain.AllBands
	}
	j := job{token: token, st: st, weatherType: req.WeatherType, bands: bands, metric: &out.metric}
	key := p.derivedKey(req.Tile, j)

	data, ok := p.cache.Derived(key)
	if !ok {
		lz := maptile.Zoom(domain.TileZoom(layer))
		var (
			complete bool
			err      error
		)
		switch {
		case req.Tile.Z == lz:
			data, complete, err = p.layerTile(j, req.Tile)
		case req.Tile.Z > lz:
			data, complete, err = p.overZoom(j, req.Tile, lz)
		default:
			data, complete, err = p.underZoom(j, req.Tile, lz)
		}
		if err != nil {
			return out, err
		}
		if token.Cancelled() {
			return out, domain.ErrCancelled
		}
		if data != nil && complete && req.Tile.Z != lz {
			p.cache.StoreDerived(key, data)
		}
	}

	if !req.IgnoreVersion && p.registry.Version() != req.Version {
		return out, domain.ErrStale
	}
	out.data = data
	return out, nil
}

func (p *Provider) derivedKey(tile maptile.Tile, j job) cache.DerivedKey {
	return cache.DerivedKey{
		Tile:          tile,
		WeatherType:   j.weatherType,
		DensityFactor: p.density,
		Bands:         domain.BandsKey(j.bands),
		Version:       j.st.snap.Version,
	}
}

// layerTile renders a tile at a layer zoom from the geo tile containing it.
// Complete results are cached.
func (p *Provider) layerTile(j job, tile maptile.Tile) (*domain.Data, bool, error) {
	key := p.derivedKey(tile, j)
	if d, ok := p.cache.Derived(key); ok {
		return d, true, nil
	}

	grid, err := p.gridFor(j.token, geotile.GeoTileFor(tile), j.st.observed, j.metric)
	if err != nil || grid == nil {
		return nil, false, err
	}

	in := rasterize.Input{
		Grid:     grid,
		Tile:     tile,
		Density:  p.density,
		Settings: j.st.snap,
		Bands:    j.bands,
		Token:    j.token,
	}
	d := p.newData(tile, j)

	start := time.Now()
	if j.weatherType == domain.WeatherTypeContour {
		d.Contours, err = p.rasterizer.RenderContours(in)
	} else {
		d.Image, err = p.rasterizer.RenderImage(in)
	}
	elapsed := time.Since(start)
	j.metric.Rasterize += elapsed
	p.metrics.RasterizeDuration.WithLabelValues(j.weatherType.String()).Observe(elapsed.Seconds())
	if err != nil {
		return nil, false, err
	}
	if d.Image != nil {
		d.AlphaChannelPresence = rasterize.AlphaPresence(d.Image)
	}

	if j.token.Cancelled() {
		return nil, false, domain.ErrCancelled
	}
	p.cache.StoreDerived(key, d)
	return d, true, nil
}

// overZoom crops the layer ancestor of tile.
func (p *Provider) overZoom(j job, tile maptile.Tile, lz maptile.Zoom) (*domain.Data, bool, error) {
	shift := uint32(tile.Z - lz)
	anc := maptile.New(tile.X>>shift, tile.Y>>shift, lz)
	src, complete, err := p.layerTile(j, anc)
	if err != nil || src == nil {
		return nil, false, err
	}

	d := p.newData(tile, j)
	if src.Image != nil {
		d.Image = rasterize.Upsample(src.Image, anc, tile, p.rasterizer.PixelSize(p.density))
		d.AlphaChannelPresence = rasterize.AlphaPresence(d.Image)
	}
	if src.Contours != nil {
		d.Contours = rasterize.ClipContours(src.Contours, tile)
	}
	return d, complete, nil
}

// underZoom assembles the layer descendants of tile. Missing descendants
// leave holes and mark the result incomplete.
func (p *Provider) underZoom(j job, tile maptile.Tile, lz maptile.Zoom) (*domain.Data, bool, error) {
	shift := uint32(lz - tile.Z)
	n := uint32(1) << shift

	parts := make([]rasterize.Part, 0, n*n)
	complete := true
	for dy := range n {
		for dx := range n {
			if j.token.Cancelled() {
				return nil, false, domain.ErrCancelled
			}
			child := maptile.New(tile.X<<shift+dx, tile.Y<<shift+dy, lz)
			cd, ok, err := p.layerTile(j, child)
			if err != nil {
				return nil, false, err
			}
			if cd == nil {
				complete = false
				continue
			}
			complete = complete && ok
			parts = append(parts, rasterize.Part{Tile: child, Image: cd.Image, Contours: cd.Contours})
		}
	}
	if len(parts) == 0 {
		return nil, false, nil
	}

	d := p.newData(tile, j)
	if j.weatherType == domain.WeatherTypeContour {
		d.Contours = rasterize.MergeContours(parts)
	} else {
		d.Image = rasterize.Downsample(parts, tile, p.rasterizer.PixelSize(p.density))
		d.AlphaChannelPresence = rasterize.AlphaPresence(d.Image)
	}
	return d, complete, nil
}

func (p *Provider) newData(tile maptile.Tile, j job) *domain.Data {
	return &domain.Data{
		Tile:          tile,
		DensityFactor: p.density,
		Version:       j.st.snap.Version,
	}
}
