// Package rasterize derives tile images and contour lines from raw grids.
//
// Layer tiles are rendered directly from the geo tile grid that contains
// them. Tiles at other zooms are produced from layer tiles by Upsample,
// Downsample, ClipContours and MergeContours.
package rasterize

import (
	"image"
	"math"
	"slices"

	"github.com/couchcryptid/weather-tile-service/internal/bands"
	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/couchcryptid/weather-tile-service/internal/geotile"
	"github.com/paulmach/orb/maptile"
	xdraw "golang.org/x/image/draw"
)

// DefaultContourStep is the node spacing of the contour grid in output pixels.
const DefaultContourStep = 8

// Rasterizer renders layer tiles. It holds no mutable state and is safe
// for concurrent use.
type Rasterizer struct {
	TileSize    int
	ContourStep int
}

// New returns a Rasterizer for tileSize-pixel tiles.
func New(tileSize int) *Rasterizer {
	return &Rasterizer{TileSize: tileSize, ContourStep: DefaultContourStep}
}

// PixelSize returns the edge length in pixels of a tile at density.
func (r *Rasterizer) PixelSize(density float64) int {
	return max(1, int(math.Round(float64(r.TileSize)*density)))
}

// Input describes one layer tile to render.
type Input struct {
	Grid     *geotile.Grid
	Tile     maptile.Tile
	Density  float64
	Settings *bands.Snapshot
	Bands    []domain.BandIndex
	Token    *domain.CancelToken
}

// drawable returns the requested bands that are configured, visible and
// present in the grid, in ascending band order.
func (in Input) drawable() []bandSettings {
	requested := slices.Clone(in.Bands)
	slices.Sort(requested)
	requested = slices.Compact(requested)

	var out []bandSettings
	for _, b := range requested {
		s, ok := in.Settings.Settings(b)
		if !ok || !s.Visible {
			continue
		}
		out = append(out, bandSettings{band: b, settings: s})
	}
	return out
}

type bandSettings struct {
	band     domain.BandIndex
	settings domain.GeoBandSettings
}

// RenderImage composites every drawable band of in into one image. Bands
// are alpha-blended in ascending band order.
func (r *Rasterizer) RenderImage(in Input) (*image.RGBA, error) {
	size := r.PixelSize(in.Density)
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	layer := image.NewNRGBA(dst.Bounds())

	x0, y0, span := domain.TileOrigin31(in.Tile)
	gxs := make([]float64, size)
	gys := make([]float64, size)
	for p := range size {
		c := (float64(p) + 0.5) / float64(size) * float64(span)
		gxs[p], _ = in.Grid.GridCoordsF(float64(x0)+c, 0)
		_, gys[p] = in.Grid.GridCoordsF(0, float64(y0)+c)
	}

	for _, bs := range in.drawable() {
		if in.Token.Cancelled() {
			return nil, domain.ErrCancelled
		}
		if !in.Grid.HasBand(bs.band) {
			continue
		}
		for py := range size {
			for px := range size {
				v, ok := in.Grid.Bilinear(bs.band, gxs[px], gys[py])
				if !ok {
					v = math.NaN()
				}
				layer.SetNRGBA(px, py, rampColor(bs.settings.ColorRamp, bs.settings.Opacity, v))
			}
		}
		xdraw.Draw(dst, dst.Bounds(), layer, image.Point{}, xdraw.Over)
	}
	return dst, nil
}

// RenderContours extracts one contour group per configured level for every
// drawable band with contour levels.
func (r *Rasterizer) RenderContours(in Input) (map[domain.BandIndex][]domain.GeoContour, error) {
	size := r.PixelSize(in.Density)
	step := max(1, r.ContourStep)
	nodes := size/step + 1
	if size%step != 0 {
		nodes++
	}

	x0, y0, span := domain.TileOrigin31(in.Tile)
	scale := float64(span) * float64(step) / float64(size)
	// The east and south edges of the last tile column and row sit on 2^31,
	// which does not fit in a Point31.
	maxX := float64(min(x0+span, domain.Max31-1))
	maxY := float64(min(y0+span, domain.Max31-1))
	toPoint := func(x, y float64) domain.Point31 {
		return domain.Point31{
			X: int32(math.Min(float64(x0)+x*scale, maxX)),
			Y: int32(math.Min(float64(y0)+y*scale, maxY)),
		}
	}

	out := make(map[domain.BandIndex][]domain.GeoContour)
	for _, bs := range in.drawable() {
		levels := bs.settings.ContourLevels
		if len(levels) == 0 {
			continue
		}
		if in.Token.Cancelled() {
			return nil, domain.ErrCancelled
		}

		n := &nodeGrid{w: nodes, h: nodes, v: make([]float64, nodes*nodes), toPoint: toPoint}
		for j := range nodes {
			for i := range nodes {
				v := math.NaN()
				if in.Grid.HasBand(bs.band) {
					x := math.Min(float64(x0)+float64(i)*scale, float64(x0+span))
					y := math.Min(float64(y0)+float64(j)*scale, float64(y0+span))
					gx, gy := in.Grid.GridCoordsF(x, y)
					if s, ok := in.Grid.Bilinear(bs.band, gx, gy); ok {
						v = s
					}
				}
				n.v[j*nodes+i] = v
			}
		}

		groups := make([]domain.GeoContour, len(levels))
		for k, level := range levels {
			groups[k] = domain.GeoContour{Level: level, Lines: isolines(n, level)}
		}
		out[bs.band] = groups
	}
	return out, nil
}

// AlphaPresence reports whether img has any non-opaque pixel.
func AlphaPresence(img *image.RGBA) domain.AlphaChannelPresence {
	if img == nil {
		return domain.AlphaUnknown
	}
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0xff {
			return domain.AlphaPresent
		}
	}
	return domain.AlphaNotPresent
}
