package geotile

import (
	"math"

	"github.com/couchcryptid/weather-tile-service/internal/domain"
)

// GridCoords converts a 31-bit point into fractional sample coordinates of g.
// Sample (i, j) sits at (i, j); the tile edges are at -0.5 and size-0.5.
func (g *Grid) GridCoords(p domain.Point31) (gx, gy float64) {
	return g.GridCoordsF(float64(p.X), float64(p.Y))
}

// GridCoordsF is GridCoords for unquantized 31-bit coordinates.
func (g *Grid) GridCoordsF(x31, y31 float64) (gx, gy float64) {
	x0, y0, size := domain.TileOrigin31(g.Tile())
	gx = (x31-float64(x0))/float64(size)*float64(g.Width) - 0.5
	gy = (y31-float64(y0))/float64(size)*float64(g.Height) - 0.5
	return gx, gy
}

// Contains reports whether p lies inside the grid's tile.
func (g *Grid) Contains(p domain.Point31) bool {
	x0, y0, size := domain.TileOrigin31(g.Tile())
	x, y := int64(p.X), int64(p.Y)
	return x >= x0 && x < x0+size && y >= y0 && y < y0+size
}

// Sample interpolates band b at p. It reports false when p is outside the
// tile, the band is missing, or a contributing sample is NaN.
func (g *Grid) Sample(b domain.BandIndex, p domain.Point31) (float64, bool) {
	if !g.Contains(p) {
		return math.NaN(), false
	}
	gx, gy := g.GridCoords(p)
	return g.Bilinear(b, gx, gy)
}

// Bilinear interpolates band b at fractional sample coordinates, clamping to
// the outermost samples.
func (g *Grid) Bilinear(b domain.BandIndex, gx, gy float64) (float64, bool) {
	v, ok := g.Bands[b]
	if !ok {
		return math.NaN(), false
	}
	gx = math.Max(0, math.Min(gx, float64(g.Width-1)))
	gy = math.Max(0, math.Min(gy, float64(g.Height-1)))

	i0, j0 := int(gx), int(gy)
	i1, j1 := min(i0+1, g.Width-1), min(j0+1, g.Height-1)
	fx, fy := gx-float64(i0), gy-float64(j0)

	var sum float64
	for _, c := range [4]struct {
		i, j int
		w    float64
	}{
		{i0, j0, (1 - fx) * (1 - fy)},
		{i1, j0, fx * (1 - fy)},
		{i0, j1, (1 - fx) * fy},
		{i1, j1, fx * fy},
	} {
		if c.w == 0 {
			continue
		}
		s := v[c.j*g.Width+c.i]
		if math.IsNaN(float64(s)) {
			return math.NaN(), false
		}
		sum += c.w * float64(s)
	}
	return sum, true
}
