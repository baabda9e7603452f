package geotile

import (
	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/paulmach/orb/maptile"
)

// CoveringTiles returns the geo tiles intersecting the box spanned by
// topLeft and bottomRight, west to east then north to south. A box whose
// right edge is west of its left edge wraps across the antimeridian.
func CoveringTiles(topLeft, bottomRight domain.Point31) []maptile.Tile {
	z := domain.GeoTileZoom()
	tl, br := topLeft.Tile(z), bottomRight.Tile(z)

	y0, y1 := tl.Y, br.Y
	if y1 < y0 {
		y0, y1 = y1, y0
	}

	n := uint32(1) << z
	var xs []uint32
	if br.X >= tl.X {
		for x := tl.X; x <= br.X; x++ {
			xs = append(xs, x)
		}
	} else {
		for x := tl.X; x < n; x++ {
			xs = append(xs, x)
		}
		for x := uint32(0); x <= br.X; x++ {
			xs = append(xs, x)
		}
	}

	tiles := make([]maptile.Tile, 0, len(xs)*int(y1-y0+1))
	for y := y0; y <= y1; y++ {
		for _, x := range xs {
			tiles = append(tiles, maptile.New(x, y, z))
		}
	}
	return tiles
}

// GeoTileFor returns the geo tile backing tile t. For tiles at or below the
// geo tile zoom it is t's ancestor; for coarser tiles, the first descendant.
func GeoTileFor(t maptile.Tile) maptile.Tile {
	z := domain.GeoTileZoom()
	if t.Z >= z {
		shift := uint32(t.Z - z)
		return maptile.New(t.X>>shift, t.Y>>shift, z)
	}
	shift := uint32(z - t.Z)
	return maptile.New(t.X<<shift, t.Y<<shift, z)
}
