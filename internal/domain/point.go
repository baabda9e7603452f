package domain

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const (
	// Max31 is the exclusive upper bound of a 31-bit coordinate.
	Max31 = 1 << 31

	maxMercatorLat = 85.05112878
)

// Point31 is a position on the Web Mercator plane in 31-bit fixed point.
type Point31 struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

// PointFromLatLon encodes a WGS84 coordinate. Latitudes beyond the Mercator
// limit are clamped and longitudes are wrapped into [-180, 180).
func PointFromLatLon(lat, lon float64) Point31 {
	lat = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}

	x := lon / 360 * Max31
	sin := math.Sin(lat * math.Pi / 180)
	y := (0.5 - math.Log((1+sin)/(1-sin))/(4*math.Pi)) * Max31

	return Point31{X: clamp31(x), Y: clamp31(y)}
}

// LatLon decodes the point back to WGS84 degrees.
func (p Point31) LatLon() (lat, lon float64) {
	lon = float64(p.X)/Max31*360 - 180
	n := math.Pi * (1 - 2*float64(p.Y)/Max31)
	lat = math.Atan(math.Sinh(n)) * 180 / math.Pi
	return lat, lon
}

// Orb returns the point as an orb.Point (lon, lat).
func (p Point31) Orb() orb.Point {
	lat, lon := p.LatLon()
	return orb.Point{lon, lat}
}

// Tile returns the tile at zoom z containing the point.
func (p Point31) Tile(z maptile.Zoom) maptile.Tile {
	shift := 31 - uint32(z)
	return maptile.New(uint32(p.X)>>shift, uint32(p.Y)>>shift, z)
}

func (p Point31) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// TileOrigin31 returns the top-left 31-bit corner of t and its edge length.
func TileOrigin31(t maptile.Tile) (x0, y0, size int64) {
	size = int64(1) << (31 - uint32(t.Z))
	return int64(t.X) * size, int64(t.Y) * size, size
}

func clamp31(v float64) int32 {
	if v < 0 {
		return 0
	}
	if v >= Max31 {
		return Max31 - 1
	}
	return int32(v)
}
