package domain

import (
	"image"

	"github.com/paulmach/orb/maptile"
)

// AlphaChannelPresence describes whether a rendered image has transparency.
type AlphaChannelPresence int

const (
	AlphaUnknown AlphaChannelPresence = iota
	AlphaPresent
	AlphaNotPresent
)

// ContourLine is a polyline in 31-bit coordinates. A line whose first and
// last points are equal is closed.
type ContourLine []Point31

// Closed reports whether the line is a ring.
func (l ContourLine) Closed() bool {
	return len(l) > 2 && l[0] == l[len(l)-1]
}

// GeoContour groups every line extracted at one level.
type GeoContour struct {
	Level float64
	Lines []ContourLine
}

// Data is the derived result of a tile request. Image and contours are
// shared between callers and must not be modified.
type Data struct {
	Tile                 maptile.Tile
	AlphaChannelPresence AlphaChannelPresence
	DensityFactor        float64
	Image                *image.RGBA
	Contours             map[BandIndex][]GeoContour
	Version              uint64
}

// Zoom returns the tile zoom.
func (d *Data) Zoom() int {
	return int(d.Tile.Z)
}
