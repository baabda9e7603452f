package domain

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/paulmach/orb/maptile"
)

// WeatherType selects which derived product a tile request produces.
type WeatherType int

const (
	WeatherTypeRaster WeatherType = iota
	WeatherTypeContour
)

func (w WeatherType) String() string {
	if w == WeatherTypeContour {
		return "contour"
	}
	return "raster"
}

// ValueRequest asks for a single band sample at a point.
type ValueRequest struct {
	Point Point31
	Zoom  int
	Band  BandIndex
	Token *CancelToken
}

// Clone copies the request. The token is shared.
func (r ValueRequest) Clone() ValueRequest {
	return r
}

// Key identifies equivalent in-flight value requests.
func (r ValueRequest) Key() string {
	return fmt.Sprintf("v/%d/%d/%d/%d", r.Point.X, r.Point.Y, r.Zoom, r.Band)
}

// TileRequest asks for the derived data of one output tile.
type TileRequest struct {
	Tile          maptile.Tile
	WeatherType   WeatherType
	Bands         []BandIndex
	Version       uint64
	IgnoreVersion bool
	Token         *CancelToken
}

// Zoom returns the requested zoom.
func (r TileRequest) Zoom() int {
	return int(r.Tile.Z)
}

// Clone copies the request, including the band list. The token is shared.
func (r TileRequest) Clone() TileRequest {
	r.Bands = slices.Clone(r.Bands)
	return r
}

// NormalizedBands returns the requested bands sorted and deduplicated.
func (r TileRequest) NormalizedBands() []BandIndex {
	out := slices.Clone(r.Bands)
	slices.Sort(out)
	return slices.Compact(out)
}

// Key identifies equivalent in-flight tile requests.
func (r TileRequest) Key() string {
	return fmt.Sprintf("t/%d/%d/%d/%s/%s/%d/%t",
		r.Tile.Z, r.Tile.X, r.Tile.Y, r.WeatherType, BandsKey(r.NormalizedBands()), r.Version, r.IgnoreVersion)
}

// DownloadGeoTileRequest asks for the raw payloads covering a region.
type DownloadGeoTileRequest struct {
	TopLeft       Point31
	BottomRight   Point31
	ForceDownload bool
	Token         *CancelToken
}

// Clone copies the request. The token is shared.
func (r DownloadGeoTileRequest) Clone() DownloadGeoTileRequest {
	return r
}

// BandsKey renders a sorted band list as "2+3+5".
func BandsKey(bands []BandIndex) string {
	parts := make([]string, len(bands))
	for i, b := range bands {
		parts[i] = strconv.Itoa(int(b))
	}
	return strings.Join(parts, "+")
}
