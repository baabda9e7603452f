package domain

import "github.com/paulmach/orb/maptile"

// WeatherLayer identifies one of the two rendered data resolutions.
type WeatherLayer int

const (
	LayerUndefined WeatherLayer = iota
	LayerCoarse
	LayerFine
)

func (l WeatherLayer) String() string {
	switch l {
	case LayerCoarse:
		return "coarse"
	case LayerFine:
		return "fine"
	default:
		return "undefined"
	}
}

// geoTileZoom is the zoom of every raw payload published by the source.
const geoTileZoom maptile.Zoom = 4

type layerPolicy struct {
	layer     WeatherLayer
	zoom      int
	underZoom int
	overZoom  int
}

// layerPriority is checked in order by LayerForZoom.
var layerPriority = []layerPolicy{
	{layer: LayerCoarse, zoom: 4, underZoom: 2, overZoom: 2},
	{layer: LayerFine, zoom: 7, underZoom: 0, overZoom: 5},
}

// TileZoom returns the render zoom of a layer, or -1 for LayerUndefined.
func TileZoom(layer WeatherLayer) int {
	for _, p := range layerPriority {
		if p.layer == layer {
			return p.zoom
		}
	}
	return -1
}

// LayerForZoom returns the layer whose data backs tiles requested at zoom.
func LayerForZoom(zoom int) WeatherLayer {
	for _, p := range layerPriority {
		if zoom >= p.zoom-p.underZoom && zoom <= p.zoom+p.overZoom {
			return p.layer
		}
	}
	return LayerUndefined
}

// GeoTileZoom returns the zoom of raw payload tiles.
func GeoTileZoom() maptile.Zoom {
	return geoTileZoom
}

// MaxZoom is the highest zoom any layer can serve.
func MaxZoom() int {
	m := 0
	for _, p := range layerPriority {
		m = max(m, p.zoom+p.overZoom)
	}
	return m
}
