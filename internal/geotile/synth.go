package geotile

import (
	"math"
	"time"

	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/paulmach/orb/maptile"
)

// Synthesize builds a grid of smooth analytic fields for tile t. Fields are
// continuous across tile edges and drift with the observation hour, which
// makes them suitable for offline serving and tests.
func Synthesize(t maptile.Tile, width, height int, at time.Time, bands ...domain.BandIndex) *Grid {
	g := NewGrid(t, width, height, bands...)
	x0, y0, size := domain.TileOrigin31(t)
	phase := float64(at.UTC().Hour()) / 24 * 2 * math.Pi

	for j := range height {
		for i := range width {
			p := domain.Point31{
				X: int32(x0 + int64((float64(i)+0.5)/float64(width)*float64(size))),
				Y: int32(y0 + int64((float64(j)+0.5)/float64(height)*float64(size))),
			}
			lat, lon := p.LatLon()
			for _, b := range bands {
				g.Set(b, i, j, float32(syntheticValue(b, lat*math.Pi/180, lon*math.Pi/180, phase)))
			}
		}
	}
	return g
}

func syntheticValue(b domain.BandIndex, lat, lon, phase float64) float64 {
	switch b {
	case domain.BandCloud:
		return 50 + 50*math.Sin(5*lon+phase)*math.Cos(5*lat)
	case domain.BandTemperature:
		return 40*math.Cos(lat) - 15 + 5*math.Sin(3*lon+phase)
	case domain.BandPressure:
		return 1013 + 25*math.Sin(4*lat)*math.Cos(2*lon+phase)
	case domain.BandWindSpeed:
		return 12 + 10*math.Sin(3*lat+phase)*math.Sin(3*lon)
	case domain.BandPrecipitation:
		return math.Max(0, 12*math.Sin(6*lat)*math.Cos(4*lon+phase))
	default:
		return math.NaN()
	}
}
