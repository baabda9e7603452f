package rasterize

import (
	"image/color"
	"math"

	"github.com/couchcryptid/weather-tile-service/internal/domain"
)

// rampColor maps v through the ramp, clamping outside the end stops and
// scaling alpha by opacity. NaN maps to transparent.
func rampColor(ramp []domain.ColorStop, opacity, v float64) color.NRGBA {
	if math.IsNaN(v) || len(ramp) == 0 {
		return color.NRGBA{}
	}
	if v <= ramp[0].Value {
		return withOpacity(ramp[0].RGBA, opacity)
	}
	last := ramp[len(ramp)-1]
	if v >= last.Value {
		return withOpacity(last.RGBA, opacity)
	}

	i := 1
	for ramp[i].Value < v {
		i++
	}
	lo, hi := ramp[i-1], ramp[i]
	t := (v - lo.Value) / (hi.Value - lo.Value)

	var c [4]uint8
	for k := range c {
		c[k] = uint8(math.Round(float64(lo.RGBA[k]) + t*(float64(hi.RGBA[k])-float64(lo.RGBA[k]))))
	}
	return withOpacity(c, opacity)
}

func withOpacity(c [4]uint8, opacity float64) color.NRGBA {
	return color.NRGBA{R: c[0], G: c[1], B: c[2], A: uint8(math.Round(float64(c[3]) * opacity))}
}
