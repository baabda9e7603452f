package domain

import (
	"fmt"
	"slices"
	"strconv"
)

// BandIndex identifies a weather variable.
type BandIndex int

const (
	BandUndefined     BandIndex = 0
	BandCloud         BandIndex = 1
	BandTemperature   BandIndex = 2
	BandPressure      BandIndex = 3
	BandWindSpeed     BandIndex = 4
	BandPrecipitation BandIndex = 5
)

// AllBands lists the known bands in compositing order.
var AllBands = []BandIndex{BandCloud, BandTemperature, BandPressure, BandWindSpeed, BandPrecipitation}

func (b BandIndex) String() string {
	switch b {
	case BandCloud:
		return "cloud"
	case BandTemperature:
		return "temperature"
	case BandPressure:
		return "pressure"
	case BandWindSpeed:
		return "wind_speed"
	case BandPrecipitation:
		return "precipitation"
	default:
		return "band_" + strconv.Itoa(int(b))
	}
}

// Valid reports whether b is one of AllBands.
func (b BandIndex) Valid() bool {
	return b >= BandCloud && b <= BandPrecipitation
}

// ColorStop anchors one color of a ramp at a band value.
type ColorStop struct {
	Value float64  `json:"value" msgpack:"value"`
	RGBA  [4]uint8 `json:"rgba" msgpack:"rgba"`
}

// GeoBandSettings configures how one band is rendered and contoured.
type GeoBandSettings struct {
	Unit          string      `json:"unit" msgpack:"unit"`
	UnitFormat    string      `json:"unit_format" msgpack:"unit_format"`
	Opacity       float64     `json:"opacity" msgpack:"opacity"`
	Visible       bool        `json:"visible" msgpack:"visible"`
	ColorRamp     []ColorStop `json:"color_ramp" msgpack:"color_ramp"`
	ContourLevels []float64   `json:"contour_levels" msgpack:"contour_levels"`
}

// Validate checks the ramp and contour levels are strictly increasing.
func (s GeoBandSettings) Validate() error {
	if s.Opacity < 0 || s.Opacity > 1 {
		return fmt.Errorf("%w: opacity %v outside [0,1]", ErrInvalidRequest, s.Opacity)
	}
	if len(s.ColorRamp) == 0 {
		return fmt.Errorf("%w: empty color ramp", ErrInvalidRequest)
	}
	for i := 1; i < len(s.ColorRamp); i++ {
		if s.ColorRamp[i].Value <= s.ColorRamp[i-1].Value {
			return fmt.Errorf("%w: color ramp not strictly increasing at %d", ErrInvalidRequest, i)
		}
	}
	for i := 1; i < len(s.ContourLevels); i++ {
		if s.ContourLevels[i] <= s.ContourLevels[i-1] {
			return fmt.Errorf("%w: contour levels not strictly increasing at %d", ErrInvalidRequest, i)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s GeoBandSettings) Clone() GeoBandSettings {
	s.ColorRamp = slices.Clone(s.ColorRamp)
	s.ContourLevels = slices.Clone(s.ContourLevels)
	return s
}

// BandSettings maps each band to its settings.
type BandSettings map[BandIndex]GeoBandSettings

// Clone returns a deep copy.
func (m BandSettings) Clone() BandSettings {
	out := make(BandSettings, len(m))
	for b, s := range m {
		out[b] = s.Clone()
	}
	return out
}

// Validate validates every entry and rejects unknown bands.
func (m BandSettings) Validate() error {
	for b, s := range m {
		if !b.Valid() {
			return fmt.Errorf("%w: unknown band %d", ErrInvalidRequest, b)
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("band %s: %w", b, err)
		}
	}
	return nil
}

// DefaultBandSettings returns the settings shipped with the service.
func DefaultBandSettings() BandSettings {
	return BandSettings{
		BandCloud: {
			Unit: "%", UnitFormat: "%d", Opacity: 0.5, Visible: true,
			ColorRamp: []ColorStop{
				{Value: 0, RGBA: [4]uint8{255, 255, 255, 0}},
				{Value: 50, RGBA: [4]uint8{220, 220, 220, 120}},
				{Value: 100, RGBA: [4]uint8{180, 180, 180, 220}},
			},
		},
		BandTemperature: {
			Unit: "°C", UnitFormat: "%d", Opacity: 0.5, Visible: true,
			ColorRamp: []ColorStop{
				{Value: -55, RGBA: [4]uint8{67, 27, 225, 255}},
				{Value: -20, RGBA: [4]uint8{0, 119, 255, 255}},
				{Value: 0, RGBA: [4]uint8{176, 233, 255, 255}},
				{Value: 10, RGBA: [4]uint8{192, 255, 134, 255}},
				{Value: 20, RGBA: [4]uint8{255, 214, 41, 255}},
				{Value: 30, RGBA: [4]uint8{255, 120, 0, 255}},
				{Value: 45, RGBA: [4]uint8{193, 0, 0, 255}},
			},
			ContourLevels: []float64{-30, -20, -10, 0, 10, 20, 30, 40},
		},
		BandPressure: {
			Unit: "hPa", UnitFormat: "%d", Opacity: 0.6, Visible: true,
			ColorRamp: []ColorStop{
				{Value: 950, RGBA: [4]uint8{0, 115, 255, 255}},
				{Value: 1013, RGBA: [4]uint8{255, 255, 255, 0}},
				{Value: 1070, RGBA: [4]uint8{255, 90, 0, 255}},
			},
			ContourLevels: []float64{980, 990, 1000, 1010, 1020, 1030, 1040},
		},
		BandWindSpeed: {
			Unit: "m/s", UnitFormat: "%d", Opacity: 0.6, Visible: true,
			ColorRamp: []ColorStop{
				{Value: 0, RGBA: [4]uint8{255, 255, 255, 0}},
				{Value: 10, RGBA: [4]uint8{115, 255, 180, 160}},
				{Value: 25, RGBA: [4]uint8{255, 200, 0, 220}},
				{Value: 40, RGBA: [4]uint8{200, 0, 120, 255}},
			},
			ContourLevels: []float64{5, 10, 15, 20, 25},
		},
		BandPrecipitation: {
			Unit: "mm", UnitFormat: "%.1f", Opacity: 0.7, Visible: true,
			ColorRamp: []ColorStop{
				{Value: 0, RGBA: [4]uint8{255, 255, 255, 0}},
				{Value: 1, RGBA: [4]uint8{120, 200, 255, 160}},
				{Value: 10, RGBA: [4]uint8{0, 80, 255, 230}},
				{Value: 50, RGBA: [4]uint8{140, 0, 200, 255}},
			},
		},
	}
}
