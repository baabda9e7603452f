// Package geotile decodes raw weather payloads and samples them.
//
// A payload is one Grid: a row-major sample raster per band covering exactly
// one geo tile, north row first, with samples at cell centers. It is stored as
// zstd-compressed msgpack.
package geotile

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb/maptile"
	"github.com/vmihailenco/msgpack/v5"
)

// Grid is the decoded content of one raw payload.
type Grid struct {
	Z      uint32                         `msgpack:"z"`
	X      uint32                         `msgpack:"x"`
	Y      uint32                         `msgpack:"y"`
	Width  int                            `msgpack:"w"`
	Height int                            `msgpack:"h"`
	Bands  map[domain.BandIndex][]float32 `msgpack:"bands"`
}

// NewGrid allocates a grid for tile t with every band filled with NaN.
func NewGrid(t maptile.Tile, width, height int, bands ...domain.BandIndex) *Grid {
	g := &Grid{Z: uint32(t.Z), X: t.X, Y: t.Y, Width: width, Height: height, Bands: make(map[domain.BandIndex][]float32, len(bands))}
	for _, b := range bands {
		v := make([]float32, width*height)
		for i := range v {
			v[i] = float32(math.NaN())
		}
		g.Bands[b] = v
	}
	return g
}

// Tile returns the geo tile the grid covers.
func (g *Grid) Tile() maptile.Tile {
	return maptile.New(g.X, g.Y, maptile.Zoom(g.Z))
}

// Set stores v at column i, row j of band b.
func (g *Grid) Set(b domain.BandIndex, i, j int, v float32) {
	g.Bands[b][j*g.Width+i] = v
}

// At returns the raw sample at column i, row j of band b.
func (g *Grid) At(b domain.BandIndex, i, j int) float32 {
	return g.Bands[b][j*g.Width+i]
}

// HasBand reports whether the grid carries samples for b.
func (g *Grid) HasBand(b domain.BandIndex) bool {
	_, ok := g.Bands[b]
	return ok
}

// Validate checks dimensions and that the grid covers a geo tile.
func (g *Grid) Validate() error {
	if g.Z != uint32(domain.GeoTileZoom()) {
		return fmt.Errorf("grid zoom %d, want %d", g.Z, domain.GeoTileZoom())
	}
	if g.X >= 1<<g.Z || g.Y >= 1<<g.Z {
		return fmt.Errorf("grid tile %d/%d out of range", g.X, g.Y)
	}
	if g.Width < 2 || g.Height < 2 {
		return fmt.Errorf("grid size %dx%d too small", g.Width, g.Height)
	}
	if len(g.Bands) == 0 {
		return errors.New("grid has no bands")
	}
	for b, v := range g.Bands {
		if len(v) != g.Width*g.Height {
			return fmt.Errorf("band %s has %d samples, want %d", b, len(v), g.Width*g.Height)
		}
	}
	return nil
}

// Encode writes g as zstd-compressed msgpack.
func Encode(w io.Writer, g *Grid) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	if err := msgpack.NewEncoder(zw).Encode(g); err != nil {
		return fmt.Errorf("encode grid: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}

// Decode reads and validates a grid written by Encode.
func Decode(r io.Reader) (*Grid, error) {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	var g Grid
	if err := msgpack.NewDecoder(zr).Decode(&g); err != nil {
		return nil, fmt.Errorf("decode grid: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid grid: %w", err)
	}
	return &g, nil
}
