// Command genpayload writes synthetic geo tile payloads for a region. The
// output is either a cache directory the service can open directly or a plain
// directory laid out by a path template, suitable for serving over HTTP as a
// fetch source.
//
// Usage:
//
//	go run ./cmd/genpayload \
//	  -region 60,-10,35,30 \
//	  -time 2026-03-14T12:00:00Z \
//	  -out data/cache \
//	  -layout cache
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/weather-tile-service/internal/adapter/fetch"
	"github.com/couchcryptid/weather-tile-service/internal/cache"
	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/couchcryptid/weather-tile-service/internal/geotile"
	"github.com/couchcryptid/weather-tile-service/internal/observability"
	"github.com/paulmach/orb/maptile"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	region := flag.String("region", "", "bounding box as north,west,south,east in degrees")
	at := flag.String("time", "", "observation time in RFC3339 (default: current hour)")
	out := flag.String("out", "", "output directory")
	layout := flag.String("layout", "cache", "output layout: cache or plain")
	tmpl := flag.String("template", "{time}/{z}_{x}_{y}.wtile", "path template for the plain layout")
	size := flag.Int("size", 64, "grid width and height in cells")
	resolution := flag.Duration("resolution", time.Hour, "cache time resolution")
	flag.Parse()

	if *region == "" || *out == "" {
		flag.Usage()
		return fmt.Errorf("missing required flags: -region, -out")
	}
	if *size < 2 {
		return fmt.Errorf("grid size must be at least 2, got %d", *size)
	}

	topLeft, bottomRight, err := parseRegion(*region)
	if err != nil {
		return err
	}

	observed := time.Now().UTC().Truncate(time.Hour)
	if *at != "" {
		observed, err = time.Parse(time.RFC3339, *at)
		if err != nil {
			return fmt.Errorf("parse -time: %w", err)
		}
	}

	tiles := geotile.CoveringTiles(topLeft, bottomRight)
	if len(tiles) == 0 {
		return fmt.Errorf("region %q covers no geo tiles", *region)
	}

	var write func(tile maptile.Tile, g *geotile.Grid) error
	switch *layout {
	case "cache":
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		c, err := cache.Open(context.Background(), cache.Options{
			Root:           *out,
			TimeResolution: *resolution,
		}, logger, observability.NewMetrics())
		if err != nil {
			return err
		}
		defer c.Close()

		write = func(tile maptile.Tile, g *geotile.Grid) error {
			return c.CommitRaw(context.Background(), c.Key(observed, tile), func(w io.Writer) error {
				return geotile.Encode(w, g)
			})
		}
	case "plain":
		write = func(tile maptile.Tile, g *geotile.Grid) error {
			return writeFile(filepath.Join(*out, fetch.Expand(*tmpl, tile, observed)), g)
		}
	default:
		return fmt.Errorf("unknown layout %q (want cache or plain)", *layout)
	}

	for _, tile := range tiles {
		g := geotile.Synthesize(tile, *size, *size, observed, domain.AllBands...)
		if err := write(tile, g); err != nil {
			return fmt.Errorf("write tile %d/%d/%d: %w", tile.Z, tile.X, tile.Y, err)
		}
	}

	fmt.Printf("Wrote %d geo tiles for %s (%s layout) to %s\n",
		len(tiles), cache.TimeKey(observed, *resolution), *layout, *out)
	return nil
}

func writeFile(path string, g *geotile.Grid) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := geotile.Encode(f, g); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func parseRegion(s string) (topLeft, bottomRight domain.Point31, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return topLeft, bottomRight, fmt.Errorf("region must have 4 comma-separated values, got %d", len(parts))
	}
	var v [4]float64
	for i, p := range parts {
		v[i], err = strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return topLeft, bottomRight, fmt.Errorf("parse region value %q: %w", p, err)
		}
	}
	north, west, south, east := v[0], v[1], v[2], v[3]
	if north <= south || east <= west {
		return topLeft, bottomRight, fmt.Errorf("region %q is empty", s)
	}
	return domain.PointFromLatLon(north, west), domain.PointFromLatLon(south, east), nil
}
