// Command cachecheck verifies the integrity of a raw tile cache directory:
// index rows against payload files, payload decodability, and band coverage
// of every decoded grid.
//
// Usage:
//
//	go run ./cmd/cachecheck -dir data/cache [-repair]
//
// With -repair, index rows whose payload is missing, truncated or undecodable
// are dropped so the service downloads them again.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/couchcryptid/weather-tile-service/internal/cache"
	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/couchcryptid/weather-tile-service/internal/geotile"
)

// maxNaNRatio is the share of missing samples above which a band is
// reported as under-covered.
const maxNaNRatio = 0.5

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func main() {
	dir := flag.String("dir", "", "cache directory to check")
	repair := flag.Bool("repair", false, "drop index rows with missing or broken payloads")
	flag.Parse()

	if *dir == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(*dir, *repair); code != 0 {
		os.Exit(code)
	}
}

func run(dir string, repair bool) int {
	fmt.Println("=== Weather Tile Cache Integrity Check ===")
	fmt.Println()

	if _, err := os.Stat(filepath.Join(dir, "index.db")); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: no cache index in %s: %v\n", dir, err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := cache.OpenRawStore(context.Background(), dir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: open cache: %v\n", err)
		return 1
	}
	defer store.Close()

	entries := store.Entries()

	broken := make(map[cache.RawKey]bool)
	indexPhase := checkIndex(dir, entries, broken)
	grids, decodePhase := checkDecode(store, entries, broken)
	phases := []*phase{
		indexPhase,
		decodePhase,
		checkCoverage(grids),
	}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Printf("  %-42s %s\n", p.name, status)
	}

	fmt.Println()
	fmt.Printf("Entries: %d indexed, %d decoded\n", len(entries), len(grids))

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Printf("\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Printf("  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Println("\nAll checks passed.")
		return 0
	}
	if repair && len(broken) > 0 {
		if err := dropBroken(store, broken); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: repair: %v\n", err)
			return 1
		}
		fmt.Printf("\nDropped %d broken index rows.\n", len(broken))
	}
	fmt.Println("\nCache check FAILED.")
	return 1
}

// checkIndex compares index rows with the files under raw/.
func checkIndex(dir string, entries []cache.RawEntry, broken map[cache.RawKey]bool) *phase {
	p := &phase{name: "Phase 1: Index vs files"}

	indexed := make(map[string]bool, len(entries))
	for _, e := range entries {
		indexed[filepath.Clean(e.Path)] = true

		info, err := os.Stat(filepath.Join(dir, e.Path))
		if err != nil {
			p.errorf("%s: indexed file missing: %v", e.Key, err)
			broken[e.Key] = true
			continue
		}
		if info.Size() != e.Size {
			p.errorf("%s: size %d on disk, %d in index", e.Key, info.Size(), e.Size)
			broken[e.Key] = true
		}
	}

	root := filepath.Join(dir, "raw")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		switch {
		case strings.HasPrefix(d.Name(), ".tmp-"):
			p.errorf("%s: leftover temp file", rel)
		case !indexed[rel]:
			p.errorf("%s: file not in index", rel)
		}
		return nil
	})
	if err != nil {
		p.errorf("walk %s: %v", root, err)
	}
	return p
}

// checkDecode decodes every indexed payload and checks it covers its key.
func checkDecode(store *cache.RawStore, entries []cache.RawEntry, broken map[cache.RawKey]bool) (map[cache.RawKey]*geotile.Grid, *phase) {
	p := &phase{name: "Phase 2: Payload decodability"}
	grids := make(map[cache.RawKey]*geotile.Grid, len(entries))

	for _, e := range entries {
		if broken[e.Key] {
			continue
		}
		rc, err := store.Open(e.Key)
		if err != nil {
			p.errorf("%s: %v", e.Key, err)
			broken[e.Key] = true
			continue
		}
		g, err := geotile.Decode(rc)
		rc.Close()
		if err != nil {
			p.errorf("%s: %v", e.Key, err)
			broken[e.Key] = true
			continue
		}
		if g.Tile() != e.Key.Tile {
			p.errorf("%s: payload covers tile %d/%d/%d", e.Key, g.Z, g.X, g.Y)
			broken[e.Key] = true
			continue
		}
		grids[e.Key] = g
	}
	return grids, p
}

// checkCoverage reports missing bands and bands that are mostly NaN.
func checkCoverage(grids map[cache.RawKey]*geotile.Grid) *phase {
	p := &phase{name: "Phase 3: Band coverage"}

	for key, g := range grids {
		for _, b := range domain.AllBands {
			if !g.HasBand(b) {
				p.errorf("%s: band %s missing", key, b)
				continue
			}
			if r := nanRatio(g.Bands[b]); r > maxNaNRatio {
				p.errorf("%s: band %s is %.0f%% NaN", key, b, r*100)
			}
		}
	}
	return p
}

// dropBroken removes broken entries from the index and deletes their files.
func dropBroken(store *cache.RawStore, broken map[cache.RawKey]bool) error {
	for key := range broken {
		if err := store.Remove(context.Background(), key); err != nil {
			return fmt.Errorf("remove %s: %w", key, err)
		}
	}
	return nil
}

func nanRatio(v []float32) float64 {
	if len(v) == 0 {
		return 1
	}
	n := 0
	for _, s := range v {
		if math.IsNaN(float64(s)) {
			n++
		}
	}
	return float64(n) / float64(len(v))
}
