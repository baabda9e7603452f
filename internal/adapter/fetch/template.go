// Package fetch implements the remote payload sources used by the downloader.
package fetch

import (
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/maptile"
)

// Expand fills {time}, {date}, {hour}, {z}, {x} and {y} in tmpl.
func Expand(tmpl string, tile maptile.Tile, observed time.Time) string {
	observed = observed.UTC()
	r := strings.NewReplacer(
		"{time}", observed.Format("20060102_1504"),
		"{date}", observed.Format("20060102"),
		"{hour}", observed.Format("15"),
		"{z}", strconv.FormatUint(uint64(tile.Z), 10),
		"{x}", strconv.FormatUint(uint64(tile.X), 10),
		"{y}", strconv.FormatUint(uint64(tile.Y), 10),
	)
	return r.Replace(tmpl)
}
