package rasterize

import (
	"image"
	"slices"

	"github.com/couchcryptid/weather-tile-service/internal/domain"
	"github.com/paulmach/orb/maptile"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Part is a rendered layer tile used to build a tile at another zoom.
type Part struct {
	Tile     maptile.Tile
	Image    *image.RGBA
	Contours map[domain.BandIndex][]domain.GeoContour
}

// Upsample crops the region of dst out of its ancestor src and scales it to
// size pixels.
func Upsample(src *image.RGBA, srcTile, dst maptile.Tile, size int) *image.RGBA {
	d := uint32(dst.Z - srcTile.Z)
	k := float64(uint32(1) << d)
	srcSize := float64(src.Bounds().Dx())

	ox := float64(dst.X-srcTile.X<<d) * srcSize / k
	oy := float64(dst.Y-srcTile.Y<<d) * srcSize / k
	s := float64(size) * k / srcSize

	out := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.BiLinear.Transform(out, f64.Aff3{s, 0, -ox * s, 0, s, -oy * s}, src, src.Bounds(), xdraw.Src, nil)
	return out
}

// Downsample assembles descendant parts of dst into one size-pixel image.
// Missing descendants leave transparent holes.
func Downsample(parts []Part, dst maptile.Tile, size int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, size, size))
	if len(parts) == 0 {
		return out
	}

	childZoom := parts[0].Tile.Z
	d := uint32(childZoom - dst.Z)
	k := 1 << d
	childSize := parts[0].Image.Bounds().Dx()

	canvas := image.NewRGBA(image.Rect(0, 0, k*childSize, k*childSize))
	for _, p := range parts {
		if p.Image == nil {
			continue
		}
		cx := int(p.Tile.X-dst.X<<d) * childSize
		cy := int(p.Tile.Y-dst.Y<<d) * childSize
		xdraw.Draw(canvas, image.Rect(cx, cy, cx+childSize, cy+childSize), p.Image, image.Point{}, xdraw.Src)
	}

	xdraw.CatmullRom.Scale(out, out.Bounds(), canvas, canvas.Bounds(), xdraw.Src, nil)
	return out
}

// ClipContours keeps the lines whose bounding box intersects tile. Every
// level group is preserved, possibly empty.
func ClipContours(contours map[domain.BandIndex][]domain.GeoContour, tile maptile.Tile) map[domain.BandIndex][]domain.GeoContour {
	x0, y0, size := domain.TileOrigin31(tile)
	x1, y1 := x0+size, y0+size

	out := make(map[domain.BandIndex][]domain.GeoContour, len(contours))
	for b, groups := range contours {
		clipped := make([]domain.GeoContour, len(groups))
		for k, g := range groups {
			clipped[k] = domain.GeoContour{Level: g.Level}
			for _, line := range g.Lines {
				minX, minY, maxX, maxY := lineBounds(line)
				if maxX < x0 || minX >= x1 || maxY < y0 || minY >= y1 {
					continue
				}
				clipped[k].Lines = append(clipped[k].Lines, line)
			}
		}
		out[b] = clipped
	}
	return out
}

// MergeContours concatenates the level groups of parts, in part order.
func MergeContours(parts []Part) map[domain.BandIndex][]domain.GeoContour {
	byLevel := make(map[domain.BandIndex]map[float64][]domain.ContourLine)
	for _, p := range parts {
		for b, groups := range p.Contours {
			if byLevel[b] == nil {
				byLevel[b] = make(map[float64][]domain.ContourLine)
			}
			for _, g := range groups {
				byLevel[b][g.Level] = append(byLevel[b][g.Level], g.Lines...)
			}
		}
	}

	out := make(map[domain.BandIndex][]domain.GeoContour, len(byLevel))
	for b, levels := range byLevel {
		keys := make([]float64, 0, len(levels))
		for l := range levels {
			keys = append(keys, l)
		}
		slices.Sort(keys)
		groups := make([]domain.GeoContour, len(keys))
		for k, l := range keys {
			groups[k] = domain.GeoContour{Level: l, Lines: levels[l]}
		}
		out[b] = groups
	}
	return out
}

func lineBounds(line domain.ContourLine) (minX, minY, maxX, maxY int64) {
	if len(line) == 0 {
		return 0, 0, -1, -1
	}
	minX, minY = int64(line[0].X), int64(line[0].Y)
	maxX, maxY = minX, minY
	for _, p := range line[1:] {
		minX, maxX = min(minX, int64(p.X)), max(maxX, int64(p.X))
		minY, maxY = min(minY, int64(p.Y)), max(maxY, int64(p.Y))
	}
	return minX, minY, maxX, maxY
}
