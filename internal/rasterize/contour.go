package rasterize

import (
	"math"

	"github.com/couchcryptid/weather-tile-service/internal/domain"
)

// nodeGrid holds samples at regularly spaced nodes; NaN means no data.
type nodeGrid struct {
	w, h int
	v    []float64
	// toPoint maps fractional node coordinates to the 31-bit plane.
	toPoint func(x, y float64) domain.Point31
}

func (n *nodeGrid) at(i, j int) float64 {
	return n.v[j*n.w+i]
}

// edgeID identifies a grid edge: horizontal edges join (i,j)-(i+1,j),
// vertical edges join (i,j)-(i,j+1).
type edgeID struct {
	i, j       int
	horizontal bool
}

type segment struct {
	a, b edgeID
}

// Cell corners: a top-left, b top-right, c bottom-right, d bottom-left.
// Edges: top a-b, right b-c, bottom d-c, left a-d.
const (
	edgeTop = iota
	edgeRight
	edgeBottom
	edgeLeft
)

// caseSegments lists the edge pairs crossed for each corner mask
// (a=8, b=4, c=2, d=1). Saddles 5 and 10 are resolved separately.
var caseSegments = [16][][2]int{
	1:  {{edgeLeft, edgeBottom}},
	2:  {{edgeBottom, edgeRight}},
	3:  {{edgeLeft, edgeRight}},
	4:  {{edgeTop, edgeRight}},
	6:  {{edgeTop, edgeBottom}},
	7:  {{edgeTop, edgeLeft}},
	8:  {{edgeTop, edgeLeft}},
	9:  {{edgeTop, edgeBottom}},
	11: {{edgeTop, edgeRight}},
	12: {{edgeLeft, edgeRight}},
	13: {{edgeBottom, edgeRight}},
	14: {{edgeLeft, edgeBottom}},
}

func cellEdge(i, j, e int) edgeID {
	switch e {
	case edgeTop:
		return edgeID{i: i, j: j, horizontal: true}
	case edgeRight:
		return edgeID{i: i + 1, j: j}
	case edgeBottom:
		return edgeID{i: i, j: j + 1, horizontal: true}
	default:
		return edgeID{i: i, j: j}
	}
}

// isolines extracts the polylines of n at level using marching squares.
// Output order depends only on the input.
func isolines(n *nodeGrid, level float64) []domain.ContourLine {
	var segs []segment
	for j := 0; j < n.h-1; j++ {
		for i := 0; i < n.w-1; i++ {
			a, b, c, d := n.at(i, j), n.at(i+1, j), n.at(i+1, j+1), n.at(i, j+1)
			if math.IsNaN(a) || math.IsNaN(b) || math.IsNaN(c) || math.IsNaN(d) {
				continue
			}
			mask := bit(a >= level, 8) | bit(b >= level, 4) | bit(c >= level, 2) | bit(d >= level, 1)

			pairs := caseSegments[mask]
			switch mask {
			case 5:
				if (a+b+c+d)/4 >= level {
					pairs = [][2]int{{edgeTop, edgeLeft}, {edgeBottom, edgeRight}}
				} else {
					pairs = [][2]int{{edgeTop, edgeRight}, {edgeLeft, edgeBottom}}
				}
			case 10:
				if (a+b+c+d)/4 >= level {
					pairs = [][2]int{{edgeTop, edgeRight}, {edgeLeft, edgeBottom}}
				} else {
					pairs = [][2]int{{edgeTop, edgeLeft}, {edgeBottom, edgeRight}}
				}
			}
			for _, p := range pairs {
				segs = append(segs, segment{a: cellEdge(i, j, p[0]), b: cellEdge(i, j, p[1])})
			}
		}
	}
	return chain(n, level, segs)
}

func bit(ok bool, v int) int {
	if ok {
		return v
	}
	return 0
}

// chain joins segments sharing an edge into polylines.
func chain(n *nodeGrid, level float64, segs []segment) []domain.ContourLine {
	byEdge := make(map[edgeID][]int, len(segs)*2)
	for k, s := range segs {
		byEdge[s.a] = append(byEdge[s.a], k)
		byEdge[s.b] = append(byEdge[s.b], k)
	}

	used := make([]bool, len(segs))
	// next returns the unused segment continuing from edge e, or -1.
	next := func(e edgeID) int {
		for _, k := range byEdge[e] {
			if !used[k] {
				return k
			}
		}
		return -1
	}
	// walk follows segments from edge e, returning the visited edges.
	walk := func(e edgeID) []edgeID {
		var path []edgeID
		for k := next(e); k >= 0; k = next(e) {
			used[k] = true
			if segs[k].a == e {
				e = segs[k].b
			} else {
				e = segs[k].a
			}
			path = append(path, e)
		}
		return path
	}

	var lines []domain.ContourLine
	for k, s := range segs {
		if used[k] {
			continue
		}
		used[k] = true
		forward := walk(s.b)
		var backward []edgeID
		if len(forward) == 0 || forward[len(forward)-1] != s.a {
			backward = walk(s.a)
		}

		edges := make([]edgeID, 0, len(backward)+len(forward)+2)
		for i := len(backward) - 1; i >= 0; i-- {
			edges = append(edges, backward[i])
		}
		edges = append(edges, s.a, s.b)
		edges = append(edges, forward...)

		line := make(domain.ContourLine, len(edges))
		for i, e := range edges {
			line[i] = crossing(n, level, e)
		}
		lines = append(lines, line)
	}
	return lines
}

// crossing interpolates where level crosses edge e.
func crossing(n *nodeGrid, level float64, e edgeID) domain.Point31 {
	i2, j2 := e.i, e.j+1
	if e.horizontal {
		i2, j2 = e.i+1, e.j
	}
	v1, v2 := n.at(e.i, e.j), n.at(i2, j2)
	t := 0.5
	if v2 != v1 {
		t = (level - v1) / (v2 - v1)
	}
	x := float64(e.i) + t*float64(i2-e.i)
	y := float64(e.j) + t*float64(j2-e.j)
	return n.toPoint(x, y)
}
