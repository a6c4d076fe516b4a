// Package pdfgrid implements the probability-density grid location engine
// (C6): a brute-force maximum-likelihood solver over a rectangular grid
// covering the anchor bounding box.
package pdfgrid

import (
	"math"

	"github.com/lat-frontend/latd/internal/geo"
)

// Grid partitions a rectangular region into square cells of a given size.
type Grid struct {
	MinX, MaxX, MinY, MaxY float64
	Size                   float64
	NX, NY                 int
}

// NewGrid builds a Grid covering [minX,maxX] x [minY,maxY] with square cells
// of the given size, rounding the cell counts up so the grid fully covers
// the requested bounds.
func NewGrid(minX, maxX, minY, maxY, size float64) Grid {
	rangeX := maxX - minX
	rangeY := maxY - minY
	return Grid{
		MinX: minX, MaxX: maxX, MinY: minY, MaxY: maxY, Size: size,
		NX: int(math.Ceil(rangeX / size)),
		NY: int(math.Ceil(rangeY / size)),
	}
}

// IndexToCoordinate returns the centre of cell (ix, iy).
func (g Grid) IndexToCoordinate(ix, iy int) geo.Point {
	return geo.Point{
		X: g.MinX + (float64(ix)+0.5)*g.Size,
		Y: g.MinY + (float64(iy)+0.5)*g.Size,
	}
}

// Divmod maps a flat row-major index back to (ix, iy), matching the
// row-major cell enumeration used by CellIndices.
func (g Grid) Divmod(i int) (ix, iy int) {
	return i / g.NY, i % g.NY
}

// CellIndices enumerates every cell in row-major order (ix slowest-varying),
// so that flat index i corresponds to Divmod(i).
func (g Grid) CellIndices() [][2]int {
	out := make([][2]int, 0, g.NX*g.NY)
	for ix := 0; ix < g.NX; ix++ {
		for iy := 0; iy < g.NY; iy++ {
			out = append(out, [2]int{ix, iy})
		}
	}
	return out
}

// NumCells is NX*NY.
func (g Grid) NumCells() int { return g.NX * g.NY }
