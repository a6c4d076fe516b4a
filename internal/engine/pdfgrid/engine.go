package pdfgrid

import (
	"fmt"
	"math"

	"github.com/lat-frontend/latd/internal/errormodel"
	"github.com/lat-frontend/latd/internal/geo"
)

// CombineMode selects how per-anchor cell probabilities are combined into
// one grid.
type CombineMode int

const (
	// Standard multiplies per-anchor probabilities (maximum-likelihood
	// under independence).
	Standard CombineMode = iota
	// Uniform adds per-anchor votes from the degenerate Uniform error
	// model, a cheap approximation used when the real error histogram is
	// unavailable.
	Uniform
)

// DefaultEdgeLength is the default grid cell size in metres.
const DefaultEdgeLength = 0.25

type cacheKey struct {
	anchorID   uint32
	roundedDst float64
}

// Engine is the PDF-grid location engine (C6): it maintains a rectangular
// grid over the anchor bounding box and, per request, combines each
// anchor's cached per-cell probability array into a maximum-likelihood
// estimate.
//
// Not safe for concurrent use; the event loop is the sole caller.
type Engine struct {
	anchors map[uint32]geo.Point
	grid    Grid
	model   errormodel.Model
	mode    CombineMode
	cache   map[cacheKey][]float64
}

// New builds an Engine over the bounding box of anchors, expanded by 1 m in
// each direction, with the given cell size (DefaultEdgeLength if zero) and
// standard (multiplicative) combination using model.
func New(anchors map[uint32]geo.Point, model errormodel.Model, edgeLength float64) *Engine {
	if edgeLength == 0 {
		edgeLength = DefaultEdgeLength
	}

	pts := make([]geo.Point, 0, len(anchors))
	for _, p := range anchors {
		pts = append(pts, p)
	}
	b := geo.BoundsOf(pts).Expand(1)

	return &Engine{
		anchors: anchors,
		grid:    NewGrid(b.MinX, b.MaxX, b.MinY, b.MaxY, edgeLength),
		model:   model,
		mode:    Standard,
		cache:   make(map[cacheKey][]float64),
	}
}

// SetStandard switches to multiplicative combination with model, clearing
// the per-anchor cache (a different model invalidates it).
func (e *Engine) SetStandard(model errormodel.Model) {
	e.model = model
	e.mode = Standard
	e.cache = make(map[cacheKey][]float64)
}

// SetUniform switches to additive combination using the degenerate Uniform
// error model, clearing the cache.
func (e *Engine) SetUniform() {
	e.model = errormodel.Uniform{}
	e.mode = Uniform
	e.cache = make(map[cacheKey][]float64)
}

func roundToOneDecimal(d float64) float64 {
	return math.Round(d*10) / 10
}

// perCellProbability returns P_a(cell) for every cell, for the given anchor
// and estimated distance, generating and caching it on first use.
func (e *Engine) perCellProbability(anchorID uint32, estimatedDistance float64) ([]float64, error) {
	rounded := roundToOneDecimal(estimatedDistance)
	key := cacheKey{anchorID: anchorID, roundedDst: rounded}
	if arr, ok := e.cache[key]; ok {
		return arr, nil
	}

	anchor, ok := e.anchors[anchorID]
	if !ok {
		return nil, fmt.Errorf("pdfgrid: unknown anchor %d", anchorID)
	}

	arr := make([]float64, e.grid.NumCells())
	for i, idx := range e.grid.CellIndices() {
		centre := e.grid.IndexToCoordinate(idx[0], idx[1])
		d := geo.Distance(centre, anchor)
		arr[i] = errormodel.DistanceProbability(e.model, d, rounded)
	}

	e.cache[key] = arr
	return arr, nil
}

// Coordinates returns the centre of the grid cell maximizing the combined
// probability across the given anchor distances, the location engine
// contract shared by all three algorithmic variants. Ties favour the
// lowest (ix, iy) pair, matching row-major cell enumeration order.
func (e *Engine) Coordinates(distances map[uint32]float64) (geo.Point, error) {
	n := e.grid.NumCells()
	var combined []float64
	if e.mode == Uniform {
		combined = make([]float64, n)
		for i := range combined {
			combined[i] = 0
		}
	} else {
		combined = make([]float64, n)
		for i := range combined {
			combined[i] = 1
		}
	}

	for anchorID, d := range distances {
		arr, err := e.perCellProbability(anchorID, d)
		if err != nil {
			return geo.Point{}, err
		}
		for i := range combined {
			if e.mode == Uniform {
				combined[i] += arr[i]
			} else {
				combined[i] *= arr[i]
			}
		}
	}

	best := 0
	for i := 1; i < n; i++ {
		if combined[i] > combined[best] {
			best = i
		}
	}

	ix, iy := e.grid.Divmod(best)
	return e.grid.IndexToCoordinate(ix, iy), nil
}
