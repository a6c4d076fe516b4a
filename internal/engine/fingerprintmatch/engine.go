// Package fingerprintmatch implements the nearest-neighbor fingerprint
// location engine (C7): looks up canonical observations whose historical
// samples are compatible with the current distance vector and returns their
// centroid.
package fingerprintmatch

import (
	"github.com/lat-frontend/latd/internal/fingerprint"
	"github.com/lat-frontend/latd/internal/geo"
)

// DefaultErrorBound is the default match tolerance in metres.
const DefaultErrorBound = 1.0

// Result is the outcome of Coordinates. Ok is false when no canonical
// observation matched the given distances — distinguishing "no estimate"
// from the legitimate coordinate (0, 0), per the corrected engine contract.
type Result struct {
	Point geo.Point
	Ok    bool
}

// Engine is the fingerprint-match location engine (C7).
type Engine struct {
	db         *fingerprint.Database
	errorBound float64
}

// New returns an Engine backed by db, matching samples within errorBound
// metres (DefaultErrorBound if zero).
func New(db *fingerprint.Database, errorBound float64) *Engine {
	if errorBound == 0 {
		errorBound = DefaultErrorBound
	}
	return &Engine{db: db, errorBound: errorBound}
}

// Coordinates returns the centroid of the canonical observations whose
// historical samples best match distances, or Ok=false if none matched.
func (e *Engine) Coordinates(distances map[uint32]float64) Result {
	matches := e.db.BestMatches(distances, e.errorBound)
	if len(matches) == 0 {
		return Result{}
	}

	var sumX, sumY float64
	n := 0
	for _, obsID := range matches {
		p, ok := e.db.Location(obsID)
		if !ok {
			continue
		}
		sumX += p.X
		sumY += p.Y
		n++
	}
	if n == 0 {
		return Result{}
	}

	return Result{Point: geo.Point{X: sumX / float64(n), Y: sumY / float64(n)}, Ok: true}
}
