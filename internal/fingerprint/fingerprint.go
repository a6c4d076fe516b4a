// Package fingerprint implements the canonical observation database (§3)
// backing the Fingerprint-Match location engine (C7): a grid of known
// locations, each carrying a bag of historically observed distance samples
// per anchor.
package fingerprint

import (
	"sort"

	"github.com/lat-frontend/latd/internal/geo"
)

// Database holds canonical observations laid out on a rectangular grid plus
// their per-anchor distance sample bags. Not safe for concurrent use.
type Database struct {
	gridSize  float64
	locations map[uint32]geo.Point
	samples   map[uint32]map[uint32][]float64 // observation_id -> anchor_id -> samples
	nextObsID uint32
}

// NewDatabase returns an empty Database with the given canonical grid
// spacing (§3, "Canonical Observation").
func NewDatabase(gridSize float64) *Database {
	return &Database{
		gridSize:  gridSize,
		locations: make(map[uint32]geo.Point),
		samples:   make(map[uint32]map[uint32][]float64),
	}
}

// GridSize returns the canonical spacing between observations.
func (db *Database) GridSize() float64 { return db.gridSize }

// AddObservation registers a canonical observation at pt, returning its id.
func (db *Database) AddObservation(pt geo.Point) uint32 {
	db.nextObsID++
	id := db.nextObsID
	db.locations[id] = pt
	return id
}

// PopulateGrid lays out canonical observations on a regular grid covering
// [minX,maxX] x [minY,maxY] with the database's grid spacing, matching the
// offline population step used to build a fingerprint file.
func (db *Database) PopulateGrid(minX, maxX, minY, maxY float64) {
	nx := int((maxX - minX) / db.gridSize)
	ny := int((maxY - minY) / db.gridSize)
	for i := 0; i < nx; i++ {
		x := minX + float64(i)*db.gridSize
		for j := 0; j < ny; j++ {
			y := minY + float64(j)*db.gridSize
			db.AddObservation(geo.Point{X: x, Y: y})
		}
	}
}

// AddSample records one historically observed distance from anchorID to
// observationID.
func (db *Database) AddSample(observationID, anchorID uint32, distance float64) {
	if db.samples[observationID] == nil {
		db.samples[observationID] = make(map[uint32][]float64)
	}
	db.samples[observationID][anchorID] = append(db.samples[observationID][anchorID], distance)
}

// Location returns the (x, y) of a canonical observation.
func (db *Database) Location(observationID uint32) (geo.Point, bool) {
	p, ok := db.locations[observationID]
	return p, ok
}

// ObservationIDs returns every canonical observation id.
func (db *Database) ObservationIDs() []uint32 {
	ids := make([]uint32, 0, len(db.locations))
	for id := range db.locations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Nearby returns the canonical observations within radius of (x, y), matching
// the offline build tool's grid-cell lookup: a ground-truth position maps to
// exactly one nearby observation except at a grid boundary, where it may map
// to several equidistant ones.
func (db *Database) Nearby(x, y, radius float64) []uint32 {
	var ids []uint32
	for id, pt := range db.locations {
		dx, dy := pt.X-x, pt.Y-y
		if dx*dx+dy*dy <= radius*radius {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Trim removes redundant samples from every (observation, anchor) bag: after
// trimming, a bag is ascending and no two consecutive samples are closer
// than maxGap (invariant I5). Default maxGap is 0.10 m, matching the offline
// tool's default.
func (db *Database) Trim(maxGap float64) {
	for _, byAnchor := range db.samples {
		for anchorID, bag := range byAnchor {
			sort.Float64s(bag)
			kept := bag[:0:0]
			last := -1.0
			for _, d := range bag {
				if d-last < maxGap {
					continue
				}
				kept = append(kept, d)
				last = d
			}
			byAnchor[anchorID] = kept
		}
	}
}

// ObservationsMatching returns every observation id carrying at least one
// sample for anchorID within [distance-errorBound, distance+errorBound].
func (db *Database) ObservationsMatching(anchorID uint32, distance, errorBound float64) []uint32 {
	lo, hi := distance-errorBound, distance+errorBound
	var matches []uint32
	for obsID, byAnchor := range db.samples {
		for _, d := range byAnchor[anchorID] {
			if d >= lo && d <= hi {
				matches = append(matches, obsID)
				break
			}
		}
	}
	return matches
}

// BestMatches tallies, for every anchor in distances, which observations own
// a matching sample (ObservationsMatching), then returns the observation ids
// with the maximum tally. Returns nil if nothing matched at all.
func (db *Database) BestMatches(distances map[uint32]float64, errorBound float64) []uint32 {
	tally := make(map[uint32]int)
	for anchorID, d := range distances {
		for _, obsID := range db.ObservationsMatching(anchorID, d, errorBound) {
			tally[obsID]++
		}
	}

	best := 0
	var result []uint32
	for obsID, score := range tally {
		switch {
		case score > best:
			best = score
			result = []uint32{obsID}
		case score == best:
			result = append(result, obsID)
		}
	}
	return result
}
