// Package distfilter implements the Distance Filter (C4): a bounded history
// of recent readings per (anchor, tag) pair, reduced to one distance per
// anchor according to a configured mode.
package distfilter

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Mode selects how distances(t) reduces a slot's history to one value.
type Mode int

const (
	// MostRecent returns the newest reading's distance.
	MostRecent Mode = iota
	// MedianFilter returns the median of readings no older than MaxAge.
	MedianFilter
	// Null behaves like MostRecent but clears the slot once read, so a
	// stale reading is never returned twice.
	Null
)

const historyCap = 10

// MaxAge is the default window (seconds) used by MedianFilter to decide
// which history entries are fresh enough to contribute to the median.
const MaxAge = 2.0

type entry struct {
	distance  float64
	timestamp float64
}

type slotKey struct {
	anchorID uint32
	tagID    uint32
}

// Clock is the minimal time source the filter needs to stamp readings.
type Clock interface {
	Now() float64
}

// Filter maintains the per-(anchor,tag) bounded history and reduces it to
// one distance per anchor on request. Not safe for concurrent use.
type Filter struct {
	mode    Mode
	clock   Clock
	history map[slotKey][]entry
}

// New returns a Filter in the given mode.
func New(mode Mode, clock Clock) *Filter {
	return &Filter{
		mode:    mode,
		clock:   clock,
		history: make(map[slotKey][]entry),
	}
}

// AddReading prepends a new reading for (anchor, tag) and trims the slot's
// history to historyCap entries, most recent first.
func (f *Filter) AddReading(anchorID, tagID uint32, distance float64) {
	key := slotKey{anchorID, tagID}
	e := entry{distance: distance, timestamp: f.clock.Now()}
	hist := append([]entry{e}, f.history[key]...)
	if len(hist) > historyCap {
		hist = hist[:historyCap]
	}
	f.history[key] = hist
}

// Distances computes anchor_id -> distance for the given tag. Anchors with
// no usable reading are simply absent from the result — callers only ever
// see anchors currently observed.
func (f *Filter) Distances(tagID uint32) map[uint32]float64 {
	out := make(map[uint32]float64)
	now := f.clock.Now()

	for key, hist := range f.history {
		if key.tagID != tagID || len(hist) == 0 {
			continue
		}

		switch f.mode {
		case MostRecent:
			out[key.anchorID] = hist[0].distance

		case Null:
			out[key.anchorID] = hist[0].distance
			f.history[key] = nil

		case MedianFilter:
			var fresh []float64
			for _, e := range hist {
				if now-e.timestamp <= MaxAge {
					fresh = append(fresh, e.distance)
				}
			}
			if len(fresh) == 0 {
				continue
			}
			sort.Float64s(fresh)
			out[key.anchorID] = stat.Quantile(0.5, stat.Empirical, fresh, nil)
		}
	}

	return out
}
