// Package locmod implements the Locmod composition (C9): it ties one
// Distance Filter, one Location Engine variant, and one Position Filter
// into a single object sharing a common contract, regardless of which
// engine algorithm is configured.
package locmod

import (
	"fmt"

	"github.com/lat-frontend/latd/internal/distfilter"
	"github.com/lat-frontend/latd/internal/engine/fingerprintmatch"
	"github.com/lat-frontend/latd/internal/engine/pdfgrid"
	"github.com/lat-frontend/latd/internal/geo"
	"github.com/lat-frontend/latd/internal/posfilter"
)

// Engine is the contract shared by all three location-engine variants, as
// addressed by Locmod: given the current per-anchor distances for one tag,
// return that tag's estimated position, or ok=false if the engine could not
// produce one (fingerprint engine with no matches, particle filter with no
// surviving particles).
//
// The PDF-grid and fingerprint-match engines are stateless with respect to
// tag identity; only the particle filter's per-tag sample clouds need it.
// tagID is threaded through uniformly so Locmod can treat all three the
// same way.
type Engine interface {
	Coordinates(tagID uint32, distances map[uint32]float64) (geo.Point, bool)
}

// WrapPDFGrid adapts a PDF-grid engine (which has no notion of tag
// identity) to the Engine contract.
func WrapPDFGrid(e *pdfgrid.Engine) Engine { return pdfGridAdapter{e} }

type pdfGridAdapter struct{ e *pdfgrid.Engine }

func (a pdfGridAdapter) Coordinates(_ uint32, distances map[uint32]float64) (geo.Point, bool) {
	pt, err := a.e.Coordinates(distances)
	if err != nil {
		return geo.Point{}, false
	}
	return pt, true
}

// WrapFingerprintMatch adapts a fingerprint-match engine to the Engine
// contract.
func WrapFingerprintMatch(e *fingerprintmatch.Engine) Engine { return fingerprintAdapter{e} }

type fingerprintAdapter struct{ e *fingerprintmatch.Engine }

func (a fingerprintAdapter) Coordinates(_ uint32, distances map[uint32]float64) (geo.Point, bool) {
	r := a.e.Coordinates(distances)
	return r.Point, r.Ok
}

// Locmod owns one Distance Filter, one Engine, and one Position Filter.
// Not safe for concurrent use; the event loop is the sole caller.
type Locmod struct {
	anchors    map[uint32]geo.Point
	distFilter *distfilter.Filter
	engine     Engine
	posFilter  *posfilter.Filter
	knownTags  map[uint32]struct{}
}

// New returns a Locmod wired to df, engine, and pf, scoped to the given
// known anchors.
func New(anchors map[uint32]geo.Point, df *distfilter.Filter, engine Engine, pf *posfilter.Filter) *Locmod {
	return &Locmod{
		anchors:    anchors,
		distFilter: df,
		engine:     engine,
		posFilter:  pf,
		knownTags:  make(map[uint32]struct{}),
	}
}

// AddReading records a reading from a known anchor into the distance filter
// and registers tagID as known. Readings from unknown anchors are rejected
// so the caller can warn and drop them, per the error-handling design.
func (l *Locmod) AddReading(anchorID, tagID uint32, distance float64) error {
	if _, ok := l.anchors[anchorID]; !ok {
		return fmt.Errorf("locmod: unknown anchor %d", anchorID)
	}
	l.distFilter.AddReading(anchorID, tagID, distance)
	l.knownTags[tagID] = struct{}{}
	return nil
}

// UpdateLocations runs one update cycle for each of tags (every known tag
// if tags is empty): fetches each tag's current per-anchor distances, calls
// the engine, pushes the result into the position filter, then returns
// whatever the position filter is willing to emit right now.
func (l *Locmod) UpdateLocations(tags []uint32) map[uint32]geo.Point {
	if len(tags) == 0 {
		tags = l.allKnownTags()
	}

	updates := make(map[uint32]geo.Point)
	for _, tag := range tags {
		distances := l.distFilter.Distances(tag)
		if len(distances) == 0 {
			continue
		}
		pt, ok := l.engine.Coordinates(tag, distances)
		if !ok {
			continue
		}
		updates[tag] = pt
	}

	l.posFilter.AddUpdates(updates)
	return l.posFilter.Locations(tags)
}

func (l *Locmod) allKnownTags() []uint32 {
	tags := make([]uint32, 0, len(l.knownTags))
	for t := range l.knownTags {
		tags = append(tags, t)
	}
	return tags
}
