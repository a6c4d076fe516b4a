// Package batch implements the Batch Assembler (C3): it groups an ordered
// stream of per-(tag,anchor) readings into completed measurement rounds,
// and implements the burst back-pressure trim described in spec §4.2.
package batch

import "github.com/lat-frontend/latd/internal/reading"

// Round is one completed measurement round for a single tag: the
// accumulated anchor_id -> distance map plus the timestamp of the last
// reading that completed it.
type Round struct {
	TagID     uint32
	Distances map[uint32]float64
	Timestamp float64
}

// TagOrder selects which tag_id direction the burst-boundary scan (TrimBurst)
// treats as "moving deeper into the same round". Spec §9 flags this as an
// open question left to the implementer; both directions are supported and
// tested, selected by configuration rather than hard-coded.
type TagOrder int

const (
	// TagDescending assumes readings arrive with tag_id descending within a
	// round (the default assumed by the top-level loop comment in the
	// original source).
	TagDescending TagOrder = iota
	TagAscending
)

// Assembler groups a stream of readings arriving in (tag, anchor) round
// order into completed rounds. It is not safe for concurrent use; the
// event loop is the sole writer (spec §5).
type Assembler struct {
	pending      map[uint32]map[uint32]float64
	lastAnchorID map[uint32]uint32
	haveLast     map[uint32]bool
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		pending:      make(map[uint32]map[uint32]float64),
		lastAnchorID: make(map[uint32]uint32),
		haveLast:     make(map[uint32]bool),
	}
}

// Add ingests one reading. It returns the previously-pending round for this
// tag if the reading starts a new round (the boundary rule in spec §4.2:
// a new round begins when a reading's anchor_id is not greater than the
// last recorded anchor_id for that tag), or ok=false if the reading was
// merged into the round still being accumulated.
func (a *Assembler) Add(r reading.Reading) (completed Round, ok bool) {
	tag := r.TagID

	if a.haveLast[tag] && r.AnchorID <= a.lastAnchorID[tag] {
		completed = Round{TagID: tag, Distances: a.pending[tag]}
		ok = true
		a.pending[tag] = make(map[uint32]float64)
	} else if a.pending[tag] == nil {
		a.pending[tag] = make(map[uint32]float64)
	}

	a.pending[tag][r.AnchorID] = r.Distance
	a.lastAnchorID[tag] = r.AnchorID
	a.haveLast[tag] = true

	if ok {
		completed.Timestamp = r.Timestamp
	}
	return completed, ok
}

// Pending returns a snapshot of the round currently being accumulated for
// tag, or false if nothing has arrived for it yet.
func (a *Assembler) Pending(tag uint32) (map[uint32]float64, bool) {
	d, ok := a.pending[tag]
	if !ok {
		return nil, false
	}
	cp := make(map[uint32]float64, len(d))
	for k, v := range d {
		cp[k] = v
	}
	return cp, true
}

// TrimBurst implements the back-pressure policy (spec §4.2): given a buffer
// of readings that may span more than one round per tag, it scans from the
// end and keeps the longest suffix where, in scan order, tag_ids are
// non-decreasing for TagDescending (descending in arrival order) and
// non-increasing for TagAscending and, within one tag, anchor_ids are
// non-increasing. The first violation marks the boundary;
// everything before it is dropped. Returns the kept suffix and how many
// readings were dropped, so the caller can log "dropped N readings".
func TrimBurst(buf []reading.Reading, order TagOrder) (kept []reading.Reading, dropped int) {
	if len(buf) == 0 {
		return buf, 0
	}

	boundary := 0
	lastTag := buf[len(buf)-1].TagID
	lastAnchor := buf[len(buf)-1].AnchorID

	for i := len(buf) - 2; i >= 0; i-- {
		r := buf[i]
		tagOK := tagStepOK(r.TagID, lastTag, order)
		if !tagOK {
			boundary = i + 1
			break
		}
		if r.TagID == lastTag && r.AnchorID > lastAnchor {
			boundary = i + 1
			break
		}
		lastTag = r.TagID
		lastAnchor = r.AnchorID
		boundary = i
	}

	return buf[boundary:], boundary
}

func tagStepOK(cur, last uint32, order TagOrder) bool {
	if order == TagAscending {
		return cur <= last
	}
	return cur >= last
}
