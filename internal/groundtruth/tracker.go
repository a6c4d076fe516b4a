// Package groundtruth implements the Ground-Truth Event Tracker (C12): it
// converts a stream of (tag, reference point, action) events from the
// operator into ground-truth intervals in the experiment store.
//
// The tracker owns only store ids, never store rows, to avoid a cyclic
// dependency with the store (spec §9).
package groundtruth

import (
	"fmt"

	"github.com/lat-frontend/latd/internal/geo"
)

// Action is the operator's reported tag/reference relationship.
type Action int

const (
	Arrived Action = iota
	Passed
	Heading
	Abandoned
)

// ReferencePoint names a configured reference location.
type ReferencePoint struct {
	Name  string
	Point geo.Point
}

// Store is the subset of the experiment store the tracker drives.
type Store interface {
	// StartGroundTruth opens a new ground-truth interval for tagID at
	// startPoint, labeled label, and returns its id.
	StartGroundTruth(tagID uint32, label string, startPoint geo.Point) (id uint32, err error)
	// EndGroundTruth closes interval id. A nil endPoint/label leaves the
	// interval static (start-only); otherwise it becomes dynamic with the
	// given end point and label.
	EndGroundTruth(id uint32, endPoint *geo.Point, label *string) error
	// CancelGroundTruth deletes interval id and nulls its id on any
	// referencing reading or estimate.
	CancelGroundTruth(id uint32) error
}

type pending struct {
	id        uint32
	action    Action
	reference string
}

// Tracker holds at most one pending partial interval per tag.
type Tracker struct {
	store   Store
	pending map[uint32]pending
}

// New returns a Tracker driving store.
func New(store Store) *Tracker {
	return &Tracker{store: store, pending: make(map[uint32]pending)}
}

// Event applies one operator event for tagID, per the transition rules in
// spec §4.8.
func (t *Tracker) Event(tagID uint32, ref ReferencePoint, action Action) error {
	if p, has := t.pending[tagID]; has {
		if err := t.resolve(p, ref, action); err != nil {
			return err
		}
		delete(t.pending, tagID)
	}

	if action == Abandoned {
		return nil
	}

	id, err := t.store.StartGroundTruth(tagID, ref.Name, ref.Point)
	if err != nil {
		return fmt.Errorf("groundtruth: start for tag %d: %w", tagID, err)
	}
	t.pending[tagID] = pending{id: id, action: action, reference: ref.Name}
	return nil
}

func (t *Tracker) resolve(p pending, ref ReferencePoint, action Action) error {
	switch {
	case p.action == Arrived && (action == Abandoned || action == Heading) && ref.Name == p.reference:
		return t.store.EndGroundTruth(p.id, nil, nil)

	case (p.action == Heading || p.action == Passed) && (action == Passed || action == Arrived) && ref.Name != p.reference:
		label := p.reference + ">" + ref.Name
		point := ref.Point
		return t.store.EndGroundTruth(p.id, &point, &label)

	default:
		return t.store.CancelGroundTruth(p.id)
	}
}
