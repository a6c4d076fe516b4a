package groundtruth

import (
	"testing"

	"github.com/lat-frontend/latd/internal/geo"
)

type endCall struct {
	id    uint32
	point *geo.Point
	label *string
}

type fakeStore struct {
	nextID    uint32
	started   []uint32
	ends      []endCall
	cancelled []uint32
}

func (s *fakeStore) StartGroundTruth(tagID uint32, label string, pt geo.Point) (uint32, error) {
	s.nextID++
	s.started = append(s.started, s.nextID)
	return s.nextID, nil
}

func (s *fakeStore) EndGroundTruth(id uint32, endPoint *geo.Point, label *string) error {
	s.ends = append(s.ends, endCall{id: id, point: endPoint, label: label})
	return nil
}

func (s *fakeStore) CancelGroundTruth(id uint32) error {
	s.cancelled = append(s.cancelled, id)
	return nil
}

func refA() ReferencePoint { return ReferencePoint{Name: "A", Point: geo.Point{X: 1, Y: 1}} }
func refB() ReferencePoint { return ReferencePoint{Name: "B", Point: geo.Point{X: 2, Y: 2}} }

func TestArrivedThenAbandonedFinalizesStatic(t *testing.T) {
	store := &fakeStore{}
	tr := New(store)

	if err := tr.Event(7, refA(), Arrived); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tr.Event(7, refA(), Abandoned); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.started) != 1 {
		t.Fatalf("expected exactly one interval started, got %d", len(store.started))
	}
	if len(store.ends) != 1 || store.ends[0].point != nil || store.ends[0].label != nil {
		t.Fatalf("expected one static finalize (nil endpoint/label), got %+v", store.ends)
	}
	if len(store.cancelled) != 0 {
		t.Fatalf("expected no cancellations, got %v", store.cancelled)
	}
	if _, pending := tr.pending[7]; pending {
		t.Fatal("expected no pending interval after Abandoned")
	}
}

func TestHeadingThenArrivedDifferentReferenceFinalizesDynamic(t *testing.T) {
	store := &fakeStore{}
	tr := New(store)

	tr.Event(7, refA(), Heading)
	tr.Event(7, refB(), Arrived)

	if len(store.ends) != 1 {
		t.Fatalf("expected one finalize, got %d", len(store.ends))
	}
	end := store.ends[0]
	if end.point == nil || *end.point != refB().Point {
		t.Fatalf("expected end point B, got %v", end.point)
	}
	if end.label == nil || *end.label != "A>B" {
		t.Fatalf("expected label A>B, got %v", end.label)
	}
	// Arrived is not Abandoned, so a fresh partial opens for B.
	if _, pending := tr.pending[7]; !pending {
		t.Fatal("expected a fresh pending interval for B")
	}
}

func TestArrivedThenArrivedDifferentReferenceCancelsAndRestarts(t *testing.T) {
	store := &fakeStore{}
	tr := New(store)

	tr.Event(7, refA(), Arrived)
	tr.Event(7, refB(), Arrived)

	if len(store.cancelled) != 1 {
		t.Fatalf("expected exactly one cancellation, got %v", store.cancelled)
	}
	if len(store.started) != 2 {
		t.Fatalf("expected two intervals started (A then B), got %d", len(store.started))
	}
	if len(store.ends) != 0 {
		t.Fatalf("expected no finalize, got %v", store.ends)
	}
}

func TestNoPendingOpensFreshPartialDirectly(t *testing.T) {
	store := &fakeStore{}
	tr := New(store)
	if err := tr.Event(7, refA(), Passed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.started) != 1 {
		t.Fatalf("expected one interval started, got %d", len(store.started))
	}
}

func TestAbandonedWithNoPendingOpensNothing(t *testing.T) {
	store := &fakeStore{}
	tr := New(store)
	if err := tr.Event(7, refA(), Abandoned); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.started) != 0 {
		t.Fatalf("expected no interval started for a bare Abandoned, got %d", len(store.started))
	}
}
