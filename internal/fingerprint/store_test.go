package fingerprint

import (
	"path/filepath"
	"testing"

	"github.com/lat-frontend/latd/internal/geo"
)

func TestSaveAndLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fingerprint.db")
	conn, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer conn.Close()

	db := NewDatabase(0.5)
	a := db.AddObservation(geo.Point{X: 0, Y: 0})
	b := db.AddObservation(geo.Point{X: 1, Y: 1})
	db.AddSample(a, 1, 5.0)
	db.AddSample(a, 1, 5.2)
	db.AddSample(b, 2, 3.1)

	anchors := map[uint32]geo.Point{1: {X: -5, Y: 0}, 2: {X: 5, Y: 0}}
	if err := Save(conn, db, anchors); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, loadedAnchors, err := Load(conn)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if loaded.GridSize() != 0.5 {
		t.Fatalf("expected grid size 0.5, got %v", loaded.GridSize())
	}
	if len(loadedAnchors) != 2 || loadedAnchors[1] != (geo.Point{X: -5, Y: 0}) {
		t.Fatalf("unexpected anchors: %v", loadedAnchors)
	}
	ids := loaded.ObservationIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(ids))
	}
	pt, ok := loaded.Location(a)
	if !ok || pt != (geo.Point{X: 0, Y: 0}) {
		t.Fatalf("expected observation %d at origin, got %v", a, pt)
	}
	matches := loaded.ObservationsMatching(1, 5.1, 0.5)
	found := false
	for _, m := range matches {
		if m == a {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected observation %d to match after round-trip, got %v", a, matches)
	}
}
