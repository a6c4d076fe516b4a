package db

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/lat-frontend/latd/internal/geo"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experiments.db")
	database, err := NewDB(path)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestAddAnchorAndList(t *testing.T) {
	d := newTestDB(t)
	if err := d.AddAnchor(9, 1, 2); err != nil {
		t.Fatalf("AddAnchor: %v", err)
	}
	anchors, err := d.Anchors()
	if err != nil {
		t.Fatalf("Anchors: %v", err)
	}
	if anchors[9] != (geo.Point{X: 1, Y: 2}) {
		t.Fatalf("unexpected anchor: %v", anchors[9])
	}
}

func TestUpdateAnchorClearsGroundTruthDistances(t *testing.T) {
	d := newTestDB(t)
	const anchorID = 1
	if err := d.AddAnchor(anchorID, 0, 0); err != nil {
		t.Fatalf("AddAnchor: %v", err)
	}
	readingID, err := d.AddReading(anchorID, 7, 5.0, 100.0)
	if err != nil {
		t.Fatalf("AddReading: %v", err)
	}
	if _, err := d.Exec("UPDATE distance_reading SET ground_truth_distance = 4.9, ground_truth_error = 0.1 WHERE id = ?", readingID); err != nil {
		t.Fatalf("seed ground truth distance: %v", err)
	}

	if err := d.UpdateAnchor(anchorID, 10, 10); err != nil {
		t.Fatalf("UpdateAnchor: %v", err)
	}

	var gtDist, gtErr any
	row := d.QueryRow("SELECT ground_truth_distance, ground_truth_error FROM distance_reading WHERE id = ?", readingID)
	if err := row.Scan(&gtDist, &gtErr); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if gtDist != nil || gtErr != nil {
		t.Fatalf("expected ground truth distance/error cleared after anchor move, got (%v, %v)", gtDist, gtErr)
	}
}

func TestGroundTruthLifecycleStatic(t *testing.T) {
	d := newTestDB(t)
	SetClock(func() float64 { return 0 })
	defer SetClock(func() float64 { return 0 })

	staticID, err := d.StartGroundTruth(1, "benchA", geo.Point{X: 1, Y: 1})
	if err != nil {
		t.Fatalf("StartGroundTruth: %v", err)
	}
	if err := d.EndGroundTruth(staticID, nil, nil); err != nil {
		t.Fatalf("EndGroundTruth static: %v", err)
	}

	pt, found, err := d.GroundTruthAt(1, 0)
	if err != nil || !found {
		t.Fatalf("expected static ground truth to be found, err=%v found=%v", err, found)
	}
	if pt != (geo.Point{X: 1, Y: 1}) {
		t.Fatalf("expected (1,1), got %v", pt)
	}
}

func TestGroundTruthDynamicInterpolation(t *testing.T) {
	d := newTestDB(t)
	SetClock(func() float64 { return 0 })
	defer SetClock(func() float64 { return 0 })

	id, err := d.StartGroundTruth(1, "A>B", geo.Point{X: 0, Y: 0})
	if err != nil {
		t.Fatalf("StartGroundTruth: %v", err)
	}
	if _, err := d.Exec("UPDATE ground_truth SET start_time = 0 WHERE id = ?", id); err != nil {
		t.Fatalf("seed start_time: %v", err)
	}

	SetClock(func() float64 { return 10 })
	end := geo.Point{X: 10, Y: 0}
	label := "A>B"
	if err := d.EndGroundTruth(id, &end, &label); err != nil {
		t.Fatalf("EndGroundTruth dynamic: %v", err)
	}

	pt, found, err := d.GroundTruthAt(1, 5)
	if err != nil || !found {
		t.Fatalf("expected dynamic ground truth at midpoint, err=%v found=%v", err, found)
	}
	if pt != (geo.Point{X: 5, Y: 0}) {
		t.Fatalf("expected midpoint (5,0), got %v", pt)
	}
}

func TestCancelGroundTruthNullsReferences(t *testing.T) {
	d := newTestDB(t)
	const anchorID = 1
	if err := d.AddAnchor(anchorID, 0, 0); err != nil {
		t.Fatalf("AddAnchor: %v", err)
	}
	gtID, err := d.StartGroundTruth(1, "benchA", geo.Point{X: 0, Y: 0})
	if err != nil {
		t.Fatalf("StartGroundTruth: %v", err)
	}
	readingID, _ := d.AddReading(anchorID, 1, 5.0, 0)
	if _, err := d.Exec("UPDATE distance_reading SET ground_truth_id = ? WHERE id = ?", gtID, readingID); err != nil {
		t.Fatalf("seed reading ground_truth_id: %v", err)
	}

	if err := d.CancelGroundTruth(gtID); err != nil {
		t.Fatalf("CancelGroundTruth: %v", err)
	}

	var gt any
	if err := d.QueryRow("SELECT ground_truth_id FROM distance_reading WHERE id = ?", readingID).Scan(&gt); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if gt != nil {
		t.Fatalf("expected reading's ground_truth_id nulled, got %v", gt)
	}
	var count int
	if err := d.QueryRow("SELECT COUNT(*) FROM ground_truth WHERE id = ?", gtID).Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 0 {
		t.Fatal("expected ground truth row deleted")
	}
}

func TestAppendGroundTruthDistancesFillsError(t *testing.T) {
	d := newTestDB(t)
	const anchorID = 1
	if err := d.AddAnchor(anchorID, 0, 0); err != nil {
		t.Fatalf("AddAnchor: %v", err)
	}

	SetClock(func() float64 { return 0 })
	defer SetClock(func() float64 { return 0 })
	gtID, err := d.StartGroundTruth(1, "benchA", geo.Point{X: 3, Y: 4})
	if err != nil {
		t.Fatalf("StartGroundTruth: %v", err)
	}
	if err := d.EndGroundTruth(gtID, nil, nil); err != nil {
		t.Fatalf("EndGroundTruth: %v", err)
	}
	if _, err := d.Exec("UPDATE ground_truth SET start_time = -1 WHERE id = ?", gtID); err != nil {
		t.Fatalf("seed start_time: %v", err)
	}

	readingID, err := d.AddReading(anchorID, 1, 5.5, 0)
	if err != nil {
		t.Fatalf("AddReading: %v", err)
	}

	if err := d.AppendGroundTruthDistances(); err != nil {
		t.Fatalf("AppendGroundTruthDistances: %v", err)
	}

	var gtDist, gtErr float64
	row := d.QueryRow("SELECT ground_truth_distance, ground_truth_error FROM distance_reading WHERE id = ?", readingID)
	if err := row.Scan(&gtDist, &gtErr); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if gtDist != 5.0 {
		t.Fatalf("expected true distance 5.0 (3-4-5 triangle), got %v", gtDist)
	}
	if gtErr != 0.5 {
		t.Fatalf("expected error 0.5, got %v", gtErr)
	}

	// Idempotent: calling again doesn't change an already-annotated reading.
	if err := d.AppendGroundTruthDistances(); err != nil {
		t.Fatalf("second AppendGroundTruthDistances: %v", err)
	}
}

func TestObservationsRoundTripsInputSet(t *testing.T) {
	d := newTestDB(t)
	const a1, a2 = 1, 2
	if err := d.AddAnchor(a1, 0, 0); err != nil {
		t.Fatalf("AddAnchor a1: %v", err)
	}
	if err := d.AddAnchor(a2, 10, 0); err != nil {
		t.Fatalf("AddAnchor a2: %v", err)
	}

	SetClock(func() float64 { return -1000 })
	defer SetClock(func() float64 { return 0 })
	gtID, err := d.StartGroundTruth(1, "benchA", geo.Point{X: 5, Y: 5})
	if err != nil {
		t.Fatalf("StartGroundTruth: %v", err)
	}
	if _, err := d.Exec("UPDATE ground_truth SET start_time = -1000 WHERE id = ?", gtID); err != nil {
		t.Fatalf("seed: %v", err)
	}
	SetClock(func() float64 { return 1000 })
	if err := d.EndGroundTruth(gtID, nil, nil); err != nil {
		t.Fatalf("EndGroundTruth: %v", err)
	}

	if _, err := d.AddReading(a1, 1, 7.07, 1); err != nil {
		t.Fatalf("AddReading: %v", err)
	}
	if _, err := d.AddReading(a2, 1, 7.07, 1); err != nil {
		t.Fatalf("AddReading: %v", err)
	}

	observations, err := d.Observations()
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if len(observations) != 1 {
		t.Fatalf("expected exactly one round, got %d", len(observations))
	}
	got := observations[0]
	if got.TagID != 1 || len(got.Distances) != 2 || got.Distances[a1] != 7.07 || got.Distances[a2] != 7.07 {
		t.Fatalf("round did not round-trip the input set: %+v", got)
	}
	if got.Point != (geo.Point{X: 5, Y: 5}) {
		t.Fatalf("expected ground truth point (5,5), got %v", got.Point)
	}
}

func TestRegisterConfigurationAndAddEstimate(t *testing.T) {
	d := newTestDB(t)
	configID, err := d.RegisterConfiguration("default", "anchor: 1 0 0", "pdfgrid", "edge: 0.25")
	if err != nil {
		t.Fatalf("RegisterConfiguration: %v", err)
	}

	estimateID, err := d.AddEstimate(configID, 1, geo.Point{X: 2, Y: 2}, 0)
	if err != nil {
		t.Fatalf("AddEstimate: %v", err)
	}
	if estimateID == 0 {
		t.Fatal("expected nonzero estimate id")
	}
}

func TestCombineMergesTwoDatabases(t *testing.T) {
	d1 := newTestDB(t)
	d2 := newTestDB(t)
	dst := newTestDB(t)

	const anchorID = 1
	if err := d1.AddAnchor(anchorID, 0, 0); err != nil {
		t.Fatalf("AddAnchor d1: %v", err)
	}
	if err := d2.AddAnchor(anchorID, 0, 0); err != nil {
		t.Fatalf("seed d2 anchor: %v", err)
	}

	config1, err := d1.RegisterConfiguration("c1", "cfg1", "pdfgrid", "lm1")
	if err != nil {
		t.Fatalf("RegisterConfiguration d1: %v", err)
	}
	if _, err := d1.AddEstimate(config1, 1, geo.Point{X: 1, Y: 1}, 0); err != nil {
		t.Fatalf("AddEstimate d1: %v", err)
	}

	config2, err := d2.RegisterConfiguration("c2", "cfg2", "particlefilter", "lm2")
	if err != nil {
		t.Fatalf("RegisterConfiguration d2: %v", err)
	}
	if _, err := d2.AddEstimate(config2, 2, geo.Point{X: 2, Y: 2}, 0); err != nil {
		t.Fatalf("AddEstimate d2: %v", err)
	}

	if err := Combine(dst, []*DB{d1, d2}); err != nil {
		t.Fatalf("Combine: %v", err)
	}

	var anchorCount, estimateCount, configCount int
	dst.QueryRow("SELECT COUNT(*) FROM anchor").Scan(&anchorCount)
	dst.QueryRow("SELECT COUNT(*) FROM estimate").Scan(&estimateCount)
	dst.QueryRow("SELECT COUNT(*) FROM configuration").Scan(&configCount)
	if anchorCount != 1 {
		t.Fatalf("expected one deduplicated anchor, got %d", anchorCount)
	}
	if estimateCount != 2 {
		t.Fatalf("expected two estimates, got %d", estimateCount)
	}
	if configCount != 2 {
		t.Fatalf("expected two configurations, got %d", configCount)
	}
}

func TestCombineRejectsDisagreeingAnchors(t *testing.T) {
	d1 := newTestDB(t)
	d2 := newTestDB(t)
	dst := newTestDB(t)

	const anchorID = 1
	if err := d1.AddAnchor(anchorID, 0, 0); err != nil {
		t.Fatalf("AddAnchor d1: %v", err)
	}
	if err := d2.AddAnchor(anchorID, 5, 5); err != nil {
		t.Fatalf("seed d2 anchor: %v", err)
	}

	if err := Combine(dst, []*DB{d1, d2}); err == nil {
		t.Fatal("expected error for disagreeing anchor positions")
	}
}

func TestAnchorsMatchesRegisteredSet(t *testing.T) {
	d := newTestDB(t)
	const idA, idB = 1, 2
	if err := d.AddAnchor(idA, 0, 0); err != nil {
		t.Fatalf("AddAnchor idA: %v", err)
	}
	if err := d.AddAnchor(idB, 3, 4); err != nil {
		t.Fatalf("AddAnchor idB: %v", err)
	}

	got, err := d.Anchors()
	if err != nil {
		t.Fatalf("Anchors: %v", err)
	}
	want := map[uint32]geo.Point{
		idA: {X: 0, Y: 0},
		idB: {X: 3, Y: 4},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("anchors mismatch (-want +got):\n%s", diff)
	}
}
