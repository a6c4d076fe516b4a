package eventloop

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/lat-frontend/latd/internal/db"
	"github.com/lat-frontend/latd/internal/distfilter"
	"github.com/lat-frontend/latd/internal/geo"
	"github.com/lat-frontend/latd/internal/groundtruth"
	"github.com/lat-frontend/latd/internal/locmod"
	"github.com/lat-frontend/latd/internal/posfilter"
	"github.com/lat-frontend/latd/internal/sink"
	"github.com/lat-frontend/latd/internal/timeutil"
)

type stubEngine struct{}

func (stubEngine) Coordinates(tagID uint32, distances map[uint32]float64) (geo.Point, bool) {
	sum := 0.0
	for _, d := range distances {
		sum += d
	}
	return geo.Point{X: sum, Y: float64(tagID)}, len(distances) > 0
}

func newTestStore(t *testing.T) *db.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eventloop.db")
	store, err := db.NewDB(path)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestPublisher(t *testing.T) *sink.Publisher {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	go func() {
		buf := make([]byte, 256)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()
	return sink.NewForTesting(client)
}

func TestLoopProcessesCompleteRound(t *testing.T) {
	store := newTestStore(t)
	if err := store.AddAnchor(1, 0, 0); err != nil {
		t.Fatalf("AddAnchor: %v", err)
	}
	if err := store.AddAnchor(2, 10, 0); err != nil {
		t.Fatalf("AddAnchor: %v", err)
	}
	configID, err := store.RegisterConfiguration("test", "", "test", "")
	if err != nil {
		t.Fatalf("RegisterConfiguration: %v", err)
	}

	clk := timeutil.NewVirtualClock(timeutil.RealClock{})
	anchors := map[uint32]geo.Point{1: {X: 0, Y: 0}, 2: {X: 10, Y: 0}}
	df := distfilter.New(distfilter.MostRecent, clk)
	pf := posfilter.New(posfilter.MostRecent, clk, 0, 0)
	lm := locmod.New(anchors, df, stubEngine{}, pf)
	tracker := groundtruth.New(store)
	pub := newTestPublisher(t)

	loop := New(store, lm, tracker, pub, nil, nil, []uint32{7}, configID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	loop.DistanceLines() <- "#00005.00:007:001:000"
	loop.DistanceLines() <- "#00006.00:007:002:000"
	// Anchor 1 again is not above the last anchor id, so it closes the round.
	loop.DistanceLines() <- "#00005.00:007:001:000"

	deadline := time.After(2 * time.Second)
	for {
		rows, err := store.Query("SELECT COUNT(*) FROM estimate WHERE configuration_id = ?", configID)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		var count int
		if rows.Next() {
			rows.Scan(&count)
		}
		rows.Close()
		if count > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for estimate to be persisted")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestLoopDropsReadingsForUnknownTags(t *testing.T) {
	store := newTestStore(t)
	if err := store.AddAnchor(1, 0, 0); err != nil {
		t.Fatalf("AddAnchor: %v", err)
	}
	if err := store.AddAnchor(2, 10, 0); err != nil {
		t.Fatalf("AddAnchor: %v", err)
	}
	configID, err := store.RegisterConfiguration("test", "", "test", "")
	if err != nil {
		t.Fatalf("RegisterConfiguration: %v", err)
	}

	clk := timeutil.NewVirtualClock(timeutil.RealClock{})
	anchors := map[uint32]geo.Point{1: {X: 0, Y: 0}, 2: {X: 10, Y: 0}}
	df := distfilter.New(distfilter.MostRecent, clk)
	pf := posfilter.New(posfilter.MostRecent, clk, 0, 0)
	lm := locmod.New(anchors, df, stubEngine{}, pf)
	tracker := groundtruth.New(store)
	pub := newTestPublisher(t)

	loop := New(store, lm, tracker, pub, nil, nil, []uint32{7}, configID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	loop.DistanceLines() <- "#00005.00:009:001:000"
	loop.DistanceLines() <- "#00006.00:009:002:000"
	loop.DistanceLines() <- "#00005.00:007:001:000"
	loop.DistanceLines() <- "#00006.00:007:002:000"
	loop.DistanceLines() <- "#00005.00:007:001:000"

	deadline := time.After(2 * time.Second)
	for {
		rows, err := store.Query("SELECT COUNT(*) FROM estimate WHERE configuration_id = ?", configID)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		var count int
		if rows.Next() {
			rows.Scan(&count)
		}
		rows.Close()
		if count > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for estimate to be persisted")
		case <-time.After(10 * time.Millisecond):
		}
	}

	readings, err := store.RawReadings()
	if err != nil {
		t.Fatalf("RawReadings: %v", err)
	}
	for _, r := range readings {
		if r.TagID == 9 {
			t.Fatalf("expected no reading persisted for unknown tag 9, got %+v", r)
		}
	}
}
