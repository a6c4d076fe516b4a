// Command latfdb builds a fingerprint database file offline: it lays out a
// canonical observation grid over the arena's bounding box and populates it
// with historically observed per-anchor distances drawn from an experiment
// store, for later use by the Fingerprint-Match location engine.
//
// Grounded on original_source/experiment/populate_nearest_neighbour.py: walk
// every recorded reading in insertion order, find its ground-truth position,
// snap that position to the nearest canonical observation, and record the
// reading's distance as a sample against that observation.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"

	"github.com/lat-frontend/latd/internal/config"
	"github.com/lat-frontend/latd/internal/db"
	"github.com/lat-frontend/latd/internal/fingerprint"
	"github.com/lat-frontend/latd/internal/fsutil"
	"github.com/lat-frontend/latd/internal/security"
)

var (
	configFile     = flag.String("config", "lat.conf", "path to the main configuration file (arena bounds and anchors)")
	locmodFile     = flag.String("locmod", "locmod.conf", "path to the locmod configuration file (grid spacing)")
	experimentDB   = flag.String("experiment", "experiments.db", "path to the source experiment store")
	outFile        = flag.String("out", "fingerprint.fdb", "path to the output fingerprint database file")
	trimGap        = flag.Float64("trim-gap", 0.10, "minimum distance between kept samples in a trimmed bag (metres)")
	matchRadius    = flag.Float64("match-radius", 0, "ground-truth-to-grid snap radius (0 = half the grid spacing)")
	allowOverwrite = flag.Bool("force", false, "overwrite out if it already exists")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags)

	if err := run(); err != nil {
		log.Fatalf("latfdb: %v", err)
	}
}

func run() error {
	fs := fsutil.OSFileSystem{}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}
	if err := security.ValidatePathWithinDirectory(*outFile, cwd); err != nil {
		return fmt.Errorf("output path rejected: %w", err)
	}
	if fs.Exists(*outFile) && !*allowOverwrite {
		return fmt.Errorf("output file %s already exists (use -force to overwrite)", *outFile)
	}

	mainCfg, err := config.LoadMainFile(*configFile)
	if err != nil {
		if _, ok := err.(*config.MultiError); !ok {
			return fmt.Errorf("load %s: %w", *configFile, err)
		}
		log.Printf("warning: %v", err)
	}
	if len(mainCfg.Anchors) == 0 {
		return fmt.Errorf("%s declares no anchors", *configFile)
	}
	if !mainCfg.HasBounds() {
		return fmt.Errorf("%s must set min_x/max_x/min_y/max_y to build a fingerprint grid", *configFile)
	}

	locmodCfg, err := config.LoadLocmodFile(*locmodFile)
	if err != nil {
		if _, ok := err.(*config.MultiError); !ok {
			return fmt.Errorf("load %s: %w", *locmodFile, err)
		}
		log.Printf("warning: %v", err)
	}
	gridSize := locmodCfg.LocationEngine.GetEdgeLength()

	radius := *matchRadius
	if radius == 0 {
		radius = gridSize / 2.0
	}

	source, err := db.OpenDB(*experimentDB)
	if err != nil {
		return fmt.Errorf("open experiment store %s: %w", *experimentDB, err)
	}
	defer source.Close()

	fp := fingerprint.NewDatabase(gridSize)
	fp.PopulateGrid(mainCfg.MinX, mainCfg.MaxX, mainCfg.MinY, mainCfg.MaxY)
	log.Printf("populated %d canonical observations over [%.2f,%.2f] x [%.2f,%.2f] at %.2fm spacing",
		len(fp.ObservationIDs()), mainCfg.MinX, mainCfg.MaxX, mainCfg.MinY, mainCfg.MaxY, gridSize)

	readings, err := source.RawReadings()
	if err != nil {
		return fmt.Errorf("read readings: %w", err)
	}

	var matched, skipped, ambiguous int
	for _, r := range readings {
		gt, ok, err := source.GroundTruthAt(r.TagID, r.Timestamp)
		if err != nil {
			return fmt.Errorf("ground truth for tag %d at %.3f: %w", r.TagID, r.Timestamp, err)
		}
		if !ok {
			skipped++
			continue
		}

		nearby := fp.Nearby(gt.X, gt.Y, radius)
		if len(nearby) == 0 {
			skipped++
			continue
		}
		if len(nearby) > 1 {
			ambiguous++
		}
		fp.AddSample(nearby[0], r.AnchorID, r.Distance)
		matched++
	}
	log.Printf("matched %d readings to observations (%d skipped without ground truth, %d ambiguous snaps)", matched, skipped, ambiguous)

	fp.Trim(*trimGap)

	conn, err := fingerprint.OpenFile(*outFile)
	if err != nil {
		return fmt.Errorf("create %s: %w", *outFile, err)
	}
	defer conn.Close()

	if err := fingerprint.Save(conn, fp, mainCfg.Anchors); err != nil {
		return fmt.Errorf("write %s: %w", *outFile, err)
	}

	log.Printf("wrote fingerprint database to %s", *outFile)
	return nil
}
