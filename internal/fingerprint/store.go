package fingerprint

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/lat-frontend/latd/internal/geo"
)

// schemaSQL creates the fingerprint database's four tables: observation,
// distance (the per-observation, per-anchor sample bag), anchor (the arena
// layout used while building the file), and settings (grid_size). This is a
// separate file from the experiment store (§3, "Canonical Observation"),
// built offline by cmd/latfdb and read at server startup.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS settings (
	grid_size REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS anchor (
	id INTEGER PRIMARY KEY,
	x  REAL NOT NULL,
	y  REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS observation (
	id INTEGER PRIMARY KEY,
	x  REAL NOT NULL,
	y  REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS distance (
	observation_id INTEGER NOT NULL REFERENCES observation (id),
	anchor_id      INTEGER NOT NULL REFERENCES anchor (id),
	distance       REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_distance_observation ON distance (observation_id);
CREATE INDEX IF NOT EXISTS idx_distance_anchor ON distance (anchor_id);
`

// OpenFile opens (creating if necessary) the fingerprint database file at
// path and ensures its schema exists.
func OpenFile(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: open %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("fingerprint: initialize schema: %w", err)
	}
	return db, nil
}

// Save writes db's anchors, observations, and sample bags into the fdb file
// at conn, replacing any existing content.
func Save(conn *sql.DB, db *Database, anchors map[uint32]geo.Point) error {
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM distance", "DELETE FROM observation", "DELETE FROM anchor", "DELETE FROM settings"} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("fingerprint: clear %s: %w", stmt, err)
		}
	}

	if _, err := tx.Exec("INSERT INTO settings (grid_size) VALUES (?)", db.GridSize()); err != nil {
		return fmt.Errorf("fingerprint: write settings: %w", err)
	}

	for id, pt := range anchors {
		if _, err := tx.Exec("INSERT INTO anchor (id, x, y) VALUES (?, ?, ?)", id, pt.X, pt.Y); err != nil {
			return fmt.Errorf("fingerprint: write anchor %d: %w", id, err)
		}
	}

	for _, obsID := range db.ObservationIDs() {
		pt, _ := db.Location(obsID)
		if _, err := tx.Exec("INSERT INTO observation (id, x, y) VALUES (?, ?, ?)", obsID, pt.X, pt.Y); err != nil {
			return fmt.Errorf("fingerprint: write observation %d: %w", obsID, err)
		}
		for anchorID, bag := range db.samples[obsID] {
			for _, d := range bag {
				if _, err := tx.Exec("INSERT INTO distance (observation_id, anchor_id, distance) VALUES (?, ?, ?)", obsID, anchorID, d); err != nil {
					return fmt.Errorf("fingerprint: write sample (obs=%d, anchor=%d): %w", obsID, anchorID, err)
				}
			}
		}
	}

	return tx.Commit()
}

// Load reads a fingerprint database file at conn back into an in-memory
// Database plus the anchor layout it was built against.
func Load(conn *sql.DB) (*Database, map[uint32]geo.Point, error) {
	var gridSize float64
	if err := conn.QueryRow("SELECT grid_size FROM settings LIMIT 1").Scan(&gridSize); err != nil {
		return nil, nil, fmt.Errorf("fingerprint: read grid_size: %w", err)
	}
	db := NewDatabase(gridSize)

	anchors := make(map[uint32]geo.Point)
	anchorRows, err := conn.Query("SELECT id, x, y FROM anchor")
	if err != nil {
		return nil, nil, fmt.Errorf("fingerprint: read anchors: %w", err)
	}
	defer anchorRows.Close()
	for anchorRows.Next() {
		var id uint32
		var x, y float64
		if err := anchorRows.Scan(&id, &x, &y); err != nil {
			return nil, nil, err
		}
		anchors[id] = geo.Point{X: x, Y: y}
	}

	obsRows, err := conn.Query("SELECT id, x, y FROM observation ORDER BY id")
	if err != nil {
		return nil, nil, fmt.Errorf("fingerprint: read observations: %w", err)
	}
	defer obsRows.Close()
	for obsRows.Next() {
		var id uint32
		var x, y float64
		if err := obsRows.Scan(&id, &x, &y); err != nil {
			return nil, nil, err
		}
		db.locations[id] = geo.Point{X: x, Y: y}
		if id >= db.nextObsID {
			db.nextObsID = id
		}
	}

	distRows, err := conn.Query("SELECT observation_id, anchor_id, distance FROM distance")
	if err != nil {
		return nil, nil, fmt.Errorf("fingerprint: read samples: %w", err)
	}
	defer distRows.Close()
	for distRows.Next() {
		var obsID, anchorID uint32
		var d float64
		if err := distRows.Scan(&obsID, &anchorID, &d); err != nil {
			return nil, nil, err
		}
		db.AddSample(obsID, anchorID, d)
	}

	return db, anchors, nil
}
