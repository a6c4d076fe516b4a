// Package db implements the Experiment Store (C10): a durable SQLite file
// linking anchors, distance readings, ground-truth intervals, per-run
// configurations, and the estimates each configuration produced.
package db

import (
	"compress/gzip"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/lat-frontend/latd/internal/geo"
)

// DB wraps a database/sql handle open on an Experiment Store file.
type DB struct {
	*sql.DB
}

// schema.sql contains the SQL statements for creating the experiment store
// schema: anchor, distance_reading, ground_truth, configuration, estimate.
// It is embedded directly into the binary and executed when a new database
// is created via NewDB, ensuring consistent schema across all deployments.
//
// CRITICAL: schema.sql MUST be kept in sync with the latest migration version.
// When creating a fresh database, we verify that schema.sql matches the schema
// produced by applying all migrations. If they differ, database initialization
// fails with a clear error message. This prevents silently creating databases
// with incomplete schemas. To regenerate schema.sql from migrations, export
// the schema from a migrated database:
//   sqlite3 migrated.db .schema > internal/db/schema.sql

//go:embed schema.sql
var schemaSQL string

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DevMode controls whether to use filesystem or embedded migrations.
// Set to true in development for hot-reloading, false in production.
var DevMode = false

// getMigrationsFS returns the appropriate filesystem for migrations.
// In dev mode, uses the local filesystem for hot-reloading.
// In production, uses the embedded filesystem.
func getMigrationsFS() (fs.FS, error) {
	if DevMode {
		// Development: use local filesystem
		return os.DirFS("internal/db/migrations"), nil
	}
	// Production: use embedded filesystem
	// The embed directive includes "migrations/*.sql", so we need to extract just the migrations subdir
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create sub-filesystem for embedded migrations directory %q: %w", "migrations", err)
	}
	return subFS, nil
}

// applyPragmas applies essential SQLite PRAGMAs for performance and concurrency.
// These settings are extracted from schema.sql and applied to all databases
// regardless of whether they were created from scratch or via migrations.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func NewDB(path string) (*DB, error) {
	return NewDBWithMigrationCheck(path, true)
}

// NewDBWithMigrationCheck opens a database and optionally checks for pending migrations.
// If checkMigrations is true and migrations are pending, returns an error prompting user to run migrations.
func NewDBWithMigrationCheck(path string, checkMigrations bool) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	dbWrapper := &DB{db}

	// Apply essential PRAGMAs for all databases, regardless of how they were created.
	// These settings are critical for performance and concurrency:
	// - WAL mode allows concurrent reads and writes
	// - busy_timeout prevents immediate "database is locked" errors
	// - NORMAL synchronous mode balances safety and performance
	// - MEMORY temp_store improves query performance
	if err := applyPragmas(db); err != nil {
		return nil, fmt.Errorf("failed to apply PRAGMAs: %w", err)
	}

	// Check if schema_migrations table exists
	var schemaMigrationsExists bool
	err = db.QueryRow(`
		SELECT COUNT(*) > 0
		FROM sqlite_master
		WHERE type='table' AND name='schema_migrations'
	`).Scan(&schemaMigrationsExists)
	if err != nil {
		return nil, fmt.Errorf("failed to check for schema_migrations table: %w", err)
	}

	// Get migrations filesystem
	migrationsFS, err := getMigrationsFS()
	if err != nil {
		return nil, fmt.Errorf("failed to get migrations filesystem: %w", err)
	}

	// Case 1: Database with migration history - check if migrations are needed
	if schemaMigrationsExists {
		if checkMigrations {
			shouldExit, err := dbWrapper.CheckAndPromptMigrations(migrationsFS)
			if shouldExit {
				return nil, err
			}
		}
		return dbWrapper, nil
	}

	// Case 2: Database without schema_migrations table
	// Check if this is a legacy database (has tables) or a fresh database
	var tableCount int
	err = db.QueryRow(`
		SELECT COUNT(*)
		FROM sqlite_master
		WHERE type='table' AND name NOT LIKE 'sqlite_%'
	`).Scan(&tableCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count tables: %w", err)
	}

	isLegacyDB := (tableCount > 0)

	// Case 2a: Legacy database without migration history - detect and baseline
	if isLegacyDB && checkMigrations {
		log.Printf("⚠️  Database exists but has no schema_migrations table!")
		log.Printf("   Attempting to detect schema version...")

		detectedVersion, matchScore, differences, err := dbWrapper.DetectSchemaVersion(migrationsFS)
		if err != nil {
			return nil, fmt.Errorf("failed to detect schema version: %w", err)
		}

		log.Printf("   Schema detection results:")
		log.Printf("   - Best match: version %d (score: %d%%)", detectedVersion, matchScore)

		if matchScore == 100 {
			// Perfect match - baseline at this version
			log.Printf("   - Perfect match! Baselining at version %d", detectedVersion)
			if err := dbWrapper.BaselineAtVersion(detectedVersion); err != nil {
				return nil, fmt.Errorf("failed to baseline at version %d: %w", detectedVersion, err)
			}

			// Check if more migrations are needed
			latestVersion, err := GetLatestMigrationVersion(migrationsFS)
			if err != nil {
				return nil, fmt.Errorf("failed to get latest version: %w", err)
			}

			if detectedVersion < latestVersion {
				log.Printf("")
				log.Printf("   Database has been baselined at version %d", detectedVersion)
				log.Printf("   There are %d additional migrations available (up to version %d)",
					latestVersion-detectedVersion, latestVersion)
				log.Printf("")
				log.Printf("   To apply remaining migrations, run:")
				log.Printf("      latd migrate up")
				log.Printf("")
				return nil, fmt.Errorf("database baselined at version %d, but migrations to version %d are available. Please run migrations", detectedVersion, latestVersion)
			}

			log.Printf("   Database is up to date!")
			return dbWrapper, nil
		}

		// Not a perfect match - show differences and ask user
		log.Printf("   - No perfect match found (best: %d%%)", matchScore)
		log.Printf("")
		log.Printf("   Schema differences from version %d:", detectedVersion)
		for _, diff := range differences {
			log.Printf("     %s", diff)
		}
		log.Printf("")
		log.Printf("   The current schema does not exactly match any known migration version.")
		log.Printf("   Closest match is version %d with %d%% similarity.", detectedVersion, matchScore)
		log.Printf("")
		log.Printf("   Options:")
		log.Printf("   1. Baseline at version %d and apply remaining migrations:", detectedVersion)
		log.Printf("      latd migrate baseline %d", detectedVersion)
		log.Printf("      latd migrate up")
		log.Printf("")
		log.Printf("   2. Manually inspect the differences and adjust your schema")
		log.Printf("")
		return nil, fmt.Errorf("schema does not match any known version (best match: v%d at %d%%). Manual intervention required", detectedVersion, matchScore)
	}

	// Case 2b: Fresh database - initialize with schema.sql and baseline at latest version
	_, err = db.Exec(schemaSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	log.Println("ran database initialisation script")

	// Get latest migration version
	latestVersion, err := GetLatestMigrationVersion(migrationsFS)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest migration version: %w", err)
	}

	// Verify that schema.sql is in sync with the latest migration version
	// by comparing the schema we just created with what the migrations would produce.
	// This prevents incorrect baselining if schema.sql is out of date.
	schemaFromSQL, err := dbWrapper.GetDatabaseSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to get schema from schema.sql: %w", err)
	}

	schemaFromMigrations, err := dbWrapper.GetSchemaAtMigration(migrationsFS, latestVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to get schema at migration v%d: %w", latestVersion, err)
	}

	score, differences := CompareSchemas(schemaFromSQL, schemaFromMigrations)
	if score != 100 {
		log.Printf("⚠️  WARNING: schema.sql is out of sync with migrations!")
		log.Printf("   Schema from schema.sql differs from migration v%d (similarity: %d%%)", latestVersion, score)
		log.Printf("   Differences:")
		for _, diff := range differences {
			log.Printf("     %s", diff)
		}
		log.Printf("")
		log.Printf("   This indicates that schema.sql needs to be updated to match the latest migrations.")
		log.Printf("   Please run the schema consistency test or regenerate schema.sql from migrations.")
		log.Printf("")
		return nil, fmt.Errorf("schema.sql is out of sync with migration v%d (similarity: %d%%). Cannot baseline safely", latestVersion, score)
	}

	// Schema is consistent - safe to baseline at latest version
	if err := dbWrapper.BaselineAtVersion(latestVersion); err != nil {
		return nil, fmt.Errorf("failed to baseline fresh database at version %d: %w", latestVersion, err)
	}

	// Verify baseline was successful
	currentVersion, _, err := dbWrapper.MigrateVersion(migrationsFS)
	if err != nil {
		return nil, fmt.Errorf("failed to verify baseline: %w", err)
	}
	if currentVersion != latestVersion {
		return nil, fmt.Errorf("baseline verification failed: expected version %d, got %d", latestVersion, currentVersion)
	}

	return dbWrapper, nil
}

// OpenDB opens a database connection without running schema initialization.
// This is useful for migration commands that manage schema independently.
// Note: PRAGMAs are still applied for performance and concurrency.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Apply PRAGMAs even for migration commands
	if err := applyPragmas(db); err != nil {
		return nil, fmt.Errorf("failed to apply PRAGMAs: %w", err)
	}

	return &DB{db}, nil
}

// AddAnchor registers a fixed anchor at (x, y) under the given id (spec
// §4.7, add_anchor(id, (x,y))). The id is the configured/wire anchor id,
// not an auto-increment surrogate: it is what the distance filter, the
// location engines, and every wire reading key their anchor lookups by, so
// it must round-trip through the store unchanged, matching Combine's own
// explicit "INSERT INTO anchor (id, x, y)".
func (db *DB) AddAnchor(id uint32, x, y float64) error {
	if _, err := db.Exec("INSERT INTO anchor (id, x, y) VALUES (?, ?, ?)", id, x, y); err != nil {
		return fmt.Errorf("db: add anchor %d: %w", id, err)
	}
	return nil
}

// UpdateAnchor moves anchorID to (x, y). Per invariant I4, every reading
// already recorded for this anchor has its ground-truth distance/error
// cleared, since those were computed against the anchor's prior position.
func (db *DB) UpdateAnchor(anchorID uint32, x, y float64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE anchor SET x = ?, y = ? WHERE id = ?", x, y, anchorID); err != nil {
		return fmt.Errorf("db: update anchor %d: %w", anchorID, err)
	}
	if _, err := tx.Exec(
		`UPDATE distance_reading SET ground_truth_distance = NULL, ground_truth_error = NULL WHERE anchor_id = ?`,
		anchorID,
	); err != nil {
		return fmt.Errorf("db: clear ground-truth distances for anchor %d: %w", anchorID, err)
	}
	return tx.Commit()
}

// Anchors returns every registered anchor, keyed by id.
func (db *DB) Anchors() (map[uint32]geo.Point, error) {
	rows, err := db.Query("SELECT id, x, y FROM anchor")
	if err != nil {
		return nil, fmt.Errorf("db: list anchors: %w", err)
	}
	defer rows.Close()

	anchors := make(map[uint32]geo.Point)
	for rows.Next() {
		var id uint32
		var x, y float64
		if err := rows.Scan(&id, &x, &y); err != nil {
			return nil, err
		}
		anchors[id] = geo.Point{X: x, Y: y}
	}
	return anchors, rows.Err()
}

// RawReading is one row of the distance_reading table, as read back by the
// replay driver.
type RawReading struct {
	AnchorID  uint32
	TagID     uint32
	Distance  float64
	Timestamp float64
}

// RawReadings returns every recorded reading in insertion order, regardless
// of ground-truth annotation. The replay driver (C11) feeds these back
// through the live pipeline in order to reproduce estimates deterministically.
func (db *DB) RawReadings() ([]RawReading, error) {
	rows, err := db.Query("SELECT anchor_id, tag_id, distance, timestamp FROM distance_reading ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("db: raw readings: %w", err)
	}
	defer rows.Close()

	var out []RawReading
	for rows.Next() {
		var r RawReading
		if err := rows.Scan(&r.AnchorID, &r.TagID, &r.Distance, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddReading persists one raw distance reading. ground_truth_id/distance/
// error are left NULL; AppendGroundTruthDistances fills them in later.
func (db *DB) AddReading(anchorID, tagID uint32, distance, timestamp float64) (uint32, error) {
	res, err := db.Exec(
		"INSERT INTO distance_reading (anchor_id, tag_id, distance, timestamp) VALUES (?, ?, ?, ?)",
		anchorID, tagID, distance, timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("db: add reading: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

// StartGroundTruth opens a new ground-truth interval for tagID at startPoint,
// labeled label, and returns its id. Implements groundtruth.Store.
func (db *DB) StartGroundTruth(tagID uint32, label string, startPoint geo.Point) (uint32, error) {
	res, err := db.Exec(
		"INSERT INTO ground_truth (label, tag_id, start_time, start_x, start_y) VALUES (?, ?, ?, ?, ?)",
		label, tagID, nowSeconds(), startPoint.X, startPoint.Y,
	)
	if err != nil {
		return 0, fmt.Errorf("db: start ground truth: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

// EndGroundTruth closes interval id. A nil endPoint/label leaves the
// interval static (start-only); otherwise it becomes dynamic with the given
// end point and label. Implements groundtruth.Store.
func (db *DB) EndGroundTruth(id uint32, endPoint *geo.Point, label *string) error {
	if endPoint == nil {
		_, err := db.Exec("UPDATE ground_truth SET end_time = ? WHERE id = ?", nowSeconds(), id)
		if err != nil {
			return fmt.Errorf("db: end ground truth %d (static): %w", id, err)
		}
		return nil
	}
	_, err := db.Exec(
		"UPDATE ground_truth SET end_time = ?, end_x = ?, end_y = ?, label = ? WHERE id = ?",
		nowSeconds(), endPoint.X, endPoint.Y, *label, id,
	)
	if err != nil {
		return fmt.Errorf("db: end ground truth %d (dynamic): %w", id, err)
	}
	return nil
}

// CancelGroundTruth deletes interval id and nulls its id on any referencing
// reading or estimate. Implements groundtruth.Store.
func (db *DB) CancelGroundTruth(id uint32) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE distance_reading SET ground_truth_id = NULL, ground_truth_distance = NULL, ground_truth_error = NULL WHERE ground_truth_id = ?", id); err != nil {
		return fmt.Errorf("db: cancel ground truth %d (readings): %w", id, err)
	}
	if _, err := tx.Exec("UPDATE estimate SET ground_truth_id = NULL, error = NULL WHERE ground_truth_id = ?", id); err != nil {
		return fmt.Errorf("db: cancel ground truth %d (estimates): %w", id, err)
	}
	if _, err := tx.Exec("DELETE FROM ground_truth WHERE id = ?", id); err != nil {
		return fmt.Errorf("db: cancel ground truth %d: %w", id, err)
	}
	return tx.Commit()
}

// groundTruthInterval is one row of the ground_truth table.
type groundTruthInterval struct {
	id             uint32
	tagID          uint32
	startTime      float64
	endTime        sql.NullFloat64
	startX, startY float64
	endX, endY     sql.NullFloat64
}

// GroundTruthAt returns the true position of tagID at timestamp ts, if a
// ground-truth interval covers it: the start point directly for a static
// interval, or the position linearly interpolated between start and end for
// a dynamic one (§3, "Ground-Truth Interval").
func (db *DB) GroundTruthAt(tagID uint32, ts float64) (geo.Point, bool, error) {
	rows, err := db.Query(
		`SELECT id, tag_id, start_time, end_time, start_x, start_y, end_x, end_y
		 FROM ground_truth WHERE tag_id = ? AND start_time <= ? AND (end_time IS NULL OR end_time >= ?)`,
		tagID, ts, ts,
	)
	if err != nil {
		return geo.Point{}, false, fmt.Errorf("db: ground truth at: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var gt groundTruthInterval
		if err := rows.Scan(&gt.id, &gt.tagID, &gt.startTime, &gt.endTime, &gt.startX, &gt.startY, &gt.endX, &gt.endY); err != nil {
			return geo.Point{}, false, err
		}
		start := geo.Point{X: gt.startX, Y: gt.startY}
		if !gt.endTime.Valid || !gt.endX.Valid {
			return start, true, nil
		}
		end := geo.Point{X: gt.endX.Float64, Y: gt.endY.Float64}
		span := gt.endTime.Float64 - gt.startTime
		if span <= 0 {
			return start, true, nil
		}
		frac := (ts - gt.startTime) / span
		return geo.Lerp(start, end, frac), true, nil
	}
	return geo.Point{}, false, rows.Err()
}

// AppendGroundTruthDistances fills ground_truth_id/ground_truth_distance/
// ground_truth_error on every distance_reading that falls inside a
// ground-truth interval and doesn't have them set yet (invariant I1). Safe
// to call repeatedly; already-annotated readings are left untouched.
func (db *DB) AppendGroundTruthDistances() error {
	anchors, err := db.Anchors()
	if err != nil {
		return err
	}

	rows, err := db.Query(
		`SELECT dr.id, dr.anchor_id, dr.tag_id, dr.distance, dr.timestamp
		 FROM distance_reading dr WHERE dr.ground_truth_id IS NULL OR dr.ground_truth_distance IS NULL`,
	)
	if err != nil {
		return fmt.Errorf("db: append ground truth distances: %w", err)
	}
	type pending struct {
		id       uint32
		anchorID uint32
		tagID    uint32
		distance float64
		ts       float64
	}
	var toUpdate []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.anchorID, &p.tagID, &p.distance, &p.ts); err != nil {
			rows.Close()
			return err
		}
		toUpdate = append(toUpdate, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range toUpdate {
		anchor, ok := anchors[p.anchorID]
		if !ok {
			continue
		}
		gtID, gtAt, found, err := db.groundTruthIDAndPointAt(p.tagID, p.ts)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		trueDistance := geo.Distance(anchor, gtAt)
		gtError := p.distance - trueDistance
		if _, err := tx.Exec(
			"UPDATE distance_reading SET ground_truth_id = ?, ground_truth_distance = ?, ground_truth_error = ? WHERE id = ?",
			gtID, trueDistance, gtError, p.id,
		); err != nil {
			return fmt.Errorf("db: annotate reading %d: %w", p.id, err)
		}
	}
	return tx.Commit()
}

func (db *DB) groundTruthIDAndPointAt(tagID uint32, ts float64) (uint32, geo.Point, bool, error) {
	var gt groundTruthInterval
	row := db.QueryRow(
		`SELECT id, start_time, end_time, start_x, start_y, end_x, end_y
		 FROM ground_truth WHERE tag_id = ? AND start_time <= ? AND (end_time IS NULL OR end_time >= ?)
		 ORDER BY start_time DESC LIMIT 1`,
		tagID, ts, ts,
	)
	if err := row.Scan(&gt.id, &gt.startTime, &gt.endTime, &gt.startX, &gt.startY, &gt.endX, &gt.endY); err != nil {
		if err == sql.ErrNoRows {
			return 0, geo.Point{}, false, nil
		}
		return 0, geo.Point{}, false, err
	}
	start := geo.Point{X: gt.startX, Y: gt.startY}
	if !gt.endTime.Valid || !gt.endX.Valid {
		return gt.id, start, true, nil
	}
	end := geo.Point{X: gt.endX.Float64, Y: gt.endY.Float64}
	span := gt.endTime.Float64 - gt.startTime
	if span <= 0 {
		return gt.id, start, true, nil
	}
	frac := (ts - gt.startTime) / span
	return gt.id, geo.Lerp(start, end, frac), true, nil
}

// Observation is one round's worth of distances for a tag that has ground
// truth, as emitted by Observations().
type Observation struct {
	TagID     uint32
	Distances map[uint32]float64
	Point     geo.Point
	Timestamp float64
}

// Observations iterates every round of readings (grouped with the same
// anchor-id boundary rule as the batch assembler), skipping any round whose
// tag has no ground truth at that time. Readings are read in insertion (id)
// order, so rounds come out oldest-first.
func (db *DB) Observations() ([]Observation, error) {
	rows, err := db.Query(
		`SELECT id, anchor_id, tag_id, distance, timestamp FROM distance_reading ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("db: observations: %w", err)
	}
	defer rows.Close()

	type row struct {
		anchorID uint32
		tagID    uint32
		distance float64
		ts       float64
	}
	var all []row
	for rows.Next() {
		var r row
		var id uint32
		if err := rows.Scan(&id, &r.anchorID, &r.tagID, &r.distance, &r.ts); err != nil {
			return nil, err
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var observations []Observation
	current := make(map[uint32]float64)
	var currentTag uint32
	var currentTs float64
	lastAnchor := uint32(0)
	flush := func() {
		if len(current) == 0 {
			return
		}
		pt, found, err := db.GroundTruthAt(currentTag, currentTs)
		if err == nil && found {
			observations = append(observations, Observation{
				TagID:     currentTag,
				Distances: current,
				Point:     pt,
				Timestamp: currentTs,
			})
		}
		current = make(map[uint32]float64)
	}

	for _, r := range all {
		if r.anchorID <= lastAnchor && len(current) > 0 {
			flush()
		}
		current[r.anchorID] = r.distance
		currentTag = r.tagID
		currentTs = r.ts
		lastAnchor = r.anchorID
	}
	flush()

	return observations, nil
}

// RegisterConfiguration records one named configuration (the human-readable
// main config plus the locmod config it paired with) and returns its id.
func (db *DB) RegisterConfiguration(name, configText, locmodName, locmodText string) (uint32, error) {
	res, err := db.Exec(
		"INSERT INTO configuration (configuration_name, configuration_text, locmod_name, locmod_text) VALUES (?, ?, ?, ?)",
		name, configText, locmodName, locmodText,
	)
	if err != nil {
		return 0, fmt.Errorf("db: register configuration: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

// AddEstimate persists one tag position estimate under configurationID. If
// tagID has ground truth at timestamp, error is computed against it and the
// interval's id is recorded.
func (db *DB) AddEstimate(configurationID, tagID uint32, pt geo.Point, timestamp float64) (uint32, error) {
	gtID, gtPoint, found, err := db.groundTruthIDAndPointAt(tagID, timestamp)
	if err != nil {
		return 0, err
	}

	var gtIDArg any
	var errArg any
	if found {
		gtIDArg = gtID
		errArg = geo.Distance(pt, gtPoint)
	}

	res, err := db.Exec(
		"INSERT INTO estimate (tag_id, x, y, timestamp, ground_truth_id, error, configuration_id) VALUES (?, ?, ?, ?, ?, ?, ?)",
		tagID, pt.X, pt.Y, timestamp, gtIDArg, errArg, configurationID,
	)
	if err != nil {
		return 0, fmt.Errorf("db: add estimate: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

// Combine merges the anchor, reading, ground-truth, configuration, and
// estimate rows of every database in srcs into dst. Anchor positions for
// the same anchor id must agree within 1cm across every source; ground-truth
// ids are remapped to avoid collisions with dst's existing rows.
func Combine(dst *DB, srcs []*DB) error {
	dstAnchors, err := dst.Anchors()
	if err != nil {
		return err
	}

	for _, src := range srcs {
		srcAnchors, err := src.Anchors()
		if err != nil {
			return err
		}
		for id, pt := range srcAnchors {
			if existing, ok := dstAnchors[id]; ok {
				if geo.Distance(existing, pt) > 0.01 {
					return fmt.Errorf("db: combine: anchor %d disagrees between databases (%.3f,%.3f) vs (%.3f,%.3f)",
						id, existing.X, existing.Y, pt.X, pt.Y)
				}
				continue
			}
			if _, err := dst.Exec("INSERT INTO anchor (id, x, y) VALUES (?, ?, ?)", id, pt.X, pt.Y); err != nil {
				return fmt.Errorf("db: combine: insert anchor %d: %w", id, err)
			}
			dstAnchors[id] = pt
		}

		gtIDMap, err := combineGroundTruth(dst, src)
		if err != nil {
			return err
		}
		if err := combineReadings(dst, src, gtIDMap); err != nil {
			return err
		}
		configIDMap, err := combineConfigurations(dst, src)
		if err != nil {
			return err
		}
		if err := combineEstimates(dst, src, gtIDMap, configIDMap); err != nil {
			return err
		}
	}
	return nil
}

func combineGroundTruth(dst, src *DB) (map[uint32]uint32, error) {
	rows, err := src.Query(`SELECT id, label, tag_id, start_time, end_time, start_x, start_y, end_x, end_y FROM ground_truth`)
	if err != nil {
		return nil, fmt.Errorf("db: combine: read ground truth: %w", err)
	}
	defer rows.Close()

	idMap := make(map[uint32]uint32)
	for rows.Next() {
		var id uint32
		var gt groundTruthInterval
		var label string
		if err := rows.Scan(&id, &label, &gt.tagID, &gt.startTime, &gt.endTime, &gt.startX, &gt.startY, &gt.endX, &gt.endY); err != nil {
			return nil, err
		}
		res, err := dst.Exec(
			"INSERT INTO ground_truth (label, tag_id, start_time, end_time, start_x, start_y, end_x, end_y) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			label, gt.tagID, gt.startTime, gt.endTime, gt.startX, gt.startY, gt.endX, gt.endY,
		)
		if err != nil {
			return nil, fmt.Errorf("db: combine: insert ground truth: %w", err)
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		idMap[id] = uint32(newID)
	}
	return idMap, rows.Err()
}

func combineReadings(dst, src *DB, gtIDMap map[uint32]uint32) error {
	rows, err := src.Query(`SELECT anchor_id, tag_id, distance, ground_truth_id, ground_truth_distance, ground_truth_error, timestamp FROM distance_reading`)
	if err != nil {
		return fmt.Errorf("db: combine: read distance readings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var anchorID, tagID uint32
		var distance, ts float64
		var gtID sql.NullInt64
		var gtDist, gtErr sql.NullFloat64
		if err := rows.Scan(&anchorID, &tagID, &distance, &gtID, &gtDist, &gtErr, &ts); err != nil {
			return err
		}
		var newGTID any
		if gtID.Valid {
			newGTID = gtIDMap[uint32(gtID.Int64)]
		}
		if _, err := dst.Exec(
			"INSERT INTO distance_reading (anchor_id, tag_id, distance, ground_truth_id, ground_truth_distance, ground_truth_error, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)",
			anchorID, tagID, distance, newGTID, nullableFloat(gtDist), nullableFloat(gtErr), ts,
		); err != nil {
			return fmt.Errorf("db: combine: insert distance reading: %w", err)
		}
	}
	return rows.Err()
}

func combineConfigurations(dst, src *DB) (map[uint32]uint32, error) {
	rows, err := src.Query(`SELECT id, configuration_name, configuration_text, locmod_name, locmod_text FROM configuration`)
	if err != nil {
		return nil, fmt.Errorf("db: combine: read configurations: %w", err)
	}
	defer rows.Close()

	idMap := make(map[uint32]uint32)
	for rows.Next() {
		var id uint32
		var name, configText, locmodName, locmodText string
		if err := rows.Scan(&id, &name, &configText, &locmodName, &locmodText); err != nil {
			return nil, err
		}
		newID, err := dst.RegisterConfiguration(name, configText, locmodName, locmodText)
		if err != nil {
			return nil, err
		}
		idMap[id] = newID
	}
	return idMap, rows.Err()
}

func combineEstimates(dst, src *DB, gtIDMap, configIDMap map[uint32]uint32) error {
	rows, err := src.Query(`SELECT tag_id, x, y, timestamp, ground_truth_id, error, configuration_id FROM estimate`)
	if err != nil {
		return fmt.Errorf("db: combine: read estimates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tagID, configID uint32
		var x, y, ts float64
		var gtID sql.NullInt64
		var estErr sql.NullFloat64
		if err := rows.Scan(&tagID, &x, &y, &ts, &gtID, &estErr, &configID); err != nil {
			return err
		}
		var newGTID any
		if gtID.Valid {
			newGTID = gtIDMap[uint32(gtID.Int64)]
		}
		newConfigID, ok := configIDMap[configID]
		if !ok {
			return fmt.Errorf("db: combine: estimate references unknown configuration %d", configID)
		}
		if _, err := dst.Exec(
			"INSERT INTO estimate (tag_id, x, y, timestamp, ground_truth_id, error, configuration_id) VALUES (?, ?, ?, ?, ?, ?, ?)",
			tagID, x, y, ts, newGTID, nullableFloat(estErr), newConfigID,
		); err != nil {
			return fmt.Errorf("db: combine: insert estimate: %w", err)
		}
	}
	return rows.Err()
}

func nullableFloat(v sql.NullFloat64) any {
	if !v.Valid {
		return nil
	}
	return v.Float64
}

// nowSeconds is overridden in replay mode to route ground-truth timestamps
// through the virtual clock instead of the wall clock.
var nowSeconds = func() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// SetClock routes subsequent StartGroundTruth/EndGroundTruth timestamps
// through now instead of the wall clock; used by the replay driver to keep
// ground-truth bookkeeping deterministic under a virtual clock.
func SetClock(now func() float64) { nowSeconds = now }

// TableStats contains size and row count information for a database table.
type TableStats struct {
	Name     string  `json:"name"`
	RowCount int64   `json:"row_count"`
	SizeMB   float64 `json:"size_mb"`
}

// DatabaseStats contains overall database statistics.
type DatabaseStats struct {
	TotalSizeMB float64      `json:"total_size_mb"`
	Tables      []TableStats `json:"tables"`
}

// GetDatabaseStats returns size and row count information for all tables in the database.
// Uses SQLite's dbstat virtual table to get accurate size information.
func (db *DB) GetDatabaseStats() (*DatabaseStats, error) {
	// Get total database size using page_count * page_size
	var totalPages, pageSize int64
	row := db.QueryRow("SELECT page_count, page_size FROM pragma_page_count(), pragma_page_size()")
	if err := row.Scan(&totalPages, &pageSize); err != nil {
		// Fallback: try individual pragmas
		if err := db.QueryRow("PRAGMA page_count").Scan(&totalPages); err != nil {
			return nil, fmt.Errorf("failed to get page count: %w", err)
		}
		if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
			return nil, fmt.Errorf("failed to get page size: %w", err)
		}
	}
	totalSizeMB := float64(totalPages*pageSize) / (1024 * 1024)

	// Get list of tables
	tablesQuery := `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`
	rows, err := db.Query(tablesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tableNames []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tableNames = append(tableNames, name)
	}

	// Get stats for each table
	var tables []TableStats
	for _, tableName := range tableNames {
		var rowCount int64
		// Build the COUNT(*) query dynamically with a quoted table name.
		// SQL/SQLite prepared statements only parameterize values, not identifiers,
		// so table names cannot be bound as parameters. Here tableName comes from
		// sqlite_master (trusted metadata), and %q applies proper SQLite identifier
		// quoting, so this is not a SQL injection risk.
		countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %q", tableName)
		if err := db.QueryRow(countQuery).Scan(&rowCount); err != nil {
			// Table might be empty or have issues, continue with 0
			rowCount = 0
		}

		// Get size using dbstat virtual table (if available)
		var sizeMB float64
		sizeQuery := `SELECT COALESCE(SUM(pgsize), 0) / 1048576.0 FROM dbstat WHERE name = ?`
		if err := db.QueryRow(sizeQuery, tableName).Scan(&sizeMB); err != nil {
			// dbstat might not be available, estimate from row count
			sizeMB = 0
		}

		tables = append(tables, TableStats{
			Name:     tableName,
			RowCount: rowCount,
			SizeMB:   math.Round(sizeMB*100) / 100, // Round to 2 decimal places
		})
	}

	// Sort tables by size descending
	sort.Slice(tables, func(i, j int) bool {
		return tables[i].SizeMB > tables[j].SizeMB
	})

	return &DatabaseStats{
		TotalSizeMB: math.Round(totalSizeMB*100) / 100,
		Tables:      tables,
	}, nil
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://experiments.db", db.DB, &tailsql.DBOptions{
		Label: "Experiment Store",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("db-stats", "Database table sizes and disk usage (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		stats, err := db.GetDatabaseStats()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get database stats: %v", err), http.StatusInternalServerError)
			return
		}
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			http.Error(w, fmt.Sprintf("Failed to encode stats: %v", err), http.StatusInternalServerError)
			return
		}
	}))

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		backupPath := fmt.Sprintf("backup-%d.db", unixTime)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		// Send the backup file to the client
		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}

		// close the backup file after sending it
		// and remove it from the filesystem
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := gzipWriter.Write([]byte{}); err != nil {
			// Need to write something to initialize the gzip header
			http.Error(w, fmt.Sprintf("Failed to initialize gzip writer: %v", err), http.StatusInternalServerError)
			return
		}

		// Copy the backup file content to the gzip writer
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
