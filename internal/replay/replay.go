// Package replay implements the Replay Driver (C11): it drives the live
// localization pipeline from readings already persisted in the experiment
// store, using the virtual clock in paused mode so the run is bit-for-bit
// deterministic, and reinserts the resulting estimates under a new
// configuration row (spec §2, C11; §8 scenario 6).
package replay

import (
	"fmt"

	"github.com/lat-frontend/latd/internal/batch"
	"github.com/lat-frontend/latd/internal/db"
	"github.com/lat-frontend/latd/internal/locmod"
	"github.com/lat-frontend/latd/internal/reading"
	"github.com/lat-frontend/latd/internal/timeutil"
)

// Driver replays every reading recorded in store through lm, persisting one
// estimate per completed round under configurationID.
type Driver struct {
	store           *db.DB
	clock           *timeutil.VirtualClock
	lm              *locmod.Locmod
	configurationID uint32
}

// New returns a Driver that replays store's readings through lm and clock,
// recording estimates under configurationID. The round boundary rule is the
// assembler's fixed anchor-id non-increasing check (spec §4.2); tag order
// within a burst does not affect round assembly, only the separate
// back-pressure trim (batch.TrimBurst) that live ingestion applies before
// readings ever reach the store.
func New(store *db.DB, clock *timeutil.VirtualClock, lm *locmod.Locmod, configurationID uint32) *Driver {
	return &Driver{store: store, clock: clock, lm: lm, configurationID: configurationID}
}

// Run replays every reading in store, in the order it was recorded. For
// each reading the virtual clock is paused at the reading's timestamp
// before the reading is fed to the assembler, exactly mirroring live
// ingestion; whenever a round completes, the resulting position estimate
// (if any) is persisted via store.AddEstimate under the driver's
// configuration id.
func (d *Driver) Run() error {
	readings, err := d.store.RawReadings()
	if err != nil {
		return fmt.Errorf("replay: load readings: %w", err)
	}

	assembler := batch.NewAssembler()
	for _, raw := range readings {
		ts := raw.Timestamp
		d.clock.Pause(&ts)

		r := reading.Reading{AnchorID: raw.AnchorID, TagID: raw.TagID, Distance: raw.Distance, Timestamp: raw.Timestamp}
		round, completed := assembler.Add(r)
		if !completed {
			continue
		}

		for anchorID, distance := range round.Distances {
			if err := d.lm.AddReading(anchorID, round.TagID, distance); err != nil {
				continue
			}
		}

		locations := d.lm.UpdateLocations([]uint32{round.TagID})
		pt, ok := locations[round.TagID]
		if !ok {
			continue
		}
		if _, err := d.store.AddEstimate(d.configurationID, round.TagID, pt, round.Timestamp); err != nil {
			return fmt.Errorf("replay: add estimate for tag %d: %w", round.TagID, err)
		}
	}

	return nil
}
