// Package eventloop implements the single-threaded cooperative runtime
// (spec §5): one goroutine multiplexing the distance-source line stream,
// the operator-event line stream, newly accepted downstream clients, and a
// 100ms ticker, following the teacher's internal/serialmux Monitor(ctx)
// pattern of pushing blocking I/O results onto channels and doing all
// state mutation in a single reader.
package eventloop

import (
	"context"
	"fmt"
	"time"

	"github.com/lat-frontend/latd/internal/batch"
	"github.com/lat-frontend/latd/internal/db"
	"github.com/lat-frontend/latd/internal/groundtruth"
	"github.com/lat-frontend/latd/internal/locmod"
	"github.com/lat-frontend/latd/internal/monitoring"
	"github.com/lat-frontend/latd/internal/operator"
	"github.com/lat-frontend/latd/internal/reading"
	"github.com/lat-frontend/latd/internal/sink"
)

// tickInterval matches the 100ms cooperative-scheduling quantum (spec §5).
const tickInterval = 100 * time.Millisecond

// Loop owns every piece of runtime state the pipeline touches: nothing
// outside this type mutates the assembler, locmod, or tracker.
type Loop struct {
	store     *db.DB
	assembler *batch.Assembler
	lm        *locmod.Locmod
	tracker   *groundtruth.Tracker
	sink      *sink.Publisher
	refPoints map[string]groundtruth.ReferencePoint
	refOrder  []string
	tagOrder  []uint32
	knownTags map[uint32]bool
	configID  uint32

	distanceLines chan string
	operatorLines chan operator.Line
	accepts       chan operator.Conn
}

// New returns a Loop ready to Run. refPoints must be keyed by reference
// label; refOrder lists those same labels in the order the main
// configuration declared them, for the "reference?" query. tagOrder is
// the configured tag set, reported verbatim by the "tags?" query and
// also used to drop readings for tags the configuration doesn't know
// about (spec §3, §7).
func New(store *db.DB, lm *locmod.Locmod, tracker *groundtruth.Tracker, pub *sink.Publisher, refPoints map[string]groundtruth.ReferencePoint, refOrder []string, tagOrder []uint32, configID uint32) *Loop {
	knownTags := make(map[uint32]bool, len(tagOrder))
	for _, t := range tagOrder {
		knownTags[t] = true
	}
	return &Loop{
		store:         store,
		assembler:     batch.NewAssembler(),
		lm:            lm,
		tracker:       tracker,
		sink:          pub,
		refPoints:     refPoints,
		refOrder:      refOrder,
		tagOrder:      tagOrder,
		knownTags:     knownTags,
		configID:      configID,
		distanceLines: make(chan string, 64),
		operatorLines: make(chan operator.Line, 16),
		accepts:       make(chan operator.Conn, 4),
	}
}

// DistanceLines exposes the channel a distance-source transport should
// push decoded lines onto.
func (l *Loop) DistanceLines() chan<- string { return l.distanceLines }

// Accepts exposes the channel an operator-socket listener should push
// newly accepted connections onto.
func (l *Loop) Accepts() chan<- operator.Conn { return l.accepts }

// Run executes the cooperative loop until ctx is cancelled. On exit it
// flushes any ground-truth distance annotations left pending.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	conns := make(map[operator.Conn]struct{})

	for {
		select {
		case <-ctx.Done():
			if err := l.store.AppendGroundTruthDistances(); err != nil {
				monitoring.Logf("eventloop: final ground-truth flush: %v", err)
			}
			return ctx.Err()

		case line := <-l.distanceLines:
			l.handleDistanceLine(line)

		case conn := <-l.accepts:
			conns[conn] = struct{}{}
			go conn.ReadLines(l.operatorLines, conn)

		case ol := <-l.operatorLines:
			if ol.Line == "" {
				delete(conns, ol.Conn)
				continue
			}
			l.handleOperatorLine(ol.Conn, ol.Line)

		case <-ticker.C:
			if err := l.store.AppendGroundTruthDistances(); err != nil {
				monitoring.Logf("eventloop: ground-truth flush: %v", err)
			}
		}
	}
}

func (l *Loop) handleDistanceLine(line string) {
	anchorID, tagID, distance, errorCode, ts, err := operator.ParseMeasurement(line)
	if err != nil {
		monitoring.Logf("eventloop: dropping malformed reading %q: %v", line, err)
		return
	}
	r := reading.Reading{AnchorID: anchorID, TagID: tagID, Distance: distance, ErrorCode: errorCode, Timestamp: ts}
	if r.Discarded() {
		return
	}
	if !l.knownTags[r.TagID] {
		monitoring.Logf("eventloop: dropping reading for unknown tag %d", r.TagID)
		return
	}

	if _, err := l.store.AddReading(r.AnchorID, r.TagID, r.Distance, r.Timestamp); err != nil {
		monitoring.Logf("eventloop: persist reading: %v", err)
	}

	round, completed := l.assembler.Add(r)
	if !completed {
		return
	}

	for anchorID, distance := range round.Distances {
		if err := l.lm.AddReading(anchorID, round.TagID, distance); err != nil {
			monitoring.Logf("eventloop: %v", err)
		}
	}

	locations := l.lm.UpdateLocations([]uint32{round.TagID})
	pt, ok := locations[round.TagID]
	if !ok {
		return
	}

	if _, err := l.store.AddEstimate(l.configID, round.TagID, pt, round.Timestamp); err != nil {
		monitoring.Logf("eventloop: persist estimate: %v", err)
		return
	}
	l.sink.Publish(round.TagID, pt, round.Timestamp)
}

func (l *Loop) handleOperatorLine(conn operator.Conn, line string) {
	resp, err := operator.Handle(line, l.tagOrder, l.refOrder, l.refPoints, l.tracker)
	if err != nil {
		monitoring.Logf("eventloop: operator command %q: %v", line, err)
		conn.Write(fmt.Sprintf("Error: %v\r\n", err))
		return
	}
	if resp != "" {
		conn.Write(resp)
	}
}
