// Package operator implements the two line-based protocols the event loop
// terminates: decoding distance-source measurement lines (spec §6) and
// interpreting operator-socket queries/commands into ground-truth tracker
// events.
package operator

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/lat-frontend/latd/internal/groundtruth"
	"github.com/lat-frontend/latd/internal/reading"
)

// ParseMeasurement decodes a distance-source measurement line, stamping it
// with ts (the virtual clock's reading at time of receipt — the wire form
// carries no timestamp, per spec §6).
func ParseMeasurement(line string) (anchorID, tagID uint32, distance float64, errorCode int32, ts float64, err error) {
	anchorID, tagID, distance, errorCode, err = reading.Parse(line)
	return anchorID, tagID, distance, errorCode, nowFn(), err
}

// nowFn supplies the timestamp ParseMeasurement stamps on arrival; tests
// and replay override it via SetClock.
var nowFn = func() float64 { return 0 }

// SetClock installs the time source ParseMeasurement uses to stamp
// incoming readings.
func SetClock(now func() float64) {
	if now == nil {
		now = func() float64 { return 0 }
	}
	nowFn = now
}

// Line tags one received (or connection-closed, Line == "") operator-socket
// line with the connection it arrived on.
type Line struct {
	Conn Conn
	Line string
}

// Conn is the minimal operator-socket connection surface the event loop
// needs: write a response line, and feed received lines onto ch tagged
// with the connection, sending a blank-line marker when the connection
// closes so the loop can forget it.
type Conn interface {
	Write(line string) error
	ReadLines(ch chan<- Line, self Conn)
}

// netConn adapts a net.Conn to the Conn interface.
type netConn struct {
	c net.Conn
}

// NewNetConn wraps an accepted TCP connection as an operator Conn.
func NewNetConn(c net.Conn) Conn { return netConn{c} }

func (n netConn) Write(line string) error {
	if !strings.HasSuffix(line, "\r\n") {
		line += "\r\n"
	}
	_, err := n.c.Write([]byte(line))
	return err
}

func (n netConn) ReadLines(ch chan<- Line, self Conn) {
	scanner := bufio.NewScanner(n.c)
	for scanner.Scan() {
		ch <- Line{Conn: self, Line: scanner.Text()}
	}
	ch <- Line{Conn: self, Line: ""}
}

// Handle interprets one operator-socket line (query or command) per spec
// §6, applying Tracker transitions for commands and formatting query
// responses from tagOrder/refOrder/refPoints. refOrder lists the
// configured reference labels in declared order; refPoints is the same
// set keyed by label for the O(1) lookups handleCommand needs.
func Handle(line string, tagOrder []uint32, refOrder []string, refPoints map[string]groundtruth.ReferencePoint, tracker *groundtruth.Tracker) (response string, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}

	switch {
	case strings.HasSuffix(line, "?"):
		return handleQuery(line, tagOrder, refOrder)
	case strings.HasSuffix(line, "."):
		return "", handleCommand(line, refPoints, tracker)
	default:
		return "", fmt.Errorf("operator: unrecognised line %q", line)
	}
}

func handleQuery(line string, tagOrder []uint32, refOrder []string) (string, error) {
	switch line {
	case "tags?":
		fields := make([]string, len(tagOrder))
		for i, t := range tagOrder {
			fields[i] = strconv.FormatUint(uint64(t), 10)
		}
		return "Tag IDs: " + strings.Join(fields, " "), nil

	case "reference?":
		return "Reference Points: " + strings.Join(refOrder, " "), nil

	default:
		return "", fmt.Errorf("operator: unrecognised query %q", line)
	}
}

// commandVerbs maps the four fixed phrasings to their tracker Action,
// per spec §6.
var commandVerbs = []struct {
	verb   string
	action groundtruth.Action
}{
	{"Arrived at Reference", groundtruth.Arrived},
	{"Passed Reference", groundtruth.Passed},
	{"Left Reference", groundtruth.Heading},
	{"Abandoned Reference", groundtruth.Abandoned},
}

func handleCommand(line string, refPoints map[string]groundtruth.ReferencePoint, tracker *groundtruth.Tracker) error {
	meat := strings.TrimSuffix(line, ".")
	if !strings.HasPrefix(meat, "Tag ") {
		return fmt.Errorf("operator: unrecognised command %q", line)
	}
	meat = strings.TrimPrefix(meat, "Tag ")

	for _, cv := range commandVerbs {
		idx := strings.Index(meat, " "+cv.verb+" ")
		if idx < 0 {
			continue
		}
		tagField := meat[:idx]
		refName := strings.TrimSpace(meat[idx+len(cv.verb)+2:])

		tagID, err := strconv.ParseUint(strings.TrimSpace(tagField), 10, 32)
		if err != nil {
			return fmt.Errorf("operator: bad tag id %q", tagField)
		}
		ref, ok := refPoints[refName]
		if !ok {
			return fmt.Errorf("operator: unknown reference point %q", refName)
		}
		return tracker.Event(uint32(tagID), ref, cv.action)
	}

	return fmt.Errorf("operator: unrecognised command %q", line)
}
