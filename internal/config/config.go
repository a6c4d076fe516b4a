// Package config parses the LAT Frontend's two directive-based
// configuration files: the main configuration (anchors, tags, reference
// points, server addresses, arena bounds) and the locmod configuration
// (per-component tuning parameters), per spec §6.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/lat-frontend/latd/internal/geo"
	"github.com/lat-frontend/latd/internal/monitoring"
)

// ParseError is one malformed line in a configuration file. A sum-typed
// result in place of exceptions-for-control-flow.
type ParseError struct {
	File    string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
}

// MultiError aggregates every ParseError found in one file, so the CLI can
// report every bad line at once instead of stopping at the first.
type MultiError struct {
	Errors []*ParseError
}

func (m *MultiError) Error() string {
	lines := make([]string, len(m.Errors))
	for i, e := range m.Errors {
		lines[i] = e.Error()
	}
	return strings.Join(lines, "\n")
}

// ReferencePoint is one named location from a Reference: directive.
type ReferencePoint struct {
	Name  string
	Point geo.Point
}

// Main holds the parsed contents of the main configuration file.
type Main struct {
	Anchors    map[uint32]geo.Point
	TagIDs     []uint32
	References []ReferencePoint // preserved in declared order, per spec §9 supplement 2

	LocationServerHost string
	LocationServerPort int
	LatServerHost      string
	LatServerPort      int

	MinX, MaxX, MinY, MaxY float64
	haveBound              map[string]bool

	Filename string
	Text     string
}

// DefaultLocationServerPort and DefaultLatServerPort mirror the original
// tool's hardcoded defaults (config.py's Config.__init__).
const (
	DefaultLocationServerPort = 6868
	DefaultLatServerPort      = 9292
)

// LoadMainFile reads and parses the main configuration file at path.
func LoadMainFile(path string) (*Main, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	m := &Main{
		Anchors:            make(map[uint32]geo.Point),
		LocationServerPort: DefaultLocationServerPort,
		LatServerPort:      DefaultLatServerPort,
		Filename:           path,
		Text:               string(data),
		haveBound:          make(map[string]bool),
	}

	var errs MultiError
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if err := m.parseLine(scanner.Text(), path, lineNum); err != nil {
			if pe, ok := err.(*ParseError); ok {
				errs.Errors = append(errs.Errors, pe)
				monitoring.Logf("config: %s", pe.Error())
				continue
			}
			return nil, err
		}
	}
	if len(errs.Errors) > 0 {
		return m, &errs
	}
	return m, nil
}

func (m *Main) parseLine(line, file string, lineNum int) error {
	meat := stripComment(line)
	if meat == "" {
		return nil
	}

	label, rest, ok := splitDirective(meat)
	if !ok {
		return &ParseError{File: file, Line: lineNum, Message: fmt.Sprintf("malformed directive: %q", line)}
	}

	switch strings.ToLower(label) {
	case "anchor":
		id, pt, err := parseAnchorDirective(rest)
		if err != nil {
			return &ParseError{File: file, Line: lineNum, Message: err.Error()}
		}
		m.Anchors[id] = pt

	case "tag":
		id, err := strconv.ParseUint(strings.TrimSpace(rest), 10, 32)
		if err != nil {
			return &ParseError{File: file, Line: lineNum, Message: fmt.Sprintf("bad tag id %q", rest)}
		}
		tagID := uint32(id)
		if !containsTag(m.TagIDs, tagID) {
			m.TagIDs = append(m.TagIDs, tagID)
		}

	case "reference":
		name, pt, err := parseReferenceDirective(rest)
		if err != nil {
			return &ParseError{File: file, Line: lineNum, Message: err.Error()}
		}
		m.References = append(m.References, ReferencePoint{Name: name, Point: pt})

	case "locationserver":
		host, port, err := parseHostPort(rest)
		if err != nil {
			return &ParseError{File: file, Line: lineNum, Message: err.Error()}
		}
		m.LocationServerHost, m.LocationServerPort = host, port

	case "latserver":
		host, port, err := parseHostPort(rest)
		if err != nil {
			return &ParseError{File: file, Line: lineNum, Message: err.Error()}
		}
		m.LatServerHost, m.LatServerPort = host, port

	case "min_x", "max_x", "min_y", "max_y":
		v, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
		if err != nil {
			return &ParseError{File: file, Line: lineNum, Message: fmt.Sprintf("bad bound %q: %v", rest, err)}
		}
		m.setBound(strings.ToLower(label), v)

	default:
		return &ParseError{File: file, Line: lineNum, Message: fmt.Sprintf("unrecognised configuration label: %s", label)}
	}
	return nil
}

func (m *Main) setBound(label string, v float64) {
	m.haveBound[label] = true
	switch label {
	case "min_x":
		m.MinX = v
	case "max_x":
		m.MaxX = v
	case "min_y":
		m.MinY = v
	case "max_y":
		m.MaxY = v
	}
}

// HasBounds reports whether all four arena-bound directives were set.
func (m *Main) HasBounds() bool {
	return m.haveBound["min_x"] && m.haveBound["max_x"] && m.haveBound["min_y"] && m.haveBound["max_y"]
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func splitDirective(meat string) (label, rest string, ok bool) {
	i := strings.IndexByte(meat, ':')
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(meat[:i]), strings.TrimSpace(meat[i+1:]), true
}

func parseAnchorDirective(rest string) (uint32, geo.Point, error) {
	parts := strings.SplitN(rest, ";", 2)
	if len(parts) != 2 {
		return 0, geo.Point{}, fmt.Errorf("malformed anchor directive: %q", rest)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return 0, geo.Point{}, fmt.Errorf("bad anchor id %q", parts[0])
	}
	pt, err := parseXY(parts[1])
	if err != nil {
		return 0, geo.Point{}, err
	}
	return uint32(id), pt, nil
}

func parseReferenceDirective(rest string) (string, geo.Point, error) {
	parts := strings.SplitN(rest, ";", 2)
	if len(parts) != 2 {
		return "", geo.Point{}, fmt.Errorf("malformed reference directive: %q", rest)
	}
	pt, err := parseXY(parts[1])
	if err != nil {
		return "", geo.Point{}, err
	}
	return strings.TrimSpace(parts[0]), pt, nil
}

func parseXY(s string) (geo.Point, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return geo.Point{}, fmt.Errorf("expected \"x,y\", got %q", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return geo.Point{}, fmt.Errorf("bad x coordinate %q", parts[0])
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return geo.Point{}, fmt.Errorf("bad y coordinate %q", parts[1])
	}
	return geo.Point{X: x, Y: y}, nil
}

func parseHostPort(s string) (string, int, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("expected \"host,port\", got %q", s)
	}
	port, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return "", 0, fmt.Errorf("bad port %q", parts[1])
	}
	return strings.TrimSpace(parts[0]), port, nil
}

func containsTag(tags []uint32, id uint32) bool {
	for _, t := range tags {
		if t == id {
			return true
		}
	}
	return false
}
