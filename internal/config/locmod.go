package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/lat-frontend/latd/internal/distfilter"
	"github.com/lat-frontend/latd/internal/engine/particlefilter"
	"github.com/lat-frontend/latd/internal/engine/pdfgrid"
	"github.com/lat-frontend/latd/internal/posfilter"
)

// section names the locmod config's four directive groups.
type section string

const (
	sectionParticleFilter section = "particlefilter"
	sectionDistanceFilter section = "distancefilter"
	sectionLocationEngine section = "locationengine"
	sectionPositionFilter section = "positionfilter"
)

var sectionHeaders = map[string]section{
	"particlefilter:": sectionParticleFilter,
	"distancefilter:": sectionDistanceFilter,
	"locationengine:": sectionLocationEngine,
	"positionfilter:": sectionPositionFilter,
}

// ParticleFilterParams holds the particle-filter engine's optional tuning
// parameters. A nil field means "use the engine's own default."
type ParticleFilterParams struct {
	ParticleCount *int
	DiscardRatio  *float64
}

// GetParticleCount returns the configured particle count, or the engine's
// documented default (spec §4.5.3) if unset.
func (p *ParticleFilterParams) GetParticleCount() int {
	if p != nil && p.ParticleCount != nil {
		return *p.ParticleCount
	}
	return particlefilter.DefaultParticleCount
}

// GetDiscardRatio returns the configured discard ratio, or the engine's
// documented default if unset.
func (p *ParticleFilterParams) GetDiscardRatio() float64 {
	if p != nil && p.DiscardRatio != nil {
		return *p.DiscardRatio
	}
	return particlefilter.DefaultDiscardRatio
}

// DistanceFilterParams holds the distance filter's optional tuning
// parameters (spec §4.3).
type DistanceFilterParams struct {
	Mode   *string
	MaxAge *float64
}

// GetMode returns the configured mode name, defaulting to "mostrecent".
func (p *DistanceFilterParams) GetMode() string {
	if p != nil && p.Mode != nil {
		return *p.Mode
	}
	return "mostrecent"
}

// GetMaxAge returns the configured max age, or distfilter.MaxAge if unset.
func (p *DistanceFilterParams) GetMaxAge() float64 {
	if p != nil && p.MaxAge != nil {
		return *p.MaxAge
	}
	return distfilter.MaxAge
}

// PositionFilterParams holds the position filter's optional tuning
// parameters (spec §4.4).
type PositionFilterParams struct {
	Mode       *string
	UpdateRate *float64
	MaxAge     *float64
}

// GetMode returns the configured mode name, defaulting to "mostrecent".
func (p *PositionFilterParams) GetMode() string {
	if p != nil && p.Mode != nil {
		return *p.Mode
	}
	return "mostrecent"
}

// GetUpdateRate returns the configured minimum number of seconds between
// emissions for one tag, defaulting to 1.
func (p *PositionFilterParams) GetUpdateRate() float64 {
	if p != nil && p.UpdateRate != nil {
		return *p.UpdateRate
	}
	return 1.0
}

// GetMaxAge returns the configured max age, or posfilter.MaxAge if unset.
func (p *PositionFilterParams) GetMaxAge() float64 {
	if p != nil && p.MaxAge != nil {
		return *p.MaxAge
	}
	return posfilter.MaxAge
}

// LocationEngineParams holds the location engine's optional tuning
// parameters (spec §4.5.1, PDF-grid mode).
type LocationEngineParams struct {
	EdgeLength *float64
}

// GetEdgeLength returns the configured grid edge length, or
// pdfgrid.DefaultEdgeLength if unset.
func (p *LocationEngineParams) GetEdgeLength() float64 {
	if p != nil && p.EdgeLength != nil {
		return *p.EdgeLength
	}
	return pdfgrid.DefaultEdgeLength
}

// Locmod holds the parsed contents of a locmod configuration file: the
// selected engine type plus each section's tuning parameters.
type Locmod struct {
	EngineType string

	ParticleFilter ParticleFilterParams
	DistanceFilter DistanceFilterParams
	LocationEngine LocationEngineParams
	PositionFilter PositionFilterParams

	Filename string
	Text     string
}

// LoadLocmodFile reads and parses the locmod configuration file at path.
func LoadLocmodFile(path string) (*Locmod, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	data := string(raw)

	lm := &Locmod{Filename: path, Text: data}

	var errs MultiError
	var current section
	haveSection := false

	scanner := bufio.NewScanner(strings.NewReader(data))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		meat := stripComment(scanner.Text())
		if meat == "" {
			continue
		}

		if sec, ok := sectionHeaders[strings.ToLower(meat)]; ok {
			current = sec
			haveSection = true
			continue
		}

		label, rest, ok := splitDirective(meat)
		if !ok {
			errs.Errors = append(errs.Errors, &ParseError{File: path, Line: lineNum, Message: fmt.Sprintf("malformed directive: %q", meat)})
			continue
		}

		if strings.ToLower(label) == "enginetype" {
			lm.EngineType = rest
			haveSection = false
			continue
		}

		if !haveSection {
			errs.Errors = append(errs.Errors, &ParseError{File: path, Line: lineNum, Message: fmt.Sprintf("%q outside any section", label)})
			continue
		}

		if err := lm.setParam(current, strings.ToLower(label), rest); err != nil {
			errs.Errors = append(errs.Errors, &ParseError{File: path, Line: lineNum, Message: err.Error()})
		}
	}

	if len(errs.Errors) > 0 {
		return lm, &errs
	}
	return lm, nil
}

func (lm *Locmod) setParam(sec section, label, value string) error {
	switch sec {
	case sectionParticleFilter:
		switch label {
		case "particle_count":
			v, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return fmt.Errorf("bad particle_count %q", value)
			}
			lm.ParticleFilter.ParticleCount = &v
		case "discard_ratio":
			v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return fmt.Errorf("bad discard_ratio %q", value)
			}
			lm.ParticleFilter.DiscardRatio = &v
		default:
			return fmt.Errorf("unrecognised ParticleFilter parameter: %s", label)
		}

	case sectionDistanceFilter:
		switch label {
		case "mode":
			v := strings.TrimSpace(value)
			lm.DistanceFilter.Mode = &v
		case "max_age":
			v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return fmt.Errorf("bad max_age %q", value)
			}
			lm.DistanceFilter.MaxAge = &v
		default:
			return fmt.Errorf("unrecognised DistanceFilter parameter: %s", label)
		}

	case sectionPositionFilter:
		switch label {
		case "mode":
			v := strings.TrimSpace(value)
			lm.PositionFilter.Mode = &v
		case "update_rate":
			v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return fmt.Errorf("bad update_rate %q", value)
			}
			lm.PositionFilter.UpdateRate = &v
		case "max_age":
			v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return fmt.Errorf("bad max_age %q", value)
			}
			lm.PositionFilter.MaxAge = &v
		default:
			return fmt.Errorf("unrecognised PositionFilter parameter: %s", label)
		}

	case sectionLocationEngine:
		switch label {
		case "edge_length":
			v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return fmt.Errorf("bad edge_length %q", value)
			}
			lm.LocationEngine.EdgeLength = &v
		default:
			return fmt.Errorf("unrecognised LocationEngine parameter: %s", label)
		}

	default:
		return fmt.Errorf("%q outside any section", label)
	}
	return nil
}
