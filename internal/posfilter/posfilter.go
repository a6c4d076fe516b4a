// Package posfilter implements the Position Filter (C5): it smooths
// successive per-tag position estimates and throttles how often each tag's
// location is allowed to emit.
package posfilter

import "github.com/lat-frontend/latd/internal/geo"

// Mode selects how locations(tags) reduces a tag's surviving updates to one
// point.
type Mode int

const (
	// MostRecent returns the newest update's point.
	MostRecent Mode = iota
	// Median applies the median componentwise over surviving updates.
	Median
	// Mean applies the arithmetic mean componentwise over surviving updates.
	Mean
)

// MaxAge is the default window (seconds) beyond which an update is culled
// before it can contribute to a location.
const MaxAge = 2.0

type update struct {
	point     geo.Point
	timestamp float64
}

// Clock is the minimal time source the filter needs.
type Clock interface {
	Now() float64
}

// Filter accumulates timestamped position updates per tag and reduces them
// to a single point per tag on request, subject to an optional per-tag
// emission rate gate. Not safe for concurrent use.
type Filter struct {
	mode       Mode
	clock      Clock
	updateRate float64 // 0 disables the gate
	maxAge     float64

	history  map[uint32][]update
	lastEmit map[uint32]float64
	haveEmit map[uint32]bool
}

// New returns a Filter. updateRate of 0 disables rate throttling; maxAge of
// 0 uses MaxAge.
func New(mode Mode, clock Clock, updateRate, maxAge float64) *Filter {
	if maxAge == 0 {
		maxAge = MaxAge
	}
	return &Filter{
		mode:       mode,
		clock:      clock,
		updateRate: updateRate,
		maxAge:     maxAge,
		history:    make(map[uint32][]update),
		lastEmit:   make(map[uint32]float64),
		haveEmit:   make(map[uint32]bool),
	}
}

// AddUpdates appends one timestamped position update per tag in pts.
func (f *Filter) AddUpdates(pts map[uint32]geo.Point) {
	now := f.clock.Now()
	for tag, pt := range pts {
		f.history[tag] = append(f.history[tag], update{point: pt, timestamp: now})
	}
}

// Locations culls stale updates, then for each requested tag whose emission
// rate gate allows it, reduces its surviving updates per mode and records
// the emission timestamp. Tags blocked by the rate gate, or with no
// surviving updates, are absent from the result.
func (f *Filter) Locations(tags []uint32) map[uint32]geo.Point {
	now := f.clock.Now()
	out := make(map[uint32]geo.Point)

	for _, tag := range tags {
		hist := f.cull(tag, now)
		if len(hist) == 0 {
			continue
		}
		if f.updateRate > 0 && f.haveEmit[tag] && now-f.lastEmit[tag] < f.updateRate {
			continue
		}

		var pt geo.Point
		switch f.mode {
		case MostRecent:
			pt = hist[len(hist)-1].point
		case Median:
			pt = componentwiseMedian(hist)
		case Mean:
			pt = componentwiseMean(hist)
		}

		out[tag] = pt
		f.lastEmit[tag] = now
		f.haveEmit[tag] = true
	}

	return out
}

func (f *Filter) cull(tag uint32, now float64) []update {
	hist := f.history[tag]
	kept := hist[:0:0]
	for _, u := range hist {
		if now-u.timestamp <= f.maxAge {
			kept = append(kept, u)
		}
	}
	f.history[tag] = kept
	return kept
}

func componentwiseMean(hist []update) geo.Point {
	var sx, sy float64
	for _, u := range hist {
		sx += u.point.X
		sy += u.point.Y
	}
	n := float64(len(hist))
	return geo.Point{X: sx / n, Y: sy / n}
}

func componentwiseMedian(hist []update) geo.Point {
	xs := make([]float64, len(hist))
	ys := make([]float64, len(hist))
	for i, u := range hist {
		xs[i] = u.point.X
		ys[i] = u.point.Y
	}
	return geo.Point{X: median(xs), Y: median(ys)}
}

func median(vs []float64) float64 {
	sorted := append([]float64(nil), vs...)
	insertionSort(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func insertionSort(vs []float64) {
	for i := 1; i < len(vs); i++ {
		v := vs[i]
		j := i - 1
		for j >= 0 && vs[j] > v {
			vs[j+1] = vs[j]
			j--
		}
		vs[j+1] = v
	}
}
