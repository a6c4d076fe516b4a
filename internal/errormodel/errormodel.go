// Package errormodel provides the distance error model shared by the PDF
// grid engine (C6) and the particle filter (C8): p(e) where
// e = measured - true, derived by linear interpolation over a histogram of
// offline-observed errors.
package errormodel

import "gonum.org/v1/gonum/interp"

// Model returns the probability density of a measurement error.
type Model interface {
	Probability(err float64) float64
}

// Histogram is a Model built from a normalized error histogram (bin edges
// plus per-bin density, as produced offline from recorded ground-truth
// errors). Outside the histogram's range it reports zero density.
type Histogram struct {
	pl   interp.PiecewiseLinear
	minX float64
	maxX float64
}

// NewHistogram builds a Histogram from bin edges (len(edges) == len(counts)+1)
// and per-bin densities already normalized to integrate to 1. Probability is
// linearly interpolated between bin midpoints, matching the error model the
// offline analysis tooling fits to recorded (measured - true) samples.
func NewHistogram(edges, counts []float64) (*Histogram, error) {
	mids := make([]float64, len(counts))
	for i := range counts {
		mids[i] = (edges[i] + edges[i+1]) / 2
	}

	var pl interp.PiecewiseLinear
	if err := pl.Fit(mids, counts); err != nil {
		return nil, err
	}

	return &Histogram{pl: pl, minX: mids[0], maxX: mids[len(mids)-1]}, nil
}

// Probability implements Model.
func (h *Histogram) Probability(err float64) float64 {
	if err < h.minX || err > h.maxX {
		return 0
	}
	return h.pl.Predict(err)
}

// Uniform is the degenerate model used by the location engine's "uniform"
// combination mode: it treats any positive error as fully probable and any
// non-positive error as impossible, turning the grid combination from a
// product of likelihoods into a simple additive vote.
type Uniform struct{}

// Probability implements Model.
func (Uniform) Probability(err float64) float64 {
	if err > 0 {
		return 1
	}
	return 0
}

// DistanceProbability returns the probability, under m, that a cell whose
// true distance to the anchor is dist produced the measurement estimated.
func DistanceProbability(m Model, dist, estimated float64) float64 {
	return m.Probability(estimated - dist)
}
