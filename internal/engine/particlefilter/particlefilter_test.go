package particlefilter

import (
	"math/rand"
	"testing"

	"github.com/lat-frontend/latd/internal/errormodel"
	"github.com/lat-frontend/latd/internal/geo"
)

type fakeClock struct{ t float64 }

func (f *fakeClock) Now() float64 { return f.t }

func squareArenaAnchors() map[uint32]geo.Point {
	return map[uint32]geo.Point{
		1: {X: 0, Y: 0},
		2: {X: 0, Y: 10},
		3: {X: 10, Y: 0},
		4: {X: 10, Y: 10},
	}
}

func peakedModel(t *testing.T) errormodel.Model {
	t.Helper()
	edges := []float64{-0.5, -0.1, 0.1, 0.5}
	counts := []float64{0.01, 5.0, 0.01}
	m, err := errormodel.NewHistogram(edges, counts)
	if err != nil {
		t.Fatalf("NewHistogram: %v", err)
	}
	return m
}

func TestCoordinatesIsDeterministicGivenSameSeed(t *testing.T) {
	anchors := squareArenaAnchors()
	model := peakedModel(t)

	run := func() (geo.Point, bool) {
		clk := &fakeClock{}
		e := New(anchors, model, clk, WithRand(rand.New(rand.NewSource(42))), WithParticleCount(50))
		p := geo.Point{X: 5, Y: 5}
		distances := map[uint32]float64{}
		for id, a := range anchors {
			distances[id] = geo.Distance(p, a)
		}
		var got geo.Point
		var ok bool
		for i := 0; i < 5; i++ {
			got, ok = e.Coordinates(7, distances)
			clk.t++
		}
		return got, ok
	}

	a, okA := run()
	b, okB := run()
	if okA != okB || a != b {
		t.Fatalf("expected deterministic result given same seed, got %v/%v vs %v/%v", a, okA, b, okB)
	}
}

func TestCullRejectsParticleCloserThanMeasurement(t *testing.T) {
	anchors := map[uint32]geo.Point{1: {X: 0, Y: 0}}
	distances := map[uint32]float64{1: 5.0}

	closeResiduals := (&Engine{anchors: anchors}).residualsAt(&cloud{distances: distances}, geo.Point{X: 1, Y: 0})
	if !cullCandidate(closeResiduals) {
		t.Fatal("expected a particle much closer than measured distance to be culled")
	}

	farResiduals := (&Engine{anchors: anchors}).residualsAt(&cloud{distances: distances}, geo.Point{X: 5, Y: 0})
	if cullCandidate(farResiduals) {
		t.Fatal("expected a particle at the measured distance to survive culling")
	}
}

func TestScoreUsesExplicitProductOfTopResiduals(t *testing.T) {
	e := &Engine{model: errormodel.Uniform{}}
	// Uniform model: probability 1 for positive residual, 0 otherwise.
	// All three residuals positive -> product of top 3 is 1 -> score 0.
	if got := e.scoreOne([]float64{0.1, 0.2, 0.3}); got != 0 {
		t.Fatalf("expected score 0 when all top residuals are probable, got %v", got)
	}
	// One residual non-positive among the top 3 -> product includes a 0 -> score 1.
	if got := e.scoreOne([]float64{0.1, 0.2, -0.1}); got != 1 {
		t.Fatalf("expected score 1 when a top residual is improbable, got %v", got)
	}
}

func TestCoordinatesConvergesNearTruePosition(t *testing.T) {
	anchors := squareArenaAnchors()
	model := peakedModel(t)
	clk := &fakeClock{}
	e := New(anchors, model, clk, WithRand(rand.New(rand.NewSource(7))), WithParticleCount(200))

	p := geo.Point{X: 5, Y: 5}
	distances := map[uint32]float64{}
	for id, a := range anchors {
		distances[id] = geo.Distance(p, a)
	}

	var got geo.Point
	var ok bool
	for i := 0; i < 20; i++ {
		got, ok = e.Coordinates(7, distances)
		clk.t += 0.1
	}
	if !ok {
		t.Fatal("expected a surviving particle")
	}
	if d := geo.Distance(got, p); d > 2.0 {
		t.Fatalf("expected convergence near (5,5) within 2m, got %v (d=%v)", got, d)
	}
}
