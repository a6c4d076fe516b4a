// Package particlefilter implements the Monte-Carlo particle filter
// location engine (C8): a per-tag weighted cloud of candidate positions,
// refined every update cycle by perturbation, culling against the current
// distance measurements, and resampling.
package particlefilter

import (
	"math"
	"math/rand"
	"sort"

	"github.com/lat-frontend/latd/internal/errormodel"
	"github.com/lat-frontend/latd/internal/geo"
)

const (
	// DefaultParticleCount is the default cloud size per tag.
	DefaultParticleCount = 100
	// DefaultDiscardRatio discards the worst-scoring 20% of particles
	// each cycle, keeping the best 80% (spec default).
	DefaultDiscardRatio = 0.2
	// minDistances is the entry count at or above which a new distance map
	// fully replaces the cached one rather than being merged into it.
	minDistances = 3
	// scoreTopN is how many of a particle's best residual probabilities
	// contribute to its score.
	scoreTopN = 3
	// maxGenerateAttempts bounds retries per missing particle slot when
	// refilling the cloud with fresh candidates.
	maxGenerateAttempts = 100
	// defaultMaxVelocity bounds how far a particle may jitter per second
	// of elapsed time (a generous walking-to-jogging pace, metres/second).
	defaultMaxVelocity = 1.5
)

// Clock is the minimal time source the engine needs to scale perturbation
// by elapsed time.
type Clock interface {
	Now() float64
}

type particle struct {
	point     geo.Point
	residuals []float64
	score     float64
}

type cloud struct {
	distances       map[uint32]float64
	particles       []particle
	lastPerturbTime float64
	havePerturbed   bool
}

// Engine is the particle-filter location engine (C8). It maintains one
// cloud per tag, addressed by tag id since the shared location-engine
// contract otherwise carries no per-tag state.
type Engine struct {
	anchors       map[uint32]geo.Point
	bounds        geo.Bounds
	particleCount int
	discardRatio  float64
	maxVelocity   float64
	model         errormodel.Model
	clock         Clock
	rng           *rand.Rand
	clouds        map[uint32]*cloud
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithParticleCount overrides DefaultParticleCount.
func WithParticleCount(n int) Option { return func(e *Engine) { e.particleCount = n } }

// WithDiscardRatio overrides DefaultDiscardRatio.
func WithDiscardRatio(r float64) Option { return func(e *Engine) { e.discardRatio = r } }

// WithMaxVelocity overrides the perturbation amplitude basis.
func WithMaxVelocity(v float64) Option { return func(e *Engine) { e.maxVelocity = v } }

// WithRand overrides the engine's random source (tests pass a seeded one
// for determinism).
func WithRand(r *rand.Rand) Option { return func(e *Engine) { e.rng = r } }

// New returns an Engine over the given anchors, sampling new particles from
// the anchors' bounding box.
func New(anchors map[uint32]geo.Point, model errormodel.Model, clock Clock, opts ...Option) *Engine {
	pts := make([]geo.Point, 0, len(anchors))
	for _, p := range anchors {
		pts = append(pts, p)
	}

	e := &Engine{
		anchors:       anchors,
		bounds:        geo.BoundsOf(pts),
		particleCount: DefaultParticleCount,
		discardRatio:  DefaultDiscardRatio,
		maxVelocity:   defaultMaxVelocity,
		model:         model,
		clock:         clock,
		rng:           rand.New(rand.NewSource(1)),
		clouds:        make(map[uint32]*cloud),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Coordinates runs one full update cycle (set_distances, perturb, cull,
// generate_new, score, discard) for tagID's cloud and returns the
// best-scoring particle's position. ok is false if the cloud ended up with
// no surviving particles (engine underdetermined, per the error-handling
// design).
func (e *Engine) Coordinates(tagID uint32, distances map[uint32]float64) (geo.Point, bool) {
	c, ok := e.clouds[tagID]
	if !ok {
		c = &cloud{distances: make(map[uint32]float64), lastPerturbTime: e.clock.Now()}
		e.clouds[tagID] = c
	}

	e.setDistances(c, distances)
	e.perturb(c)
	e.cull(c)
	e.generateNew(c)
	e.score(c)
	e.discard(c)

	if len(c.particles) == 0 {
		return geo.Point{}, false
	}
	return c.particles[0].point, true
}

func (e *Engine) setDistances(c *cloud, distances map[uint32]float64) {
	if len(distances) >= minDistances {
		c.distances = make(map[uint32]float64, len(distances))
		for k, v := range distances {
			c.distances[k] = v
		}
	} else {
		for k, v := range distances {
			c.distances[k] = v
		}
	}

	for i := range c.particles {
		c.particles[i].residuals = e.residualsAt(c, c.particles[i].point)
	}
}

// residualsAt returns, per currently-tracked anchor, measured - computed
// distance from pt, matching the sign convention of the original
// implementation this engine is grounded on.
func (e *Engine) residualsAt(c *cloud, pt geo.Point) []float64 {
	out := make([]float64, 0, len(c.distances))
	for anchorID, measured := range c.distances {
		anchor := e.anchors[anchorID]
		computed := geo.Distance(pt, anchor)
		out = append(out, measured-computed)
	}
	return out
}

func (e *Engine) perturb(c *cloud) {
	now := e.clock.Now()
	period := now - c.lastPerturbTime
	if !c.havePerturbed {
		period = 0
	}
	c.lastPerturbTime = now
	c.havePerturbed = true

	amplitude := e.maxVelocity * period
	if amplitude == 0 {
		return
	}
	for i := range c.particles {
		c.particles[i].point.X += (e.rng.Float64()*2 - 1) * amplitude
		c.particles[i].point.Y += (e.rng.Float64()*2 - 1) * amplitude
		c.particles[i].residuals = e.residualsAt(c, c.particles[i].point)
	}
}

func cullCandidate(residuals []float64) bool {
	if len(residuals) == 0 {
		return false
	}
	min := residuals[0]
	for _, r := range residuals[1:] {
		if r < min {
			min = r
		}
	}
	return min < 0
}

func (e *Engine) cull(c *cloud) {
	kept := c.particles[:0:0]
	for _, p := range c.particles {
		if !cullCandidate(p.residuals) {
			kept = append(kept, p)
		}
	}
	c.particles = kept
}

func (e *Engine) newCandidate(c *cloud) particle {
	pt := geo.Point{
		X: e.bounds.MinX + e.rng.Float64()*(e.bounds.MaxX-e.bounds.MinX),
		Y: e.bounds.MinY + e.rng.Float64()*(e.bounds.MaxY-e.bounds.MinY),
	}
	return particle{point: pt, residuals: e.residualsAt(c, pt)}
}

func (e *Engine) generateNew(c *cloud) {
	for len(c.particles) < e.particleCount {
		var accepted *particle
		for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
			cand := e.newCandidate(c)
			if !cullCandidate(cand.residuals) {
				accepted = &cand
				break
			}
		}
		if accepted == nil {
			break
		}
		c.particles = append(c.particles, *accepted)
	}
}

func (e *Engine) score(c *cloud) {
	for i := range c.particles {
		c.particles[i].score = e.scoreOne(c.particles[i].residuals)
	}
}

// scoreOne returns 1 minus the explicit product of the top scoreTopN
// residual probabilities. The original source instead returns 1 minus the
// last probability considered, a bug this engine deliberately does not
// reproduce (spec §9).
func (e *Engine) scoreOne(residuals []float64) float64 {
	probs := make([]float64, len(residuals))
	for i, r := range residuals {
		probs[i] = e.model.Probability(r)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(probs)))

	n := scoreTopN
	if n > len(probs) {
		n = len(probs)
	}

	product := 1.0
	for _, p := range probs[:n] {
		product *= p
	}
	return 1 - product
}

func (e *Engine) discard(c *cloud) {
	sort.Slice(c.particles, func(i, j int) bool { return c.particles[i].score < c.particles[j].score })
	keep := int(math.Round(float64(e.particleCount) * (1 - e.discardRatio)))
	if keep > len(c.particles) {
		keep = len(c.particles)
	}
	c.particles = c.particles[:keep]
}
