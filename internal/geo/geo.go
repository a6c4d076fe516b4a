// Package geo provides the small set of 2D geometry helpers shared by the
// location engines, the experiment store, and the ground-truth tracker.
package geo

import "math"

// Point is a 2D position in metres.
type Point struct {
	X float64
	Y float64
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Lerp linearly interpolates between a and b at fraction t (0 at a, 1 at b).
// t is not clamped; callers are expected to pass values in [0, 1].
func Lerp(a, b Point, t float64) Point {
	return Point{
		X: a.X + (b.X-a.X)*t,
		Y: a.Y + (b.Y-a.Y)*t,
	}
}

// Bounds is an axis-aligned bounding box.
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

// Expand returns a copy of b grown by margin in every direction.
func (b Bounds) Expand(margin float64) Bounds {
	return Bounds{
		MinX: b.MinX - margin,
		MinY: b.MinY - margin,
		MaxX: b.MaxX + margin,
		MaxY: b.MaxY + margin,
	}
}

// BoundsOf computes the bounding box of a set of points. Panics if pts is
// empty; callers always have at least one anchor by the time they call this.
func BoundsOf(pts []Point) Bounds {
	if len(pts) == 0 {
		panic("geo.BoundsOf: empty point set")
	}
	b := Bounds{MinX: pts[0].X, MaxX: pts[0].X, MinY: pts[0].Y, MaxY: pts[0].Y}
	for _, p := range pts[1:] {
		b.MinX = math.Min(b.MinX, p.X)
		b.MaxX = math.Max(b.MaxX, p.X)
		b.MinY = math.Min(b.MinY, p.Y)
		b.MaxY = math.Max(b.MaxY, p.Y)
	}
	return b
}
