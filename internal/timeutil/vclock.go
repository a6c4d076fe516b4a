package timeutil

import "sync"

// VirtualClock is the process-wide time source for the localization
// pipeline (component C1). Every pipeline component reads time only
// through a VirtualClock so that replay, which drives the clock through
// Pause/Set rather than letting it run live, is deterministic.
//
// Live mode returns wall-clock seconds minus a stored offset. Paused mode
// returns a fixed value set explicitly by the caller (the replay driver).
// The wall-clock source is itself a Clock so tests can substitute a
// MockClock instead of reaching for real time.
type VirtualClock struct {
	mu     sync.Mutex
	wall   Clock
	paused bool
	offset float64 // live mode: Now() = wallSeconds() - offset
	fixed  float64 // paused mode: Now() = fixed
}

// NewVirtualClock returns a live VirtualClock backed by wall.
func NewVirtualClock(wall Clock) *VirtualClock {
	return &VirtualClock{wall: wall}
}

func (c *VirtualClock) wallSeconds() float64 {
	t := c.wall.Now()
	return float64(t.UnixNano()) / 1e9
}

// Now returns the current virtual timestamp, in seconds since the epoch.
func (c *VirtualClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return c.fixed
	}
	return c.wallSeconds() - c.offset
}

// Set pins Now() to ts. In live mode this adjusts the stored offset so
// that subsequent calls continue to advance with wall-clock time starting
// from ts; in paused mode it simply replaces the fixed value.
func (c *VirtualClock) Set(ts float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.fixed = ts
		return
	}
	c.offset = c.wallSeconds() - ts
}

// Pause freezes the clock. If ts is non-nil, Now() returns *ts until
// Resume is called; otherwise the clock freezes at its current value.
func (c *VirtualClock) Pause(ts *float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts != nil {
		c.fixed = *ts
	} else if !c.paused {
		c.fixed = c.wallSeconds() - c.offset
	}
	c.paused = true
}

// Resume returns the clock to live mode. If ts is non-nil, Now()
// continues forward from ts; otherwise it continues forward from
// whatever value the clock was paused at.
func (c *VirtualClock) Resume(ts *float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := c.fixed
	if ts != nil {
		base = *ts
	}
	c.offset = c.wallSeconds() - base
	c.paused = false
}

// Paused reports whether the clock is currently paused.
func (c *VirtualClock) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}
