// Package testutil provides shared helpers for tests: a fixed wall
// clock and a seeded meet fixture.
package testutil

import (
	"sync"
	"time"
)

// FixedClock is a controllable wall clock for tests. Its Now method
// plugs into the engine and resolver clock options, so timer timestamps
// and record dates are deterministic.
//
// All methods are safe for concurrent use.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixedClock creates a clock pinned to the given instant.
func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

// Now returns the current fixed instant.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
