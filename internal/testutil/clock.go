package testutil

import (
	"sync"
	"time"
)

// ManualClock is a wall clock, in Unix milliseconds, that only moves when a
// test moves it.
//
// Pass clock.Now to session.WithNow so operation timestamps are
// reproducible across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu    sync.Mutex
	start int64
	now   int64
	step  int64
}

// NewManualClock creates a clock reading start.
func NewManualClock(start int64) *ManualClock {
	return &ManualClock{start: start, now: start}
}

// NewSteppingClock creates a clock that advances by step after every read.
// The first call to Now() returns start.
func NewSteppingClock(start int64, step time.Duration) *ManualClock {
	return &ManualClock{start: start, now: start, step: step.Milliseconds()}
}

// Now returns the current reading.
func (c *ManualClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now += c.step
	return now
}

// Current returns the reading without stepping.
func (c *ManualClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (c *ManualClock) Advance(d time.Duration) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms := d.Milliseconds(); ms > 0 {
		c.now += ms
	}
	return c.now
}

// Set jumps to ms, which may be in the past.
func (c *ManualClock) Set(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = ms
}

// Reset returns the clock to its start reading.
func (c *ManualClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
