package engine

import "sync/atomic"

// Clock is a monotonic logical clock.
//
// Next stamps the action log with strictly increasing sequence numbers.
// Tick and Observe make it a hybrid clock for operation timestamps: a tick
// never goes below wall time, and observing a remote timestamp guarantees the
// next local stamp is greater, so a causally later edit always carries the
// larger timestamp.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
// Used for replay to resume from last known position.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// Tick returns max(Current()+1, now) and stores it.
func (c *Clock) Tick(now int64) int64 {
	for {
		cur := c.seq.Load()
		next := cur + 1
		if now > next {
			next = now
		}
		if c.seq.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Observe advances the clock to remote if remote is ahead.
func (c *Clock) Observe(remote int64) {
	for {
		cur := c.seq.Load()
		if remote <= cur || c.seq.CompareAndSwap(cur, remote) {
			return
		}
	}
}
