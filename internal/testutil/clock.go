package testutil

import (
	"sync"
	"time"

	"github.com/HerbHall/naspanel/internal/snapshot"
)

// Clock is a manually driven time source. Tests hand Clock.Now to the
// component under test and move time with Advance or Set.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock at start, or at 2025-01-01T00:00:00Z when no
// start is given.
func NewClock(start ...time.Time) *Clock {
	c := &Clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	if len(start) > 0 {
		c.now = start[0]
	}
	return c
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Stamp returns the current time in the snapshot wire format.
func (c *Clock) Stamp() string {
	return c.Now().Format(snapshot.TimestampLayout)
}

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set jumps the clock to t. Moving backwards is allowed so tests can
// simulate wall-clock corrections.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
