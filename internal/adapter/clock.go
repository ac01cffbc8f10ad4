package adapter

import "time"

// Clock defines an interface for time operations to enable deterministic tests
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
}

// RealClock implements Clock using the standard time package
type RealClock struct{}

// NewClock creates a new real clock implementation
func NewClock() Clock {
	return &RealClock{}
}

func (c *RealClock) Now() time.Time {
	return time.Now()
}

func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (c *RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// FixedClock is a Clock pinned to a settable instant, for tests
type FixedClock struct {
	Instant time.Time
}

func (c *FixedClock) Now() time.Time                         { return c.Instant }
func (c *FixedClock) Since(t time.Time) time.Duration        { return c.Instant.Sub(t) }
func (c *FixedClock) After(d time.Duration) <-chan time.Time { return time.After(0) }

// Advance moves the fixed clock forward
func (c *FixedClock) Advance(d time.Duration) {
	c.Instant = c.Instant.Add(d)
}
