package router

import "time"

// Backoff is a capped exponential retry schedule: Base * 2^attempt, never
// above Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff starts at 200ms and caps at 5s.
var DefaultBackoff = Backoff{Base: 200 * time.Millisecond, Max: 5 * time.Second}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		b = DefaultBackoff
	}
	if attempt < 0 {
		return b.Base
	}
	// 2^30 * base overflows any sane cap already.
	if attempt > 30 {
		return b.Max
	}
	d := b.Base * time.Duration(1<<attempt)
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
