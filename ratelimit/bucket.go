package ratelimit

import "time"

// Bucket holds token-bucket parameters. All arithmetic is on integers.
type Bucket struct {
	// Capacity is the maximum number of tokens.
	Capacity int64

	// RefillAmount tokens are added every RefillEvery.
	RefillAmount int64
	RefillEvery  time.Duration
}

// Refill returns s advanced to now. A zero state starts full at now.
// Time never moves backwards: a now before s.LastRefill returns s unchanged,
// and LastRefill only advances by whole refill periods so partial periods
// carry over.
func (b Bucket) Refill(s State, now time.Time) State {
	if s.LastRefill.IsZero() {
		return State{Tokens: b.Capacity, LastRefill: now}
	}
	if b.RefillEvery <= 0 || b.RefillAmount <= 0 || !now.After(s.LastRefill) {
		return s
	}

	periods := int64(now.Sub(s.LastRefill) / b.RefillEvery)
	if periods == 0 {
		return s
	}

	missing := b.Capacity - s.Tokens
	if missing <= 0 || periods >= (missing+b.RefillAmount-1)/b.RefillAmount {
		s.Tokens = b.Capacity
	} else {
		s.Tokens += periods * b.RefillAmount
	}
	s.LastRefill = s.LastRefill.Add(time.Duration(periods) * b.RefillEvery)
	return s
}

// Take refills s to now and removes n tokens if enough are available.
// The returned state is the one to persist either way.
func (b Bucket) Take(s State, now time.Time, n int64) (State, bool) {
	s = b.Refill(s, now)
	if n < 0 || s.Tokens < n {
		return s, false
	}
	s.Tokens -= n
	return s, true
}
