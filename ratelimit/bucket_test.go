package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jacentio/tally/ratelimit"
)

var bucket = ratelimit.Bucket{Capacity: 10, RefillAmount: 2, RefillEvery: time.Second}

func TestBucketRefill(t *testing.T) {
	t0 := time.Unix(1000, 0)

	tests := []struct {
		name   string
		state  ratelimit.State
		now    time.Time
		tokens int64
		last   time.Time
	}{
		{"zero state starts full", ratelimit.State{}, t0, 10, t0},
		{"no time passed", ratelimit.State{Tokens: 3, LastRefill: t0}, t0, 3, t0},
		{"partial period", ratelimit.State{Tokens: 3, LastRefill: t0}, t0.Add(900 * time.Millisecond), 3, t0},
		{"two periods", ratelimit.State{Tokens: 3, LastRefill: t0}, t0.Add(2500 * time.Millisecond), 7, t0.Add(2 * time.Second)},
		{"caps at capacity", ratelimit.State{Tokens: 3, LastRefill: t0}, t0.Add(time.Hour), 10, t0.Add(time.Hour)},
		{"clock went backwards", ratelimit.State{Tokens: 3, LastRefill: t0}, t0.Add(-time.Minute), 3, t0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bucket.Refill(tt.state, tt.now)
			assert.Equal(t, tt.tokens, got.Tokens)
			assert.True(t, tt.last.Equal(got.LastRefill), "last refill %s, want %s", got.LastRefill, tt.last)
		})
	}
}

func TestBucketRefill_Monotonic(t *testing.T) {
	s := ratelimit.State{Tokens: 0, LastRefill: time.Unix(1000, 0)}
	prev := s
	for i := 1; i <= 20; i++ {
		s = bucket.Refill(s, time.Unix(1000, 0).Add(time.Duration(i)*700*time.Millisecond))
		assert.GreaterOrEqual(t, s.Tokens, prev.Tokens)
		assert.False(t, s.LastRefill.Before(prev.LastRefill))
		prev = s
	}
	assert.Equal(t, int64(10), s.Tokens)
}

func TestBucketTake(t *testing.T) {
	t0 := time.Unix(1000, 0)
	s := ratelimit.State{Tokens: 1, LastRefill: t0}

	s, ok := bucket.Take(s, t0, 1)
	assert.True(t, ok)
	assert.Equal(t, int64(0), s.Tokens)

	s, ok = bucket.Take(s, t0, 1)
	assert.False(t, ok, "empty bucket")
	assert.Equal(t, int64(0), s.Tokens, "tokens never go negative")

	s, ok = bucket.Take(s, t0.Add(time.Second), 2)
	assert.True(t, ok, "one period refilled two tokens")
	assert.Equal(t, int64(0), s.Tokens)

	_, ok = bucket.Take(s, t0, -1)
	assert.False(t, ok)
}
