// Package ratelimit caps how often one user may submit orders.
//
// Each user gets a token bucket holding PerMinute tokens that refills at
// PerMinute per minute, so short bursts pass and sustained resubmission is
// slowed. Buckets idle for longer than the idle window are dropped.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrLimitExceeded is returned when a user has no submissions left.
var ErrLimitExceeded = errors.New("ratelimit: too many order submissions, try again shortly")

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one bucket per user.
type Limiter struct {
	// PerMinute is the sustained submission rate and the burst size.
	PerMinute int

	idle time.Duration
	now  func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter returns a limiter allowing perMinute submissions per user per
// minute. perMinute <= 0 disables limiting.
func NewLimiter(perMinute int) *Limiter {
	return &Limiter{
		PerMinute: perMinute,
		idle:      10 * time.Minute,
		now:       time.Now,
		buckets:   make(map[string]*bucket),
	}
}

// Allow consumes one submission for userID.
func (l *Limiter) Allow(userID string) error {
	if l.PerMinute <= 0 {
		return nil
	}
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.PerMinute)), l.PerMinute)}
		l.buckets[userID] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	if !b.limiter.AllowN(now, 1) {
		return ErrLimitExceeded
	}
	return nil
}

// Sweep drops buckets idle past the idle window and returns how many were
// removed. A dropped bucket is full again on next use, which is what an
// idle bucket would have refilled to anyway.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
			n++
		}
	}
	return n
}
