// Package ratelimit provides per-provider token buckets gating admission.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per provider, lazily created full.
// Admission peeks without consuming; exactly one token is consumed for the
// provider that actually wins the match.
type Limiter struct {
	mu       sync.RWMutex
	buckets  map[string]*bucket
	capacity int
	fillRate float64
}

// New creates a Limiter. capacity is the bucket size, fillRate the refill in
// tokens per second.
func New(capacity int, fillRate float64) *Limiter {
	return &Limiter{
		buckets:  make(map[string]*bucket),
		capacity: capacity,
		fillRate: fillRate,
	}
}

func (l *Limiter) get(providerID string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[providerID]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		b.lastSeen = time.Now()
		l.mu.Unlock()
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[providerID]; ok {
		b.lastSeen = time.Now()
		return b
	}
	b = &bucket{
		limiter:  rate.NewLimiter(rate.Limit(l.fillRate), l.capacity),
		lastSeen: time.Now(),
	}
	l.buckets[providerID] = b
	return b
}

// Peek reports whether n tokens are currently available without consuming
// any.
func (l *Limiter) Peek(providerID string, n int) bool {
	return l.get(providerID).limiter.Tokens() >= float64(n)
}

// Acquire consumes n tokens iff available.
func (l *Limiter) Acquire(providerID string, n int) bool {
	return l.get(providerID).limiter.AllowN(time.Now(), n)
}

// Status is a point-in-time view of one provider's bucket.
type Status struct {
	RemainingTokens float64
	TokensPerSecond float64
	Capacity        int
	ResetAt         time.Time
	IsLimited       bool
}

// Status reports the bucket for providerID, creating it if absent.
func (l *Limiter) Status(providerID string) Status {
	lim := l.get(providerID).limiter
	now := time.Now()
	tokens := lim.Tokens()

	st := Status{
		RemainingTokens: tokens,
		TokensPerSecond: float64(lim.Limit()),
		Capacity:        lim.Burst(),
		ResetAt:         now,
		IsLimited:       tokens < 1,
	}
	if st.IsLimited && st.TokensPerSecond > 0 {
		wait := (1 - tokens) / st.TokensPerSecond
		st.ResetAt = now.Add(time.Duration(wait * float64(time.Second)))
	}
	return st
}

// EvictIdle drops buckets not touched within window.
func (l *Limiter) EvictIdle(window time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-window)
	evicted := 0
	for id, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
			evicted++
		}
	}
	return evicted
}
