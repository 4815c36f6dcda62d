// Package breaker tracks per-provider failure state and gates admission.
//
// sony/gobreaker (used elsewhere for the index store) cannot express this
// policy: HalfOpen here only admits after a settle period inside HalfOpen,
// the admission gate itself performs the Open -> HalfOpen transition, and
// the facade surfaces raw failure counts and reset timestamps per provider.
package breaker

import (
	"sync"
	"time"
)

// State is the per-provider circuit position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type health struct {
	failures      int
	lastFailure   time.Time
	state         State
	halfOpenSince time.Time
	lastSeen      time.Time
}

// Breaker holds one circuit per provider, created lazily on first
// observation.
type Breaker struct {
	mu        sync.Mutex
	providers map[string]*health

	failureThreshold int
	resetTimeout     time.Duration
	halfOpenTimeout  time.Duration

	now func() time.Time
}

// New creates a Breaker with the given thresholds.
func New(failureThreshold int, resetTimeout, halfOpenTimeout time.Duration) *Breaker {
	return &Breaker{
		providers:        make(map[string]*health),
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenTimeout:  halfOpenTimeout,
		now:              time.Now,
	}
}

func (b *Breaker) get(providerID string) *health {
	h, ok := b.providers[providerID]
	if !ok {
		h = &health{state: Closed}
		b.providers[providerID] = h
	}
	h.lastSeen = b.now()
	return h
}

// CanExecute is the admission gate. It may transition Open -> HalfOpen as a
// side effect once the reset timeout has elapsed. In HalfOpen, admission
// starts only after the settle period so a recovering provider is probed,
// not flooded.
func (b *Breaker) CanExecute(providerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.get(providerID)
	now := b.now()

	switch h.state {
	case Closed:
		return true
	case Open:
		if now.Sub(h.lastFailure) >= b.resetTimeout {
			h.state = HalfOpen
			h.halfOpenSince = now
			return true
		}
		return false
	case HalfOpen:
		return now.Sub(h.halfOpenSince) >= b.halfOpenTimeout
	default:
		return false
	}
}

// RecordSuccess zeroes the failure counter; a HalfOpen circuit closes.
func (b *Breaker) RecordSuccess(providerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.get(providerID)
	h.failures = 0
	if h.state == HalfOpen {
		h.state = Closed
	}
}

// RecordFailure counts a failure and opens the circuit at the threshold.
// A failure in HalfOpen reopens immediately.
func (b *Breaker) RecordFailure(providerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.get(providerID)
	h.failures++
	h.lastFailure = b.now()

	if h.state == HalfOpen || h.failures >= b.failureThreshold {
		h.state = Open
	}
}

// CircuitStatus is a point-in-time view of one provider's circuit.
type CircuitStatus struct {
	State        State
	FailureCount int
	LastFailure  time.Time
	ResetAt      time.Time
}

// Status reports the circuit for providerID. Unknown providers read as a
// fresh Closed circuit.
func (b *Breaker) Status(providerID string) CircuitStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.providers[providerID]
	if !ok {
		return CircuitStatus{State: Closed}
	}

	st := CircuitStatus{
		State:        h.state,
		FailureCount: h.failures,
		LastFailure:  h.lastFailure,
	}
	if h.state == Open {
		st.ResetAt = h.lastFailure.Add(b.resetTimeout)
	}
	return st
}

// EvictIdle drops circuits not touched within window. Provider state would
// otherwise accrete for the process lifetime.
func (b *Breaker) EvictIdle(window time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-window)
	evicted := 0
	for id, h := range b.providers {
		if h.lastSeen.Before(cutoff) {
			delete(b.providers, id)
			evicted++
		}
	}
	return evicted
}
