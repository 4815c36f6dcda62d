// Package latency tracks rolling per-provider latency quantiles and filters
// match candidates whose observed p95 exceeds a bid's latency budget.
package latency

import (
	"sort"
	"sync"
	"time"

	"github.com/cybergolemai/gollem-lob/internal/orderbook"
)

// defaultP95 is assumed for a provider until its first full sample window
// completes.
const defaultP95 = 100 * time.Millisecond

// historyCap bounds the per-provider sample history retained for the
// metrics surface.
const historyCap = 1000

type sample struct {
	at time.Time
	ms float64
}

type providerStats struct {
	window     []float64
	p95        time.Duration
	lastUpdate time.Time
	history    []sample
}

// Router computes rolling p95 latency per provider.
type Router struct {
	mu         sync.RWMutex
	stats      map[string]*providerStats
	windowSize int
	staleAfter time.Duration

	now func() time.Time
}

// New creates a Router. windowSize samples trigger a p95 recompute;
// providers unobserved for staleAfter stop being filtered on latency.
func New(windowSize int, staleAfter time.Duration) *Router {
	return &Router{
		stats:      make(map[string]*providerStats),
		windowSize: windowSize,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Record adds one observed request latency for a provider. When the sample
// buffer reaches the window size the p95 is recomputed and the buffer
// resets.
func (r *Router) Record(providerID string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.stats[providerID]
	if !ok {
		st = &providerStats{
			window: make([]float64, 0, r.windowSize),
			p95:    defaultP95,
		}
		r.stats[providerID] = st
	}

	now := r.now()
	ms := float64(latency) / float64(time.Millisecond)
	st.window = append(st.window, ms)
	st.lastUpdate = now

	st.history = append(st.history, sample{at: now, ms: ms})
	if len(st.history) > historyCap {
		st.history = st.history[len(st.history)-historyCap:]
	}

	if len(st.window) >= r.windowSize {
		sorted := append([]float64(nil), st.window...)
		sort.Float64s(sorted)
		idx := int(float64(len(sorted)) * 0.95)
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		st.p95 = time.Duration(sorted[idx] * float64(time.Millisecond))
		st.window = st.window[:0]
	}
}

// Filter retains each ask whose provider either has no stats, has stale
// stats, or whose p95 fits the bid's latency budget. Unknown and stale
// providers stay in to avoid cold-start exclusion.
func (r *Router) Filter(candidates []orderbook.Ask, maxLatencyMs uint32) []orderbook.Ask {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	budget := time.Duration(maxLatencyMs) * time.Millisecond

	kept := candidates[:0]
	for _, ask := range candidates {
		st, ok := r.stats[ask.ProviderID]
		if !ok || now.Sub(st.lastUpdate) > r.staleAfter || st.p95 <= budget {
			kept = append(kept, ask)
		}
	}
	return kept
}

// Metrics is the quantile view served for one provider over a time window.
type Metrics struct {
	P50Ms       float64
	P95Ms       float64
	P99Ms       float64
	Samples     int
	WindowStart time.Time
	WindowEnd   time.Time
}

// Metrics computes quantiles over the retained history within window.
func (r *Router) Metrics(providerID string, window time.Duration) Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	m := Metrics{WindowStart: now.Add(-window), WindowEnd: now}

	st, ok := r.stats[providerID]
	if !ok {
		return m
	}

	values := make([]float64, 0, len(st.history))
	for _, s := range st.history {
		if !s.at.Before(m.WindowStart) {
			values = append(values, s.ms)
		}
	}
	m.Samples = len(values)
	if len(values) == 0 {
		return m
	}

	sort.Float64s(values)
	m.P50Ms = percentile(values, 0.50)
	m.P95Ms = percentile(values, 0.95)
	m.P99Ms = percentile(values, 0.99)
	return m
}

// percentile interpolates linearly between the two nearest ranks of a
// sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// EvictIdle drops providers unobserved within window.
func (r *Router) EvictIdle(window time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-window)
	evicted := 0
	for id, st := range r.stats {
		if st.lastUpdate.Before(cutoff) {
			delete(r.stats, id)
			evicted++
		}
	}
	return evicted
}
