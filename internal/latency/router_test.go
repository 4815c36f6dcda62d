package latency

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybergolemai/gollem-lob/internal/orderbook"
)

func testAsk(provider string) orderbook.Ask {
	return orderbook.Ask{
		ProviderID:   provider,
		Model:        "gpt4",
		GPUType:      "a100",
		Price:        decimal.RequireFromString("0.001"),
		MaxLatencyMs: 1000,
	}
}

func newTestRouter(window int) (*Router, *time.Time) {
	now := time.Unix(1700000000, 0)
	r := New(window, 5*time.Minute)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestRouter_UnknownProviderKept(t *testing.T) {
	r, _ := newTestRouter(100)

	kept := r.Filter([]orderbook.Ask{testAsk("p1")}, 50)
	assert.Len(t, kept, 1, "cold-start providers are not excluded")
}

func TestRouter_DefaultP95UntilWindowCompletes(t *testing.T) {
	r, _ := newTestRouter(100)

	// A handful of slow samples do not move the p95 before the window fills.
	for i := 0; i < 10; i++ {
		r.Record("p1", 900*time.Millisecond)
	}

	kept := r.Filter([]orderbook.Ask{testAsk("p1")}, 200)
	assert.Len(t, kept, 1, "default p95 of 100ms applies before first recompute")
}

func TestRouter_P95RecomputedAtWindow(t *testing.T) {
	r, _ := newTestRouter(10)

	// Nine fast samples, one slow: p95 index 9 of the sorted window.
	for i := 0; i < 9; i++ {
		r.Record("p1", 50*time.Millisecond)
	}
	r.Record("p1", 800*time.Millisecond)

	kept := r.Filter([]orderbook.Ask{testAsk("p1")}, 500)
	assert.Empty(t, kept, "p95 of 800ms exceeds the 500ms budget")

	kept = r.Filter([]orderbook.Ask{testAsk("p1")}, 900)
	assert.Len(t, kept, 1)
}

func TestRouter_WindowResetsAfterRecompute(t *testing.T) {
	r, _ := newTestRouter(10)

	for i := 0; i < 10; i++ {
		r.Record("p1", 800*time.Millisecond)
	}
	require.Empty(t, r.Filter([]orderbook.Ask{testAsk("p1")}, 500))

	// A fresh window of fast samples replaces the p95 entirely.
	for i := 0; i < 10; i++ {
		r.Record("p1", 20*time.Millisecond)
	}
	assert.Len(t, r.Filter([]orderbook.Ask{testAsk("p1")}, 500), 1)
}

func TestRouter_StaleStatsKeepProvider(t *testing.T) {
	r, now := newTestRouter(10)

	for i := 0; i < 10; i++ {
		r.Record("p1", 800*time.Millisecond)
	}
	require.Empty(t, r.Filter([]orderbook.Ask{testAsk("p1")}, 500))

	*now = now.Add(6 * time.Minute)
	assert.Len(t, r.Filter([]orderbook.Ask{testAsk("p1")}, 500), 1,
		"stats older than the staleness horizon stop filtering")
}

func TestRouter_Metrics(t *testing.T) {
	r, _ := newTestRouter(1000)

	for i := 1; i <= 100; i++ {
		r.Record("p1", time.Duration(i)*time.Millisecond)
	}

	m := r.Metrics("p1", time.Hour)
	assert.Equal(t, 100, m.Samples)
	assert.InDelta(t, 50.5, m.P50Ms, 1.0)
	assert.InDelta(t, 95.05, m.P95Ms, 1.0)
	assert.InDelta(t, 99.01, m.P99Ms, 1.0)
	assert.Equal(t, m.WindowEnd.Add(-time.Hour), m.WindowStart)
}

func TestRouter_MetricsWindowExcludesOldSamples(t *testing.T) {
	r, now := newTestRouter(1000)

	r.Record("p1", 10*time.Millisecond)
	*now = now.Add(2 * time.Hour)
	r.Record("p1", 30*time.Millisecond)

	m := r.Metrics("p1", time.Hour)
	assert.Equal(t, 1, m.Samples)
	assert.InDelta(t, 30, m.P50Ms, 0.01)
}

func TestRouter_MetricsUnknownProvider(t *testing.T) {
	r, _ := newTestRouter(10)

	m := r.Metrics("ghost", time.Hour)
	assert.Zero(t, m.Samples)
	assert.Zero(t, m.P95Ms)
}

func TestRouter_EvictIdle(t *testing.T) {
	r, now := newTestRouter(10)

	r.Record("p1", 10*time.Millisecond)
	*now = now.Add(2 * time.Hour)
	r.Record("p2", 10*time.Millisecond)

	assert.Equal(t, 1, r.EvictIdle(time.Hour))
	assert.Zero(t, r.Metrics("p1", time.Hour).Samples)
	assert.Equal(t, 1, r.Metrics("p2", 3*time.Hour).Samples)
}
