package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the breaker deterministically.
type fakeClock struct{ now time.Time }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := New(3, 30*time.Second, 5*time.Second)
	b.now = func() time.Time { return clock.now }
	return b, clock
}

func TestBreaker_ClosedAdmits(t *testing.T) {
	b, _ := newTestBreaker()
	assert.True(t, b.CanExecute("p1"))
	assert.Equal(t, Closed, b.Status("p1").State)
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	b.RecordFailure("p1")
	b.RecordFailure("p1")
	assert.True(t, b.CanExecute("p1"), "below threshold stays closed")

	b.RecordFailure("p1")
	assert.False(t, b.CanExecute("p1"))
	assert.Equal(t, Open, b.Status("p1").State)
	assert.Equal(t, 3, b.Status("p1").FailureCount)
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b, _ := newTestBreaker()

	b.RecordFailure("p1")
	b.RecordFailure("p1")
	b.RecordSuccess("p1")
	b.RecordFailure("p1")
	b.RecordFailure("p1")

	assert.True(t, b.CanExecute("p1"), "non-consecutive failures must not trip")
}

func TestBreaker_OpenToHalfOpenAfterReset(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 3; i++ {
		b.RecordFailure("p1")
	}
	assert.False(t, b.CanExecute("p1"))

	clock.advance(29 * time.Second)
	assert.False(t, b.CanExecute("p1"), "reset timeout not yet elapsed")

	clock.advance(2 * time.Second)
	assert.True(t, b.CanExecute("p1"), "transition to half-open admits the probe")
	assert.Equal(t, HalfOpen, b.Status("p1").State)
}

func TestBreaker_HalfOpenSettlePeriod(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 3; i++ {
		b.RecordFailure("p1")
	}
	clock.advance(31 * time.Second)
	require.True(t, b.CanExecute("p1")) // now half-open

	assert.False(t, b.CanExecute("p1"), "half-open holds admission during settle period")

	clock.advance(6 * time.Second)
	assert.True(t, b.CanExecute("p1"), "half-open admits after settle period")
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 3; i++ {
		b.RecordFailure("p1")
	}
	clock.advance(31 * time.Second)
	require.True(t, b.CanExecute("p1"))

	b.RecordSuccess("p1")
	st := b.Status("p1")
	assert.Equal(t, Closed, st.State)
	assert.Equal(t, 0, st.FailureCount)
	assert.True(t, b.CanExecute("p1"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 3; i++ {
		b.RecordFailure("p1")
	}
	clock.advance(31 * time.Second)
	require.True(t, b.CanExecute("p1"))

	b.RecordFailure("p1")
	assert.Equal(t, Open, b.Status("p1").State)
	assert.False(t, b.CanExecute("p1"))
}

func TestBreaker_StatusResetTimestamp(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 3; i++ {
		b.RecordFailure("p1")
	}

	st := b.Status("p1")
	assert.Equal(t, clock.now, st.LastFailure)
	assert.Equal(t, clock.now.Add(30*time.Second), st.ResetAt)
}

func TestBreaker_ProvidersAreIndependent(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 3; i++ {
		b.RecordFailure("p1")
	}
	assert.False(t, b.CanExecute("p1"))
	assert.True(t, b.CanExecute("p2"))
}

func TestBreaker_EvictIdle(t *testing.T) {
	b, clock := newTestBreaker()

	b.RecordFailure("p1")
	clock.advance(2 * time.Hour)
	b.RecordFailure("p2")

	assert.Equal(t, 1, b.EvictIdle(time.Hour))
	assert.Equal(t, Closed, b.Status("p1").State, "evicted provider reads as fresh")
	assert.Equal(t, 1, b.Status("p2").FailureCount)
}
