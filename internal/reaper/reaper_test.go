package reaper

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybergolemai/gollem-lob/internal/breaker"
	"github.com/cybergolemai/gollem-lob/internal/latency"
	"github.com/cybergolemai/gollem-lob/internal/orderbook"
	"github.com/cybergolemai/gollem-lob/internal/ratelimit"
	"github.com/cybergolemai/gollem-lob/internal/store"
)

func TestSweep(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	st := store.New(rdb, zerolog.Nop())

	book := orderbook.New(st, 120*time.Second, zerolog.Nop())
	brk := breaker.New(3, 30*time.Second, 5*time.Second)
	lim := ratelimit.New(100, 10)
	rt := latency.New(10, 5*time.Minute)
	r := New(book, brk, lim, rt, time.Second, time.Hour, zerolog.Nop())

	stale := orderbook.Ask{
		ProviderID:    "p1",
		Model:         "gpt4",
		GPUType:       "a100",
		Price:         decimal.RequireFromString("0.001"),
		LastHeartbeat: time.Now().Add(-10 * time.Minute).Unix(),
	}
	payload, err := json.Marshal(stale)
	require.NoError(t, err)

	mock.ExpectScan(0, "ask:*", 100).SetVal([]string{"ask:p1:gpt4"}, 0)
	mock.ExpectGet("ask:p1:gpt4").SetVal(string(payload))
	mock.ExpectDel("ask:p1:gpt4").SetVal(1)
	mock.ExpectZRem("price:gpt4:a100", "p1").SetVal(1)
	mock.ExpectZRem("price:gpt4", "p1").SetVal(1)
	mock.ExpectZRem("latency:gpt4:a100", "p1").SetVal(1)

	r.sweep(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweep_StoreFailureDoesNotPanic(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	st := store.New(rdb, zerolog.Nop())

	book := orderbook.New(st, 120*time.Second, zerolog.Nop())
	brk := breaker.New(3, 30*time.Second, 5*time.Second)
	lim := ratelimit.New(100, 10)
	rt := latency.New(10, 5*time.Minute)
	r := New(book, brk, lim, rt, time.Second, time.Hour, zerolog.Nop())

	mock.ExpectScan(0, "ask:*", 100).SetErr(assert.AnError)

	// The next tick retries; a down store only logs.
	r.sweep(context.Background())
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	rdb, _ := redismock.NewClientMock()
	st := store.New(rdb, zerolog.Nop())

	book := orderbook.New(st, 120*time.Second, zerolog.Nop())
	brk := breaker.New(3, 30*time.Second, 5*time.Second)
	lim := ratelimit.New(100, 10)
	rt := latency.New(10, 5*time.Minute)
	r := New(book, brk, lim, rt, time.Hour, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop on cancellation")
	}
}
