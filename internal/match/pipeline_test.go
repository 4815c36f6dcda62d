package match

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybergolemai/gollem-lob/internal/breaker"
	"github.com/cybergolemai/gollem-lob/internal/latency"
	"github.com/cybergolemai/gollem-lob/internal/ledger"
	"github.com/cybergolemai/gollem-lob/internal/orderbook"
	"github.com/cybergolemai/gollem-lob/internal/ratelimit"
	"github.com/cybergolemai/gollem-lob/internal/store"
)

type fixture struct {
	pipeline *Pipeline
	breaker  *breaker.Breaker
	limiter  *ratelimit.Limiter
	router   *latency.Router
	mock     redismock.ClientMock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rdb, mock := redismock.NewClientMock()
	st := store.New(rdb, zerolog.Nop())

	f := &fixture{
		breaker: breaker.New(3, 30*time.Second, 5*time.Second),
		limiter: ratelimit.New(100, 10),
		router:  latency.New(10, 5*time.Minute),
		mock:    mock,
	}
	book := orderbook.New(st, 120*time.Second, zerolog.Nop())
	led := ledger.New(st, zerolog.Nop())
	f.pipeline = New(book, f.breaker, f.limiter, f.router, led, zerolog.Nop())
	return f
}

func ask(provider, price string, latencyMs, tokens uint32) orderbook.Ask {
	return orderbook.Ask{
		ProviderID:      provider,
		Model:           "gpt4",
		GPUType:         "a100",
		Price:           decimal.RequireFromString(price),
		MaxLatencyMs:    latencyMs,
		AvailableTokens: tokens,
		LastHeartbeat:   time.Now().Unix(),
	}
}

func bid(maxPrice string, maxLatencyMs uint32, credits string) orderbook.Bid {
	return orderbook.Bid{
		Model:           "gpt4",
		Prompt:          "tell me a story",
		MaxPrice:        decimal.RequireFromString(maxPrice),
		MaxLatencyMs:    maxLatencyMs,
		UserID:          "alice",
		RequiredCredits: decimal.RequireFromString(credits),
	}
}

// expectCandidates seeds the index range read and one record fetch per ask.
func (f *fixture) expectCandidates(t *testing.T, maxPrice string, asks ...orderbook.Ask) {
	t.Helper()
	providers := make([]string, len(asks))
	for i, a := range asks {
		providers[i] = a.ProviderID
	}
	f.mock.ExpectZRangeByScore("price:gpt4", &redis.ZRangeBy{Min: "-inf", Max: maxPrice}).
		SetVal(providers)
	for _, a := range asks {
		payload, err := json.Marshal(a)
		require.NoError(t, err)
		f.mock.ExpectGet("ask:"+a.ProviderID+":gpt4").SetVal(string(payload))
	}
}

// expectDebit seeds the optimistic balance transaction for one committed debit.
func (f *fixture) expectDebit(user, balance, after string) {
	balanceKey := "credit:balance:" + user
	f.mock.ExpectWatch(balanceKey)
	f.mock.ExpectGet(balanceKey).SetVal(balance)
	f.mock.ExpectTxPipeline()
	f.mock.ExpectSet(balanceKey, after, 0).SetVal("OK")
	f.mock.Regexp().ExpectRPush("credit:transactions:"+user, `.*"kind":"debit".*`).SetVal(1)
	f.mock.ExpectTxPipelineExec()
}

func TestMatch_PicksCheapest(t *testing.T) {
	f := newFixture(t)
	f.expectCandidates(t, "0.01",
		ask("p1", "0.002", 50, 2000),
		ask("p2", "0.001", 100, 1000),
	)
	f.expectDebit("alice", "100", "70.00000000")

	res, err := f.pipeline.Match(context.Background(), bid("0.01", 1000, "30"))
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Ask.ProviderID)
	assert.Equal(t, "70.00000000", res.Debit.BalanceAfter)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestMatch_OpenCircuitExcludesProvider(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.breaker.RecordFailure("p1")
	}

	f.expectCandidates(t, "0.01",
		ask("p1", "0.001", 100, 1000),
		ask("p2", "0.002", 100, 1000),
	)
	f.expectDebit("alice", "100", "70.00000000")

	res, err := f.pipeline.Match(context.Background(), bid("0.01", 1000, "30"))
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Ask.ProviderID, "cheapest provider is skipped while its circuit is open")
}

func TestMatch_ExhaustedRateLimitExcludesProvider(t *testing.T) {
	f := newFixture(t)
	for f.limiter.Acquire("p1", 1) {
	}

	f.expectCandidates(t, "0.01",
		ask("p1", "0.001", 100, 1000),
		ask("p2", "0.002", 100, 1000),
	)
	f.expectDebit("alice", "100", "70.00000000")

	res, err := f.pipeline.Match(context.Background(), bid("0.01", 1000, "30"))
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Ask.ProviderID)
}

func TestMatch_SlowP95ExcludesProvider(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.router.Record("p1", 900*time.Millisecond)
	}

	f.expectCandidates(t, "0.01",
		ask("p1", "0.001", 100, 1000),
		ask("p2", "0.002", 100, 1000),
	)
	f.expectDebit("alice", "100", "70.00000000")

	res, err := f.pipeline.Match(context.Background(), bid("0.01", 500, "30"))
	require.NoError(t, err)
	assert.Equal(t, "p2", res.Ask.ProviderID)
}

func TestMatch_NoCandidates(t *testing.T) {
	f := newFixture(t)
	f.expectCandidates(t, "0.01")

	_, err := f.pipeline.Match(context.Background(), bid("0.01", 1000, "30"))
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.NoError(t, f.mock.ExpectationsWereMet(), "no debit is attempted without a match")
}

func TestMatch_AllProvidersFiltered(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.breaker.RecordFailure("p1")
	}

	f.expectCandidates(t, "0.01", ask("p1", "0.001", 100, 1000))

	_, err := f.pipeline.Match(context.Background(), bid("0.01", 1000, "30"))
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestMatch_InsufficientCredits(t *testing.T) {
	f := newFixture(t)
	f.expectCandidates(t, "0.01", ask("p1", "0.001", 100, 1000))

	balanceKey := "credit:balance:alice"
	f.mock.ExpectWatch(balanceKey)
	f.mock.ExpectGet(balanceKey).SetVal("5")

	_, err := f.pipeline.Match(context.Background(), bid("0.01", 1000, "30"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
}

func TestMatch_EstimatesCostWhenCreditsUnspecified(t *testing.T) {
	f := newFixture(t)
	f.expectCandidates(t, "0.01", ask("p1", "0.001", 100, 1000))

	// "tell me a story" is 15 bytes: floor(15/4)=3 tokens * 2 (gpt4) * 1.5 (a100) = 9.
	f.expectDebit("alice", "100", "91.00000000")

	b := bid("0.01", 1000, "30")
	b.RequiredCredits = decimal.Zero
	res, err := f.pipeline.Match(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, "9.00000000", res.Debit.Amount)
}

func TestMatch_TokenConsumedForChosenProviderOnly(t *testing.T) {
	f := newFixture(t)
	f.expectCandidates(t, "0.01",
		ask("p1", "0.001", 100, 1000),
		ask("p2", "0.002", 100, 1000),
	)
	f.expectDebit("alice", "100", "70.00000000")

	before1 := f.limiter.Status("p1").RemainingTokens
	before2 := f.limiter.Status("p2").RemainingTokens

	res, err := f.pipeline.Match(context.Background(), bid("0.01", 1000, "30"))
	require.NoError(t, err)
	require.Equal(t, "p1", res.Ask.ProviderID)

	assert.InDelta(t, before1-1, f.limiter.Status("p1").RemainingTokens, 0.2,
		"chosen provider pays one token")
	assert.InDelta(t, before2, f.limiter.Status("p2").RemainingTokens, 0.2,
		"losing candidates are only peeked")
}
