package orderbook

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cybergolemai/gollem-lob/internal/store"
)

// Book is the ask side of the marketplace: full records under
// ask:{provider}:{model} plus price/latency sorted-set indices per
// (model, gpu) and a per-model price union used for candidate lookup.
type Book struct {
	store          *store.Client
	staleThreshold time.Duration
	log            zerolog.Logger

	lastMatch atomic.Int64

	// badRecords remembers ask keys already reported as malformed so a
	// poisoned record logs once, not on every bid.
	badRecords sync.Map

	now func() time.Time
}

// New creates a Book over the given index store.
func New(st *store.Client, staleThreshold time.Duration, logger zerolog.Logger) *Book {
	return &Book{
		store:          st,
		staleThreshold: staleThreshold,
		log:            logger.With().Str("component", "orderbook").Logger(),
		now:            time.Now,
	}
}

// UpsertAsk writes the full record, then links it into the price and latency
// indices. The full record lands first so a racing reader sees either the
// old or the new ask, never a half-written one. The record carries a TTL of
// the stale threshold so it self-expires if every reaper is down.
func (b *Book) UpsertAsk(ctx context.Context, ask Ask) error {
	payload, err := json.Marshal(ask)
	if err != nil {
		return err
	}

	key := store.AskKey(ask.ProviderID, ask.Model)
	if err := b.store.Set(ctx, key, string(payload), b.staleThreshold); err != nil {
		return err
	}

	price, _ := ask.Price.Float64()
	if err := b.store.ZAdd(ctx, store.PriceIndexKey(ask.Model, ask.GPUType), price, ask.ProviderID); err != nil {
		return err
	}
	if err := b.store.ZAdd(ctx, store.PriceUnionKey(ask.Model), price, ask.ProviderID); err != nil {
		return err
	}
	return b.store.ZAdd(ctx, store.LatencyIndexKey(ask.Model, ask.GPUType), float64(ask.MaxLatencyMs), ask.ProviderID)
}

// Candidates returns the Pareto frontier of fresh asks satisfying the bid's
// model, price ceiling and latency ceiling.
func (b *Book) Candidates(ctx context.Context, bid Bid) ([]Ask, error) {
	providers, err := b.store.ZRangeByScore(ctx, store.PriceUnionKey(bid.Model), "-inf", bid.MaxPrice.String())
	if err != nil {
		return nil, err
	}

	now := b.now()
	matching := make([]Ask, 0, len(providers))
	for _, providerID := range providers {
		ask, ok, err := b.getAsk(ctx, providerID, bid.Model)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		// The index score is a float approximation; re-check the exact
		// decimal from the record.
		if ask.Price.Cmp(bid.MaxPrice) > 0 {
			continue
		}
		if ask.MaxLatencyMs > bid.MaxLatencyMs {
			continue
		}
		if !ask.Fresh(now, b.staleThreshold) {
			continue
		}
		matching = append(matching, ask)
	}

	return Frontier(matching), nil
}

// getAsk loads and decodes one ask record. Missing records (expired or
// reaped between index read and fetch) and malformed records are skipped.
func (b *Book) getAsk(ctx context.Context, providerID, model string) (Ask, bool, error) {
	key := store.AskKey(providerID, model)
	raw, err := b.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return Ask{}, false, nil
	}
	if err != nil {
		return Ask{}, false, err
	}

	var ask Ask
	if err := json.Unmarshal([]byte(raw), &ask); err != nil {
		if _, seen := b.badRecords.LoadOrStore(key, struct{}{}); !seen {
			b.log.Warn().Str("key", key).Err(err).Msg("skipping malformed ask record")
		}
		return Ask{}, false, nil
	}
	return ask, true, nil
}

// ReapStale removes every ask whose heartbeat age exceeds the stale
// threshold and unlinks its index entries. Returns the number removed.
func (b *Book) ReapStale(ctx context.Context) (int, error) {
	keys, err := b.store.ScanKeys(ctx, store.AskPattern)
	if err != nil {
		return 0, err
	}

	now := b.now()
	removed := 0
	for _, key := range keys {
		raw, err := b.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}

		var ask Ask
		if err := json.Unmarshal([]byte(raw), &ask); err != nil {
			if _, seen := b.badRecords.LoadOrStore(key, struct{}{}); !seen {
				b.log.Warn().Str("key", key).Err(err).Msg("skipping malformed ask record")
			}
			continue
		}

		if ask.Fresh(now, b.staleThreshold) {
			continue
		}
		if err := b.removeAsk(ctx, ask); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		b.log.Info().Int("removed", removed).Msg("reaped stale asks")
	}
	return removed, nil
}

// removeAsk deletes the record and unlinks every index entry.
func (b *Book) removeAsk(ctx context.Context, ask Ask) error {
	if err := b.store.Del(ctx, store.AskKey(ask.ProviderID, ask.Model)); err != nil {
		return err
	}
	if err := b.store.ZRem(ctx, store.PriceIndexKey(ask.Model, ask.GPUType), ask.ProviderID); err != nil {
		return err
	}
	if err := b.store.ZRem(ctx, store.PriceUnionKey(ask.Model), ask.ProviderID); err != nil {
		return err
	}
	return b.store.ZRem(ctx, store.LatencyIndexKey(ask.Model, ask.GPUType), ask.ProviderID)
}

// RecordMatch stamps the time of the most recent successful match.
func (b *Book) RecordMatch(at time.Time) {
	b.lastMatch.Store(at.Unix())
}

// Depth is the number of fresh asks for one model.
type Depth struct {
	Model string
	Asks  int
}

// Status is an aggregate view across non-stale asks.
type Status struct {
	TotalAsks       int
	ActiveAsks      int
	ActiveProviders int
	Depths          []Depth
	MinPrice        decimal.Decimal
	MaxPrice        decimal.Decimal
	LastMatch       int64
}

// Status aggregates book depth. With model set, only that model's asks are
// considered.
func (b *Book) Status(ctx context.Context, model string) (Status, error) {
	pattern := store.AskPattern
	if model != "" {
		pattern = "ask:*:" + model
	}

	keys, err := b.store.ScanKeys(ctx, pattern)
	if err != nil {
		return Status{}, err
	}

	now := b.now()
	st := Status{LastMatch: b.lastMatch.Load()}
	providers := make(map[string]struct{})
	depths := make(map[string]int)

	for _, key := range keys {
		raw, err := b.store.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return Status{}, err
		}

		var ask Ask
		if err := json.Unmarshal([]byte(raw), &ask); err != nil {
			continue
		}
		if model != "" && ask.Model != model {
			continue
		}

		st.TotalAsks++
		if !ask.Fresh(now, b.staleThreshold) {
			continue
		}

		st.ActiveAsks++
		providers[ask.ProviderID] = struct{}{}
		depths[ask.Model]++

		if st.ActiveAsks == 1 {
			st.MinPrice = ask.Price
			st.MaxPrice = ask.Price
			continue
		}
		if ask.Price.Cmp(st.MinPrice) < 0 {
			st.MinPrice = ask.Price
		}
		if ask.Price.Cmp(st.MaxPrice) > 0 {
			st.MaxPrice = ask.Price
		}
	}

	st.ActiveProviders = len(providers)
	for m, n := range depths {
		st.Depths = append(st.Depths, Depth{Model: m, Asks: n})
	}
	sort.Slice(st.Depths, func(i, j int) bool { return st.Depths[i].Model < st.Depths[j].Model })
	return st, nil
}
