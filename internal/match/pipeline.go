// Package match composes the order book, the admission filters and the
// credit ledger into the per-bid pipeline.
package match

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cybergolemai/gollem-lob/internal/breaker"
	"github.com/cybergolemai/gollem-lob/internal/latency"
	"github.com/cybergolemai/gollem-lob/internal/ledger"
	"github.com/cybergolemai/gollem-lob/internal/orderbook"
	"github.com/cybergolemai/gollem-lob/internal/ratelimit"
)

// ErrNoMatch reports that no candidate survived the pipeline.
var ErrNoMatch = errors.New("match: no matching provider available")

// Pipeline runs the match steps for one bid.
type Pipeline struct {
	book    *orderbook.Book
	breaker *breaker.Breaker
	limiter *ratelimit.Limiter
	router  *latency.Router
	ledger  *ledger.Ledger
	log     zerolog.Logger
	now     func() time.Time
}

// New wires a Pipeline.
func New(book *orderbook.Book, brk *breaker.Breaker, lim *ratelimit.Limiter, rt *latency.Router, led *ledger.Ledger, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		book:    book,
		breaker: brk,
		limiter: lim,
		router:  rt,
		ledger:  led,
		log:     logger.With().Str("component", "match").Logger(),
		now:     time.Now,
	}
}

// Result is a successful match: the chosen ask, the committed debit and the
// amount it covered.
type Result struct {
	Ask   orderbook.Ask
	Debit ledger.Transaction
}

// Match runs the full pipeline for one bid. Admission filters only peek at
// provider state; the rate-limit token is consumed for the chosen provider
// alone, after the debit commits, so rejected candidates never burn tokens.
func (p *Pipeline) Match(ctx context.Context, bid orderbook.Bid) (Result, error) {
	candidates, err := p.book.Candidates(ctx, bid)
	if err != nil {
		return Result{}, err
	}

	admitted := candidates[:0]
	for _, ask := range candidates {
		if !p.breaker.CanExecute(ask.ProviderID) {
			continue
		}
		if !p.limiter.Peek(ask.ProviderID, 1) {
			continue
		}
		admitted = append(admitted, ask)
	}

	admitted = p.router.Filter(admitted, bid.MaxLatencyMs)

	chosen, ok := orderbook.Best(admitted)
	if !ok {
		return Result{}, ErrNoMatch
	}

	amount := bid.RequiredCredits
	if amount.IsZero() {
		amount = ledger.EstimateCost(bid.Prompt, bid.Model, chosen.GPUType)
	}

	debit, err := p.ledger.Debit(ctx, bid.UserID, amount, chosen.ProviderID)
	if err != nil {
		return Result{}, err
	}

	// The peek above can race with other bids; the debit is already
	// committed, so a lost token here only tightens the next admission.
	if !p.limiter.Acquire(chosen.ProviderID, 1) {
		p.log.Debug().Str("provider", chosen.ProviderID).Msg("rate-limit token consumed by concurrent bid")
	}

	p.book.RecordMatch(p.now())
	p.log.Info().
		Str("provider", chosen.ProviderID).
		Str("model", bid.Model).
		Str("price", chosen.Price.String()).
		Str("amount", debit.Amount).
		Msg("bid matched")

	return Result{Ask: chosen, Debit: debit}, nil
}
