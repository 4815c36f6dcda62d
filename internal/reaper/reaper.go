// Package reaper runs the background sweeps: stale asks out of the order
// book, idle per-provider state out of process memory.
package reaper

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/cybergolemai/gollem-lob/internal/breaker"
	"github.com/cybergolemai/gollem-lob/internal/latency"
	"github.com/cybergolemai/gollem-lob/internal/orderbook"
	"github.com/cybergolemai/gollem-lob/internal/ratelimit"
)

var reapedAsksTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gollem_reaped_asks_total",
	Help: "Stale asks removed by the background sweep.",
})

// Reaper periodically evicts stale asks and idle provider state.
type Reaper struct {
	book    *orderbook.Book
	breaker *breaker.Breaker
	limiter *ratelimit.Limiter
	router  *latency.Router

	interval   time.Duration
	idleWindow time.Duration
	log        zerolog.Logger
}

// New wires a Reaper.
func New(book *orderbook.Book, brk *breaker.Breaker, lim *ratelimit.Limiter, rt *latency.Router, interval, idleWindow time.Duration, logger zerolog.Logger) *Reaper {
	return &Reaper{
		book:       book,
		breaker:    brk,
		limiter:    lim,
		router:     rt,
		interval:   interval,
		idleWindow: idleWindow,
		log:        logger.With().Str("component", "reaper").Logger(),
	}
}

// Run sweeps on the configured interval until ctx is done. A failing sweep
// logs and retries on the next tick; the store may be transiently down.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	removed, err := r.book.ReapStale(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("stale ask sweep failed")
	}
	reapedAsksTotal.Add(float64(removed))

	evicted := r.breaker.EvictIdle(r.idleWindow) +
		r.limiter.EvictIdle(r.idleWindow) +
		r.router.EvictIdle(r.idleWindow)
	if evicted > 0 {
		r.log.Info().Int("evicted", evicted).Msg("evicted idle provider state")
	}
}
