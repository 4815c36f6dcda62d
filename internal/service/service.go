// Package service is the facade over the matching subsystem: it validates
// boundary input, runs the match pipeline, relays streams and translates
// every failure into the boundary error taxonomy.
package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cybergolemai/gollem-lob/internal/breaker"
	"github.com/cybergolemai/gollem-lob/internal/forward"
	"github.com/cybergolemai/gollem-lob/internal/latency"
	"github.com/cybergolemai/gollem-lob/internal/ledger"
	"github.com/cybergolemai/gollem-lob/internal/match"
	"github.com/cybergolemai/gollem-lob/internal/orderbook"
	"github.com/cybergolemai/gollem-lob/internal/ratelimit"
)

// Service exposes the matcher's RPC operations.
type Service struct {
	pipeline  *match.Pipeline
	book      *orderbook.Book
	breaker   *breaker.Breaker
	limiter   *ratelimit.Limiter
	router    *latency.Router
	ledger    *ledger.Ledger
	forwarder *forward.Forwarder
	log       zerolog.Logger
	now       func() time.Time
}

// New wires the facade.
func New(pipeline *match.Pipeline, book *orderbook.Book, brk *breaker.Breaker, lim *ratelimit.Limiter, rt *latency.Router, led *ledger.Ledger, fwd *forward.Forwarder, logger zerolog.Logger) *Service {
	return &Service{
		pipeline:  pipeline,
		book:      book,
		breaker:   brk,
		limiter:   lim,
		router:    rt,
		ledger:    led,
		forwarder: fwd,
		log:       logger.With().Str("component", "service").Logger(),
		now:       time.Now,
	}
}

// BidRequest is the boundary shape of a bid. Prices and credits travel as
// decimal strings.
type BidRequest struct {
	Model           string `json:"model"`
	Prompt          string `json:"prompt"`
	MaxPrice        string `json:"max_price"`
	MaxLatencyMs    uint32 `json:"max_latency"`
	UserID          string `json:"user_id"`
	RequiredCredits string `json:"required_credits,omitempty"`
}

// BidResponse acknowledges a unary match.
type BidResponse struct {
	ProviderID string `json:"provider_id"`
	Status     string `json:"status"`
}

func (s *Service) buildBid(req BidRequest) (orderbook.Bid, *Error) {
	if req.Model == "" {
		return orderbook.Bid{}, invalidArgument("model must not be empty")
	}
	if req.UserID == "" {
		return orderbook.Bid{}, invalidArgument("user_id must not be empty")
	}

	maxPrice, err := decimal.NewFromString(req.MaxPrice)
	if err != nil {
		return orderbook.Bid{}, invalidArgument("invalid price format %q", req.MaxPrice)
	}
	if maxPrice.IsNegative() {
		return orderbook.Bid{}, invalidArgument("max_price must not be negative")
	}

	required := decimal.Zero
	if req.RequiredCredits != "" {
		required, err = decimal.NewFromString(req.RequiredCredits)
		if err != nil {
			return orderbook.Bid{}, invalidArgument("invalid credits format %q", req.RequiredCredits)
		}
		if required.IsNegative() {
			return orderbook.Bid{}, invalidArgument("required_credits must not be negative")
		}
	}

	return orderbook.Bid{
		Model:           req.Model,
		Prompt:          req.Prompt,
		MaxPrice:        maxPrice,
		MaxLatencyMs:    req.MaxLatencyMs,
		UserID:          req.UserID,
		RequiredCredits: required,
		Timestamp:       s.now().Unix(),
	}, nil
}

// SubmitBid matches a bid and debits the caller, without contacting the
// provider. The caller takes the provider ID away and drives inference out
// of band.
func (s *Service) SubmitBid(ctx context.Context, req BidRequest) (BidResponse, error) {
	bid, serr := s.buildBid(req)
	if serr != nil {
		return BidResponse{}, serr
	}

	res, err := s.pipeline.Match(ctx, bid)
	if err != nil {
		return BidResponse{}, classify(err)
	}
	return BidResponse{ProviderID: res.Ask.ProviderID, Status: "matched"}, nil
}

// SubmitBidStream matches a bid, debits the caller, and relays the
// provider's token stream through emit. The provider's breaker and latency
// stats are fed from the stream outcome; client cancellation is not held
// against the provider.
func (s *Service) SubmitBidStream(ctx context.Context, req BidRequest, emit func(forward.Chunk) error) error {
	bid, serr := s.buildBid(req)
	if serr != nil {
		return serr
	}

	res, err := s.pipeline.Match(ctx, bid)
	if err != nil {
		return classify(err)
	}

	start := s.now()
	var firstChunk time.Duration
	err = s.forwarder.Forward(ctx, res.Ask, bid, func(c forward.Chunk) error {
		if firstChunk == 0 {
			firstChunk = s.now().Sub(start)
		}
		return emit(c)
	})

	providerID := res.Ask.ProviderID
	if err != nil {
		cls := classify(err)
		if cls.Kind == KindUpstream {
			s.breaker.RecordFailure(providerID)
		}
		return cls
	}

	s.breaker.RecordSuccess(providerID)
	if firstChunk > 0 {
		// Time to first token approximates provider responsiveness; full
		// stream duration scales with generation length, not latency.
		s.router.Record(providerID, firstChunk)
	}
	return nil
}

// ProviderStatusRequest is a provider heartbeat publishing or refreshing an
// ask.
type ProviderStatusRequest struct {
	ProviderID      string `json:"provider_id"`
	Model           string `json:"model"`
	GPUType         string `json:"gpu_type"`
	Price           string `json:"price"`
	MaxLatencyMs    uint32 `json:"max_latency"`
	AvailableTokens uint32 `json:"available_tokens"`
	EndpointURL     string `json:"endpoint_url,omitempty"`
}

// ProviderStatusResponse acknowledges an upsert.
type ProviderStatusResponse struct {
	Status string `json:"status"`
}

// UpdateProviderStatus ingests a provider heartbeat into the order book.
func (s *Service) UpdateProviderStatus(ctx context.Context, req ProviderStatusRequest) (ProviderStatusResponse, error) {
	if req.ProviderID == "" {
		return ProviderStatusResponse{}, invalidArgument("provider_id must not be empty")
	}
	if req.Model == "" {
		return ProviderStatusResponse{}, invalidArgument("model must not be empty")
	}

	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		return ProviderStatusResponse{}, invalidArgument("invalid price format %q", req.Price)
	}
	if price.IsNegative() {
		return ProviderStatusResponse{}, invalidArgument("price must not be negative")
	}

	ask := orderbook.Ask{
		ProviderID:      req.ProviderID,
		Model:           req.Model,
		GPUType:         req.GPUType,
		Price:           price,
		MaxLatencyMs:    req.MaxLatencyMs,
		AvailableTokens: req.AvailableTokens,
		LastHeartbeat:   s.now().Unix(),
		EndpointURL:     req.EndpointURL,
	}
	if err := s.book.UpsertAsk(ctx, ask); err != nil {
		return ProviderStatusResponse{}, classify(err)
	}
	return ProviderStatusResponse{Status: "updated"}, nil
}

// ModelDepth is the fresh-ask count for one model.
type ModelDepth struct {
	Model string `json:"model"`
	Asks  int    `json:"asks"`
}

// OrderBookStatus aggregates book depth for operators.
type OrderBookStatus struct {
	TotalAsks          int          `json:"total_asks"`
	ActiveProviders    int          `json:"active_providers"`
	Depths             []ModelDepth `json:"depths"`
	MinPrice           string       `json:"min_price"`
	MaxPrice           string       `json:"max_price"`
	LastMatchTimestamp int64        `json:"last_match_timestamp"`
}

// GetOrderBookStatus reports aggregate depth, optionally for one model.
func (s *Service) GetOrderBookStatus(ctx context.Context, model string) (OrderBookStatus, error) {
	st, err := s.book.Status(ctx, model)
	if err != nil {
		return OrderBookStatus{}, classify(err)
	}

	out := OrderBookStatus{
		TotalAsks:          st.TotalAsks,
		ActiveProviders:    st.ActiveProviders,
		Depths:             make([]ModelDepth, 0, len(st.Depths)),
		LastMatchTimestamp: st.LastMatch,
	}
	for _, d := range st.Depths {
		out.Depths = append(out.Depths, ModelDepth{Model: d.Model, Asks: d.Asks})
	}
	if st.ActiveAsks > 0 {
		out.MinPrice = st.MinPrice.String()
		out.MaxPrice = st.MaxPrice.String()
	}
	return out, nil
}

// CircuitStatus is the boundary view of one provider's circuit.
type CircuitStatus struct {
	State         string `json:"state"`
	FailureCount  int    `json:"failure_count"`
	LastFailureTs int64  `json:"last_failure_ts"`
	ResetTs       int64  `json:"reset_ts"`
}

// GetCircuitStatus reports the circuit for one provider.
func (s *Service) GetCircuitStatus(providerID string) CircuitStatus {
	st := s.breaker.Status(providerID)
	out := CircuitStatus{
		State:        st.State.String(),
		FailureCount: st.FailureCount,
	}
	if !st.LastFailure.IsZero() {
		out.LastFailureTs = st.LastFailure.Unix()
	}
	if !st.ResetAt.IsZero() {
		out.ResetTs = st.ResetAt.Unix()
	}
	return out
}

// RateLimitStatus is the boundary view of one provider's token bucket.
type RateLimitStatus struct {
	RemainingTokens float64 `json:"remaining_tokens"`
	TokensPerSecond float64 `json:"tokens_per_second"`
	ResetTs         int64   `json:"reset_ts"`
	IsLimited       bool    `json:"is_limited"`
}

// GetRateLimitStatus reports the bucket for one provider.
func (s *Service) GetRateLimitStatus(providerID string) RateLimitStatus {
	st := s.limiter.Status(providerID)
	return RateLimitStatus{
		RemainingTokens: st.RemainingTokens,
		TokensPerSecond: st.TokensPerSecond,
		ResetTs:         st.ResetAt.Unix(),
		IsLimited:       st.IsLimited,
	}
}

// LatencyMetrics is the boundary view of one provider's latency quantiles.
type LatencyMetrics struct {
	P50Ms       float64 `json:"p50_ms"`
	P95Ms       float64 `json:"p95_ms"`
	P99Ms       float64 `json:"p99_ms"`
	Samples     int     `json:"samples"`
	WindowStart int64   `json:"window_start"`
	WindowEnd   int64   `json:"window_end"`
}

// GetLatencyMetrics reports quantiles over the trailing window. A zero
// windowSecs defaults to one hour.
func (s *Service) GetLatencyMetrics(providerID string, windowSecs int64) LatencyMetrics {
	if windowSecs <= 0 {
		windowSecs = 3600
	}
	m := s.router.Metrics(providerID, time.Duration(windowSecs)*time.Second)
	return LatencyMetrics{
		P50Ms:       m.P50Ms,
		P95Ms:       m.P95Ms,
		P99Ms:       m.P99Ms,
		Samples:     m.Samples,
		WindowStart: m.WindowStart.Unix(),
		WindowEnd:   m.WindowEnd.Unix(),
	}
}
