package orderbook

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ask is a provider's open offer to serve a model. The JSON shape is shared
// with the provider-side heartbeat publisher and must stay byte-compatible:
// prices travel as decimal strings and the latency field is `max_latency`.
type Ask struct {
	ProviderID      string          `json:"provider_id"`
	Model           string          `json:"model"`
	GPUType         string          `json:"gpu_type"`
	Price           decimal.Decimal `json:"price"`
	MaxLatencyMs    uint32          `json:"max_latency"`
	AvailableTokens uint32          `json:"available_tokens"`
	LastHeartbeat   int64           `json:"last_heartbeat"`

	// EndpointURL, when set, is where inference requests are posted.
	// Legacy producers leave it empty and use ProviderID as the URL.
	EndpointURL string `json:"endpoint_url,omitempty"`
}

// Endpoint returns the URL inference requests should be posted to.
func (a Ask) Endpoint() string {
	if a.EndpointURL != "" {
		return a.EndpointURL
	}
	return a.ProviderID
}

// Fresh reports whether the ask's heartbeat is within threshold of now.
func (a Ask) Fresh(now time.Time, threshold time.Duration) bool {
	return now.Unix()-a.LastHeartbeat <= int64(threshold.Seconds())
}

// Dominates reports Pareto dominance over (price down, latency down,
// tokens up): no dimension worse, at least one strictly better.
func (a Ask) Dominates(b Ask) bool {
	priceCmp := a.Price.Cmp(b.Price)
	noWorse := priceCmp <= 0 &&
		a.MaxLatencyMs <= b.MaxLatencyMs &&
		a.AvailableTokens >= b.AvailableTokens
	strictlyBetter := priceCmp < 0 ||
		a.MaxLatencyMs < b.MaxLatencyMs ||
		a.AvailableTokens > b.AvailableTokens
	return noWorse && strictlyBetter
}

// Bid is a one-shot match request. It lives only for the duration of one
// call into the facade.
type Bid struct {
	Model           string
	Prompt          string
	MaxPrice        decimal.Decimal
	MaxLatencyMs    uint32
	UserID          string
	RequiredCredits decimal.Decimal
	Timestamp       int64
}
