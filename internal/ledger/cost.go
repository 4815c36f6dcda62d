package ledger

import "github.com/shopspring/decimal"

// Model and GPU multipliers for the default credit cost. Unlisted values
// multiply by one.
var (
	modelMultipliers = map[string]decimal.Decimal{
		"gpt4": decimal.NewFromInt(2),
		"gpt3": decimal.NewFromInt(1),
	}
	gpuMultipliers = map[string]decimal.Decimal{
		"a100": decimal.RequireFromString("1.5"),
		"h100": decimal.RequireFromString("2.0"),
	}
)

// EstimateCost computes the default credit cost of a bid when the client
// supplies none: floor(prompt_length / 4) scaled by the model and GPU
// multipliers, truncated toward zero at 8 decimal places.
func EstimateCost(prompt, model, gpuType string) decimal.Decimal {
	tokens := decimal.NewFromInt(int64(len(prompt) / 4))

	cost := tokens
	if m, ok := modelMultipliers[model]; ok {
		cost = cost.Mul(m)
	}
	if g, ok := gpuMultipliers[gpuType]; ok {
		cost = cost.Mul(g)
	}
	return cost.Truncate(scale)
}
