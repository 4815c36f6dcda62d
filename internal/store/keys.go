package store

import "fmt"

// Key layout is fixed for interop with existing deployments: the provider
// monitor and the reaper in other processes address the same records.

// AskKey addresses the full ask record for one (provider, model) pair.
func AskKey(providerID, model string) string {
	return fmt.Sprintf("ask:%s:%s", providerID, model)
}

// AskPattern matches every ask record.
const AskPattern = "ask:*"

// PriceIndexKey addresses the per-(model, gpu) price-sorted provider set.
func PriceIndexKey(model, gpuType string) string {
	return fmt.Sprintf("price:%s:%s", model, gpuType)
}

// PriceUnionKey addresses the per-model aggregate price index. Candidate
// lookup ranges over this set; a wildcard ZRANGEBYSCORE over the per-gpu
// sets is not a valid Redis operation.
func PriceUnionKey(model string) string {
	return fmt.Sprintf("price:%s", model)
}

// LatencyIndexKey addresses the per-(model, gpu) latency-sorted provider set.
func LatencyIndexKey(model, gpuType string) string {
	return fmt.Sprintf("latency:%s:%s", model, gpuType)
}

// BalanceKey addresses a user's credit balance (8-digit decimal string).
func BalanceKey(userID string) string {
	return fmt.Sprintf("credit:balance:%s", userID)
}

// TransactionsKey addresses a user's append-only credit transaction list.
func TransactionsKey(userID string) string {
	return fmt.Sprintf("credit:transactions:%s", userID)
}
