package orderbook

import "sort"

// Frontier reduces candidates to the Pareto-optimal set over
// (price, latency, tokens) and orders it by ascending price, then ascending
// latency. No returned ask is dominated by another returned ask.
func Frontier(candidates []Ask) []Ask {
	frontier := make([]Ask, 0, len(candidates))
	for _, ask := range candidates {
		dominated := false
		for _, kept := range frontier {
			if kept.Dominates(ask) {
				dominated = true
				break
			}
		}
		if dominated {
			continue
		}
		// The newcomer may dominate earlier entries.
		kept := frontier[:0]
		for _, f := range frontier {
			if !ask.Dominates(f) {
				kept = append(kept, f)
			}
		}
		frontier = append(kept, ask)
	}

	sort.SliceStable(frontier, func(i, j int) bool {
		if c := frontier[i].Price.Cmp(frontier[j].Price); c != 0 {
			return c < 0
		}
		return frontier[i].MaxLatencyMs < frontier[j].MaxLatencyMs
	})
	return frontier
}

// Best returns the lexicographic (price, latency) minimum of asks, used for
// final selection after the admission filters have run.
func Best(asks []Ask) (Ask, bool) {
	if len(asks) == 0 {
		return Ask{}, false
	}
	best := asks[0]
	for _, a := range asks[1:] {
		c := a.Price.Cmp(best.Price)
		if c < 0 || (c == 0 && a.MaxLatencyMs < best.MaxLatencyMs) {
			best = a
		}
	}
	return best, true
}
