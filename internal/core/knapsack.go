package core

import (
	"math/rand"
	"sort"
)

// knapsackHardCap bounds the streaming-mode selection pass (spec §4.3
// step 3: "a hard cap (≈ 64 KiB)").
const knapsackHardCap = 64 * 1024

// gcd is Euclid's algorithm, used to scale down the knapsack capacity
// and item weights before running the DP table (spec §4.3 step 3:
// "after dividing all lengths by their GCD with the capacity for a
// speedup").
func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// selectKnapsack chooses a subset of candidates maximizing total
// priority subject to a total-length budget, via 0/1 knapsack dynamic
// programming (spec §4.3 step 3, packetized mode). Every
// EXTREME-priority candidate that fits within extremeBudget (the
// window-independent physical MTU cap) is always admitted, forced in
// before the DP runs; this matches streaming mode's "always admit any
// EXTREME-priority entry" rule for consistency between the two paths.
// The DP itself fills up to budget (the window-throttled cap, which may
// be 0 when the token bucket is depleted), capped by what remains of
// extremeBudget after the forced entries; the forced entries do not
// reduce budget itself.
//
// Returns the indices (into candidates) that were selected.
func selectKnapsack(candidates []*sendEntry, extremeBudget, budget int) []int {
	if extremeBudget <= 0 || len(candidates) == 0 {
		return nil
	}

	forced := make([]int, 0)
	rest := make([]int, 0, len(candidates))
	extremeRemaining := extremeBudget
	for i, c := range candidates {
		if c.priority >= PriorityExtreme && c.length <= extremeRemaining {
			forced = append(forced, i)
			extremeRemaining -= c.length
			continue
		}
		rest = append(rest, i)
	}

	selected := append([]int(nil), forced...)
	remaining := budget
	if remaining > extremeRemaining {
		remaining = extremeRemaining
	}
	if remaining <= 0 || len(rest) == 0 {
		return selected
	}

	// Compute a speedup divisor: the GCD of the capacity and every
	// candidate's length. If no common factor exists, divisor is 1 and
	// the DP runs at full resolution.
	divisor := remaining
	for _, i := range rest {
		if candidates[i].length > 0 {
			divisor = gcd(divisor, candidates[i].length)
		}
	}
	if divisor == 0 {
		divisor = 1
	}

	scaledCap := remaining / divisor
	weights := make([]int, len(rest))
	values := make([]int, len(rest))
	for j, i := range rest {
		weights[j] = candidates[i].length / divisor
		values[j] = int(candidates[i].priority)
	}

	// Standard 0/1 knapsack DP: dp[w] = best value achievable with
	// total scaled weight <= w, built with the usual reverse-weight
	// update so each item is considered at most once.
	n := len(rest)
	dp := make([]int, scaledCap+1)
	keep := make([][]bool, n)
	for j := 0; j < n; j++ {
		keep[j] = make([]bool, scaledCap+1)
		w := weights[j]
		v := values[j]
		for cap := scaledCap; cap >= w; cap-- {
			if w <= cap && dp[cap-w]+v > dp[cap] {
				dp[cap] = dp[cap-w] + v
				keep[j][cap] = true
			}
		}
	}

	// Walk the keep table backward to recover the chosen subset.
	cap := scaledCap
	for j := n - 1; j >= 0; j-- {
		if keep[j][cap] {
			selected = append(selected, rest[j])
			cap -= weights[j]
		}
	}

	return selected
}

// selectGreedy is the CPU-load fallback used when shouldUseGreedy
// reports true (spec §4.3 step 3). It walks
// candidates ordered by descending priority-per-byte and admits
// whatever still fits, with the same EXTREME-priority bypass as
// selectKnapsack: EXTREME entries are admitted against extremeBudget
// (the physical MTU cap) regardless of how depleted budget (the
// window-throttled cap) is.
func selectGreedy(candidates []*sendEntry, extremeBudget, budget int) []int {
	if extremeBudget <= 0 || len(candidates) == 0 {
		return nil
	}

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ca, cb := candidates[order[a]], candidates[order[b]]
		da := density(ca)
		db := density(cb)
		return da > db
	})

	var selected []int
	extremeRemaining := extremeBudget
	for _, i := range order {
		c := candidates[i]
		if c.priority >= PriorityExtreme && c.length <= extremeRemaining {
			selected = append(selected, i)
			extremeRemaining -= c.length
		}
	}

	remaining := budget
	if remaining > extremeRemaining {
		remaining = extremeRemaining
	}
	for _, i := range order {
		c := candidates[i]
		if c.priority >= PriorityExtreme {
			continue
		}
		if c.length <= remaining {
			selected = append(selected, i)
			remaining -= c.length
		}
	}
	return selected
}

func density(e *sendEntry) float64 {
	if e.length <= 0 {
		return float64(e.priority)
	}
	return float64(e.priority) / float64(e.length)
}

// shouldUseGreedy decides, per spec §4.3 step 3, whether the CPU-load
// fallback applies. cpuLoadPercent is the caller-supplied recent CPU
// utilization estimate. The decision is deterministic: every call above
// 50% falls back to greedy, and the rng argument is not used.
func shouldUseGreedy(cpuLoadPercent float64, _ *rand.Rand) bool {
	return cpuLoadPercent > 50
}
