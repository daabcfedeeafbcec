// Package funding decides how much of a token's supply each cycle wallet
// targets and how many lamports it needs to buy it.
package funding

import "math/rand/v2"

// Tier is a band of wallet ordinals sharing one target range (percent of supply)
type Tier struct {
	FromIndex int
	MinPct    float64
	MaxPct    float64
}

// Tiers is ordered by FromIndex; the last tier is open-ended.
var Tiers = []Tier{
	{FromIndex: 0, MinPct: 1.0, MaxPct: 2.5},
	{FromIndex: 20, MinPct: 0.5, MaxPct: 1.0},
	{FromIndex: 60, MinPct: 0.1, MaxPct: 0.5},
}

// TierFor returns the tier of a 0-based wallet ordinal
func TierFor(index int) Tier {
	t := Tiers[0]
	for _, tier := range Tiers {
		if index >= tier.FromIndex {
			t = tier
		}
	}
	return t
}

// TierNumber is the 0-based position of index's tier in Tiers
func TierNumber(index int) int {
	n := 0
	for i, tier := range Tiers {
		if index >= tier.FromIndex {
			n = i
		}
	}
	return n
}

// TargetPct draws the wallet's target share of supply, uniform within its tier
func TargetPct(index int, rng *rand.Rand) float64 {
	t := TierFor(index)
	return t.MinPct + rng.Float64()*(t.MaxPct-t.MinPct)
}
