package engine

import (
	"slices"

	"solana-ultibot/storage"
)

// MergeStrategy returns a copy of base with the strategy's overrides applied.
// Enabled, TokenMint, RPCEndpoint and the secrets are never touched.
func MergeStrategy(base *storage.BotConfig, s *storage.Strategy) *storage.BotConfig {
	out := *base
	out.Whitelist = slices.Clone(base.Whitelist)
	out.IntruderReactions = slices.Clone(base.IntruderReactions)
	if s == nil {
		return &out
	}

	o := s.Overrides
	if o.Whitelist != nil {
		out.Whitelist = slices.Clone(o.Whitelist)
	}
	if o.IntruderReactions != nil {
		out.IntruderReactions = slices.Clone(o.IntruderReactions)
	}
	set(&out.IntruderTriggerPct, o.IntruderTriggerPct)
	set(&out.IntruderMaxSnapshotAgeSeconds, o.IntruderMaxSnapshotAgeSeconds)
	set(&out.IntruderRearmEachTick, o.IntruderRearmEachTick)
	set(&out.GroupSellPctMin, o.GroupSellPctMin)
	set(&out.GroupSellPctMax, o.GroupSellPctMax)
	set(&out.WalletsPerCycle, o.WalletsPerCycle)
	set(&out.DryRun, o.DryRun)
	set(&out.SlippagePct, o.SlippagePct)
	set(&out.FundingSlippageBuffer, o.FundingSlippageBuffer)
	set(&out.FallbackLamports, o.FallbackLamports)
	set(&out.TakeProfitPct, o.TakeProfitPct)
	set(&out.StopLossPct, o.StopLossPct)
	set(&out.MaxHoldSeconds, o.MaxHoldSeconds)
	set(&out.ProfitRoutePct, o.ProfitRoutePct)
	set(&out.UsePrivacyRouting, o.UsePrivacyRouting)
	return &out
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
