package allocation

import (
	"github.com/shopspring/decimal"
)

// AssetWithContext is the full input context for one asset in a calculation
// run. It is built fresh for every run from portfolio and scoring state and
// persisted only inside an INPUTS_CAPTURED event payload, never on its own.
//
// All monetary and percentage fields are decimals; they serialize as decimal
// strings, never as binary floating point.
type AssetWithContext struct {
	ID                   string           `json:"id"`
	Symbol               string           `json:"symbol"`
	ClassID              string           `json:"class_id"`
	SubclassID           string           `json:"subclass_id"`
	CurrentAllocationPct decimal.Decimal  `json:"current_allocation_pct"`
	TargetAllocationPct  decimal.Decimal  `json:"target_allocation_pct"`
	AllocationGapPct     decimal.Decimal  `json:"allocation_gap_pct"` // target - current
	Score                decimal.Decimal  `json:"score"`              // 0-100, from the upstream scoring engine
	CurrentValue         decimal.Decimal  `json:"current_value"`
	MinAllocationValue   *decimal.Decimal `json:"min_allocation_value,omitempty"`
	IsOverAllocated      bool             `json:"is_over_allocated"`
}

// AssetWithPriority is an AssetWithContext plus its computed priority.
// Transient: recomputed every run, never persisted.
type AssetWithPriority struct {
	AssetWithContext
	Priority decimal.Decimal `json:"priority"` // allocationGapPct * (score / 100), signed
}

// Breakdown explains how an asset's recommended amount was derived
type Breakdown struct {
	Priority       decimal.Decimal `json:"priority"`
	Weight         decimal.Decimal `json:"weight"`    // priority / sum of funded priorities, zero if unfunded
	RawShare       decimal.Decimal `json:"raw_share"` // proportional share before rounding
	MinimumApplied bool            `json:"minimum_applied"`
	Remainder      decimal.Decimal `json:"remainder"` // rounding residue assigned to this asset
}

// RecommendationItem is the per-asset output of a calculation run
type RecommendationItem struct {
	AssetID           string          `json:"asset_id"`
	Symbol            string          `json:"symbol"`
	RecommendedAmount decimal.Decimal `json:"recommended_amount"`
	SortOrder         int             `json:"sort_order"`
	Breakdown         Breakdown       `json:"breakdown"`
}

// CalcFunc is the signature of the pure calculation: asset contexts plus
// total investable capital in, recommendation items out. The replay engine
// re-invokes functions of this shape against captured inputs.
type CalcFunc func(assets []AssetWithContext, totalInvestable decimal.Decimal) ([]RecommendationItem, error)
