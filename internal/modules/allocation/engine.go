// Package allocation implements the capital allocation engine: a pure,
// deterministic calculation that turns scored, target-allocation asset data
// into per-asset dollar recommendations under minimum-allocation constraints.
//
// The engine performs no I/O and holds no state across invocations, so it is
// safe to call concurrently for different runs without locking.
package allocation

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// amountPlaces is the rounding precision for recommended amounts
const amountPlaces int32 = 2

var hundred = decimal.NewFromInt(100)

// ValidationError indicates malformed calculation inputs, rejected before
// any computation happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid allocation input: %s: %s", e.Field, e.Reason)
}

// Engine generates capital allocation recommendations
type Engine struct {
	log zerolog.Logger
}

// NewEngine creates a new allocation engine
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{
		log: log.With().Str("component", "allocation_engine").Logger(),
	}
}

// GenerateRecommendationItems distributes totalInvestable across assets
// proportionally to priority weight.
//
// Rules, applied in order:
//  1. priority = allocationGapPct * (score / 100)
//  2. rank descending by priority, ties broken by ascending symbol
//  3. over-allocated assets always receive zero
//  4. capital splits across positive-priority eligible assets proportional
//     to priority; if no eligible priority is positive, nothing is
//     distributed and the capital is left unallocated
//  5. an asset whose proportional share falls below its configured minimum
//     is dropped to zero and its share redistributed across the remaining
//     pool, recursively, until no further drops occur or the pool empties
//  6. the rounding residue is assigned to the top-priority funded asset so
//     the sum of amounts equals totalInvestable exactly
//
// Zero or negative totalInvestable yields an all-zero allocation; an empty
// asset list yields an empty result. Neither is an error.
func (e *Engine) GenerateRecommendationItems(assets []AssetWithContext, totalInvestable decimal.Decimal) ([]RecommendationItem, error) {
	if err := validateAssets(assets); err != nil {
		return nil, err
	}

	if len(assets) == 0 {
		return []RecommendationItem{}, nil
	}

	ranked := rankByPriority(assets)

	items := make([]RecommendationItem, len(ranked))
	for i, a := range ranked {
		items[i] = RecommendationItem{
			AssetID:           a.ID,
			Symbol:            a.Symbol,
			RecommendedAmount: decimal.Zero,
			SortOrder:         i + 1,
			Breakdown: Breakdown{
				Priority:  a.Priority,
				Weight:    decimal.Zero,
				RawShare:  decimal.Zero,
				Remainder: decimal.Zero,
			},
		}
	}

	if !totalInvestable.IsPositive() {
		return items, nil
	}

	// Funded pool: not over-allocated and strictly positive priority.
	// Indices into ranked/items, kept in rank order.
	var funded []int
	for i, a := range ranked {
		if a.IsOverAllocated {
			continue
		}
		if a.Priority.IsPositive() {
			funded = append(funded, i)
		}
	}

	// Minimum enforcement: any asset whose proportional share falls below
	// its configured minimum is dropped from the pool and the shares are
	// recomputed over the survivors. Terminates because the pool shrinks
	// on every pass. When every remaining asset violates its minimum the
	// pool empties and the capital stays unallocated.
	for len(funded) > 0 {
		sumPriority := sumPriorities(ranked, funded)
		var survivors []int
		for _, idx := range funded {
			a := ranked[idx]
			if a.MinAllocationValue == nil {
				survivors = append(survivors, idx)
				continue
			}
			share := totalInvestable.Mul(a.Priority).Div(sumPriority)
			if share.LessThan(*a.MinAllocationValue) {
				items[idx].Breakdown.MinimumApplied = true
			} else {
				survivors = append(survivors, idx)
			}
		}
		if len(survivors) == len(funded) {
			break
		}
		funded = survivors
	}

	if len(funded) == 0 {
		e.log.Debug().
			Int("assets", len(assets)).
			Str("total_investable", totalInvestable.String()).
			Msg("No fundable assets, capital left unallocated")
		return items, nil
	}

	sumPriority := sumPriorities(ranked, funded)
	allocated := decimal.Zero
	for _, idx := range funded {
		a := ranked[idx]
		raw := totalInvestable.Mul(a.Priority).Div(sumPriority)
		amount := raw.Round(amountPlaces)

		items[idx].RecommendedAmount = amount
		items[idx].Breakdown.Weight = a.Priority.Div(sumPriority)
		items[idx].Breakdown.RawShare = raw
		allocated = allocated.Add(amount)
	}

	// Corrective remainder pass: the rounding residue goes to the
	// top-priority funded asset so the sum matches totalInvestable exactly.
	residue := totalInvestable.Sub(allocated)
	if !residue.IsZero() {
		top := funded[0]
		items[top].RecommendedAmount = items[top].RecommendedAmount.Add(residue)
		items[top].Breakdown.Remainder = residue
	}

	return items, nil
}

// VerifyDeterminism reruns the calculation twice on identical inputs and
// returns an error if the outputs differ in any way. Used in tests and as a
// pre-persistence runtime check for high-value runs.
func (e *Engine) VerifyDeterminism(assets []AssetWithContext, totalInvestable decimal.Decimal) error {
	first, err := e.GenerateRecommendationItems(assets, totalInvestable)
	if err != nil {
		return fmt.Errorf("first pass failed: %w", err)
	}

	second, err := e.GenerateRecommendationItems(assets, totalInvestable)
	if err != nil {
		return fmt.Errorf("second pass failed: %w", err)
	}

	if len(first) != len(second) {
		return fmt.Errorf("determinism check failed: item counts differ (%d vs %d)", len(first), len(second))
	}

	for i := range first {
		a, b := first[i], second[i]
		if a.AssetID != b.AssetID || a.SortOrder != b.SortOrder {
			return fmt.Errorf("determinism check failed: ordering differs at index %d (%s vs %s)", i, a.AssetID, b.AssetID)
		}
		if !a.RecommendedAmount.Equal(b.RecommendedAmount) {
			return fmt.Errorf("determinism check failed: amount differs for asset %s (%s vs %s)",
				a.AssetID, a.RecommendedAmount.String(), b.RecommendedAmount.String())
		}
	}

	return nil
}

// rankByPriority computes priorities and sorts descending by priority with
// ascending-symbol tiebreak. Asset ID is the final tiebreak so the order is
// fully deterministic regardless of input order.
func rankByPriority(assets []AssetWithContext) []AssetWithPriority {
	ranked := make([]AssetWithPriority, len(assets))
	for i, a := range assets {
		ranked[i] = AssetWithPriority{
			AssetWithContext: a,
			Priority:         a.AllocationGapPct.Mul(a.Score.Div(hundred)),
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if !ranked[i].Priority.Equal(ranked[j].Priority) {
			return ranked[i].Priority.GreaterThan(ranked[j].Priority)
		}
		if ranked[i].Symbol != ranked[j].Symbol {
			return ranked[i].Symbol < ranked[j].Symbol
		}
		return ranked[i].ID < ranked[j].ID
	})

	return ranked
}

func sumPriorities(ranked []AssetWithPriority, indices []int) decimal.Decimal {
	sum := decimal.Zero
	for _, idx := range indices {
		sum = sum.Add(ranked[idx].Priority)
	}
	return sum
}

func validateAssets(assets []AssetWithContext) error {
	seen := make(map[string]bool, len(assets))
	for _, a := range assets {
		if a.ID == "" {
			return &ValidationError{Field: "id", Reason: "asset id is empty"}
		}
		if seen[a.ID] {
			return &ValidationError{Field: "id", Reason: fmt.Sprintf("duplicate asset id %q", a.ID)}
		}
		seen[a.ID] = true

		if a.Score.IsNegative() || a.Score.GreaterThan(hundred) {
			return &ValidationError{
				Field:  "score",
				Reason: fmt.Sprintf("asset %s score %s outside 0-100", a.ID, a.Score.String()),
			}
		}
		if a.MinAllocationValue != nil && a.MinAllocationValue.IsNegative() {
			return &ValidationError{
				Field:  "min_allocation_value",
				Reason: fmt.Sprintf("asset %s minimum %s is negative", a.ID, a.MinAllocationValue.String()),
			}
		}
	}
	return nil
}
