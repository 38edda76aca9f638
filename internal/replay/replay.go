// Package replay re-executes past calculation runs from their captured
// inputs and verifies the results are reproduced exactly. It is a read-only
// consumer of the event store; audit outcomes are written back through the
// pipeline orchestrator only.
package replay

import (
	"context"
	"fmt"

	"github.com/aristath/allocator/internal/events"
	"github.com/aristath/allocator/internal/modules/allocation"
)

// NotFoundError indicates a required event is missing for a correlation id
type NotFoundError struct {
	CorrelationID string
	Missing       string // "run", "inputs" or "results"
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("replay: no %s found for correlation id %s", e.Missing, e.CorrelationID)
}

// MismatchError indicates a replay diverged from the original results.
// It is surfaced for audit; the original record is never rewritten.
type MismatchError struct {
	CorrelationID string
	Discrepancies []Discrepancy
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("replay: %d discrepancies for correlation id %s", len(e.Discrepancies), e.CorrelationID)
}

// EventReader is the read-only slice of the event store replay consumes
type EventReader interface {
	GetByCorrelationID(ctx context.Context, correlationID string) ([]events.CalculationEvent, error)
}

// Discrepancy describes one divergence between original and replayed results
type Discrepancy struct {
	AssetID  string `json:"asset_id,omitempty"`
	Field    string `json:"field"`
	Original string `json:"original"`
	Replayed string `json:"replayed"`
}

// Result is the outcome of replaying one run. Ephemeral, never persisted.
type Result struct {
	Success       bool                            `json:"success"`
	CorrelationID string                          `json:"correlation_id"`
	UserID        string                          `json:"user_id"`
	Original      []allocation.RecommendationItem `json:"original_results"`
	Replayed      []allocation.RecommendationItem `json:"replay_results"`
	Matches       bool                            `json:"matches"`
	Discrepancies []Discrepancy                   `json:"discrepancies"`
}

// MismatchError returns the divergence as an error for callers that treat a
// failed verification as fatal, or nil when the replay matched.
func (r *Result) MismatchError() error {
	if r.Matches {
		return nil
	}
	return &MismatchError{
		CorrelationID: r.CorrelationID,
		Discrepancies: r.Discrepancies,
	}
}

// Replay loads the captured inputs and original results for a run,
// re-invokes the supplied pure calculation, and compares results by decimal
// value equality per asset id.
func Replay(ctx context.Context, correlationID string, fn allocation.CalcFunc, store EventReader) (*Result, error) {
	run, err := store.GetByCorrelationID(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("replay: failed to load events for %s: %w", correlationID, err)
	}
	if len(run) == 0 {
		return nil, &NotFoundError{CorrelationID: correlationID, Missing: "run"}
	}

	var inputs *events.InputsCapturedPayload
	var results *events.ResultsComputedPayload
	for i := range run {
		switch p := run[i].Payload.(type) {
		case *events.InputsCapturedPayload:
			if inputs == nil {
				inputs = p
			}
		case *events.ResultsComputedPayload:
			if results == nil {
				results = p
			}
		}
	}

	if inputs == nil {
		return nil, &NotFoundError{CorrelationID: correlationID, Missing: "inputs"}
	}
	if results == nil {
		return nil, &NotFoundError{CorrelationID: correlationID, Missing: "results"}
	}

	replayed, err := fn(inputs.Assets, inputs.TotalInvestable)
	if err != nil {
		return nil, fmt.Errorf("replay: calculation failed for %s: %w", correlationID, err)
	}

	discrepancies := compare(results.Items, replayed)

	return &Result{
		Success:       true,
		CorrelationID: correlationID,
		UserID:        run[0].UserID,
		Original:      results.Items,
		Replayed:      replayed,
		Matches:       len(discrepancies) == 0,
		Discrepancies: discrepancies,
	}, nil
}

// compare matches original and replayed items per asset id using decimal
// value equality, never string equality. A length mismatch is reported as
// its own discrepancy rather than silently truncated.
func compare(original, replayed []allocation.RecommendationItem) []Discrepancy {
	discrepancies := []Discrepancy{}

	if len(original) != len(replayed) {
		discrepancies = append(discrepancies, Discrepancy{
			Field:    "item_count",
			Original: fmt.Sprintf("%d", len(original)),
			Replayed: fmt.Sprintf("%d", len(replayed)),
		})
	}

	replayedByID := make(map[string]allocation.RecommendationItem, len(replayed))
	for _, item := range replayed {
		replayedByID[item.AssetID] = item
	}

	for _, orig := range original {
		repl, ok := replayedByID[orig.AssetID]
		if !ok {
			discrepancies = append(discrepancies, Discrepancy{
				AssetID:  orig.AssetID,
				Field:    "recommended_amount",
				Original: orig.RecommendedAmount.String(),
				Replayed: "missing",
			})
			continue
		}

		if !orig.RecommendedAmount.Equal(repl.RecommendedAmount) {
			discrepancies = append(discrepancies, Discrepancy{
				AssetID:  orig.AssetID,
				Field:    "recommended_amount",
				Original: orig.RecommendedAmount.String(),
				Replayed: repl.RecommendedAmount.String(),
			})
		}
		if orig.SortOrder != repl.SortOrder {
			discrepancies = append(discrepancies, Discrepancy{
				AssetID:  orig.AssetID,
				Field:    "sort_order",
				Original: fmt.Sprintf("%d", orig.SortOrder),
				Replayed: fmt.Sprintf("%d", repl.SortOrder),
			})
		}
	}

	originalIDs := make(map[string]bool, len(original))
	for _, item := range original {
		originalIDs[item.AssetID] = true
	}
	for _, item := range replayed {
		if !originalIDs[item.AssetID] {
			discrepancies = append(discrepancies, Discrepancy{
				AssetID:  item.AssetID,
				Field:    "recommended_amount",
				Original: "missing",
				Replayed: item.RecommendedAmount.String(),
			})
		}
	}

	return discrepancies
}

// BatchSummary aggregates the outcome of a sequential batch of replays
type BatchSummary struct {
	Total         int      `json:"total"`
	Succeeded     int      `json:"succeeded"`
	Matched       int      `json:"matched"`
	Mismatched    int      `json:"mismatched"`
	Failed        int      `json:"failed"`
	FailedIDs     []string `json:"failed_ids,omitempty"`
	MismatchedIDs []string `json:"mismatched_ids,omitempty"`
}

// ReplayBatch replays many runs sequentially and aggregates the counts,
// for periodic determinism audits. Individual failures do not stop the
// sweep.
func ReplayBatch(ctx context.Context, correlationIDs []string, fn allocation.CalcFunc, store EventReader) BatchSummary {
	summary := BatchSummary{Total: len(correlationIDs)}

	for _, id := range correlationIDs {
		result, err := Replay(ctx, id, fn, store)
		if err != nil {
			summary.Failed++
			summary.FailedIDs = append(summary.FailedIDs, id)
			continue
		}

		summary.Succeeded++
		if result.Matches {
			summary.Matched++
		} else {
			summary.Mismatched++
			summary.MismatchedIDs = append(summary.MismatchedIDs, id)
		}
	}

	return summary
}
