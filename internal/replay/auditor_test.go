package replay

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/allocator/internal/events"
	"github.com/aristath/allocator/internal/modules/allocation"
)

func TestAuditor_RecordsVerifiedOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.recordRun(t, "user-1")
	second := h.recordRun(t, "user-2")

	auditor := NewAuditor(
		h.store,
		h.orchestrator,
		h.engine.GenerateRecommendationItems,
		10,
		24*time.Hour,
		zerolog.Nop(),
	)

	require.NoError(t, auditor.Run())

	for _, correlationID := range []string{first, second} {
		run, err := h.store.GetByCorrelationID(ctx, correlationID)
		require.NoError(t, err)

		last := run[len(run)-1]
		require.Equal(t, events.ReplayVerified, last.Type)

		outcome, ok := last.Payload.(*events.ReplayOutcomePayload)
		require.True(t, ok)
		assert.True(t, outcome.Matches)
		assert.Zero(t, outcome.DiscrepancyCount)
	}
}

func TestAuditor_RecordsMismatchOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	correlationID := h.recordRun(t, "user-1")

	drifted := func(assets []allocation.AssetWithContext, total decimal.Decimal) ([]allocation.RecommendationItem, error) {
		items, err := h.engine.GenerateRecommendationItems(assets, total)
		if err != nil {
			return nil, err
		}
		items[0].RecommendedAmount = items[0].RecommendedAmount.Add(decimal.NewFromInt(1))
		return items, nil
	}

	auditor := NewAuditor(h.store, h.orchestrator, drifted, 10, 24*time.Hour, zerolog.Nop())
	require.NoError(t, auditor.Run(), "a mismatch is audit data, not a sweep failure")

	run, err := h.store.GetByCorrelationID(ctx, correlationID)
	require.NoError(t, err)

	last := run[len(run)-1]
	require.Equal(t, events.ReplayMismatch, last.Type)

	outcome, ok := last.Payload.(*events.ReplayOutcomePayload)
	require.True(t, ok)
	assert.False(t, outcome.Matches)
	assert.Equal(t, 1, outcome.DiscrepancyCount)

	// The original events are untouched: the run still replays cleanly
	// with the faithful calculation.
	result, err := Replay(ctx, correlationID, h.engine.GenerateRecommendationItems, h.store)
	require.NoError(t, err)
	assert.True(t, result.Matches)
}

func TestAuditor_EmptyWindow(t *testing.T) {
	h := newHarness(t)

	auditor := NewAuditor(
		h.store,
		h.orchestrator,
		h.engine.GenerateRecommendationItems,
		10,
		24*time.Hour,
		zerolog.Nop(),
	)

	assert.NoError(t, auditor.Run())
}
