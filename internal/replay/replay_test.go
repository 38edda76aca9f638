package replay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/allocator/internal/database"
	"github.com/aristath/allocator/internal/modules/allocation"
	"github.com/aristath/allocator/internal/modules/ledger"
	"github.com/aristath/allocator/internal/pipeline"
)

type harness struct {
	store        *ledger.Store
	orchestrator *pipeline.Orchestrator
	engine       *allocation.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate())

	store := ledger.NewStore(db.Conn(), zerolog.Nop())
	return &harness{
		store:        store,
		orchestrator: pipeline.NewOrchestrator(store, zerolog.Nop()),
		engine:       allocation.NewEngine(zerolog.Nop()),
	}
}

func (h *harness) recordRun(t *testing.T, userID string) string {
	t.Helper()

	assets := []allocation.AssetWithContext{
		{ID: "a", Symbol: "AAA", AllocationGapPct: decimal.NewFromInt(2), Score: decimal.NewFromInt(87)},
		{ID: "b", Symbol: "BBB", AllocationGapPct: decimal.NewFromInt(5), Score: decimal.NewFromInt(60)},
	}

	correlationID, _, err := h.orchestrator.RunComplete(
		context.Background(), userID, assets, decimal.NewFromInt(1000),
		h.engine.GenerateRecommendationItems,
	)
	require.NoError(t, err)
	return correlationID
}

func TestReplay_MatchesOriginalRun(t *testing.T) {
	h := newHarness(t)
	correlationID := h.recordRun(t, "user-1")

	result, err := Replay(context.Background(), correlationID, h.engine.GenerateRecommendationItems, h.store)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.Matches)
	assert.Empty(t, result.Discrepancies)
	assert.Equal(t, correlationID, result.CorrelationID)
	assert.Equal(t, "user-1", result.UserID)
	assert.Len(t, result.Original, 2)
	assert.Len(t, result.Replayed, 2)
	assert.NoError(t, result.MismatchError())
}

func TestReplay_DetectsDivergence(t *testing.T) {
	h := newHarness(t)
	correlationID := h.recordRun(t, "user-1")

	// A drifted calculation stands in for a code change between the
	// original run and the replay.
	drifted := func(assets []allocation.AssetWithContext, total decimal.Decimal) ([]allocation.RecommendationItem, error) {
		items, err := h.engine.GenerateRecommendationItems(assets, total)
		if err != nil {
			return nil, err
		}
		items[0].RecommendedAmount = items[0].RecommendedAmount.Add(decimal.NewFromFloat(0.01))
		return items, nil
	}

	result, err := Replay(context.Background(), correlationID, drifted, h.store)
	require.NoError(t, err)

	assert.False(t, result.Matches)
	require.Len(t, result.Discrepancies, 1)
	assert.Equal(t, "recommended_amount", result.Discrepancies[0].Field)
	assert.NotEmpty(t, result.Discrepancies[0].AssetID)

	err = result.MismatchError()
	require.Error(t, err)
	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, correlationID, mismatch.CorrelationID)
	assert.Len(t, mismatch.Discrepancies, 1)
}

func TestReplay_LengthMismatchIsItsOwnDiscrepancy(t *testing.T) {
	h := newHarness(t)
	correlationID := h.recordRun(t, "user-1")

	truncating := func(assets []allocation.AssetWithContext, total decimal.Decimal) ([]allocation.RecommendationItem, error) {
		items, err := h.engine.GenerateRecommendationItems(assets, total)
		if err != nil {
			return nil, err
		}
		return items[:1], nil
	}

	result, err := Replay(context.Background(), correlationID, truncating, h.store)
	require.NoError(t, err)

	assert.False(t, result.Matches)

	var fields []string
	for _, d := range result.Discrepancies {
		fields = append(fields, d.Field)
	}
	assert.Contains(t, fields, "item_count")
}

func TestReplay_ValueEqualityNotStringEquality(t *testing.T) {
	h := newHarness(t)
	correlationID := h.recordRun(t, "user-1")

	// Same values in a different string representation must still match
	rescaled := func(assets []allocation.AssetWithContext, total decimal.Decimal) ([]allocation.RecommendationItem, error) {
		items, err := h.engine.GenerateRecommendationItems(assets, total)
		if err != nil {
			return nil, err
		}
		for i := range items {
			// 632.91 -> 632.9100
			items[i].RecommendedAmount = items[i].RecommendedAmount.Mul(decimal.RequireFromString("1.0000"))
		}
		return items, nil
	}

	result, err := Replay(context.Background(), correlationID, rescaled, h.store)
	require.NoError(t, err)
	assert.True(t, result.Matches, "decimal value equality must ignore representation")
}

func TestReplay_MissingRun(t *testing.T) {
	h := newHarness(t)

	_, err := Replay(context.Background(), "no-such-run", h.engine.GenerateRecommendationItems, h.store)
	require.Error(t, err)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "run", notFound.Missing)
}

func TestReplay_MissingInputs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A run that only ever recorded STARTED
	correlationID, err := h.orchestrator.StartSync(ctx, "user-1", nil)
	require.NoError(t, err)

	_, err = Replay(ctx, correlationID, h.engine.GenerateRecommendationItems, h.store)
	require.Error(t, err)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "inputs", notFound.Missing)
}

func TestReplay_MissingResults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A run that captured its inputs but died before computing results
	correlationID, err := h.orchestrator.StartSync(ctx, "user-1", nil)
	require.NoError(t, err)

	assets := []allocation.AssetWithContext{
		{ID: "a", Symbol: "AAA", AllocationGapPct: decimal.NewFromInt(2), Score: decimal.NewFromInt(87)},
	}
	require.NoError(t, h.orchestrator.CaptureInputs(ctx, correlationID, "user-1", assets, decimal.NewFromInt(1000)))

	_, err = Replay(ctx, correlationID, h.engine.GenerateRecommendationItems, h.store)
	require.Error(t, err)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "results", notFound.Missing)
}

func TestReplayBatch_AggregatesCounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ids := []string{
		h.recordRun(t, "user-1"),
		h.recordRun(t, "user-1"),
		h.recordRun(t, "user-2"),
		"no-such-run",
	}

	summary := ReplayBatch(ctx, ids, h.engine.GenerateRecommendationItems, h.store)

	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 3, summary.Matched)
	assert.Equal(t, 0, summary.Mismatched)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []string{"no-such-run"}, summary.FailedIDs)
}
