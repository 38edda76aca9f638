package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/allocator/internal/modules/allocation"
)

// TestInputsCapturedPayload tests the snapshot payload round-trip
func TestInputsCapturedPayload(t *testing.T) {
	minValue := decimal.RequireFromString("250.00")
	payload := InputsCapturedPayload{
		Assets: []allocation.AssetWithContext{
			{
				ID:                   "asset-1",
				Symbol:               "VWCE",
				ClassID:              "equity",
				SubclassID:           "global",
				CurrentAllocationPct: decimal.RequireFromString("12.5"),
				TargetAllocationPct:  decimal.RequireFromString("15"),
				AllocationGapPct:     decimal.RequireFromString("2.5"),
				Score:                decimal.RequireFromString("87"),
				CurrentValue:         decimal.RequireFromString("12500.00"),
				MinAllocationValue:   &minValue,
			},
		},
		TotalInvestable: decimal.RequireFromString("1000.50"),
		CapturedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	jsonData, err := json.Marshal(&payload)
	require.NoError(t, err)

	// Decimals cross the boundary as strings, never floats
	assert.Contains(t, string(jsonData), `"total_investable":"1000.5"`)
	assert.Contains(t, string(jsonData), `"score":"87"`)

	var unmarshaled InputsCapturedPayload
	err = json.Unmarshal(jsonData, &unmarshaled)
	require.NoError(t, err)
	require.Len(t, unmarshaled.Assets, 1)
	assert.True(t, unmarshaled.TotalInvestable.Equal(payload.TotalInvestable))
	assert.True(t, unmarshaled.Assets[0].AllocationGapPct.Equal(payload.Assets[0].AllocationGapPct))
	require.NotNil(t, unmarshaled.Assets[0].MinAllocationValue)
	assert.True(t, unmarshaled.Assets[0].MinAllocationValue.Equal(minValue))
	assert.Equal(t, InputsCaptured, unmarshaled.EventType())
}

// TestCompletedPayload tests the terminal payload round-trip
func TestCompletedPayload(t *testing.T) {
	payload := CompletedPayload{
		Status:     StatusFailed,
		DurationMs: 42,
		ItemCount:  0,
		Error:      "calculation panicked: boom",
	}

	jsonData, err := json.Marshal(&payload)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), "failed")
	assert.Contains(t, string(jsonData), "boom")

	var unmarshaled CompletedPayload
	err = json.Unmarshal(jsonData, &unmarshaled)
	require.NoError(t, err)
	assert.Equal(t, payload, unmarshaled)
	assert.Equal(t, CalculationCompleted, unmarshaled.EventType())
}

// TestReplayOutcomePayload tests that the event type follows the outcome
func TestReplayOutcomePayload(t *testing.T) {
	matched := ReplayOutcomePayload{Matches: true, VerifiedAt: time.Now().UTC()}
	assert.Equal(t, ReplayVerified, matched.EventType())

	mismatched := ReplayOutcomePayload{Matches: false, DiscrepancyCount: 2}
	assert.Equal(t, ReplayMismatch, mismatched.EventType())
}

// TestCalculationEventRoundTrip tests event serialization with a typed payload
func TestCalculationEventRoundTrip(t *testing.T) {
	event := CalculationEvent{
		ID:            "evt-1",
		CorrelationID: "run-1",
		UserID:        "user-1",
		Type:          CalculationCompleted,
		Payload: &CompletedPayload{
			Status:     StatusSuccess,
			DurationMs: 17,
			ItemCount:  3,
		},
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	jsonData, err := json.Marshal(&event)
	require.NoError(t, err)

	var unmarshaled CalculationEvent
	err = json.Unmarshal(jsonData, &unmarshaled)
	require.NoError(t, err)

	assert.Equal(t, event.ID, unmarshaled.ID)
	assert.Equal(t, event.CorrelationID, unmarshaled.CorrelationID)
	assert.Equal(t, event.Type, unmarshaled.Type)

	completed, ok := unmarshaled.Payload.(*CompletedPayload)
	require.True(t, ok, "payload should decode to its typed struct")
	assert.Equal(t, StatusSuccess, completed.Status)
	assert.Equal(t, 3, completed.ItemCount)
}

// TestUnmarshalPayload_UnknownType tests that unknown future event types
// decode into a generic payload instead of failing
func TestUnmarshalPayload_UnknownType(t *testing.T) {
	raw := []byte(`{"some_future_field": "value", "count": 7}`)

	payload, err := UnmarshalPayload(EventType("FUTURE_EVENT"), raw)
	require.NoError(t, err)

	generic, ok := payload.(*GenericPayload)
	require.True(t, ok)
	assert.Equal(t, EventType("FUTURE_EVENT"), generic.EventType())
	assert.Equal(t, "value", generic.Data["some_future_field"])

	// And it round-trips untouched
	reencoded, err := json.Marshal(generic)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(reencoded, &decoded))
	assert.Equal(t, "value", decoded["some_future_field"])
}

// TestUnmarshalPayload_EmptyPayload tests the empty payload path
func TestUnmarshalPayload_EmptyPayload(t *testing.T) {
	payload, err := UnmarshalPayload(CalculationStarted, nil)
	require.NoError(t, err)
	assert.Equal(t, CalculationStarted, payload.EventType())
}
