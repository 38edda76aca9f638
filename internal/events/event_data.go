package events

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aristath/allocator/internal/modules/allocation"
)

// EventPayload is the interface all event payload types implement.
// Payloads form a closed, versioned tagged union keyed by event type;
// consumers must tolerate unknown future event types without failing.
type EventPayload interface {
	// EventType returns the event type this payload is associated with
	EventType() EventType
}

// StartedPayload contains data for CALCULATION_STARTED events
type StartedPayload struct {
	TriggeredBy string         `json:"triggered_by,omitempty"` // e.g. "refresh", "manual", "audit"
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// EventType returns the event type for StartedPayload
func (p *StartedPayload) EventType() EventType {
	return CalculationStarted
}

// InputsCapturedPayload contains data for INPUTS_CAPTURED events.
// It is an exact, self-contained snapshot of every value the calculation
// needs, with no external references, so replay never depends on state that
// drifts over time (prices, rates).
type InputsCapturedPayload struct {
	Assets          []allocation.AssetWithContext `json:"assets"`
	TotalInvestable decimal.Decimal               `json:"total_investable"`
	CapturedAt      time.Time                     `json:"captured_at"`
}

// EventType returns the event type for InputsCapturedPayload
func (p *InputsCapturedPayload) EventType() EventType {
	return InputsCaptured
}

// ResultsComputedPayload contains data for RESULTS_COMPUTED events
type ResultsComputedPayload struct {
	Items []allocation.RecommendationItem `json:"items"`
}

// EventType returns the event type for ResultsComputedPayload
func (p *ResultsComputedPayload) EventType() EventType {
	return ResultsComputed
}

// CompletedPayload contains data for CALCULATION_COMPLETED events.
// Every run gets one, even on failure, so the audit trail is never truncated.
type CompletedPayload struct {
	Status     CompletionStatus `json:"status"`
	DurationMs int64            `json:"duration_ms"`
	ItemCount  int              `json:"item_count"`
	Error      string           `json:"error,omitempty"`
}

// EventType returns the event type for CompletedPayload
func (p *CompletedPayload) EventType() EventType {
	return CalculationCompleted
}

// ReplayOutcomePayload contains data for REPLAY_VERIFIED and REPLAY_MISMATCH
// events appended by the determinism audit job.
type ReplayOutcomePayload struct {
	Matches          bool      `json:"matches"`
	DiscrepancyCount int       `json:"discrepancy_count"`
	VerifiedAt       time.Time `json:"verified_at"`
}

// EventType returns the event type for ReplayOutcomePayload
func (p *ReplayOutcomePayload) EventType() EventType {
	if p.Matches {
		return ReplayVerified
	}
	return ReplayMismatch
}

// GenericPayload is the fallback for event types this binary does not know.
// It round-trips the raw payload untouched so older consumers never fail on
// newer event types.
type GenericPayload struct {
	Type EventType      `json:"-"`
	Data map[string]any `json:"-"`
}

// EventType returns the event type for GenericPayload
func (p *GenericPayload) EventType() EventType {
	return p.Type
}

// MarshalJSON customizes JSON serialization for GenericPayload
func (p *GenericPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericPayload
func (p *GenericPayload) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.Data)
}

// UnmarshalPayload decodes raw payload bytes into the typed payload for the
// given event type. Unknown event types decode into a GenericPayload rather
// than failing.
func UnmarshalPayload(eventType EventType, data []byte) (EventPayload, error) {
	var payload EventPayload
	switch eventType {
	case CalculationStarted:
		payload = &StartedPayload{}
	case InputsCaptured:
		payload = &InputsCapturedPayload{}
	case ResultsComputed:
		payload = &ResultsComputedPayload{}
	case CalculationCompleted:
		payload = &CompletedPayload{}
	case ReplayVerified, ReplayMismatch:
		payload = &ReplayOutcomePayload{}
	default:
		payload = &GenericPayload{Type: eventType}
	}

	if len(data) == 0 {
		return payload, nil
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return nil, err
	}

	return payload, nil
}

// MarshalJSON customizes JSON serialization for CalculationEvent
func (e *CalculationEvent) MarshalJSON() ([]byte, error) {
	type Alias CalculationEvent
	aux := &struct {
		Payload json.RawMessage `json:"payload"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if e.Payload != nil {
		payloadBytes, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		aux.Payload = payloadBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON customizes JSON deserialization for CalculationEvent,
// decoding the payload based on the event type.
func (e *CalculationEvent) UnmarshalJSON(data []byte) error {
	type Alias CalculationEvent
	aux := &struct {
		Payload json.RawMessage `json:"payload"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if len(aux.Payload) > 0 {
		payload, err := UnmarshalPayload(e.Type, aux.Payload)
		if err != nil {
			return err
		}
		e.Payload = payload
	}

	return nil
}
