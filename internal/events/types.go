// Package events defines the calculation ledger's event types and payloads.
package events

import (
	"time"
)

// EventType represents the different calculation event types
type EventType string

const (
	// Lifecycle events written by the pipeline orchestrator, one run each
	CalculationStarted   EventType = "CALCULATION_STARTED"
	InputsCaptured       EventType = "INPUTS_CAPTURED"
	ResultsComputed      EventType = "RESULTS_COMPUTED"
	CalculationCompleted EventType = "CALCULATION_COMPLETED"

	// Audit events written when a scheduled replay sweep re-verifies a run
	ReplayVerified EventType = "REPLAY_VERIFIED"
	ReplayMismatch EventType = "REPLAY_MISMATCH"
)

// CompletionStatus is the terminal status recorded in a COMPLETED event
type CompletionStatus string

const (
	StatusSuccess CompletionStatus = "success"
	StatusPartial CompletionStatus = "partial"
	StatusFailed  CompletionStatus = "failed"
)

// CalculationEvent is one immutable record in the calculation ledger.
// Every event sharing a CorrelationID belongs to exactly one user and one
// logical run. Events are never updated or deleted once appended.
type CalculationEvent struct {
	ID            string       `json:"id"`
	CorrelationID string       `json:"correlation_id"`
	UserID        string       `json:"user_id"`
	Type          EventType    `json:"event_type"`
	Payload       EventPayload `json:"payload"`
	CreatedAt     time.Time    `json:"created_at"`
}
