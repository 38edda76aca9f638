// Package pipeline sequences the calculation ledger events for one run:
// STARTED -> INPUTS_CAPTURED -> RESULTS_COMPUTED -> COMPLETED, all under a
// single correlation id. The orchestrator is the sole writer for a given
// correlation id, so interleaving within a run cannot occur.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/allocator/internal/events"
	"github.com/aristath/allocator/internal/modules/allocation"
)

// startAppendTimeout bounds the detached STARTED append; a caller context
// does not cover it because the caller has already moved on.
const startAppendTimeout = 10 * time.Second

// EventAppender is the slice of the event store the orchestrator writes
// through.
type EventAppender interface {
	Append(ctx context.Context, userID string, event *events.CalculationEvent) error
}

// Orchestrator drives the event pipeline for calculation runs
type Orchestrator struct {
	store EventAppender
	log   zerolog.Logger
	wg    sync.WaitGroup
}

// NewOrchestrator creates a new pipeline orchestrator
func NewOrchestrator(store EventAppender, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store: store,
		log:   log.With().Str("component", "pipeline").Logger(),
	}
}

// Start begins a run and returns its fresh correlation id immediately.
// The CALCULATION_STARTED event is appended from a detached goroutine;
// a persistence failure there is logged, never surfaced, because a missing
// STARTED event is a tolerable audit gap and must not block computation.
func (o *Orchestrator) Start(userID string, payload *events.StartedPayload) string {
	correlationID := uuid.New().String()
	if payload == nil {
		payload = &events.StartedPayload{}
	}

	event := &events.CalculationEvent{
		CorrelationID: correlationID,
		UserID:        userID,
		Type:          events.CalculationStarted,
		Payload:       payload,
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), startAppendTimeout)
		defer cancel()

		if err := o.store.Append(ctx, userID, event); err != nil {
			o.log.Error().
				Err(err).
				Str("correlation_id", correlationID).
				Str("user_id", userID).
				Msg("Failed to append STARTED event, run continues without it")
		}
	}()

	return correlationID
}

// StartSync begins a run and waits for the STARTED event to be durable
// before returning, for callers that need the record before proceeding.
func (o *Orchestrator) StartSync(ctx context.Context, userID string, payload *events.StartedPayload) (string, error) {
	correlationID := uuid.New().String()
	if payload == nil {
		payload = &events.StartedPayload{}
	}

	event := &events.CalculationEvent{
		CorrelationID: correlationID,
		UserID:        userID,
		Type:          events.CalculationStarted,
		Payload:       payload,
	}

	if err := o.store.Append(ctx, userID, event); err != nil {
		return "", err
	}

	return correlationID, nil
}

// CaptureInputs appends INPUTS_CAPTURED with an exact, self-contained
// snapshot of every value the calculation needs.
func (o *Orchestrator) CaptureInputs(ctx context.Context, correlationID, userID string, assets []allocation.AssetWithContext, totalInvestable decimal.Decimal) error {
	event := &events.CalculationEvent{
		CorrelationID: correlationID,
		UserID:        userID,
		Type:          events.InputsCaptured,
		Payload: &events.InputsCapturedPayload{
			Assets:          assets,
			TotalInvestable: totalInvestable,
			CapturedAt:      time.Now().UTC(),
		},
	}

	return o.store.Append(ctx, userID, event)
}

// RecordResults appends RESULTS_COMPUTED with the run's output items
func (o *Orchestrator) RecordResults(ctx context.Context, correlationID, userID string, items []allocation.RecommendationItem) error {
	event := &events.CalculationEvent{
		CorrelationID: correlationID,
		UserID:        userID,
		Type:          events.ResultsComputed,
		Payload: &events.ResultsComputedPayload{
			Items: items,
		},
	}

	return o.store.Append(ctx, userID, event)
}

// Complete appends the terminal CALCULATION_COMPLETED event. It is called
// for every run, success or failure, so every run has a terminal event.
func (o *Orchestrator) Complete(ctx context.Context, correlationID, userID string, status events.CompletionStatus, durationMs int64, itemCount int, errorMessage string) error {
	event := &events.CalculationEvent{
		CorrelationID: correlationID,
		UserID:        userID,
		Type:          events.CalculationCompleted,
		Payload: &events.CompletedPayload{
			Status:     status,
			DurationMs: durationMs,
			ItemCount:  itemCount,
			Error:      errorMessage,
		},
	}

	return o.store.Append(ctx, userID, event)
}

// RecordReplayOutcome appends the audit outcome of a replay verification
// run against an existing correlation id. The original records are never
// rewritten; a mismatch surfaces as audit data only.
func (o *Orchestrator) RecordReplayOutcome(ctx context.Context, correlationID, userID string, matches bool, discrepancyCount int) error {
	event := &events.CalculationEvent{
		CorrelationID: correlationID,
		UserID:        userID,
		Type:          events.ReplayVerified,
		Payload: &events.ReplayOutcomePayload{
			Matches:          matches,
			DiscrepancyCount: discrepancyCount,
			VerifiedAt:       time.Now().UTC(),
		},
	}
	if !matches {
		event.Type = events.ReplayMismatch
	}

	return o.store.Append(ctx, userID, event)
}

// RunComplete composes the full pipeline for one run: start, capture
// inputs, calculate, record results, complete. Any error or panic from the
// calculation becomes a failed COMPLETED event instead of a truncated audit
// trail.
//
// The STARTED append is awaited here so the ledger records the stages of
// the run in their execution order.
func (o *Orchestrator) RunComplete(
	ctx context.Context,
	userID string,
	assets []allocation.AssetWithContext,
	totalInvestable decimal.Decimal,
	calc allocation.CalcFunc,
) (string, []allocation.RecommendationItem, error) {
	correlationID, err := o.StartSync(ctx, userID, &events.StartedPayload{TriggeredBy: "run_complete"})
	if err != nil {
		return "", nil, fmt.Errorf("failed to start run: %w", err)
	}

	started := time.Now()

	if err := o.CaptureInputs(ctx, correlationID, userID, assets, totalInvestable); err != nil {
		o.completeFailed(ctx, correlationID, userID, started, err)
		return correlationID, nil, fmt.Errorf("failed to capture inputs: %w", err)
	}

	items, calcErr := runCalc(calc, assets, totalInvestable)
	if calcErr != nil {
		o.completeFailed(ctx, correlationID, userID, started, calcErr)
		return correlationID, nil, calcErr
	}

	if err := o.RecordResults(ctx, correlationID, userID, items); err != nil {
		o.completeFailed(ctx, correlationID, userID, started, err)
		return correlationID, nil, fmt.Errorf("failed to record results: %w", err)
	}

	durationMs := time.Since(started).Milliseconds()
	if err := o.Complete(ctx, correlationID, userID, events.StatusSuccess, durationMs, len(items), ""); err != nil {
		return correlationID, items, fmt.Errorf("failed to complete run: %w", err)
	}

	o.log.Info().
		Str("correlation_id", correlationID).
		Str("user_id", userID).
		Int("items", len(items)).
		Int64("duration_ms", durationMs).
		Msg("Calculation run completed")

	return correlationID, items, nil
}

// Wait blocks until all detached STARTED appends have finished.
// Used during graceful shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// completeFailed records a failed terminal event; its own append error is
// only logged since the run error is already on its way to the caller.
func (o *Orchestrator) completeFailed(ctx context.Context, correlationID, userID string, started time.Time, cause error) {
	durationMs := time.Since(started).Milliseconds()
	if err := o.Complete(ctx, correlationID, userID, events.StatusFailed, durationMs, 0, cause.Error()); err != nil {
		o.log.Error().
			Err(err).
			Str("correlation_id", correlationID).
			Msg("Failed to append failed COMPLETED event")
	}
}

// runCalc invokes the pure calculation, converting a panic into an error
func runCalc(calc allocation.CalcFunc, assets []allocation.AssetWithContext, totalInvestable decimal.Decimal) (items []allocation.RecommendationItem, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("calculation panicked: %v", p)
		}
	}()

	return calc(assets, totalInvestable)
}
