package replay

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/allocator/internal/modules/allocation"
)

// CorrelationLister is the slice of the event store the auditor samples
// runs from.
type CorrelationLister interface {
	EventReader
	RecentCorrelationIDs(ctx context.Context, since time.Time, limit int) ([]string, error)
}

// OutcomeRecorder is the slice of the pipeline orchestrator the auditor
// writes audit outcomes through.
type OutcomeRecorder interface {
	RecordReplayOutcome(ctx context.Context, correlationID, userID string, matches bool, discrepancyCount int) error
}

// Auditor periodically re-runs recent calculations from their captured
// inputs and records whether they still reproduce their stored results.
type Auditor struct {
	store      CorrelationLister
	recorder   OutcomeRecorder
	calc       allocation.CalcFunc
	sampleSize int
	window     time.Duration
	log        zerolog.Logger
}

// NewAuditor creates a determinism auditor
func NewAuditor(store CorrelationLister, recorder OutcomeRecorder, calc allocation.CalcFunc, sampleSize int, window time.Duration, log zerolog.Logger) *Auditor {
	return &Auditor{
		store:      store,
		recorder:   recorder,
		calc:       calc,
		sampleSize: sampleSize,
		window:     window,
		log:        log.With().Str("job", "determinism_audit").Logger(),
	}
}

// Name returns the job name for the scheduler
func (a *Auditor) Name() string {
	return "determinism_audit"
}

// Run executes one audit sweep: sample recent completed runs, replay each,
// and append a REPLAY_VERIFIED or REPLAY_MISMATCH event per run. A mismatch
// is audit data, not a failure of the sweep.
func (a *Auditor) Run() error {
	ctx := context.Background()
	started := time.Now()

	since := started.Add(-a.window)
	ids, err := a.store.RecentCorrelationIDs(ctx, since, a.sampleSize)
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to sample runs for audit")
		return err
	}

	if len(ids) == 0 {
		a.log.Debug().Msg("No completed runs in audit window")
		return nil
	}

	summary := BatchSummary{Total: len(ids)}
	for _, id := range ids {
		result, err := Replay(ctx, id, a.calc, a.store)
		if err != nil {
			summary.Failed++
			summary.FailedIDs = append(summary.FailedIDs, id)
			a.log.Warn().Err(err).Str("correlation_id", id).Msg("Replay failed during audit")
			continue
		}

		summary.Succeeded++
		if result.Matches {
			summary.Matched++
		} else {
			summary.Mismatched++
			summary.MismatchedIDs = append(summary.MismatchedIDs, id)
			a.log.Error().
				Str("correlation_id", id).
				Int("discrepancies", len(result.Discrepancies)).
				Msg("Replay mismatch detected")
		}

		if err := a.recorder.RecordReplayOutcome(ctx, id, result.UserID, result.Matches, len(result.Discrepancies)); err != nil {
			a.log.Error().Err(err).Str("correlation_id", id).Msg("Failed to record replay outcome")
		}
	}

	a.log.Info().
		Int("total", summary.Total).
		Int("matched", summary.Matched).
		Int("mismatched", summary.Mismatched).
		Int("failed", summary.Failed).
		Dur("duration", time.Since(started)).
		Msg("Determinism audit completed")

	return nil
}
