// Package ledger implements the append-only event store for calculation
// runs. Records are written once and never updated or deleted; the schema
// carries triggers that abort any UPDATE or DELETE.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/allocator/internal/database"
	"github.com/aristath/allocator/internal/events"
)

// Store handles calculation event persistence.
// Database: ledger.db (calculation_events table).
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates a new event store.
// db parameter should be the ledger.db connection.
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("repo", "ledger").Logger(),
	}
}

// Append durably writes a single event. The write is all-or-nothing: on
// error nothing was applied. The store performs no retries; retry policy is
// the caller's concern.
//
// Missing ID and CreatedAt fields are filled in before the write so callers
// can pass bare events.
func (s *Store) Append(ctx context.Context, userID string, event *events.CalculationEvent) error {
	if err := prepareEvent(userID, event); err != nil {
		return err
	}

	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return &PersistenceError{Op: "append", Err: fmt.Errorf("failed to marshal payload: %w", err)}
	}

	query := `
		INSERT INTO calculation_events (id, correlation_id, user_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		event.CorrelationID,
		event.UserID,
		string(event.Type),
		string(payloadJSON),
		event.CreatedAt.UnixNano(),
	)
	if err != nil {
		return &PersistenceError{Op: "append", Err: err}
	}

	s.log.Debug().
		Str("correlation_id", event.CorrelationID).
		Str("event_type", string(event.Type)).
		Msg("Event appended")

	return nil
}

// AppendBatch atomically writes multiple events in one transaction. No step
// is observable half-written: a reader sees all records or none.
func (s *Store) AppendBatch(ctx context.Context, userID string, batch []*events.CalculationEvent) error {
	if len(batch) == 0 {
		return nil
	}

	for _, event := range batch {
		if err := prepareEvent(userID, event); err != nil {
			return err
		}
	}

	err := database.WithTransaction(s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO calculation_events (id, correlation_id, user_id, event_type, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, event := range batch {
			payloadJSON, err := json.Marshal(event.Payload)
			if err != nil {
				return fmt.Errorf("failed to marshal payload for %s: %w", event.ID, err)
			}

			if _, err := stmt.ExecContext(ctx,
				event.ID,
				event.CorrelationID,
				event.UserID,
				string(event.Type),
				string(payloadJSON),
				event.CreatedAt.UnixNano(),
			); err != nil {
				return fmt.Errorf("failed to insert event %s: %w", event.ID, err)
			}
		}

		return nil
	})
	if err != nil {
		return &PersistenceError{Op: "append_batch", Err: err}
	}

	s.log.Debug().
		Int("count", len(batch)).
		Msg("Event batch appended")

	return nil
}

// GetByCorrelationID returns all events for a run in ascending creation
// order, oldest first. This ordering is a load-bearing contract: replay
// assumes INPUTS_CAPTURED precedes RESULTS_COMPUTED.
func (s *Store) GetByCorrelationID(ctx context.Context, correlationID string) ([]events.CalculationEvent, error) {
	query := `
		SELECT id, correlation_id, user_id, event_type, payload, created_at
		FROM calculation_events
		WHERE correlation_id = ?
		ORDER BY created_at ASC, rowid ASC
	`

	return s.queryEvents(ctx, query, correlationID)
}

// GetByUserID returns a user's events newest-first, for audit views
func (s *Store) GetByUserID(ctx context.Context, userID string, limit int) ([]events.CalculationEvent, error) {
	query := `
		SELECT id, correlation_id, user_id, event_type, payload, created_at
		FROM calculation_events
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	return s.queryEvents(ctx, query, userID, limit)
}

// GetByEventType returns a user's events of one type, newest-first
func (s *Store) GetByEventType(ctx context.Context, userID string, eventType events.EventType, limit int) ([]events.CalculationEvent, error) {
	query := `
		SELECT id, correlation_id, user_id, event_type, payload, created_at
		FROM calculation_events
		WHERE user_id = ? AND event_type = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	return s.queryEvents(ctx, query, userID, string(eventType), limit)
}

// RecentCorrelationIDs returns the correlation ids of runs completed since
// the cutoff, newest-first. Used by the determinism audit job to sample
// runs for replay.
func (s *Store) RecentCorrelationIDs(ctx context.Context, since time.Time, limit int) ([]string, error) {
	query := `
		SELECT correlation_id, MAX(created_at) AS completed_at
		FROM calculation_events
		WHERE event_type = ? AND created_at >= ?
		GROUP BY correlation_id
		ORDER BY completed_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, string(events.CalculationCompleted), since.UnixNano(), limit)
	if err != nil {
		return nil, &PersistenceError{Op: "query", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var completedAt int64
		if err := rows.Scan(&id, &completedAt); err != nil {
			return nil, &PersistenceError{Op: "query", Err: err}
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "query", Err: err}
	}

	return ids, nil
}

// queryEvents runs a SELECT over calculation_events and scans results
func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]events.CalculationEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &PersistenceError{Op: "query", Err: err}
	}
	defer rows.Close()

	var result []events.CalculationEvent
	for rows.Next() {
		var event events.CalculationEvent
		var eventType, payloadJSON string
		var createdAtNanos int64

		if err := rows.Scan(
			&event.ID,
			&event.CorrelationID,
			&event.UserID,
			&eventType,
			&payloadJSON,
			&createdAtNanos,
		); err != nil {
			return nil, &PersistenceError{Op: "query", Err: err}
		}

		event.Type = events.EventType(eventType)
		event.CreatedAt = time.Unix(0, createdAtNanos).UTC()

		payload, err := events.UnmarshalPayload(event.Type, []byte(payloadJSON))
		if err != nil {
			return nil, &PersistenceError{
				Op:  "query",
				Err: fmt.Errorf("failed to decode payload for event %s: %w", event.ID, err),
			}
		}
		event.Payload = payload

		result = append(result, event)
	}

	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "query", Err: err}
	}

	return result, nil
}

// prepareEvent fills in defaults and checks required fields
func prepareEvent(userID string, event *events.CalculationEvent) error {
	if event == nil {
		return &PersistenceError{Op: "append", Err: fmt.Errorf("event is nil")}
	}
	if event.CorrelationID == "" {
		return &PersistenceError{Op: "append", Err: fmt.Errorf("correlation id is empty")}
	}
	if event.UserID == "" {
		event.UserID = userID
	}
	if event.UserID != userID {
		return &PersistenceError{
			Op:  "append",
			Err: fmt.Errorf("event user %s does not match caller %s", event.UserID, userID),
		}
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return nil
}
