package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"postmesh/pkg/metrics"
	"postmesh/pkg/models"
)

// Event is one row of outbox_events.
type Event struct {
	ID         int64
	EventID    string
	RoutingKey string
	Envelope   models.MessageEnvelope
	Attempts   int
	CreatedAt  time.Time
}

// Execer is satisfied by both *sql.DB and *sql.Tx, so events can be written
// inside the caller's transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type Store interface {
	// ProcessBatch locks up to limit unsent events in id order and calls fn
	// for each. Events fn accepts are marked sent; the batch stops at the
	// first failure so later events are not sent ahead of it.
	ProcessBatch(ctx context.Context, limit int, fn func(ctx context.Context, e Event) error) (int, error)
	Pending(ctx context.Context) (int64, error)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Enqueue records msg for later publication on the relay's exchange. Call
// it with the transaction that performs the write msg describes.
func Enqueue(ctx context.Context, exec Execer, msg models.MessageEnvelope) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode outbox event: %w", err)
	}

	query := `
		INSERT INTO outbox_events (event_id, routing_key, envelope)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
	`
	if _, err := exec.ExecContext(ctx, query, msg.ID, msg.RoutingKey, body); err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ProcessBatch(ctx context.Context, limit int, fn func(ctx context.Context, e Event) error) (int, error) {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin outbox transaction: %w", err)
	}
	defer tx.Rollback()

	events, err := s.lockPending(ctx, tx, limit)
	if err != nil {
		metrics.IncDatabaseQuery("postgres", "outbox_claim", "error")
		return 0, err
	}
	metrics.IncDatabaseQuery("postgres", "outbox_claim", "success")
	metrics.ObserveDatabaseQueryDuration("postgres", "outbox_claim", time.Since(start))

	sent := 0
	var fnErr error
	for _, e := range events {
		if fnErr = fn(ctx, e); fnErr != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE outbox_events SET attempts = attempts + 1, last_error = $2 WHERE id = $1`,
				e.ID, fnErr.Error(),
			); err != nil {
				return sent, fmt.Errorf("failed to record outbox failure: %w", err)
			}
			break
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox_events SET sent_at = NOW(), attempts = attempts + 1, last_error = NULL WHERE id = $1`,
			e.ID,
		); err != nil {
			return sent, fmt.Errorf("failed to mark outbox event sent: %w", err)
		}
		sent++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit outbox transaction: %w", err)
	}

	return sent, fnErr
}

func (s *PostgresStore) lockPending(ctx context.Context, tx *sql.Tx, limit int) ([]Event, error) {
	query := `
		SELECT id, event_id, routing_key, envelope, attempts, created_at
		FROM outbox_events
		WHERE sent_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e    Event
			body []byte
		)
		if err := rows.Scan(
			&e.ID,
			&e.EventID,
			&e.RoutingKey,
			&body,
			&e.Attempts,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		if err := json.Unmarshal(body, &e.Envelope); err != nil {
			return nil, fmt.Errorf("failed to decode outbox event %s: %w", e.EventID, err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return events, nil
}

func (s *PostgresStore) Pending(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_events WHERE sent_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending outbox events: %w", err)
	}
	return n, nil
}
