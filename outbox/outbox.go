// Package outbox decouples notifications from core transactions. Messages are
// enqueued inside the mutating transaction and delivered after commit by the
// Relay; delivery failure never rolls back or blocks a core transition.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Writer enqueues outbox rows inside the caller's transaction.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Enqueue inserts one pending message.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if topic == "" {
		return fmt.Errorf("outbox: missing topic")
	}
	if payload == nil {
		payload = map[string]any{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}
