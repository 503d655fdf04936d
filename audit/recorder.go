// Package audit appends immutable event records for every state and financial
// mutation. Rows are written inside the caller's transaction so the audit
// trail commits or rolls back with the mutation it describes.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Subject types recorded in audit_events.
const (
	SubjectRequest  = "request"
	SubjectPayment  = "payment"
	SubjectProvider = "provider"
)

// Recorder writes audit_events rows.
type Recorder struct{}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Append inserts one audit event. An empty actorID is stored as NULL, which
// marks system-initiated mutations.
func (r *Recorder) Append(ctx context.Context, tx pgx.Tx, subjectType, subjectID, eventType, actorID string, payload map[string]any) error {
	if subjectID == "" {
		return fmt.Errorf("audit: missing subject id")
	}
	if eventType == "" {
		return fmt.Errorf("audit: missing event type")
	}
	if payload == nil {
		payload = map[string]any{}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal payload: %w", err)
	}

	var actor any
	if actorID != "" {
		actor = actorID
	}

	const q = `
		INSERT INTO audit_events (subject_type, subject_id, event_type, actor_id, payload)
		VALUES ($1, $2, $3, $4::uuid, $5::jsonb)
	`
	if _, err := tx.Exec(ctx, q, subjectType, subjectID, eventType, actor, body); err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}
