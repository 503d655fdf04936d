package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("dispute: not found")
	ErrForbidden = errors.New("dispute: forbidden")
	ErrBadStatus = errors.New("dispute: invalid status transition")
)

const disputeColumns = `d.id, d.payment_id, d.raised_by::text, d.reason, d.resolution,
	d.status, d.created_at, d.updated_at, d.resolved_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListForParty returns disputes visible to the caller: those they raised, plus
// those on payments where they are payer or assigned provider.
func (r *Repository) ListForParty(ctx context.Context, partyID string, paymentID string) ([]Record, error) {
	query := `
		SELECT ` + disputeColumns + `
		FROM disputes d
		JOIN payments p ON p.id = d.payment_id
		LEFT JOIN requests rq ON rq.id = p.request_id
		WHERE (d.raised_by = $1 OR p.payer_id = $1 OR rq.provider_id = $1)
	`
	args := []any{partyID}
	if paymentID != "" {
		query += " AND d.payment_id = $2"
		args = append(args, paymentID)
	}
	query += " ORDER BY d.created_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// ListByPayment returns every dispute on a payment, newest first.
func (r *Repository) ListByPayment(ctx context.Context, paymentID string) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes d
		WHERE d.payment_id = $1
		ORDER BY d.created_at DESC
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list by payment: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// Create opens a dispute on a payment the caller is party to. Ownership is
// checked in the insert itself: only the payer or the request's assigned
// provider may raise one, and only before escrow releases.
func (r *Repository) Create(ctx context.Context, raisedBy, paymentID, reason string) (Record, error) {
	const query = `
		INSERT INTO disputes (payment_id, raised_by, reason)
		SELECT p.id, $2, $3
		FROM payments p
		LEFT JOIN requests rq ON rq.id = p.request_id
		WHERE p.id = $1
		  AND NOT p.released_to_provider
		  AND (p.payer_id = $2 OR rq.provider_id = $2)
		RETURNING id, payment_id, raised_by::text, reason, resolution, status,
		          created_at, updated_at, resolved_at
	`

	var rec Record
	err := r.pool.QueryRow(ctx, query, paymentID, raisedBy, reason).
		Scan(&rec.ID, &rec.PaymentID, &rec.RaisedBy, &rec.Reason, &rec.Resolution,
			&rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrForbidden
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	return rec, nil
}

// Resolve closes an under_review dispute with a resolution note.
func (r *Repository) Resolve(ctx context.Context, disputeID, resolution string) (Record, error) {
	const query = `
		UPDATE disputes d
		SET status = 'resolved', resolution = $2, resolved_at = now(), updated_at = now()
		WHERE d.id = $1 AND d.status = 'under_review'
		RETURNING d.id, d.payment_id, d.raised_by::text, d.reason, d.resolution,
		          d.status, d.created_at, d.updated_at, d.resolved_at
	`

	var rec Record
	err := r.pool.QueryRow(ctx, query, disputeID, resolution).
		Scan(&rec.ID, &rec.PaymentID, &rec.RaisedBy, &rec.Reason, &rec.Resolution,
			&rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: resolve: %w", err)
	}

	var status Status
	if err := r.pool.QueryRow(ctx, `SELECT status FROM disputes WHERE id = $1`, disputeID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: resolve fetch: %w", err)
	}
	return Record{}, ErrBadStatus
}

func scanRecord(rows pgx.Rows) (Record, error) {
	var rec Record
	if err := rows.Scan(&rec.ID, &rec.PaymentID, &rec.RaisedBy, &rec.Reason, &rec.Resolution,
		&rec.Status, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt); err != nil {
		return Record{}, fmt.Errorf("dispute: scan: %w", err)
	}
	return rec, nil
}
