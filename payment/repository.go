package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound signals the payment does not exist.
	ErrNotFound = errors.New("payment: not found")
	// ErrDuplicatePayment signals a live (non-failed) payment already exists
	// for the request.
	ErrDuplicatePayment = errors.New("payment: live payment already exists for request")
)

const paymentColumns = `id, request_id, payer_id, gross, platform_fee, status, gateway_order_id,
	released_to_provider, distributed_at, refund_reason, refund_pct, refund_amount,
	refund_processed_by::text, refunded_at, created_at, updated_at`

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// Create inserts the payment row. The partial unique index on request_id
// (non-failed rows) turns a concurrent duplicate into ErrDuplicatePayment.
func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, p Payment) (Payment, error) {
	query := fmt.Sprintf(`
		INSERT INTO payments (id, request_id, payer_id, gross, platform_fee, status, gateway_order_id)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7)
		RETURNING %s
	`, paymentColumns)

	created, err := scanPayment(tx.QueryRow(ctx, query,
		p.ID, p.RequestID, p.PayerID, p.Gross, p.PlatformFee, p.Status, p.GatewayOrderID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Payment{}, ErrDuplicatePayment
		}
		return Payment{}, fmt.Errorf("payment: create: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Payment, error) {
	query := fmt.Sprintf(`SELECT %s FROM payments WHERE id = $1`, paymentColumns)
	p, err := scanPayment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: get: %w", err)
	}
	return p, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Payment, error) {
	query := fmt.Sprintf(`SELECT %s FROM payments WHERE id = $1 FOR UPDATE`, paymentColumns)
	p, err := scanPayment(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: get for update: %w", err)
	}
	return p, nil
}

// GetByRequest returns the live payment for a request, if any.
func (r *PGRepository) GetByRequest(ctx context.Context, requestID string) (Payment, error) {
	query := fmt.Sprintf(`SELECT %s FROM payments WHERE request_id = $1 AND status <> 'failed'`, paymentColumns)
	p, err := scanPayment(r.pool.QueryRow(ctx, query, requestID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: get by request: %w", err)
	}
	return p, nil
}

// SetStatus updates the payment status inside the caller's transaction.
func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	tag, err := tx.Exec(ctx, `UPDATE payments SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("payment: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDistributed stamps the payment as distributed.
func (r *PGRepository) MarkDistributed(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE payments SET distributed_at = now(), updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("payment: mark distributed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkReleased flips the escrow flag.
func (r *PGRepository) MarkReleased(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE payments SET released_to_provider = TRUE, updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("payment: mark released: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRefund writes the immutable refund fields and the final status.
func (r *PGRepository) RecordRefund(ctx context.Context, tx pgx.Tx, id string, status Status, reason string, pct, amount decimal.Decimal, processedBy string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE payments
		SET status = $2,
		    refund_reason = $3,
		    refund_pct = $4,
		    refund_amount = $5,
		    refund_processed_by = $6::uuid,
		    refunded_at = now(),
		    updated_at = now()
		WHERE id = $1
	`, id, status, reason, pct, amount, processedBy)
	if err != nil {
		return fmt.Errorf("payment: record refund: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertDistributions writes all rows for a payment inside one transaction.
func (r *PGRepository) InsertDistributions(ctx context.Context, tx pgx.Tx, rows []Distribution) error {
	for _, d := range rows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO distributions (payment_id, payee_id, gross_share, withheld, net)
			VALUES ($1, $2, $3, $4, $5)
		`, d.PaymentID, d.PayeeID, d.GrossShare, d.Withheld, d.Net); err != nil {
			return fmt.Errorf("payment: insert distribution: %w", err)
		}
	}
	return nil
}

// ListDistributions returns the distribution rows for a payment.
func (r *PGRepository) ListDistributions(ctx context.Context, paymentID string) ([]Distribution, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, payment_id, payee_id, gross_share, withheld, net, created_at
		FROM distributions
		WHERE payment_id = $1
		ORDER BY id ASC
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("payment: list distributions: %w", err)
	}
	defer rows.Close()

	out := make([]Distribution, 0, 8)
	for rows.Next() {
		var d Distribution
		if err := rows.Scan(&d.ID, &d.PaymentID, &d.PayeeID, &d.GrossShare, &d.Withheld, &d.Net, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("payment: scan distribution: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate distributions: %w", err)
	}
	return out, nil
}

// ListAutoReleasable returns distributed, unreleased payments older than the
// cutoff with no open dispute.
func (r *PGRepository) ListAutoReleasable(ctx context.Context, cutoffSeconds int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id
		FROM payments p
		WHERE p.status = 'completed'
		  AND p.distributed_at IS NOT NULL
		  AND NOT p.released_to_provider
		  AND p.distributed_at < now() - make_interval(secs => $1)
		  AND NOT EXISTS (
		      SELECT 1 FROM disputes d
		      WHERE d.payment_id = p.id AND d.status = 'under_review'
		  )
		ORDER BY p.distributed_at ASC
	`, cutoffSeconds)
	if err != nil {
		return nil, fmt.Errorf("payment: list auto-releasable: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("payment: scan auto-releasable: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate auto-releasable: %w", err)
	}
	return ids, nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	return p, row.Scan(
		&p.ID,
		&p.RequestID,
		&p.PayerID,
		&p.Gross,
		&p.PlatformFee,
		&p.Status,
		&p.GatewayOrderID,
		&p.ReleasedToProvider,
		&p.DistributedAt,
		&p.RefundReason,
		&p.RefundPct,
		&p.RefundAmount,
		&p.RefundProcessedBy,
		&p.RefundedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
}
