package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Accepter races other accepters for pending requests. It reserves a slot on the
// provider only while the request row is locked, mirroring the accept path: the
// capacity guard and the status flip commit or roll back together.
func Accepter(ctx context.Context, pool *pgxpool.Pool, providerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("accepter begin: %w", err)
		}
		var reqID string
		err = tx.QueryRow(ctx, `SELECT id FROM requests WHERE status='pending'
                                 ORDER BY random() LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&reqID)
		if err == nil {
			var slot int
			err = tx.QueryRow(ctx, `UPDATE providers SET active_count = active_count + 1, updated_at = now()
                                     WHERE id=$1 AND active_count < max_active RETURNING active_count`, providerID).Scan(&slot)
			if err == nil {
				_, err = tx.Exec(ctx, `UPDATE requests SET status='accepted', provider_id=$1, accepted_at=now(), updated_at=now()
                                        WHERE id=$2`, providerID, reqID)
				if err == nil {
					_, _ = tx.Exec(ctx, `INSERT INTO request_events (request_id, actor_id, event_type) VALUES ($1,$2,'ACCEPTED')`, reqID, providerID)
					_ = tx.Commit(ctx)
				}
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Worker advances accepted requests to in_progress and in_progress to completed for
// one provider, releasing the slot and bumping reputation on completion.
func Worker(ctx context.Context, pool *pgxpool.Pool, providerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("worker begin: %w", err)
		}
		var reqID, status string
		err = tx.QueryRow(ctx, `SELECT id, status FROM requests
                                 WHERE provider_id=$1 AND status IN ('accepted','in_progress')
                                 ORDER BY random() LIMIT 1 FOR UPDATE SKIP LOCKED`, providerID).Scan(&reqID, &status)
		if err == nil {
			switch status {
			case "accepted":
				_, err = tx.Exec(ctx, `UPDATE requests SET status='in_progress', started_at=now(), updated_at=now() WHERE id=$1`, reqID)
			case "in_progress":
				_, err = tx.Exec(ctx, `UPDATE requests SET status='completed', completed_at=now(), updated_at=now() WHERE id=$1`, reqID)
				if err == nil {
					_, err = tx.Exec(ctx, `UPDATE providers SET active_count = GREATEST(active_count - 1, 0),
                                                reputation = LEAST(reputation + 0.1, 5), updated_at = now() WHERE id=$1`, providerID)
				}
			}
			if err == nil {
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Abandoner randomly drops an active request back to pending, applying the penalty
// and reopening the request so accepters have fresh work.
func Abandoner(ctx context.Context, pool *pgxpool.Pool, providerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("abandoner begin: %w", err)
		}
		var reqID, status string
		err = tx.QueryRow(ctx, `SELECT id, status FROM requests
                                 WHERE provider_id=$1 AND status IN ('accepted','in_progress')
                                 ORDER BY random() LIMIT 1 FOR UPDATE SKIP LOCKED`, providerID).Scan(&reqID, &status)
		if err == nil {
			penalty := 0.2
			if status == "in_progress" {
				penalty = 0.3
			}
			_, err = tx.Exec(ctx, `UPDATE requests SET status='pending', provider_id=NULL,
                                    accepted_at=NULL, started_at=NULL,
                                    reopened_count = reopened_count + 1, updated_at=now() WHERE id=$1`, reqID)
			if err == nil {
				_, err = tx.Exec(ctx, `UPDATE providers SET active_count = GREATEST(active_count - 1, 0),
                                        reputation = GREATEST(reputation - $2, 0),
                                        abandon_count = abandon_count + 1, updated_at = now() WHERE id=$1`, providerID, penalty)
			}
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO request_events (request_id, actor_id, event_type, reason_code) VALUES ($1,$2,'ABANDONED','other')`, reqID, providerID)
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

// Payer tries to create a payment for every completed request it can see. Under
// contention only one insert per request survives the partial unique index; the
// 23505 losers are expected.
func Payer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var reqID, clientID string
		err := pool.QueryRow(ctx, `SELECT r.id, r.client_id FROM requests r
                                    WHERE r.status='completed'
                                      AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.request_id = r.id AND p.status <> 'failed')
                                    ORDER BY random() LIMIT 1`).Scan(&reqID, &clientID)
		if err == nil {
			_, err = pool.Exec(ctx, `INSERT INTO payments (request_id, payer_id, gross, platform_fee, status, gateway_order_id)
                                      VALUES ($1,$2, 10000, 1000, 'completed', 'order_'||$1)`, reqID, clientID)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "23505" {
					// lost the race, fine
				} else {
					return fmt.Errorf("payer insert: %w", err)
				}
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Distributor splits completed undistributed payments to the assigned provider,
// keeping net + withheld + platform_fee equal to gross.
func Distributor(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("distributor begin: %w", err)
		}
		var payID, payeeID string
		err = tx.QueryRow(ctx, `SELECT p.id, r.provider_id FROM payments p
                                 JOIN requests r ON r.id = p.request_id
                                 WHERE p.status='completed' AND p.distributed_at IS NULL AND r.provider_id IS NOT NULL
                                 ORDER BY random() LIMIT 1 FOR UPDATE OF p SKIP LOCKED`).Scan(&payID, &payeeID)
		if err == nil {
			_, err = tx.Exec(ctx, `INSERT INTO distributions (payment_id, payee_id, gross_share, withheld, net)
                                    SELECT id, $2, gross - platform_fee, (gross - platform_fee) * 0.10, (gross - platform_fee) * 0.90
                                    FROM payments WHERE id=$1
                                    ON CONFLICT (payment_id, payee_id) DO NOTHING`, payID, payeeID)
			if err == nil {
				_, err = tx.Exec(ctx, `UPDATE payments SET distributed_at = now(), updated_at = now() WHERE id=$1`, payID)
			}
			if err == nil {
				_ = tx.Commit(ctx)
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Releaser releases distributed payments that have no dispute under review.
func Releaser(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `UPDATE payments SET released_to_provider = TRUE, updated_at = now()
                                   WHERE status='completed' AND distributed_at IS NOT NULL AND NOT released_to_provider
                                     AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.payment_id = payments.id AND d.status='under_review')`)
		if err != nil {
			return fmt.Errorf("releaser: %w", err)
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// Disputer raises disputes against unreleased payments and resolves them shortly after.
func Disputer(ctx context.Context, pool *pgxpool.Pool, raisedBy string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var dispID string
		_ = pool.QueryRow(ctx, `INSERT INTO disputes (payment_id, raised_by, reason)
                                 SELECT id, $1, 'work not as described' FROM payments
                                 WHERE NOT released_to_provider ORDER BY random() LIMIT 1
                                 RETURNING id`, raisedBy).Scan(&dispID)
		if dispID != "" {
			time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
			_, _ = pool.Exec(ctx, `UPDATE disputes SET status='resolved', resolution='settled', resolved_at=now(), updated_at=now()
                                    WHERE id=$1 AND status='under_review'`, dispID)
		}
		time.Sleep(time.Duration(200+rand.Intn(200)) * time.Millisecond)
	}
}

// OutboxWorker drains pending outbox rows with SKIP LOCKED, randomly failing some
// attempts to exercise the retry bookkeeping.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("outbox begin: %w", err)
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY id FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='sent', attempts = attempts + 1, sent_at = now() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// Requester tops up the pending pool so accepters never run dry.
func Requester(ctx context.Context, pool *pgxpool.Pool, clientID string, stop <-chan struct{}) error {
	categories := []string{"plumbing", "electrical", "carpentry"}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var pending int
		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM requests WHERE status='pending'`).Scan(&pending); err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if pending < 20 {
			_, _ = pool.Exec(ctx, `INSERT INTO requests (client_id, category, urgency, budget_hint, description)
                                    VALUES ($1, $2, 'medium', 10000, 'stress work')`, clientID, categories[rand.Intn(len(categories))])
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}
