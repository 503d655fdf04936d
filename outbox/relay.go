package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// Notifier delivers a committed message to the notification channel. Delivery
// is best-effort; errors mark the row failed for later retry.
type Notifier interface {
	Notify(ctx context.Context, topic string, payload []byte) error
}

const maxAttempts = 5

// Relay polls pending outbox rows and dispatches them through the Notifier.
type Relay struct {
	pool     *pgxpool.Pool
	notifier Notifier
	log      *slog.Logger
	interval time.Duration
	batch    int
	workers  int
}

func NewRelay(pool *pgxpool.Pool, notifier Notifier, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		pool:     pool,
		notifier: notifier,
		log:      log,
		interval: time.Second,
		batch:    50,
		workers:  4,
	}
}

// WithInterval overrides the poll interval.
func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drainOnce(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("outbox drain failed", "error", err)
			}
		}
	}
}

// LogNotifier is the default sink when no broker is configured: committed
// messages are emitted to the structured log.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, topic string, payload []byte) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("outbox message", "topic", topic, "payload", string(payload))
	return nil
}

type pendingMessage struct {
	ID      int64
	Topic   string
	Payload []byte
}

// drainOnce claims a batch of pending rows and fans delivery across workers.
// SKIP LOCKED keeps concurrent relays from double-delivering a row.
func (r *Relay) drainOnce(ctx context.Context) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload
		FROM outbox
		WHERE status = 'pending'
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.batch)
	if err != nil {
		return err
	}

	msgs := make([]pendingMessage, 0, r.batch)
	for rows.Next() {
		var m pendingMessage
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload); err != nil {
			rows.Close()
			return err
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return tx.Rollback(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	results := make([]error, len(msgs))
	for i, m := range msgs {
		g.Go(func() error {
			results[i] = r.notifier.Notify(gctx, m.Topic, m.Payload)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, m := range msgs {
		if results[i] == nil {
			if _, err := tx.Exec(ctx, `
				UPDATE outbox SET status = 'sent', attempts = attempts + 1, sent_at = now() WHERE id = $1
			`, m.ID); err != nil {
				return err
			}
			continue
		}

		r.log.Warn("outbox delivery failed", "id", m.ID, "topic", m.Topic, "error", results[i])
		if _, err := tx.Exec(ctx, `
			UPDATE outbox
			SET attempts = attempts + 1,
			    status = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE 'pending' END
			WHERE id = $1
		`, m.ID, maxAttempts); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
