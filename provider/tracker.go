package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrCapacityExceeded signals the provider is already at its max active load.
	ErrCapacityExceeded = errors.New("provider: capacity exceeded")
)

// Reputation penalties applied when a provider walks away from work it took on.
const (
	PenaltyAbandonInProgress = 0.3
	PenaltyAbandonAccepted   = 0.2
	RewardCompletion         = 0.1
)

// Tracker maintains each provider's active-assignment count, reputation score,
// and abandonment count. Every method runs inside the caller's transaction so
// workload changes commit atomically with the status write that caused them.
type Tracker struct{}

func NewTracker() *Tracker {
	return &Tracker{}
}

// ReserveSlot increments the active count iff the provider is still under its
// limit. The guard lives in the UPDATE's WHERE clause, so concurrent accepts
// cannot overshoot: the row lock serialises them and the losing statement
// matches zero rows.
func (t *Tracker) ReserveSlot(ctx context.Context, tx pgx.Tx, providerID string) (int, error) {
	var count int
	err := tx.QueryRow(ctx, `
		UPDATE providers
		SET active_count = active_count + 1,
		    updated_at = now()
		WHERE id = $1 AND active_count < max_active
		RETURNING active_count
	`, providerID).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if checkErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM providers WHERE id = $1)`, providerID).Scan(&exists); checkErr != nil {
				return 0, fmt.Errorf("provider: reserve slot existence check: %w", checkErr)
			}
			if !exists {
				return 0, ErrNotFound
			}
			return 0, ErrCapacityExceeded
		}
		return 0, fmt.Errorf("provider: reserve slot: %w", err)
	}
	return count, nil
}

// ReleaseSlot decrements the active count, flooring at zero.
func (t *Tracker) ReleaseSlot(ctx context.Context, tx pgx.Tx, providerID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE providers
		SET active_count = GREATEST(active_count - 1, 0),
		    updated_at = now()
		WHERE id = $1
	`, providerID)
	if err != nil {
		return fmt.Errorf("provider: release slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Penalize lowers the reputation score by delta (floored at 0) and bumps the
// abandonment count.
func (t *Tracker) Penalize(ctx context.Context, tx pgx.Tx, providerID string, delta float64) error {
	if delta < 0 {
		return fmt.Errorf("provider: negative penalty %v", delta)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE providers
		SET reputation = GREATEST(reputation - $2, 0),
		    abandon_count = abandon_count + 1,
		    updated_at = now()
		WHERE id = $1
	`, providerID, delta)
	if err != nil {
		return fmt.Errorf("provider: penalize: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Reward nudges the reputation score up after a completion, capped at 5.
func (t *Tracker) Reward(ctx context.Context, tx pgx.Tx, providerID string, delta float64) error {
	if delta < 0 {
		return fmt.Errorf("provider: negative reward %v", delta)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE providers
		SET reputation = LEAST(reputation + $2, 5),
		    updated_at = now()
		WHERE id = $1
	`, providerID, delta)
	if err != nil {
		return fmt.Errorf("provider: reward: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
