package firm

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested firm does not exist.
	ErrNotFound = errors.New("firm: not found")
	// ErrNoActiveMembers signals a payout cannot be split because the firm has
	// no active members.
	ErrNoActiveMembers = errors.New("firm: no active members")
	// ErrBadSplit signals configured member percentages do not sum to 100%.
	ErrBadSplit = errors.New("firm: member split does not sum to 100%")
)

// Repository provides read access to firm profiles and membership.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a firm profile by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	const query = `
		SELECT id, name, commission_rate::float8, split_policy, verified, created_at
		FROM firms
		WHERE id = $1
	`

	var p Profile
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.CommissionRate,
		&p.SplitPolicy,
		&p.Verified,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("firm: query by id: %w", err)
	}
	return p, nil
}

// List fetches up to limit firm profiles ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, name, commission_rate::float8, split_policy, verified, created_at
		FROM firms
		ORDER BY name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("firm: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		var p Profile
		if err := rows.Scan(&p.ID, &p.Name, &p.CommissionRate, &p.SplitPolicy, &p.Verified, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("firm: scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("firm: iterate profiles: %w", err)
	}

	return profiles, nil
}

// SplitPlan resolves the firm's active members into basis-point shares under
// the firm's configured policy. Percentage and custom policies must sum to
// exactly 10000 bps across active members.
func (r *Repository) SplitPlan(ctx context.Context, tx pgx.Tx, firmID string) (SplitPolicy, []MemberShare, error) {
	var policy SplitPolicy
	if err := tx.QueryRow(ctx, `SELECT split_policy FROM firms WHERE id = $1`, firmID).Scan(&policy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, ErrNotFound
		}
		return "", nil, fmt.Errorf("firm: load split policy: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT provider_id::text, split_bps
		FROM firm_members
		WHERE firm_id = $1 AND active
		ORDER BY joined_at ASC, provider_id ASC
	`, firmID)
	if err != nil {
		return "", nil, fmt.Errorf("firm: load members: %w", err)
	}
	defer rows.Close()

	shares := make([]MemberShare, 0, 8)
	for rows.Next() {
		var s MemberShare
		if err := rows.Scan(&s.ProviderID, &s.Bps); err != nil {
			return "", nil, fmt.Errorf("firm: scan member: %w", err)
		}
		shares = append(shares, s)
	}
	if err := rows.Err(); err != nil {
		return "", nil, fmt.Errorf("firm: iterate members: %w", err)
	}
	if len(shares) == 0 {
		return "", nil, ErrNoActiveMembers
	}

	switch policy {
	case SplitEqual:
		// Derived shares; the remainder lands on the first member downstream.
		per := 10000 / len(shares)
		for i := range shares {
			shares[i].Bps = per
		}
		shares[0].Bps += 10000 - per*len(shares)
	case SplitPercentage, SplitCustom:
		total := 0
		for _, s := range shares {
			total += s.Bps
		}
		if total != 10000 {
			return "", nil, ErrBadSplit
		}
	default:
		return "", nil, fmt.Errorf("firm: unknown split policy %q", policy)
	}

	return policy, shares, nil
}
