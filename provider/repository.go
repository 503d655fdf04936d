package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested provider does not exist.
var ErrNotFound = errors.New("provider: not found")

const providerColumns = `id, full_name, firm_id::text, specializations, experience_years,
	rating::float8, rate::float8, reputation::float8, active_count, max_active, abandon_count,
	available, verified_at, created_at, updated_at`

// Repository provides read access to provider profiles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a provider by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Provider, error) {
	query := fmt.Sprintf(`SELECT %s FROM providers WHERE id = $1`, providerColumns)

	p, err := scanProvider(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Provider{}, ErrNotFound
		}
		return Provider{}, fmt.Errorf("provider: query by id: %w", err)
	}
	return p, nil
}

// ListEligible returns verified, available providers under capacity that cover
// the requested category. Over-capacity providers never reach the scorer.
func (r *Repository) ListEligible(ctx context.Context, filters PoolFilters) ([]Provider, error) {
	if filters.Limit <= 0 || filters.Limit > 200 {
		filters.Limit = 200
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM providers
		WHERE verified_at IS NOT NULL
		  AND available
		  AND active_count < max_active
	`, providerColumns)
	args := []any{}

	if filters.Category != "" {
		args = append(args, filters.Category)
		query += fmt.Sprintf(" AND $%d = ANY(specializations)", len(args))
	}
	if filters.FirmID != "" {
		args = append(args, filters.FirmID)
		query += fmt.Sprintf(` AND id IN (
			SELECT provider_id FROM firm_members WHERE firm_id = $%d AND active
		)`, len(args))
	}

	args = append(args, filters.Limit)
	query += fmt.Sprintf(" ORDER BY verified_at ASC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("provider: list eligible: %w", err)
	}
	defer rows.Close()

	out := make([]Provider, 0, 16)
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("provider: scan eligible: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("provider: iterate eligible: %w", err)
	}
	return out, nil
}

// SetAvailability flips the availability flag.
func (r *Repository) SetAvailability(ctx context.Context, id string, available bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE providers SET available = $2, updated_at = now() WHERE id = $1
	`, id, available)
	if err != nil {
		return fmt.Errorf("provider: set availability: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProvider(row pgx.Row) (Provider, error) {
	var p Provider
	return p, row.Scan(
		&p.ID,
		&p.FullName,
		&p.FirmID,
		&p.Specializations,
		&p.ExperienceYears,
		&p.Rating,
		&p.Rate,
		&p.Reputation,
		&p.ActiveCount,
		&p.MaxActive,
		&p.AbandonCount,
		&p.Available,
		&p.VerifiedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
}
