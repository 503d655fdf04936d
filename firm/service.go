package firm

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// ProfileReader abstracts repository operations for the service.
type ProfileReader interface {
	GetByID(ctx context.Context, id string) (Profile, error)
	List(ctx context.Context, limit int) ([]Profile, error)
	SplitPlan(ctx context.Context, tx pgx.Tx, firmID string) (SplitPolicy, []MemberShare, error)
}

// Service exposes business-level firm operations.
type Service struct {
	repo ProfileReader
}

// NewService builds a Service using the provided repository.
func NewService(repo ProfileReader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the firm profile for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns up to limit firm profiles.
func (s *Service) List(ctx context.Context, limit int) ([]Profile, error) {
	return s.repo.List(ctx, limit)
}

// SplitPlan resolves the firm's payout split inside the caller's transaction.
func (s *Service) SplitPlan(ctx context.Context, tx pgx.Tx, firmID string) (SplitPolicy, []MemberShare, error) {
	return s.repo.SplitPlan(ctx, tx, firmID)
}
