package dispute

import (
	"context"
	"errors"

	"servicehub/authz"
)

var ErrReasonRequired = errors.New("dispute: reason required")

type Service struct {
	repo *Repository
}

func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, actor authz.Identity, paymentID string) ([]Record, error) {
	if authz.IsAdmin(actor) && paymentID != "" {
		return s.repo.ListByPayment(ctx, paymentID)
	}
	return s.repo.ListForParty(ctx, actor.UserID, paymentID)
}

// Raise opens a dispute; only a party to the payment may raise one.
func (s *Service) Raise(ctx context.Context, actor authz.Identity, paymentID, reason string) (Record, error) {
	if reason == "" {
		return Record{}, ErrReasonRequired
	}
	return s.repo.Create(ctx, actor.UserID, paymentID, reason)
}

// Resolve closes a dispute, unblocking escrow release. Admin only.
func (s *Service) Resolve(ctx context.Context, actor authz.Identity, disputeID, resolution string) (Record, error) {
	if !authz.IsAdmin(actor) {
		return Record{}, ErrForbidden
	}
	return s.repo.Resolve(ctx, disputeID, resolution)
}
