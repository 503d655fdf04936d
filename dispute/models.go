package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Record mirrors the disputes table. An under_review dispute blocks escrow
// auto-release for its payment.
type Record struct {
	ID         string
	PaymentID  string
	RaisedBy   string
	Reason     string
	Resolution *string
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}
