package request

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Urgency levels recognised by the scoring engine's workload penalty.
const (
	UrgencyLow    = "low"
	UrgencyMedium = "medium"
	UrgencyHigh   = "high"
)

// ReasonCode classifies why a provider walked away from a request.
type ReasonCode string

const (
	ReasonOverloaded    ReasonCode = "overloaded"
	ReasonOutOfScope    ReasonCode = "out_of_scope"
	ReasonClientConduct ReasonCode = "client_conduct"
	ReasonPersonal      ReasonCode = "personal"
	ReasonOther         ReasonCode = "other"
)

// ValidReason reports whether the reason code is one of the known values.
func ValidReason(r ReasonCode) bool {
	switch r {
	case ReasonOverloaded, ReasonOutOfScope, ReasonClientConduct, ReasonPersonal, ReasonOther:
		return true
	default:
		return false
	}
}

// Request is the domain representation of a client's service request.
type Request struct {
	ID            string
	ClientID      string
	ProviderID    *string
	FirmID        *string
	Category      string
	Urgency       string
	BudgetHint    *decimal.Decimal
	Deadline      *time.Time
	Description   string
	Status        Status
	ReopenedCount int
	CancelReason  *string
	AcceptedAt    *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CancelledAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Event is one immutable record in a request's ordered history. Reopen causes
// (reject, abandon) carry a reason code; plain transitions do not.
type Event struct {
	ID         int64
	RequestID  string
	ActorID    *string
	Type       string
	ReasonCode *ReasonCode
	Note       *string
	CreatedAt  time.Time
}

// Event types appended to request_events.
const (
	EventCreated   = "REQUEST_CREATED"
	EventAccepted  = "REQUEST_ACCEPTED"
	EventStarted   = "REQUEST_STARTED"
	EventCompleted = "REQUEST_COMPLETED"
	EventRejected  = "REQUEST_REJECTED"
	EventAbandoned = "REQUEST_ABANDONED"
	EventCancelled = "REQUEST_CANCELLED"
	EventUpdated   = "REQUEST_UPDATED"
)

// Filters narrows List queries.
type Filters struct {
	ClientID   string
	ProviderID string
	Status     Status
	Category   string
	Page       int
	PageSize   int
	SortKey    string
	SortOrder  string
}
