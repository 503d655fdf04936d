package firm

import "time"

// SplitPolicy controls how a firm divides its net payout across members.
type SplitPolicy string

const (
	SplitEqual      SplitPolicy = "equal"
	SplitPercentage SplitPolicy = "percentage"
	SplitCustom     SplitPolicy = "custom"
)

// Profile captures the subset of firm data the settlement engine needs.
type Profile struct {
	ID             string
	Name           string
	CommissionRate float64
	SplitPolicy    SplitPolicy
	Verified       bool
	CreatedAt      time.Time
}

// MemberShare is one active member's slice of a firm payout, in basis points.
// For the equal policy the basis points are derived, not stored.
type MemberShare struct {
	ProviderID string
	Bps        int
}
