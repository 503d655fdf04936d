package provider

import "time"

// Type distinguishes fee schedules for individual providers and firm members.
type Type string

const (
	TypeIndividual Type = "individual"
	TypeFirmMember Type = "firm_member"
)

// Provider is the domain representation of a service-performing professional.
// It mirrors the providers table and carries no JSON annotations so it can be
// reused by different presentation layers.
type Provider struct {
	ID              string
	FullName        string
	FirmID          *string
	Specializations []string
	ExperienceYears int
	Rating          float64
	Rate            float64
	Reputation      float64
	ActiveCount     int
	MaxActive       int
	AbandonCount    int
	Available       bool
	VerifiedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Kind reports whether the provider works independently or through a firm.
func (p Provider) Kind() Type {
	if p.FirmID != nil && *p.FirmID != "" {
		return TypeFirmMember
	}
	return TypeIndividual
}

// PoolFilters narrows the candidate pool loaded for assignment.
type PoolFilters struct {
	Category string
	FirmID   string
	Limit    int
}
