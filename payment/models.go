package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusCreated           Status = "created"
	StatusVerified          Status = "verified"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

// Payment mirrors the payments table. Refund fields are written once at
// refund time and never edited afterwards.
type Payment struct {
	ID                 string
	RequestID          string
	PayerID            string
	Gross              decimal.Decimal
	PlatformFee        decimal.Decimal
	Status             Status
	GatewayOrderID     *string
	ReleasedToProvider bool
	DistributedAt      *time.Time
	RefundReason       *string
	RefundPct          *decimal.Decimal
	RefundAmount       *decimal.Decimal
	RefundProcessedBy  *string
	RefundedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Distribution is one payee's slice of a payment: gross share, tax withheld,
// and the net actually owed.
type Distribution struct {
	ID         int64
	PaymentID  string
	PayeeID    string
	GrossShare decimal.Decimal
	Withheld   decimal.Decimal
	Net        decimal.Decimal
	CreatedAt  time.Time
}

// FeeSchedule carries every money knob as an explicit value. It travels into
// each ledger call so per-provider-type overrides stay testable and no rate
// hides in a package global.
type FeeSchedule struct {
	// IndividualFeeRate and FirmFeeRate are fractions of gross, e.g. 0.15.
	IndividualFeeRate decimal.Decimal
	FirmFeeRate       decimal.Decimal
	// TDSRate is the withholding fraction applied to shares at or above
	// TDSThreshold; smaller shares are paid out untaxed.
	TDSRate      decimal.Decimal
	TDSThreshold decimal.Decimal
	// ProcessingFee is deducted from every refund.
	ProcessingFee decimal.Decimal
	// RefundInProgressPct is the refund percentage for work already started.
	RefundInProgressPct decimal.Decimal
	// AmountBandPct bounds how far a supplied gross may deviate from the
	// request's budget hint, e.g. 0.20 for ±20%.
	AmountBandPct decimal.Decimal
	// AutoReleaseAfter is how long escrowed funds wait, undisputed, before
	// they release to the provider automatically.
	AutoReleaseAfter time.Duration
}

// DefaultFeeSchedule returns the stock money configuration.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		IndividualFeeRate:   decimal.RequireFromString("0.10"),
		FirmFeeRate:         decimal.RequireFromString("0.15"),
		TDSRate:             decimal.RequireFromString("0.10"),
		TDSThreshold:        decimal.RequireFromString("10000"),
		ProcessingFee:       decimal.RequireFromString("100"),
		RefundInProgressPct: decimal.RequireFromString("50"),
		AmountBandPct:       decimal.RequireFromString("0.20"),
		AutoReleaseAfter:    72 * time.Hour,
	}
}

// FeeRate selects the platform fee fraction for the payee kind.
func (f FeeSchedule) FeeRate(firmPayee bool) decimal.Decimal {
	if firmPayee {
		return f.FirmFeeRate
	}
	return f.IndividualFeeRate
}
