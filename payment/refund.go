package payment

import (
	"errors"

	"servicehub/request"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotRefundable signals the payment fails a refund precondition.
	ErrNotRefundable = errors.New("payment: not refundable")
	// ErrManualOnly signals funds were already released to the provider, so
	// the refund must be processed manually outside the engine.
	ErrManualOnly = errors.New("payment: funds released, manual processing required")
	// ErrInvalidPercentage signals an override outside [0,100].
	ErrInvalidPercentage = errors.New("payment: refund percentage out of range")
)

// Eligibility is the answer to checkRefundEligibility.
type Eligibility struct {
	Eligible   bool
	ManualOnly bool
	Percentage decimal.Decimal
	Amount     decimal.Decimal
	Reason     string
}

// RefundPercent maps the request's status snapshot at refund initiation to a
// refund percentage. Full refund before work starts, partial mid-work, none
// after completion. The snapshot is taken once and never recomputed post hoc.
func RefundPercent(status request.Status, fees FeeSchedule) decimal.Decimal {
	switch status {
	case request.StatusPending, request.StatusAccepted, request.StatusCancelled:
		return hundred
	case request.StatusInProgress:
		return fees.RefundInProgressPct
	default:
		return decimal.Zero
	}
}

// RefundAmount computes gross × pct − processing fee, clamped to
// [0, gross − platformFee]. The platform fee is never refunded.
func RefundAmount(p Payment, pct decimal.Decimal, fees FeeSchedule) decimal.Decimal {
	amount := p.Gross.Mul(pct).Div(hundred).Round(2).Sub(fees.ProcessingFee)

	ceiling := p.Gross.Sub(p.PlatformFee)
	if amount.GreaterThan(ceiling) {
		amount = ceiling
	}
	if amount.Sign() < 0 {
		amount = decimal.Zero
	}
	return amount
}

// evaluateEligibility applies the refund preconditions to a payment snapshot.
func evaluateEligibility(p Payment, reqStatus request.Status, fees FeeSchedule) Eligibility {
	switch {
	case p.Status == StatusRefunded || p.Status == StatusPartiallyRefunded:
		return Eligibility{Reason: "already refunded"}
	case p.Status != StatusCompleted:
		return Eligibility{Reason: "payment not completed"}
	case p.ReleasedToProvider:
		return Eligibility{ManualOnly: true, Reason: "funds released to provider"}
	}

	pct := RefundPercent(reqStatus, fees)
	return Eligibility{
		Eligible:   true,
		Percentage: pct,
		Amount:     RefundAmount(p, pct, fees),
	}
}
