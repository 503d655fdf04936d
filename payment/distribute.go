package payment

import (
	"errors"
	"fmt"

	"servicehub/firm"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotDistributable signals the payment is not in a distributable state.
	ErrNotDistributable = errors.New("payment: not distributable")
	// ErrAlreadyDistributed signals distribution rows already exist.
	ErrAlreadyDistributed = errors.New("payment: already distributed")
)

var hundred = decimal.NewFromInt(100)
var tenThousand = decimal.NewFromInt(10000)

// PlatformFee computes the platform's cut of a gross amount, rounded to two
// decimal places.
func PlatformFee(gross decimal.Decimal, fees FeeSchedule, firmPayee bool) decimal.Decimal {
	return gross.Mul(fees.FeeRate(firmPayee)).Round(2)
}

// ComputeDistributions splits the post-fee net across payee shares and
// withholds tax per share. Shares are rounded to two decimals; the rounding
// remainder lands on the first share, so the rows always reconcile exactly:
// sum(net) + sum(withheld) == net in, and with the platform fee added back,
// the original gross.
func ComputeDistributions(paymentID string, net decimal.Decimal, shares []firm.MemberShare, fees FeeSchedule) ([]Distribution, error) {
	if len(shares) == 0 {
		return nil, firm.ErrNoActiveMembers
	}
	if net.Sign() < 0 {
		return nil, fmt.Errorf("payment: negative net %s", net)
	}

	totalBps := 0
	for _, s := range shares {
		totalBps += s.Bps
	}
	if totalBps != 10000 {
		return nil, firm.ErrBadSplit
	}

	rows := make([]Distribution, len(shares))
	allocated := decimal.Zero
	for i, s := range shares {
		grossShare := net.Mul(decimal.NewFromInt(int64(s.Bps))).Div(tenThousand).Round(2)
		allocated = allocated.Add(grossShare)
		rows[i] = Distribution{
			PaymentID:  paymentID,
			PayeeID:    s.ProviderID,
			GrossShare: grossShare,
		}
	}

	// Remainder to the first share, never dropped or duplicated.
	if remainder := net.Sub(allocated); !remainder.IsZero() {
		rows[0].GrossShare = rows[0].GrossShare.Add(remainder)
	}

	for i := range rows {
		rows[i].Withheld = withholding(rows[i].GrossShare, fees)
		rows[i].Net = rows[i].GrossShare.Sub(rows[i].Withheld)
	}

	return rows, nil
}

// withholding returns the tax retained from one share. Shares under the
// threshold pay out untaxed.
func withholding(grossShare decimal.Decimal, fees FeeSchedule) decimal.Decimal {
	if grossShare.LessThan(fees.TDSThreshold) {
		return decimal.Zero
	}
	return grossShare.Mul(fees.TDSRate).Round(2)
}

// Reconciles reports whether a distribution set accounts for every unit of
// the gross: sum(net) + sum(withheld) + platformFee == gross, exactly.
func Reconciles(gross, platformFee decimal.Decimal, rows []Distribution) bool {
	sum := platformFee
	for _, d := range rows {
		sum = sum.Add(d.Net).Add(d.Withheld)
	}
	return sum.Equal(gross)
}
