package settlement

import (
	"github.com/botmart/botmart-settlement-service/internal/models"
)

// FeeRule prices one payment channel. Fees are computed in minor units and
// any fractional remainder rounds up so the platform never absorbs it.
type FeeRule struct {
	// PercentBasisPoints is the proportional fee in basis points of the
	// order amount (70 = 0.7%).
	PercentBasisPoints int64
	// Fixed is a flat surcharge in minor units added on top.
	Fixed int64
}

// Fee returns the total fee in minor units for the given amount.
func (r FeeRule) Fee(amount int64) int64 {
	if amount <= 0 {
		return r.Fixed
	}
	proportional := (amount*r.PercentBasisPoints + 9999) / 10000
	return proportional + r.Fixed
}

// FeeSchedule maps each payment method to its fee rule.
type FeeSchedule map[models.PaymentMethod]FeeRule

// DefaultFees mirrors the gateway's published channel pricing.
func DefaultFees() FeeSchedule {
	return FeeSchedule{
		models.PaymentMethodQRIS:           {PercentBasisPoints: 70},
		models.PaymentMethodEWallet:        {PercentBasisPoints: 150},
		models.PaymentMethodVirtualAccount: {Fixed: 400000},
	}
}

// Fee looks up the rule for the method. An unpriced method carries no fee.
func (s FeeSchedule) Fee(method models.PaymentMethod, amount int64) int64 {
	rule, ok := s[method]
	if !ok {
		return 0
	}
	return rule.Fee(amount)
}
