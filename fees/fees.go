// Package fees computes the platform commission split of an order price.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Calculator splits a price into the platform fee and the seller net amount.
// The zero value charges no commission.
type Calculator struct {
	pct decimal.Decimal
}

// New returns a Calculator for a commission percentage in [0, 100],
// e.g. "5" or "2.5".
func New(percent string) (Calculator, error) {
	pct, err := decimal.NewFromString(percent)
	if err != nil {
		return Calculator{}, fmt.Errorf("invalid commission percent %q: %w", percent, err)
	}
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		return Calculator{}, fmt.Errorf("commission percent %s out of range [0, 100]", pct)
	}
	return Calculator{pct: pct}, nil
}

// Percent is the commission percentage as a decimal string
func (c Calculator) Percent() string {
	return c.pct.String()
}

// Split returns round-half-up(price * pct / 100) and the remainder. The fee is
// clamped to price so the seller net is never negative.
func (c Calculator) Split(price int64) (platformFee, sellerNet int64) {
	if price <= 0 {
		return 0, price
	}
	fee := decimal.NewFromInt(price).Mul(c.pct).Div(hundred).Round(0).IntPart()
	if fee > price {
		fee = price
	}
	if fee < 0 {
		fee = 0
	}
	return fee, price - fee
}
