package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValueGuard decides whether an on-chain transfer is worth what the user
// asked to buy. Both figures are in USD.
type ValueGuard interface {
	Check(actualUSD, expectedUSD decimal.Decimal) error
}

// ToleranceGuard accepts transfers whose USD value is within Pct percent
// of the expected value. A Pct of zero or less disables the check.
type ToleranceGuard struct {
	Pct decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// Enabled reports whether the guard rejects anything at all.
func (g ToleranceGuard) Enabled() bool { return g.Pct.IsPositive() }

func (g ToleranceGuard) Check(actualUSD, expectedUSD decimal.Decimal) error {
	if !g.Enabled() {
		return nil
	}
	allowed := expectedUSD.Mul(g.Pct).Div(hundred)
	if actualUSD.Sub(expectedUSD).Abs().GreaterThan(allowed) {
		return fmt.Errorf("%w: got $%s, expected $%s ±%s%%",
			ErrAmountMismatch, actualUSD.StringFixed(2), expectedUSD.StringFixed(2), g.Pct.String())
	}
	return nil
}
