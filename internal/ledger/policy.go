package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultPlatformAddress is the collection wallet deposits must be sent to.
const DefaultPlatformAddress = "0xB18F04b407464CB376eC029Ce5b7f114b1Efa182"

// Policy holds the constants exposed at the ledger boundary.
type Policy struct {
	MinWagerBalance       int64
	RequiredConfirmations uint64
	ChipUSDRate           decimal.Decimal // USD per chip
	PlatformAddress       string
	Network               string
	TolerancePct          decimal.Decimal // 0 disables the value guard
	IntentTTL             time.Duration
	DemoCreditEnabled     bool
	DemoCredit            int64
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MinWagerBalance:       10,
		RequiredConfirmations: 3,
		ChipUSDRate:           decimal.RequireFromString("0.001"),
		PlatformAddress:       DefaultPlatformAddress,
		Network:               "base-mainnet",
		TolerancePct:          decimal.Zero,
		IntentTTL:             30 * time.Minute,
		DemoCreditEnabled:     true,
		DemoCredit:            1000,
	}
}
