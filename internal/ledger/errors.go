package ledger

import "errors"

// Client errors: the request itself is wrong and retrying it unchanged will
// fail the same way.
var (
	ErrInvalidAmount       = errors.New("ledger: amount must be a positive integer")
	ErrMalformed           = errors.New("ledger: malformed request")
	ErrInvalidDestination  = errors.New("ledger: invalid destination address")
	ErrWrongDestination    = errors.New("ledger: transaction was not sent to the platform address")
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
)

// Business-rule rejections, surfaced verbatim.
var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrBetExceedsBalance   = errors.New("ledger: bet exceeds balance")
	ErrBelowMinimumBalance = errors.New("ledger: balance below minimum to wager")
	ErrAmountMismatch      = errors.New("ledger: transferred value does not match expected amount")
	ErrProofAlreadyClaimed = errors.New("ledger: transaction already credited to another account")
	ErrBootstrapDisabled   = errors.New("ledger: demo credit is disabled")
	ErrUntrustedSource     = errors.New("ledger: deposit source is not trusted")
	ErrNotRefundable       = errors.New("ledger: payout is not refundable")
)

// Dependency failures; the caller may retry later.
var (
	ErrPriceFeedUnavailable = errors.New("ledger: price feed unavailable")
	ErrChainReadUnavailable = errors.New("ledger: chain read unavailable")
)
