// Package model defines the core domain types shared across the chip ledger.
// Chip amounts are whole int64 units; fiat and ETH figures use
// shopspring/decimal, never float64.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the ledger event type of a transaction record.
type Kind string

const (
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
	KindBetWin   Kind = "bet_win"
	KindBetLoss  Kind = "bet_loss"
	// KindRefund is the compensating credit for a payout that failed.
	KindRefund Kind = "refund"
)

// Status is the settlement state of a transaction record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
)

// Side is one face of the coin.
type Side string

const (
	Heads Side = "heads"
	Tails Side = "tails"
)

// ParseSide accepts "heads" or "tails" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Heads:
		return Heads, nil
	case Tails:
		return Tails, nil
	}
	return "", fmt.Errorf("side must be heads or tails, got %q", s)
}

// Transaction is an immutable record in an account's ledger.
// Once created it is never modified or deleted.
type Transaction struct {
	ID          string    `json:"id" db:"id"`
	Account     string    `json:"account" db:"account"`
	Kind        Kind      `json:"type" db:"kind"`
	Status      Status    `json:"status" db:"status"`
	Amount      int64     `json:"amount" db:"amount"` // always positive; Kind gives the sign
	TxHash      string    `json:"txHash,omitempty" db:"tx_hash"`
	Destination string    `json:"destination,omitempty" db:"destination"`
	Side        Side      `json:"side,omitempty" db:"side"`
	Ref         string    `json:"ref,omitempty" db:"ref"` // refund -> payout id
	Timestamp   time.Time `json:"timestamp" db:"created_at"`
}

// Delta is the signed effect the record has on the balance when replayed.
// Pending deposits are proofs still waiting on confirmations and carry no value.
func (t Transaction) Delta() int64 {
	switch t.Kind {
	case KindDeposit:
		if t.Status == StatusProcessed {
			return t.Amount
		}
		return 0
	case KindWithdraw, KindBetLoss:
		return -t.Amount
	case KindBetWin, KindRefund:
		return t.Amount
	}
	return 0
}

// Claim marks a real-world event as settled. Its key is globally unique and
// is committed together with the credit it authorised.
type Claim struct {
	Key           string    `json:"key" db:"key"`
	Account       string    `json:"account" db:"account"`
	TransactionID string    `json:"transactionId" db:"transaction_id"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
}

// DepositClaimKey is the claim key for a settled on-chain deposit.
func DepositClaimKey(txHash string) string {
	return "deposit:" + strings.ToLower(txHash)
}

// RefundClaimKey is the claim key for the compensating credit of a payout.
func RefundClaimKey(payoutID string) string {
	return "refund:" + payoutID
}

// PayoutStatus tracks an outbox row through the payout worker.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing" // claimed by a worker, send in flight
	PayoutProcessed  PayoutStatus = "processed"
	PayoutFailed     PayoutStatus = "failed"
)

// Payout is the outbox row for the on-chain leg of a withdrawal.
// ID equals the withdraw transaction id it was created with.
type Payout struct {
	ID          string       `json:"id" db:"id"`
	Account     string       `json:"account" db:"account"`
	Amount      int64        `json:"amount" db:"amount"`
	Destination string       `json:"destination" db:"destination"`
	Status      PayoutStatus `json:"status" db:"status"`
	Attempts    int          `json:"attempts" db:"attempts"`
	TxHash      string       `json:"txHash,omitempty" db:"tx_hash"`
	LastError   string       `json:"lastError,omitempty" db:"last_error"`
	CreatedAt   time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time    `json:"updatedAt" db:"updated_at"`
}
