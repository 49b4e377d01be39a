// Package store defines the persistence interfaces for the chip ledger.
// Implementations include PostgreSQL (source of truth), Redis (balance
// read-through cache and deposit intents), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/chipflip/chip-ledger/internal/model"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrClaimed         = errors.New("store: claim key already used")
	ErrNegativeBalance = errors.New("store: balance would become negative")
)

// Snapshot is the locked view of an account handed to a MutateFunc.
type Snapshot struct {
	Account string
	Balance int64
}

// Mutation is everything one atomic ledger update writes: the new balance,
// the records explaining it, and optionally a settlement claim and a payout
// outbox row. All of it commits or none of it does.
type Mutation struct {
	Balance int64
	Records []model.Transaction
	Claim   *model.Claim
	Payout  *model.Payout
}

// MutateFunc validates a snapshot and returns the mutation to commit.
// It runs while the account is locked and must not do network I/O.
// Returning a nil Mutation with a nil error commits nothing.
type MutateFunc func(Snapshot) (*Mutation, error)

// Store is the ledger persistence interface: balances, the append-only
// transaction log, settlement claims and the payout outbox.
type Store interface {
	// --- Balances ---

	// GetBalance returns the account balance, 0 for unknown accounts.
	GetBalance(ctx context.Context, account string) (int64, error)

	// Mutate serialises on the account, hands fn the current balance and
	// commits the returned mutation atomically. A claim whose key already
	// exists aborts the whole unit with ErrClaimed.
	Mutate(ctx context.Context, account string, fn MutateFunc) (*Mutation, error)

	// --- Transaction log ---

	// ListTransactions returns the newest records first. limit <= 0 returns all.
	ListTransactions(ctx context.Context, account string, limit int) ([]model.Transaction, error)

	// RecordPendingDeposit appends a pending deposit record unless the
	// account already has one for the same tx hash. Reports whether a record
	// was written.
	RecordPendingDeposit(ctx context.Context, tx model.Transaction) (bool, error)

	// GetClaim returns the claim for key, or ErrNotFound.
	GetClaim(ctx context.Context, key string) (*model.Claim, error)

	// --- Payout outbox ---

	// ClaimPayouts atomically moves up to limit pending payouts to
	// processing and returns them, oldest first. A row is handed to at most
	// one caller until its status is set back to pending.
	ClaimPayouts(ctx context.Context, limit int) ([]model.Payout, error)

	// GetPayout returns the payout with id, or ErrNotFound.
	GetPayout(ctx context.Context, id string) (*model.Payout, error)

	// UpdatePayout persists status, attempts, tx hash and last error.
	UpdatePayout(ctx context.Context, p *model.Payout) error

	// ListPayouts returns an account's payouts, newest first.
	ListPayouts(ctx context.Context, account string) ([]model.Payout, error)
}

// IntentCache holds short-lived deposit intents. A stored amount of 0 means
// the intent was consumed and is treated the same as no intent.
type IntentCache interface {
	SetIntent(ctx context.Context, account string, chips int64, ttl time.Duration) error
	GetIntent(ctx context.Context, account string) (int64, error)
	ClearIntent(ctx context.Context, account string) error
}

// checkMutation rejects mutations no backend may commit.
func checkMutation(m *Mutation) error {
	if m.Balance < 0 {
		return ErrNegativeBalance
	}
	return nil
}
