// Package ledger is the chip ledger engine: the only writer of balances and
// transaction records. It enforces the money invariants (no negative
// balances, a record for every balance change, one credit per real-world
// event) and drives deposit proofs through reconciliation.
//
// Every balance change goes through store.Store.Mutate, which serialises
// per account. Network calls (chain reads, price lookups, the coin flip)
// happen before Mutate so no account lock is held across I/O.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chipflip/chip-ledger/internal/chain"
	"github.com/chipflip/chip-ledger/internal/metrics"
	"github.com/chipflip/chip-ledger/internal/model"
	"github.com/chipflip/chip-ledger/internal/price"
	"github.com/chipflip/chip-ledger/internal/store"
)

// DefaultListLimit is the page size of ListTransactions when none is given.
const DefaultListLimit = 50

// maxListLimit caps a single ListTransactions page.
const maxListLimit = 500

// Notifier receives settled wagers, e.g. for a public live feed.
type Notifier interface {
	WagerSettled(ev WagerEvent)
}

// WagerEvent describes a settled wager.
type WagerEvent struct {
	Account   string
	Amount    int64
	Side      model.Side
	Outcome   model.Side
	Won       bool
	Timestamp time.Time
}

// Engine orchestrates balance changes. Safe for concurrent use.
type Engine struct {
	store    store.Store
	primary  store.Store // store without its balance cache
	intents  store.IntentCache
	chain    chain.Reader
	prices   price.Oracle
	policy   Policy
	coin     Coin
	guard    ValueGuard
	notifier Notifier
	now      func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithCoin replaces the crypto/rand coin.
func WithCoin(c Coin) Option { return func(e *Engine) { e.coin = c } }

// WithGuard replaces the policy's ToleranceGuard.
func WithGuard(g ValueGuard) Option { return func(e *Engine) { e.guard = g } }

// WithNotifier registers a wager feed.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine wires an engine. reader and oracle are only needed by the
// deposit reconciliation path and the USD figures it reports.
func NewEngine(st store.Store, intents store.IntentCache, reader chain.Reader, oracle price.Oracle, policy Policy, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		primary: store.Uncached(st),
		intents: intents,
		chain:   reader,
		prices:  oracle,
		policy:  policy,
		coin:    CryptoCoin{},
		guard:   ToleranceGuard{Pct: policy.TolerancePct},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the engine's policy constants.
func (e *Engine) Policy() Policy { return e.policy }

// --- Sources ---

type sourceKind int

const (
	sourceUnset sourceKind = iota
	sourceBootstrap
	sourceChainProof
)

// Source states why a deposit is allowed to credit. Only Bootstrap can be
// named outside this package; chain-proof sources are minted by the
// reconciliation flow once confirmations are in.
type Source struct {
	kind   sourceKind
	txHash string
}

// Bootstrap is the sanctioned ungated demo credit.
var Bootstrap = Source{kind: sourceBootstrap}

func chainProof(txHash string) Source {
	return Source{kind: sourceChainProof, txHash: txHash}
}

// --- Results ---

// DepositResult is returned by Deposit and RefundPayout.
type DepositResult struct {
	Balance       int64  `json:"balance"`
	TransactionID string `json:"transactionId"`
}

// WithdrawResult is returned by Withdraw.
type WithdrawResult struct {
	Balance      int64           `json:"balance"`
	RequestID    string          `json:"requestId"`
	AmountUSD    decimal.Decimal `json:"amountUsd"`
	PayoutQueued bool            `json:"payoutQueued"`
}

// WagerResult is returned by PlaceWager.
type WagerResult struct {
	Outcome model.Side `json:"outcome"`
	Won     bool       `json:"won"`
	Balance int64      `json:"balance"`
}

// Reconciliation compares the stored balance with a replay of the log.
type Reconciliation struct {
	Account         string `json:"account"`
	StoredBalance   int64  `json:"storedBalance"`
	ReplayedBalance int64  `json:"replayedBalance"`
	Drift           int64  `json:"drift"`
	Records         int    `json:"records"`
	Consistent      bool   `json:"consistent"`
}

// --- Operations ---

// GetBalance returns the account's balance, 0 when it has never been touched.
func (e *Engine) GetBalance(ctx context.Context, account string) (int64, error) {
	account, err := normalizeAccount(account)
	if err != nil {
		return 0, err
	}
	return e.store.GetBalance(ctx, account)
}

// Deposit credits amount unconditionally. src must be Bootstrap; chain-backed
// credits go through SubmitDepositProof.
func (e *Engine) Deposit(ctx context.Context, account string, amount int64, src Source) (*DepositResult, error) {
	start := time.Now()
	account, err := normalizeAccount(account)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		metrics.ObserveOp("deposit", start, "invalid_amount")
		return nil, ErrInvalidAmount
	}
	switch src.kind {
	case sourceBootstrap:
		if !e.policy.DemoCreditEnabled {
			metrics.ObserveOp("deposit", start, "bootstrap_disabled")
			return nil, ErrBootstrapDisabled
		}
	case sourceChainProof:
		if src.txHash == "" {
			return nil, ErrUntrustedSource
		}
	default:
		metrics.ObserveOp("deposit", start, "untrusted_source")
		return nil, ErrUntrustedSource
	}

	res, err := e.credit(ctx, account, amount, src.txHash)
	if err != nil {
		metrics.ObserveOp("deposit", start, "error")
		return nil, err
	}
	metrics.ObserveOp("deposit", start, "ok")
	return res, nil
}

// credit appends a processed deposit. A non-empty txHash also commits the
// deposit claim for that hash in the same unit.
func (e *Engine) credit(ctx context.Context, account string, amount int64, txHash string) (*DepositResult, error) {
	now := e.now().UTC()
	rec := model.Transaction{
		ID:        uuid.NewString(),
		Account:   account,
		Kind:      model.KindDeposit,
		Status:    model.StatusProcessed,
		Amount:    amount,
		TxHash:    txHash,
		Timestamp: now,
	}

	m, err := e.store.Mutate(ctx, account, func(s store.Snapshot) (*store.Mutation, error) {
		mut := &store.Mutation{
			Balance: s.Balance + amount,
			Records: []model.Transaction{rec},
		}
		if txHash != "" {
			mut.Claim = &model.Claim{
				Key:           model.DepositClaimKey(txHash),
				Account:       account,
				TransactionID: rec.ID,
				CreatedAt:     now,
			}
		}
		return mut, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ChipsCredited.WithLabelValues(string(model.KindDeposit)).Add(float64(amount))
	slog.Info("chips deposited",
		"account", account,
		"amount", amount,
		"balance", m.Balance,
		"tx_hash", txHash,
	)
	return &DepositResult{Balance: m.Balance, TransactionID: rec.ID}, nil
}

// Withdraw debits amount and appends a pending withdraw record. With a
// destination, a payout outbox row is written in the same unit; the
// on-chain send happens later in the payout worker.
func (e *Engine) Withdraw(ctx context.Context, account string, amount int64, destination string) (*WithdrawResult, error) {
	start := time.Now()
	account, err := normalizeAccount(account)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		metrics.ObserveOp("withdraw", start, "invalid_amount")
		return nil, ErrInvalidAmount
	}
	if destination != "" {
		destination, err = chain.ParseAddress(destination)
		if err != nil {
			metrics.ObserveOp("withdraw", start, "invalid_destination")
			return nil, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
		}
	}

	now := e.now().UTC()
	rec := model.Transaction{
		ID:          uuid.NewString(),
		Account:     account,
		Kind:        model.KindWithdraw,
		Status:      model.StatusPending,
		Amount:      amount,
		Destination: destination,
		Timestamp:   now,
	}

	m, err := e.store.Mutate(ctx, account, func(s store.Snapshot) (*store.Mutation, error) {
		if amount > s.Balance {
			return nil, ErrInsufficientBalance
		}
		mut := &store.Mutation{
			Balance: s.Balance - amount,
			Records: []model.Transaction{rec},
		}
		if destination != "" {
			mut.Payout = &model.Payout{
				ID:          rec.ID,
				Account:     account,
				Amount:      amount,
				Destination: destination,
				Status:      model.PayoutPending,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
		}
		return mut, nil
	})
	if err != nil {
		metrics.ObserveOp("withdraw", start, resultLabel(err))
		return nil, err
	}

	metrics.ObserveOp("withdraw", start, "ok")
	metrics.ChipsDebited.WithLabelValues(string(model.KindWithdraw)).Add(float64(amount))
	slog.Info("chips withdrawn",
		"account", account,
		"amount", amount,
		"balance", m.Balance,
		"destination", destination,
		"request_id", rec.ID,
	)
	return &WithdrawResult{
		Balance:      m.Balance,
		RequestID:    rec.ID,
		AmountUSD:    price.ChipsToUSD(amount, e.policy.ChipUSDRate),
		PayoutQueued: m.Payout != nil,
	}, nil
}

// PlaceWager flips the coin and settles the wager against the locked
// balance. The draw happens first; the checks and the settlement run in
// one atomic unit so a concurrent wager can never see a stale balance.
func (e *Engine) PlaceWager(ctx context.Context, account string, amount int64, side model.Side) (*WagerResult, error) {
	start := time.Now()
	account, err := normalizeAccount(account)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		metrics.ObserveOp("wager", start, "invalid_amount")
		return nil, ErrInvalidAmount
	}
	if side != model.Heads && side != model.Tails {
		metrics.ObserveOp("wager", start, "malformed")
		return nil, fmt.Errorf("%w: side %q", ErrMalformed, side)
	}

	outcome := e.coin.Flip()
	won := outcome == side

	now := e.now().UTC()
	rec := model.Transaction{
		ID:        uuid.NewString(),
		Account:   account,
		Kind:      model.KindBetLoss,
		Status:    model.StatusProcessed,
		Amount:    amount,
		Side:      side,
		Timestamp: now,
	}
	if won {
		rec.Kind = model.KindBetWin
	}

	m, err := e.store.Mutate(ctx, account, func(s store.Snapshot) (*store.Mutation, error) {
		return settleWager(s, e.policy.MinWagerBalance, rec)
	})
	if err != nil {
		metrics.ObserveOp("wager", start, resultLabel(err))
		return nil, err
	}

	metrics.ObserveOp("wager", start, "ok")
	if won {
		metrics.WagersTotal.WithLabelValues("win").Inc()
		metrics.ChipsCredited.WithLabelValues(string(model.KindBetWin)).Add(float64(amount))
	} else {
		metrics.WagersTotal.WithLabelValues("loss").Inc()
		metrics.ChipsDebited.WithLabelValues(string(model.KindBetLoss)).Add(float64(amount))
	}
	slog.Info("wager settled",
		"account", account,
		"amount", amount,
		"side", side,
		"outcome", outcome,
		"won", won,
		"balance", m.Balance,
	)
	if e.notifier != nil {
		e.notifier.WagerSettled(WagerEvent{
			Account:   account,
			Amount:    amount,
			Side:      side,
			Outcome:   outcome,
			Won:       won,
			Timestamp: now,
		})
	}
	return &WagerResult{Outcome: outcome, Won: won, Balance: m.Balance}, nil
}

// settleWager applies a pre-drawn wager record to a locked snapshot.
func settleWager(s store.Snapshot, minBalance int64, rec model.Transaction) (*store.Mutation, error) {
	if s.Balance < minBalance {
		return nil, ErrBelowMinimumBalance
	}
	if rec.Amount > s.Balance {
		return nil, ErrBetExceedsBalance
	}
	return &store.Mutation{
		Balance: s.Balance + rec.Delta(),
		Records: []model.Transaction{rec},
	}, nil
}

// ListTransactions returns the newest records first. limit <= 0 uses
// DefaultListLimit.
func (e *Engine) ListTransactions(ctx context.Context, account string, limit int) ([]model.Transaction, error) {
	account, err := normalizeAccount(account)
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	txs, err := e.store.ListTransactions(ctx, account, limit)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	return txs, nil
}

// Payouts lists the account's payout outbox rows, newest first.
func (e *Engine) Payouts(ctx context.Context, account string) ([]model.Payout, error) {
	account, err := normalizeAccount(account)
	if err != nil {
		return nil, err
	}
	ps, err := e.store.ListPayouts(ctx, account)
	if err != nil {
		return nil, err
	}
	if ps == nil {
		ps = []model.Payout{}
	}
	return ps, nil
}

// Reconcile replays the account's full log and compares it with the stored
// balance. It is read-only and bypasses the balance cache. Balance and log
// are read separately, so the read is retried while a concurrent write moves
// the balance underneath it.
func (e *Engine) Reconcile(ctx context.Context, account string) (*Reconciliation, error) {
	account, err := normalizeAccount(account)
	if err != nil {
		return nil, err
	}

	const attempts = 3
	var rec *Reconciliation
	for i := 0; i < attempts; i++ {
		before, err := e.primary.GetBalance(ctx, account)
		if err != nil {
			return nil, err
		}
		txs, err := e.primary.ListTransactions(ctx, account, 0)
		if err != nil {
			return nil, err
		}
		after, err := e.primary.GetBalance(ctx, account)
		if err != nil {
			return nil, err
		}

		var replayed int64
		for _, t := range txs {
			replayed += t.Delta()
		}
		rec = &Reconciliation{
			Account:         account,
			StoredBalance:   after,
			ReplayedBalance: replayed,
			Drift:           after - replayed,
			Records:         len(txs),
			Consistent:      after == replayed,
		}
		if before == after {
			break
		}
	}

	if !rec.Consistent {
		metrics.ReconcileDrift.Inc()
		slog.Warn("ledger drift detected",
			"account", account,
			"stored", rec.StoredBalance,
			"replayed", rec.ReplayedBalance,
		)
	}
	return rec, nil
}

// RefundPayout credits back the stored amount of a payout the worker has
// marked failed. Anything else, including an unknown id, is
// ErrNotRefundable. The refund claim makes repeated calls for the same
// payout credit at most once.
func (e *Engine) RefundPayout(ctx context.Context, payoutID string) (*DepositResult, error) {
	start := time.Now()
	p, err := e.store.GetPayout(ctx, payoutID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.ObserveOp("refund", start, "not_refundable")
		return nil, fmt.Errorf("%w: payout %s not found", ErrNotRefundable, payoutID)
	}
	if err != nil {
		metrics.ObserveOp("refund", start, "error")
		return nil, fmt.Errorf("load payout %s: %w", payoutID, err)
	}
	if p.Status != model.PayoutFailed {
		metrics.ObserveOp("refund", start, "not_refundable")
		return nil, fmt.Errorf("%w: payout %s is %s", ErrNotRefundable, p.ID, p.Status)
	}
	account, err := normalizeAccount(p.Account)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	rec := model.Transaction{
		ID:          uuid.NewString(),
		Account:     account,
		Kind:        model.KindRefund,
		Status:      model.StatusProcessed,
		Amount:      p.Amount,
		Destination: p.Destination,
		Ref:         p.ID,
		Timestamp:   now,
	}
	m, err := e.store.Mutate(ctx, account, func(s store.Snapshot) (*store.Mutation, error) {
		return &store.Mutation{
			Balance: s.Balance + p.Amount,
			Records: []model.Transaction{rec},
			Claim: &model.Claim{
				Key:           model.RefundClaimKey(p.ID),
				Account:       account,
				TransactionID: rec.ID,
				CreatedAt:     now,
			},
		}, nil
	})
	if errors.Is(err, store.ErrClaimed) {
		metrics.ObserveOp("refund", start, "replay")
		claim, cerr := e.store.GetClaim(ctx, model.RefundClaimKey(p.ID))
		if cerr != nil {
			return nil, cerr
		}
		bal, berr := e.primary.GetBalance(ctx, account)
		if berr != nil {
			return nil, berr
		}
		return &DepositResult{Balance: bal, TransactionID: claim.TransactionID}, nil
	}
	if err != nil {
		metrics.ObserveOp("refund", start, "error")
		return nil, err
	}

	metrics.ObserveOp("refund", start, "ok")
	metrics.ChipsCredited.WithLabelValues(string(model.KindRefund)).Add(float64(p.Amount))
	slog.Warn("payout refunded",
		"account", account,
		"payout_id", p.ID,
		"amount", p.Amount,
		"balance", m.Balance,
	)
	return &DepositResult{Balance: m.Balance, TransactionID: rec.ID}, nil
}

// --- Helpers ---

func normalizeAccount(account string) (string, error) {
	a, err := chain.ParseAddress(account)
	if err != nil {
		return "", fmt.Errorf("%w: account: %v", ErrMalformed, err)
	}
	return a, nil
}

// resultLabel maps an error to a bounded metrics label.
func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrBetExceedsBalance):
		return "bet_exceeds_balance"
	case errors.Is(err, ErrBelowMinimumBalance):
		return "below_minimum_balance"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "error"
}
