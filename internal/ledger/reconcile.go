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

// DepositMode is the state a deposit submission ended in.
type DepositMode string

const (
	// ModeInstructions: intent stored, the client should send funds.
	ModeInstructions DepositMode = "instructions"
	// ModePending: the transfer exists but lacks confirmations; poll again.
	ModePending DepositMode = "pending"
	// ModeConfirmed: the transfer is credited. Stop polling.
	ModeConfirmed DepositMode = "confirmed"
)

// DepositOutcome is the result of RequestDeposit and SubmitDepositProof.
// Which fields are set depends on Mode.
type DepositOutcome struct {
	Mode DepositMode

	// instructions
	AmountChips     int64
	AmountUSD       decimal.Decimal
	PlatformAddress string
	Network         string

	RequiredConfirmations uint64

	// pending
	TxHash        string
	Confirmations uint64

	// confirmed
	Balance       int64
	TransactionID string
	Credited      int64
	ETHUSD        decimal.Decimal
	ValueUSD      decimal.Decimal
	Replayed      bool // the hash was already credited earlier
}

// RequestDeposit records the user's intent to buy amount chips and returns
// payment instructions. A new request overwrites any earlier intent.
func (e *Engine) RequestDeposit(ctx context.Context, account string, amount int64) (*DepositOutcome, error) {
	account, err := normalizeAccount(account)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	if err := e.intents.SetIntent(ctx, account, amount, e.policy.IntentTTL); err != nil {
		return nil, fmt.Errorf("store deposit intent: %w", err)
	}
	metrics.DepositProofs.WithLabelValues(string(ModeInstructions)).Inc()
	slog.Info("deposit intent stored", "account", account, "chips", amount)

	return &DepositOutcome{
		Mode:                  ModeInstructions,
		AmountChips:           amount,
		AmountUSD:             price.ChipsToUSD(amount, e.policy.ChipUSDRate),
		PlatformAddress:       e.policy.PlatformAddress,
		Network:               e.policy.Network,
		RequiredConfirmations: e.policy.RequiredConfirmations,
	}, nil
}

// SubmitDepositProof advances a deposit. Without a hash it behaves like
// RequestDeposit. With one it verifies the transfer on chain and either
// reports the confirmation count or credits the account exactly once.
func (e *Engine) SubmitDepositProof(ctx context.Context, account string, amount int64, txHash string) (*DepositOutcome, error) {
	start := time.Now()
	if txHash == "" {
		return e.RequestDeposit(ctx, account, amount)
	}

	account, err := normalizeAccount(account)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	hash, err := chain.ParseTxHash(txHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// Already settled: answer without touching the chain.
	if out, err := e.settled(ctx, account, hash); out != nil || err != nil {
		e.observeProof(start, out, err)
		return out, err
	}

	tx, err := e.chain.Transaction(ctx, hash)
	switch {
	case errors.Is(err, chain.ErrTxNotFound):
		e.observeProof(start, nil, ErrTransactionNotFound)
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, hash)
	case err != nil:
		slog.Warn("chain read failed", "tx_hash", hash, "err", err)
		e.observeProof(start, nil, ErrChainReadUnavailable)
		return nil, fmt.Errorf("%w: %v", ErrChainReadUnavailable, err)
	}

	if !chain.SameAddress(tx.To, e.policy.PlatformAddress) {
		e.observeProof(start, nil, ErrWrongDestination)
		return nil, ErrWrongDestination
	}
	if tx.Reverted {
		e.observeProof(start, nil, ErrTransactionNotFound)
		return nil, fmt.Errorf("%w: %s reverted", ErrTransactionNotFound, hash)
	}

	if tx.Confirmations < e.policy.RequiredConfirmations {
		out, err := e.awaitConfirmations(ctx, account, amount, hash, tx.Confirmations)
		e.observeProof(start, out, err)
		return out, err
	}

	out, err := e.settle(ctx, account, amount, tx)
	e.observeProof(start, out, err)
	return out, err
}

// settled returns the replay outcome when hash already carries a claim.
// Both return values are nil when the hash is unclaimed.
func (e *Engine) settled(ctx context.Context, account, hash string) (*DepositOutcome, error) {
	claim, err := e.store.GetClaim(ctx, model.DepositClaimKey(hash))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup deposit claim: %w", err)
	}
	if claim.Account != account {
		slog.Warn("deposit proof reused by another account",
			"tx_hash", hash,
			"account", account,
			"owner", claim.Account,
		)
		return nil, ErrProofAlreadyClaimed
	}

	bal, err := e.primary.GetBalance(ctx, account)
	if err != nil {
		return nil, err
	}
	return &DepositOutcome{
		Mode:                  ModeConfirmed,
		TxHash:                hash,
		Balance:               bal,
		TransactionID:         claim.TransactionID,
		RequiredConfirmations: e.policy.RequiredConfirmations,
		Replayed:              true,
	}, nil
}

func (e *Engine) awaitConfirmations(ctx context.Context, account string, amount int64, hash string, confirmations uint64) (*DepositOutcome, error) {
	inserted, err := e.store.RecordPendingDeposit(ctx, model.Transaction{
		ID:        uuid.NewString(),
		Account:   account,
		Kind:      model.KindDeposit,
		Status:    model.StatusPending,
		Amount:    amount,
		TxHash:    hash,
		Timestamp: e.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("record pending deposit: %w", err)
	}
	if inserted {
		slog.Info("deposit pending", "account", account, "tx_hash", hash, "confirmations", confirmations)
	}
	return &DepositOutcome{
		Mode:                  ModePending,
		TxHash:                hash,
		Confirmations:         confirmations,
		RequiredConfirmations: e.policy.RequiredConfirmations,
	}, nil
}

// settle prices the transfer, resolves the chip amount and credits it under
// the hash's claim.
func (e *Engine) settle(ctx context.Context, account string, amount int64, tx *chain.Tx) (*DepositOutcome, error) {
	ethUSD, err := e.prices.SpotPrice(ctx)
	if err != nil {
		slog.Warn("price feed failed", "tx_hash", tx.Hash, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrPriceFeedUnavailable, err)
	}

	intent, err := e.intents.GetIntent(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("read deposit intent: %w", err)
	}
	// a cleared intent is stored as 0 and means "no intent"
	chips := amount
	if intent > 0 {
		chips = intent
	}

	expectedUSD := price.ChipsToUSD(chips, e.policy.ChipUSDRate)
	actualUSD := price.WeiToUSD(tx.ValueWei, ethUSD)
	if err := e.guard.Check(actualUSD, expectedUSD); err != nil {
		slog.Warn("deposit value rejected",
			"account", account,
			"tx_hash", tx.Hash,
			"expected_usd", expectedUSD.StringFixed(2),
			"actual_usd", actualUSD.StringFixed(2),
		)
		return nil, err
	}

	res, err := e.Deposit(ctx, account, chips, chainProof(tx.Hash))
	if errors.Is(err, store.ErrClaimed) {
		// a concurrent submission for the same hash won the claim
		out, serr := e.settled(ctx, account, tx.Hash)
		if serr != nil {
			return nil, serr
		}
		if out != nil {
			return out, nil
		}
	}
	if err != nil {
		return nil, err
	}

	if err := e.intents.ClearIntent(ctx, account); err != nil {
		slog.Warn("clear deposit intent failed", "account", account, "err", err)
	}

	return &DepositOutcome{
		Mode:                  ModeConfirmed,
		TxHash:                tx.Hash,
		Confirmations:         tx.Confirmations,
		RequiredConfirmations: e.policy.RequiredConfirmations,
		Balance:               res.Balance,
		TransactionID:         res.TransactionID,
		Credited:              chips,
		AmountUSD:             expectedUSD,
		ETHUSD:                ethUSD,
		ValueUSD:              actualUSD,
	}, nil
}

func (e *Engine) observeProof(start time.Time, out *DepositOutcome, err error) {
	mode := "rejected"
	switch {
	case err != nil:
	case out.Replayed:
		mode = "replayed"
	default:
		mode = string(out.Mode)
	}
	metrics.DepositProofs.WithLabelValues(mode).Inc()
	result := "ok"
	if err != nil {
		result = proofErrorLabel(err)
	}
	metrics.ObserveOp("deposit_proof", start, result)
}

func proofErrorLabel(err error) string {
	switch {
	case errors.Is(err, ErrWrongDestination):
		return "wrong_destination"
	case errors.Is(err, ErrTransactionNotFound):
		return "not_found"
	case errors.Is(err, ErrChainReadUnavailable):
		return "chain_unavailable"
	case errors.Is(err, ErrPriceFeedUnavailable):
		return "price_unavailable"
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, ErrProofAlreadyClaimed):
		return "already_claimed"
	}
	return "error"
}
