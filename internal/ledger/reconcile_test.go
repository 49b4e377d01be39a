package ledger_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/chipflip/chip-ledger/internal/ledger"
	"github.com/chipflip/chip-ledger/internal/model"
)

var platform = ledger.DefaultPlatformAddress

func TestSubmitDepositProof_NoHashReturnsInstructions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	out, err := env.engine.SubmitDepositProof(ctx, alice, 500, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Mode != ledger.ModeInstructions {
		t.Fatalf("expected instructions, got %s", out.Mode)
	}
	if out.PlatformAddress != platform || out.RequiredConfirmations != 3 || out.Network != "base-mainnet" {
		t.Errorf("unexpected instructions %+v", out)
	}
	if !out.AmountUSD.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("expected $0.50, got %s", out.AmountUSD)
	}
	if got, _ := env.intents.GetIntent(ctx, alice); got != 500 {
		t.Errorf("expected intent 500, got %d", got)
	}
	if env.chain.calls != 0 {
		t.Error("instructions must not read the chain")
	}
}

func TestSubmitDepositProof_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.engine.SubmitDepositProof(ctx, alice, 0, txHash(1)); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.engine.RequestDeposit(ctx, alice, -1); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.engine.SubmitDepositProof(ctx, alice, 10, "0xdeadbeef"); !errors.Is(err, ledger.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestSubmitDepositProof_WrongDestination(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, alice, 100)
	env.chain.put(txHash(1), payee, weiFor(100), 10)

	_, err := env.engine.SubmitDepositProof(context.Background(), alice, 100, txHash(1))
	if !errors.Is(err, ledger.ErrWrongDestination) {
		t.Fatalf("expected ErrWrongDestination, got %v", err)
	}
	if env.balance(t, alice) != 100 {
		t.Error("balance changed")
	}
	if len(env.records(t, alice)) != 1 {
		t.Error("a record was written for a wrong-destination proof")
	}
}

func TestSubmitDepositProof_UnknownHash(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.SubmitDepositProof(context.Background(), alice, 100, txHash(9))
	if !errors.Is(err, ledger.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestSubmitDepositProof_Reverted(t *testing.T) {
	env := newTestEnv(t)
	env.chain.put(txHash(1), platform, weiFor(100), 5)
	env.chain.txs[txHash(1)].Reverted = true

	_, err := env.engine.SubmitDepositProof(context.Background(), alice, 100, txHash(1))
	if !errors.Is(err, ledger.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
	if env.balance(t, alice) != 0 {
		t.Error("reverted transfer was credited")
	}
}

func TestSubmitDepositProof_ChainUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.chain.err = errors.New("dial tcp: connection refused")

	_, err := env.engine.SubmitDepositProof(context.Background(), alice, 100, txHash(1))
	if !errors.Is(err, ledger.ErrChainReadUnavailable) {
		t.Fatalf("expected ErrChainReadUnavailable, got %v", err)
	}
}

func TestSubmitDepositProof_PendingBelowThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.chain.put(txHash(1), platform, weiFor(100), 1)

	for i := 0; i < 3; i++ {
		out, err := env.engine.SubmitDepositProof(ctx, alice, 100, txHash(1))
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if out.Mode != ledger.ModePending || out.Confirmations != 1 || out.RequiredConfirmations != 3 {
			t.Errorf("poll %d: unexpected outcome %+v", i, out)
		}
	}

	if env.balance(t, alice) != 0 {
		t.Error("pending deposit changed the balance")
	}
	txs := env.records(t, alice)
	if len(txs) != 1 {
		t.Fatalf("expected one pending record after repeated polls, got %d", len(txs))
	}
	if txs[0].Kind != model.KindDeposit || txs[0].Status != model.StatusPending || txs[0].TxHash != txHash(1) {
		t.Errorf("unexpected pending record %+v", txs[0])
	}
}

func TestSubmitDepositProof_ConfirmsAndCreditsIntent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.engine.RequestDeposit(ctx, alice, 500); err != nil {
		t.Fatal(err)
	}
	env.chain.put(txHash(1), platform, weiFor(500), 1)

	out, err := env.engine.SubmitDepositProof(ctx, alice, 100, txHash(1))
	if err != nil || out.Mode != ledger.ModePending {
		t.Fatalf("expected pending first, got %+v, %v", out, err)
	}

	env.chain.put(txHash(1), platform, weiFor(500), 3)
	out, err = env.engine.SubmitDepositProof(ctx, alice, 100, txHash(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Mode != ledger.ModeConfirmed || out.Replayed {
		t.Fatalf("expected fresh confirmation, got %+v", out)
	}
	if out.Credited != 500 || out.Balance != 500 {
		t.Errorf("expected the intent amount 500 to be credited, got %+v", out)
	}
	if !out.ETHUSD.Equal(ethUSD) || !out.ValueUSD.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("unexpected pricing eth=%s value=%s", out.ETHUSD, out.ValueUSD)
	}
	if got, _ := env.intents.GetIntent(ctx, alice); got != 0 {
		t.Errorf("intent should be cleared, got %d", got)
	}

	rec, _ := env.engine.Reconcile(ctx, alice)
	if !rec.Consistent {
		t.Errorf("pending plus processed records must replay to the balance: %+v", rec)
	}
}

func TestSubmitDepositProof_ClearedIntentFallsBackToRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.engine.RequestDeposit(ctx, alice, 500)
	env.chain.put(txHash(1), platform, weiFor(500), 3)
	env.chain.put(txHash(2), platform, weiFor(200), 3)

	if _, err := env.engine.SubmitDepositProof(ctx, alice, 500, txHash(1)); err != nil {
		t.Fatal(err)
	}
	out, err := env.engine.SubmitDepositProof(ctx, alice, 200, txHash(2))
	if err != nil {
		t.Fatal(err)
	}
	if out.Credited != 200 {
		t.Errorf("a cleared intent must not be used as the amount; credited %d", out.Credited)
	}
	if out.Balance != 700 {
		t.Errorf("expected 700, got %d", out.Balance)
	}
}

func TestSubmitDepositProof_ResubmitDoesNotDoubleCredit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.chain.put(txHash(1), platform, weiFor(300), 12)

	first, err := env.engine.SubmitDepositProof(ctx, alice, 300, txHash(1))
	if err != nil {
		t.Fatal(err)
	}
	callsAfterFirst := env.chain.calls

	second, err := env.engine.SubmitDepositProof(ctx, alice, 300, txHash(1))
	if err != nil {
		t.Fatal(err)
	}
	if second.Mode != ledger.ModeConfirmed || !second.Replayed {
		t.Errorf("expected confirmed replay, got %+v", second)
	}
	if second.TransactionID != first.TransactionID {
		t.Errorf("replay should point at the original credit")
	}
	if env.balance(t, alice) != 300 {
		t.Errorf("expected 300, got %d", env.balance(t, alice))
	}
	if env.chain.calls != callsAfterFirst {
		t.Error("replay should not read the chain again")
	}
}

func TestSubmitDepositProof_ConcurrentSubmissionsCreditOnce(t *testing.T) {
	env := newTestEnv(t)
	env.chain.put(txHash(1), platform, weiFor(250), 5)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.engine.SubmitDepositProof(context.Background(), alice, 250, txHash(1))
			if err != nil {
				errs <- err
				return
			}
			if out.Mode != ledger.ModeConfirmed {
				errs <- errors.New("expected confirmed mode")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("submission failed: %v", err)
	}

	if got := env.balance(t, alice); got != 250 {
		t.Errorf("expected a single credit of 250, got %d", got)
	}
}

func TestSubmitDepositProof_HashClaimedByAnotherAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.chain.put(txHash(1), platform, weiFor(100), 5)

	if _, err := env.engine.SubmitDepositProof(ctx, alice, 100, txHash(1)); err != nil {
		t.Fatal(err)
	}
	_, err := env.engine.SubmitDepositProof(ctx, bob, 100, txHash(1))
	if !errors.Is(err, ledger.ErrProofAlreadyClaimed) {
		t.Fatalf("expected ErrProofAlreadyClaimed, got %v", err)
	}
	if env.balance(t, bob) != 0 {
		t.Error("second account was credited")
	}
}

func TestSubmitDepositProof_PendingHashPolledByTwoAccounts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.chain.put(txHash(2), platform, weiFor(100), 1)

	for _, acct := range []string{alice, bob} {
		out, err := env.engine.SubmitDepositProof(ctx, acct, 100, txHash(2))
		if err != nil || out.Mode != ledger.ModePending {
			t.Fatalf("%s poll = %+v, %v", acct, out, err)
		}
		txs := env.records(t, acct)
		if len(txs) != 1 || txs[0].Status != model.StatusPending || txs[0].Account != acct {
			t.Errorf("%s should have its own pending record, got %+v", acct, txs)
		}
	}

	env.chain.put(txHash(2), platform, weiFor(100), 3)
	if _, err := env.engine.SubmitDepositProof(ctx, alice, 100, txHash(2)); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.SubmitDepositProof(ctx, bob, 100, txHash(2)); !errors.Is(err, ledger.ErrProofAlreadyClaimed) {
		t.Fatalf("expected ErrProofAlreadyClaimed, got %v", err)
	}
	if env.balance(t, alice) != 100 || env.balance(t, bob) != 0 {
		t.Errorf("balances alice=%d bob=%d", env.balance(t, alice), env.balance(t, bob))
	}
}

func TestSubmitDepositProof_PriceFeedDown(t *testing.T) {
	env := newTestEnv(t)
	env.chain.put(txHash(1), platform, weiFor(100), 5)
	env.oracle.Err = errors.New("coinbase 502")

	_, err := env.engine.SubmitDepositProof(context.Background(), alice, 100, txHash(1))
	if !errors.Is(err, ledger.ErrPriceFeedUnavailable) {
		t.Fatalf("expected ErrPriceFeedUnavailable, got %v", err)
	}
	if env.balance(t, alice) != 0 {
		t.Error("deposit credited without a price")
	}

	// the feed recovers and the same proof settles
	env.oracle.Err = nil
	out, err := env.engine.SubmitDepositProof(context.Background(), alice, 100, txHash(1))
	if err != nil || out.Mode != ledger.ModeConfirmed {
		t.Fatalf("expected settlement after recovery, got %+v, %v", out, err)
	}
}

func TestSubmitDepositProof_ToleranceGuard(t *testing.T) {
	policy := ledger.DefaultPolicy()
	policy.TolerancePct = decimal.NewFromInt(2)
	env := newTestEnvWithPolicy(t, policy)
	ctx := context.Background()

	// paid for 100 chips, asks for 1000
	env.chain.put(txHash(1), platform, weiFor(100), 5)
	_, err := env.engine.SubmitDepositProof(ctx, alice, 1000, txHash(1))
	if !errors.Is(err, ledger.ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
	if env.balance(t, alice) != 0 {
		t.Error("mismatched deposit credited")
	}

	// 1% short is inside a 2% band
	short := new(big.Int).Div(new(big.Int).Mul(weiFor(1000), big.NewInt(99)), big.NewInt(100))
	env.chain.put(txHash(2), platform, short, 5)
	out, err := env.engine.SubmitDepositProof(ctx, alice, 1000, txHash(2))
	if err != nil {
		t.Fatalf("expected deposit inside tolerance to settle, got %v", err)
	}
	if out.Credited != 1000 {
		t.Errorf("expected 1000 credited, got %d", out.Credited)
	}
}

type rejectAll struct{}

func (rejectAll) Check(_, _ decimal.Decimal) error { return ledger.ErrAmountMismatch }

func TestSubmitDepositProof_CustomGuard(t *testing.T) {
	env := newTestEnv(t, ledger.WithGuard(rejectAll{}))
	env.chain.put(txHash(1), platform, weiFor(100), 5)

	_, err := env.engine.SubmitDepositProof(context.Background(), alice, 100, txHash(1))
	if !errors.Is(err, ledger.ErrAmountMismatch) {
		t.Fatalf("expected the injected guard to reject, got %v", err)
	}
}
