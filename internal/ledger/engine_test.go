package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/chipflip/chip-ledger/internal/ledger"
	"github.com/chipflip/chip-ledger/internal/model"
)

func TestGetBalance_UnknownAccountIsZero(t *testing.T) {
	env := newTestEnv(t)
	if got := env.balance(t, alice); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if len(env.records(t, alice)) != 0 {
		t.Error("reading a balance must not write records")
	}
}

func TestGetBalance_MalformedAccount(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.GetBalance(context.Background(), "not-an-address")
	if !errors.Is(err, ledger.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestDeposit_Bootstrap(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.engine.Deposit(context.Background(), alice, 1000, ledger.Bootstrap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Balance != 1000 || res.TransactionID == "" {
		t.Errorf("unexpected result: %+v", res)
	}
	txs := env.records(t, alice)
	if len(txs) != 1 || txs[0].Kind != model.KindDeposit || txs[0].Status != model.StatusProcessed {
		t.Errorf("expected one processed deposit, got %+v", txs)
	}
	if txs[0].ID != res.TransactionID {
		t.Errorf("record id %s does not match result %s", txs[0].ID, res.TransactionID)
	}
}

func TestDeposit_Rejections(t *testing.T) {
	ctx := context.Background()

	env := newTestEnv(t)
	for _, amt := range []int64{0, -5} {
		if _, err := env.engine.Deposit(ctx, alice, amt, ledger.Bootstrap); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Errorf("amount %d: expected ErrInvalidAmount, got %v", amt, err)
		}
	}
	if _, err := env.engine.Deposit(ctx, alice, 10, ledger.Source{}); !errors.Is(err, ledger.ErrUntrustedSource) {
		t.Errorf("zero source: expected ErrUntrustedSource, got %v", err)
	}

	policy := ledger.DefaultPolicy()
	policy.DemoCreditEnabled = false
	locked := newTestEnvWithPolicy(t, policy)
	if _, err := locked.engine.Deposit(ctx, alice, 10, ledger.Bootstrap); !errors.Is(err, ledger.ErrBootstrapDisabled) {
		t.Errorf("expected ErrBootstrapDisabled, got %v", err)
	}
	if locked.balance(t, alice) != 0 {
		t.Error("rejected deposit changed the balance")
	}
}

func TestDepositThenWithdraw_RestoresBalance(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, alice, 40)
	ctx := context.Background()

	before := env.balance(t, alice)
	recordsBefore := len(env.records(t, alice))

	if _, err := env.engine.Deposit(ctx, alice, 25, ledger.Bootstrap); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.Withdraw(ctx, alice, 25, ""); err != nil {
		t.Fatal(err)
	}

	if got := env.balance(t, alice); got != before {
		t.Errorf("expected balance %d, got %d", before, got)
	}
	if got := len(env.records(t, alice)) - recordsBefore; got != 2 {
		t.Errorf("expected exactly 2 new records, got %d", got)
	}
}

func TestWithdraw_NoDestination(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, alice, 50)

	res, err := env.engine.Withdraw(context.Background(), alice, 30, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Balance != 20 {
		t.Errorf("expected balance 20, got %d", res.Balance)
	}
	if res.PayoutQueued {
		t.Error("no destination must not queue a payout")
	}
	if !res.AmountUSD.Equal(ledger.DefaultPolicy().ChipUSDRate.Mul(decimalInt(30))) {
		t.Errorf("unexpected usd amount %s", res.AmountUSD)
	}

	latest := env.records(t, alice)[0]
	if latest.Kind != model.KindWithdraw || latest.Status != model.StatusPending || latest.Amount != 30 {
		t.Errorf("unexpected record %+v", latest)
	}
	if latest.ID != res.RequestID {
		t.Errorf("request id %s does not match record %s", res.RequestID, latest.ID)
	}
}

func TestWithdraw_WithDestinationQueuesPayout(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, alice, 100)
	ctx := context.Background()

	res, err := env.engine.Withdraw(ctx, alice, 60, "0x"+"C"+payee[3:])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.PayoutQueued {
		t.Fatal("expected payout to be queued")
	}
	payouts, err := env.engine.Payouts(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if len(payouts) != 1 {
		t.Fatalf("expected 1 payout, got %d", len(payouts))
	}
	p := payouts[0]
	if p.ID != res.RequestID || p.Amount != 60 || p.Destination != payee || p.Status != model.PayoutPending {
		t.Errorf("unexpected payout %+v", p)
	}
	if env.records(t, alice)[0].Destination != payee {
		t.Error("withdraw record should carry the normalised destination")
	}
}

func TestWithdraw_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, alice, 50)
	ctx := context.Background()

	tests := []struct {
		name   string
		amount int64
		dest   string
		want   error
	}{
		{"zero", 0, "", ledger.ErrInvalidAmount},
		{"negative", -1, "", ledger.ErrInvalidAmount},
		{"overdraw", 51, "", ledger.ErrInsufficientBalance},
		{"bad destination", 10, "0x1234", ledger.ErrInvalidDestination},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.Withdraw(ctx, alice, tt.amount, tt.dest)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if env.balance(t, alice) != 50 {
		t.Error("rejected withdrawals changed the balance")
	}
	if len(env.records(t, alice)) != 1 {
		t.Error("rejected withdrawals appended records")
	}
}

func TestWithdraw_ConcurrentNeverOverdraws(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, alice, 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.Withdraw(context.Background(), alice, 7, "")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, ledger.ErrInsufficientBalance) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 14 {
		t.Errorf("expected 14 successful withdrawals (100/7), got %d", succeeded)
	}
	if got := env.balance(t, alice); got != 2 {
		t.Errorf("expected balance 2, got %d", got)
	}
}

func TestPlaceWager_BelowMinimum(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.PlaceWager(context.Background(), alice, 5, model.Heads)
	if !errors.Is(err, ledger.ErrBelowMinimumBalance) {
		t.Fatalf("expected ErrBelowMinimumBalance, got %v", err)
	}
	if env.balance(t, alice) != 0 {
		t.Error("balance should remain 0")
	}
	if len(env.records(t, alice)) != 0 {
		t.Error("rejected wager appended a record")
	}
}

func TestPlaceWager_ExceedsBalance(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, alice, 20)
	_, err := env.engine.PlaceWager(context.Background(), alice, 21, model.Tails)
	if !errors.Is(err, ledger.ErrBetExceedsBalance) {
		t.Fatalf("expected ErrBetExceedsBalance, got %v", err)
	}
	if env.balance(t, alice) != 20 {
		t.Error("balance changed")
	}
}

func TestPlaceWager_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, alice, 20)
	ctx := context.Background()

	if _, err := env.engine.PlaceWager(ctx, alice, 0, model.Heads); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.engine.PlaceWager(ctx, alice, 5, model.Side("edge")); !errors.Is(err, ledger.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}
}

func TestPlaceWager_WinAndLoss(t *testing.T) {
	notifier := &recordingNotifier{}
	env := newTestEnv(t,
		ledger.WithCoin(ledger.NewSequenceCoin(model.Heads, model.Tails)),
		ledger.WithNotifier(notifier),
	)
	env.fund(t, alice, 100)
	ctx := context.Background()

	win, err := env.engine.PlaceWager(ctx, alice, 10, model.Heads)
	if err != nil {
		t.Fatal(err)
	}
	if !win.Won || win.Outcome != model.Heads || win.Balance != 110 {
		t.Errorf("unexpected win result %+v", win)
	}

	loss, err := env.engine.PlaceWager(ctx, alice, 30, model.Heads)
	if err != nil {
		t.Fatal(err)
	}
	if loss.Won || loss.Outcome != model.Tails || loss.Balance != 80 {
		t.Errorf("unexpected loss result %+v", loss)
	}

	txs := env.records(t, alice)
	if txs[0].Kind != model.KindBetLoss || txs[0].Side != model.Heads || txs[0].Status != model.StatusProcessed {
		t.Errorf("unexpected loss record %+v", txs[0])
	}
	if txs[1].Kind != model.KindBetWin || txs[1].Amount != 10 {
		t.Errorf("unexpected win record %+v", txs[1])
	}

	if len(notifier.events) != 2 || !notifier.events[0].Won || notifier.events[1].Won {
		t.Errorf("unexpected notifications %+v", notifier.events)
	}
}

func TestPlaceWager_AllInLossLeavesZero(t *testing.T) {
	env := newTestEnv(t, ledger.WithCoin(ledger.FixedCoin(model.Tails)))
	env.fund(t, alice, 10)

	res, err := env.engine.PlaceWager(context.Background(), alice, 10, model.Heads)
	if err != nil {
		t.Fatal(err)
	}
	if res.Balance != 0 {
		t.Errorf("expected 0, got %d", res.Balance)
	}
	if _, err := env.engine.PlaceWager(context.Background(), alice, 1, model.Heads); !errors.Is(err, ledger.ErrBelowMinimumBalance) {
		t.Errorf("expected ErrBelowMinimumBalance, got %v", err)
	}
}

func TestPlaceWager_ConcurrentUsesLockedBalance(t *testing.T) {
	env := newTestEnv(t, ledger.WithCoin(ledger.FixedCoin(model.Tails)))
	env.fund(t, alice, 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	settled := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.engine.PlaceWager(context.Background(), alice, 10, model.Heads); err == nil {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if settled != 10 {
		t.Errorf("expected exactly 10 losing wagers to settle, got %d", settled)
	}
	if got := env.balance(t, alice); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}

func TestCryptoCoin_Uniform(t *testing.T) {
	const n = 10000
	coin := ledger.CryptoCoin{}
	heads := 0
	for i := 0; i < n; i++ {
		switch coin.Flip() {
		case model.Heads:
			heads++
		case model.Tails:
		default:
			t.Fatal("coin returned an unknown side")
		}
	}
	// six standard deviations of a fair binomial(10000, 0.5)
	if heads < n/2-300 || heads > n/2+300 {
		t.Errorf("heads = %d out of %d, outside the fair band", heads, n)
	}
}

func TestBalanceNeverNegative_MixedOperations(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, alice, 60)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			env.engine.PlaceWager(ctx, alice, 15, model.Heads)
		}()
		go func() {
			defer wg.Done()
			env.engine.Withdraw(ctx, alice, 9, "")
		}()
	}
	wg.Wait()

	if got := env.balance(t, alice); got < 0 {
		t.Fatalf("balance went negative: %d", got)
	}
	rec, err := env.engine.Reconcile(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Consistent {
		t.Errorf("log replay disagrees with balance: %+v", rec)
	}
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t, ledger.WithCoin(ledger.FixedCoin(model.Heads)))
	ctx := context.Background()
	env.fund(t, alice, 100)
	env.engine.PlaceWager(ctx, alice, 20, model.Heads)
	env.engine.Withdraw(ctx, alice, 50, "")

	rec, err := env.engine.Reconcile(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Consistent || rec.StoredBalance != 70 || rec.ReplayedBalance != 70 || rec.Records != 3 {
		t.Errorf("unexpected reconciliation %+v", rec)
	}
}

func TestRefundPayout_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, alice, 100)
	ctx := context.Background()

	w, err := env.engine.Withdraw(ctx, alice, 40, payee)
	if err != nil {
		t.Fatal(err)
	}
	env.failPayout(t, w.RequestID)

	first, err := env.engine.RefundPayout(ctx, w.RequestID)
	if err != nil {
		t.Fatalf("first refund: %v", err)
	}
	if first.Balance != 100 {
		t.Errorf("expected balance restored to 100, got %d", first.Balance)
	}
	second, err := env.engine.RefundPayout(ctx, w.RequestID)
	if err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if second.Balance != 100 || second.TransactionID != first.TransactionID {
		t.Errorf("second refund should replay the first: %+v vs %+v", second, first)
	}

	latest := env.records(t, alice)[0]
	if latest.Kind != model.KindRefund || latest.Ref != w.RequestID || latest.Amount != 40 {
		t.Errorf("unexpected refund record %+v", latest)
	}
	rec, _ := env.engine.Reconcile(ctx, alice)
	if !rec.Consistent {
		t.Errorf("refund broke reconciliation: %+v", rec)
	}
}

func TestRefundPayout_OnlyFailedPayouts(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, bob, 140)
	ctx := context.Background()

	queued, err := env.engine.Withdraw(ctx, bob, 40, payee)
	if err != nil {
		t.Fatal(err)
	}
	inFlight, err := env.engine.Withdraw(ctx, bob, 50, payee)
	if err != nil {
		t.Fatal(err)
	}
	// claims the oldest row only
	if _, err := env.store.ClaimPayouts(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.ClaimPayouts(ctx, 1); err != nil {
		t.Fatal(err)
	}
	noDest, err := env.engine.Withdraw(ctx, bob, 10, "")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		id   string
	}{
		{"unknown id", "not-a-payout"},
		{"withdrawal without payout", noDest.RequestID},
		{"processing", inFlight.RequestID},
		{"processing older row", queued.RequestID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.RefundPayout(ctx, tt.id)
			if !errors.Is(err, ledger.ErrNotRefundable) {
				t.Errorf("expected ErrNotRefundable, got %v", err)
			}
		})
	}

	if got := env.balance(t, bob); got != 40 {
		t.Errorf("rejected refunds moved the balance to %d, want 40", got)
	}
	for _, r := range env.records(t, bob) {
		if r.Kind == model.KindRefund {
			t.Errorf("unexpected refund record %+v", r)
		}
	}
}

func TestRefundPayout_PendingPayoutNotRefunded(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, bob, 100)
	ctx := context.Background()

	w, err := env.engine.Withdraw(ctx, bob, 40, payee)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.RefundPayout(ctx, w.RequestID); !errors.Is(err, ledger.ErrNotRefundable) {
		t.Fatalf("expected ErrNotRefundable, got %v", err)
	}
	if got := env.balance(t, bob); got != 60 {
		t.Errorf("queued payout was refunded: balance %d, want 60", got)
	}
	ps, _ := env.engine.Payouts(ctx, bob)
	if len(ps) != 1 || ps[0].Status != model.PayoutPending {
		t.Errorf("payout should still be queued: %+v", ps)
	}
}

func TestListTransactions_DefaultLimit(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < ledger.DefaultListLimit+5; i++ {
		env.fund(t, alice, 1)
	}
	txs, err := env.engine.ListTransactions(context.Background(), alice, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != ledger.DefaultListLimit {
		t.Errorf("expected %d records, got %d", ledger.DefaultListLimit, len(txs))
	}

	empty, _ := env.engine.ListTransactions(context.Background(), bob, 0)
	if empty == nil || len(empty) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", empty)
	}
}
