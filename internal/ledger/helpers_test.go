package ledger_test

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chipflip/chip-ledger/internal/chain"
	"github.com/chipflip/chip-ledger/internal/ledger"
	"github.com/chipflip/chip-ledger/internal/model"
	"github.com/chipflip/chip-ledger/internal/price"
	"github.com/chipflip/chip-ledger/internal/store"
)

var (
	alice = "0x" + strings.Repeat("a", 40)
	bob   = "0x" + strings.Repeat("b", 40)
	payee = "0x" + strings.Repeat("c", 40)
)

func txHash(n int) string {
	return "0x" + strings.Repeat("0", 62) + string("0123456789abcdef"[n/16%16]) + string("0123456789abcdef"[n%16])
}

// fakeChain serves canned transactions by hash.
type fakeChain struct {
	mu    sync.Mutex
	txs   map[string]*chain.Tx
	err   error
	calls int
}

func newFakeChain() *fakeChain {
	return &fakeChain{txs: make(map[string]*chain.Tx)}
}

func (f *fakeChain) put(hash, to string, wei *big.Int, confirmations uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[hash] = &chain.Tx{Hash: hash, To: strings.ToLower(to), ValueWei: wei, Confirmations: confirmations}
}

func (f *fakeChain) Transaction(_ context.Context, hash string) (*chain.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	tx, ok := f.txs[hash]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	cp := *tx
	return &cp, nil
}

// recordingNotifier captures wager events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []ledger.WagerEvent
}

func (n *recordingNotifier) WagerSettled(ev ledger.WagerEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

type testEnv struct {
	engine  *ledger.Engine
	store   *store.MemoryStore
	intents *store.MemoryIntentCache
	chain   *fakeChain
	oracle  *price.StaticOracle
}

var ethUSD = decimal.NewFromInt(2000)

// weiFor is the exact wei value of chips at the test price and default rate.
func weiFor(chips int64) *big.Int {
	usd := price.ChipsToUSD(chips, ledger.DefaultPolicy().ChipUSDRate)
	return price.ETHToWei(price.USDToETH(usd, ethUSD))
}

func newTestEnv(t *testing.T, opts ...ledger.Option) *testEnv {
	return newTestEnvWithPolicy(t, ledger.DefaultPolicy(), opts...)
}

func newTestEnvWithPolicy(t *testing.T, policy ledger.Policy, opts ...ledger.Option) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   store.NewMemoryStore(),
		intents: store.NewMemoryIntentCache(nil),
		chain:   newFakeChain(),
		oracle:  &price.StaticOracle{Price: ethUSD},
	}
	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	opts = append([]ledger.Option{ledger.WithClock(clock)}, opts...)
	env.engine = ledger.NewEngine(env.store, env.intents, env.chain, env.oracle, policy, opts...)
	return env
}

func (env *testEnv) fund(t *testing.T, account string, amount int64) {
	t.Helper()
	if _, err := env.engine.Deposit(context.Background(), account, amount, ledger.Bootstrap); err != nil {
		t.Fatalf("fund %s: %v", account, err)
	}
}

func (env *testEnv) balance(t *testing.T, account string) int64 {
	t.Helper()
	b, err := env.engine.GetBalance(context.Background(), account)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return b
}

func (env *testEnv) records(t *testing.T, account string) []model.Transaction {
	t.Helper()
	txs, err := env.engine.ListTransactions(context.Background(), account, 500)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	return txs
}

// failPayout moves a queued payout to failed the way the worker does.
func (env *testEnv) failPayout(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	claimed, err := env.store.ClaimPayouts(ctx, 0)
	if err != nil {
		t.Fatalf("ClaimPayouts: %v", err)
	}
	for i := range claimed {
		p := &claimed[i]
		p.Status = model.PayoutPending
		if p.ID == id {
			p.Status = model.PayoutFailed
		}
		if err := env.store.UpdatePayout(ctx, p); err != nil {
			t.Fatalf("UpdatePayout: %v", err)
		}
	}
}

func decimalInt(n int64) decimal.Decimal { return decimal.NewFromInt(n) }
