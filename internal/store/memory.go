package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chipflip/chip-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Each account has its own lock so Mutate calls for different accounts
// never wait on each other; mu only guards the maps themselves.
type MemoryStore struct {
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu       sync.RWMutex
	balances map[string]int64
	txs      map[string][]model.Transaction // oldest first
	claims   map[string]model.Claim
	payouts  map[string]*model.Payout
	order    []string // payout ids in creation order
	pending  map[pendingKey]bool
}

type pendingKey struct{ account, hash string }

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:    make(map[string]*sync.Mutex),
		balances: make(map[string]int64),
		txs:      make(map[string][]model.Transaction),
		claims:   make(map[string]model.Claim),
		payouts:  make(map[string]*model.Payout),
		pending:  make(map[pendingKey]bool),
	}
}

func (s *MemoryStore) accountLock(account string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[account]
	if !ok {
		l = &sync.Mutex{}
		s.locks[account] = l
	}
	return l
}

func (s *MemoryStore) GetBalance(_ context.Context, account string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[account], nil
}

func (s *MemoryStore) Mutate(ctx context.Context, account string, fn MutateFunc) (*Mutation, error) {
	l := s.accountLock(account)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	snap := Snapshot{Account: account, Balance: s.balances[account]}
	s.mu.RUnlock()

	m, err := fn(snap)
	if err != nil || m == nil {
		return nil, err
	}
	if err := checkMutation(m); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Claim != nil {
		if _, taken := s.claims[m.Claim.Key]; taken {
			return nil, fmt.Errorf("%w: %s", ErrClaimed, m.Claim.Key)
		}
		s.claims[m.Claim.Key] = *m.Claim
	}
	s.balances[account] = m.Balance
	s.txs[account] = append(s.txs[account], m.Records...)
	if m.Payout != nil {
		p := *m.Payout
		s.payouts[p.ID] = &p
		s.order = append(s.order, p.ID)
	}
	return m, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, account string, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.txs[account]
	n := len(log)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.Transaction, 0, n)
	for i := len(log) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, log[i])
	}
	return out, nil
}

func (s *MemoryStore) RecordPendingDeposit(_ context.Context, tx model.Transaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pendingKey{account: tx.Account, hash: strings.ToLower(tx.TxHash)}
	if s.pending[key] {
		return false, nil
	}
	s.pending[key] = true
	s.txs[tx.Account] = append(s.txs[tx.Account], tx)
	return true, nil
}

func (s *MemoryStore) GetClaim(_ context.Context, key string) (*model.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.claims[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (s *MemoryStore) ClaimPayouts(_ context.Context, limit int) ([]model.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var out []model.Payout
	for _, id := range s.order {
		p := s.payouts[id]
		if p.Status != model.PayoutPending {
			continue
		}
		p.Status = model.PayoutProcessing
		p.UpdatedAt = now
		out = append(out, *p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetPayout(_ context.Context, id string) (*model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payouts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpdatePayout(_ context.Context, p *model.Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.payouts[p.ID]
	if !ok {
		return fmt.Errorf("update payout %s: %w", p.ID, ErrNotFound)
	}
	existing.Status = p.Status
	existing.Attempts = p.Attempts
	existing.TxHash = p.TxHash
	existing.LastError = p.LastError
	existing.UpdatedAt = p.UpdatedAt
	return nil
}

func (s *MemoryStore) ListPayouts(_ context.Context, account string) ([]model.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Payout
	for i := len(s.order) - 1; i >= 0; i-- {
		if p := s.payouts[s.order[i]]; p.Account == account {
			out = append(out, *p)
		}
	}
	return out, nil
}

// MemoryIntentCache implements IntentCache with expiring map entries.
type MemoryIntentCache struct {
	mu      sync.Mutex
	intents map[string]memoryIntent
	now     func() time.Time
}

type memoryIntent struct {
	chips     int64
	expiresAt time.Time
}

// NewMemoryIntentCache creates an intent cache. now may be nil.
func NewMemoryIntentCache(now func() time.Time) *MemoryIntentCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryIntentCache{intents: make(map[string]memoryIntent), now: now}
}

func (c *MemoryIntentCache) SetIntent(_ context.Context, account string, chips int64, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.intents[account] = memoryIntent{chips: chips, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryIntentCache) GetIntent(_ context.Context, account string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	in, ok := c.intents[account]
	if !ok {
		return 0, nil
	}
	if !c.now().Before(in.expiresAt) {
		delete(c.intents, account)
		return 0, nil
	}
	return in.chips, nil
}

// ClearIntent zeroes the intent but leaves its expiry untouched.
func (c *MemoryIntentCache) ClearIntent(_ context.Context, account string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if in, ok := c.intents[account]; ok {
		in.chips = 0
		c.intents[account] = in
	}
	return nil
}
