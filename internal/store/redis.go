package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chipflip/chip-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for balances. Mutate always locks and reads the primary; the cache
// only serves GetBalance and is dropped after every committed mutation.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Mutate(ctx context.Context, account string, fn MutateFunc) (*Mutation, error) {
	m, err := s.primary.Mutate(ctx, account, fn)
	if err != nil || m == nil {
		return m, err
	}
	if err := s.rdb.Del(ctx, balanceKey(account)).Err(); err != nil {
		slog.Warn("balance cache invalidation failed", "account", account, "err", err)
	}
	return m, nil
}

// --- Read-through (check cache first) ---

// A reader that misses can write back a balance that a concurrent Mutate
// has already replaced, so a cached balance may lag by up to ttl. Reads that
// must agree with the log go through Uncached.

func (s *CachedStore) GetBalance(ctx context.Context, account string) (int64, error) {
	if v, err := s.rdb.Get(ctx, balanceKey(account)).Int64(); err == nil {
		return v, nil
	}

	balance, err := s.primary.GetBalance(ctx, account)
	if err != nil {
		return 0, err
	}
	s.rdb.Set(ctx, balanceKey(account), balance, s.ttl)
	return balance, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTransactions(ctx context.Context, account string, limit int) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, account, limit)
}

func (s *CachedStore) RecordPendingDeposit(ctx context.Context, tx model.Transaction) (bool, error) {
	return s.primary.RecordPendingDeposit(ctx, tx)
}

func (s *CachedStore) GetClaim(ctx context.Context, key string) (*model.Claim, error) {
	return s.primary.GetClaim(ctx, key)
}

func (s *CachedStore) ClaimPayouts(ctx context.Context, limit int) ([]model.Payout, error) {
	return s.primary.ClaimPayouts(ctx, limit)
}

func (s *CachedStore) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	return s.primary.GetPayout(ctx, id)
}

func (s *CachedStore) UpdatePayout(ctx context.Context, p *model.Payout) error {
	return s.primary.UpdatePayout(ctx, p)
}

func (s *CachedStore) ListPayouts(ctx context.Context, account string) ([]model.Payout, error) {
	return s.primary.ListPayouts(ctx, account)
}

// Uncached returns the store behind any balance cache wrapping s.
func Uncached(s Store) Store {
	for {
		c, ok := s.(*CachedStore)
		if !ok {
			return s
		}
		s = c.primary
	}
}

// RedisIntentCache implements IntentCache with expiring Redis keys under
// <prefix>:wallet:<account>:deposit-intent.
type RedisIntentCache struct {
	rdb    redis.Cmdable
	prefix string
}

// NewRedisIntentCache creates an intent cache namespaced by prefix.
func NewRedisIntentCache(rdb redis.Cmdable, prefix string) *RedisIntentCache {
	return &RedisIntentCache{rdb: rdb, prefix: prefix}
}

func (c *RedisIntentCache) SetIntent(ctx context.Context, account string, chips int64, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.intentKey(account), chips, ttl).Err(); err != nil {
		return fmt.Errorf("set intent %s: %w", account, err)
	}
	return nil
}

func (c *RedisIntentCache) GetIntent(ctx context.Context, account string) (int64, error) {
	raw, err := c.rdb.Get(ctx, c.intentKey(account)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get intent %s: %w", account, err)
	}
	chips, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// garbage under our key reads as no intent
		return 0, nil
	}
	return chips, nil
}

// ClearIntent overwrites an existing intent with 0 and keeps its TTL.
func (c *RedisIntentCache) ClearIntent(ctx context.Context, account string) error {
	err := c.rdb.SetArgs(ctx, c.intentKey(account), 0, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("clear intent %s: %w", account, err)
	}
	return nil
}

// --- Key helpers ---

func (c *RedisIntentCache) intentKey(account string) string {
	return fmt.Sprintf("%s:wallet:%s:deposit-intent", c.prefix, account)
}

func balanceKey(account string) string { return fmt.Sprintf("balance:%s", account) }
