package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chipflip/chip-ledger/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Mutate runs inside one transaction holding a row lock on the account's
// balance, so concurrent writers for one account queue on that row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) GetBalance(ctx context.Context, account string) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance FROM balances WHERE account = $1`, account).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", account, err)
	}
	return balance, nil
}

func (s *PostgresStore) Mutate(ctx context.Context, account string, fn MutateFunc) (*Mutation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin mutate %s: %w", account, err)
	}
	//nolint:errcheck
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO balances (account, balance) VALUES ($1, 0)
		 ON CONFLICT (account) DO NOTHING`, account); err != nil {
		return nil, fmt.Errorf("ensure balance row %s: %w", account, err)
	}

	var balance int64
	if err := tx.QueryRow(ctx,
		`SELECT balance FROM balances WHERE account = $1 FOR UPDATE`, account).Scan(&balance); err != nil {
		return nil, fmt.Errorf("lock balance %s: %w", account, err)
	}

	m, err := fn(Snapshot{Account: account, Balance: balance})
	if err != nil || m == nil {
		return nil, err
	}
	if err := checkMutation(m); err != nil {
		return nil, err
	}

	if m.Claim != nil {
		tag, err := tx.Exec(ctx,
			`INSERT INTO ledger_claims (key, account, transaction_id, created_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (key) DO NOTHING`,
			m.Claim.Key, m.Claim.Account, m.Claim.TransactionID, m.Claim.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert claim %s: %w", m.Claim.Key, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("%w: %s", ErrClaimed, m.Claim.Key)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE balances SET balance = $2, updated_at = now() WHERE account = $1`,
		account, m.Balance); err != nil {
		return nil, fmt.Errorf("update balance %s: %w", account, err)
	}

	for i := range m.Records {
		if err := insertTransaction(ctx, tx, &m.Records[i]); err != nil {
			return nil, err
		}
	}

	if p := m.Payout; p != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO payouts (id, account, amount, destination, status, attempts, tx_hash, last_error, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			p.ID, p.Account, p.Amount, p.Destination, string(p.Status),
			p.Attempts, p.TxHash, p.LastError, p.CreatedAt, p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("insert payout %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit mutate %s: %w", account, err)
	}
	return m, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t *model.Transaction) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_transactions (id, account, kind, status, amount, tx_hash, destination, side, ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Account, string(t.Kind), string(t.Status), t.Amount,
		t.TxHash, t.Destination, string(t.Side), t.Ref, t.Timestamp)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, account string, limit int) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, account, kind, status, amount, tx_hash, destination, side, ref, created_at
		 FROM ledger_transactions
		 WHERE account = $1
		 ORDER BY seq DESC
		 LIMIT NULLIF($2::INT, 0)`, account, max(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", account, err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) RecordPendingDeposit(ctx context.Context, t model.Transaction) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_transactions (id, account, kind, status, amount, tx_hash, destination, side, ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, '', '', '', $7)
		 ON CONFLICT (account, tx_hash) WHERE kind = 'deposit' AND status = 'pending' DO NOTHING`,
		t.ID, t.Account, string(model.KindDeposit), string(model.StatusPending),
		t.Amount, strings.ToLower(t.TxHash), t.Timestamp)
	if err != nil {
		return false, fmt.Errorf("record pending deposit %s: %w", t.TxHash, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetClaim(ctx context.Context, key string) (*model.Claim, error) {
	var c model.Claim
	err := s.pool.QueryRow(ctx,
		`SELECT key, account, transaction_id::TEXT, created_at
		 FROM ledger_claims WHERE key = $1`, key).
		Scan(&c.Key, &c.Account, &c.TransactionID, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get claim %s: %w", key, err)
	}
	return &c, nil
}

// ClaimPayouts flips pending rows to processing in one statement. SKIP
// LOCKED lets concurrent workers take disjoint batches instead of queueing
// behind each other's row locks.
func (s *PostgresStore) ClaimPayouts(ctx context.Context, limit int) ([]model.Payout, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE payouts
		 SET status = 'processing', updated_at = now()
		 WHERE id IN (
		     SELECT id FROM payouts
		     WHERE status = 'pending'
		     ORDER BY created_at
		     LIMIT NULLIF($1::INT, 0)
		     FOR UPDATE SKIP LOCKED)
		 RETURNING id::TEXT, account, amount, destination, status, attempts, tx_hash, last_error, created_at, updated_at`,
		max(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("claim payouts: %w", err)
	}
	defer rows.Close()

	ps, err := scanPayouts(rows)
	if err != nil {
		return nil, fmt.Errorf("claim payouts: %w", err)
	}
	// RETURNING carries no order
	slices.SortFunc(ps, func(a, b model.Payout) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return ps, nil
}

func (s *PostgresStore) GetPayout(ctx context.Context, id string) (*model.Payout, error) {
	if err := uuid.Validate(id); err != nil {
		return nil, ErrNotFound
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, account, amount, destination, status, attempts, tx_hash, last_error, created_at, updated_at
		 FROM payouts WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get payout %s: %w", id, err)
	}
	defer rows.Close()

	ps, err := scanPayouts(rows)
	if err != nil {
		return nil, fmt.Errorf("get payout %s: %w", id, err)
	}
	if len(ps) == 0 {
		return nil, ErrNotFound
	}
	return &ps[0], nil
}

func (s *PostgresStore) UpdatePayout(ctx context.Context, p *model.Payout) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE payouts
		 SET status = $2, attempts = $3, tx_hash = $4, last_error = $5, updated_at = $6
		 WHERE id = $1`,
		p.ID, string(p.Status), p.Attempts, p.TxHash, p.LastError, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update payout %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update payout %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListPayouts(ctx context.Context, account string) ([]model.Payout, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, account, amount, destination, status, attempts, tx_hash, last_error, created_at, updated_at
		 FROM payouts
		 WHERE account = $1
		 ORDER BY created_at DESC`, account)
	if err != nil {
		return nil, fmt.Errorf("list payouts %s: %w", account, err)
	}
	defer rows.Close()

	return scanPayouts(rows)
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTransactions(rows pgxRows) ([]model.Transaction, error) {
	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var kind, status, side string
		if err := rows.Scan(&t.ID, &t.Account, &kind, &status, &t.Amount,
			&t.TxHash, &t.Destination, &side, &t.Ref, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Kind = model.Kind(kind)
		t.Status = model.Status(status)
		t.Side = model.Side(side)
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanPayouts(rows pgxRows) ([]model.Payout, error) {
	var out []model.Payout
	for rows.Next() {
		var p model.Payout
		var status string
		if err := rows.Scan(&p.ID, &p.Account, &p.Amount, &p.Destination, &status,
			&p.Attempts, &p.TxHash, &p.LastError, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Status = model.PayoutStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}
