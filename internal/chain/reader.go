package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrTxNotFound means the node does not know the hash.
	ErrTxNotFound = errors.New("chain: transaction not found")
	// ErrUnavailable wraps RPC failures; callers may retry.
	ErrUnavailable = errors.New("chain: rpc unavailable")
)

// Tx is what the ledger needs to know about an on-chain transfer.
type Tx struct {
	Hash          string
	To            string   // lower-cased; empty for contract creation
	ValueWei      *big.Int // never nil
	Confirmations uint64   // 0 while unmined
	Reverted      bool
}

// Reader looks up a transaction and its confirmation depth.
type Reader interface {
	Transaction(ctx context.Context, hash string) (*Tx, error)
}

// Backend is the slice of *ethclient.Client the reader calls.
type Backend interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthReader implements Reader over a JSON-RPC node.
type EthReader struct {
	backend Backend
}

// NewEthReader creates a reader. Pass an *ethclient.Client in production.
func NewEthReader(backend Backend) *EthReader {
	return &EthReader{backend: backend}
}

// Transaction returns the transfer and how many blocks have confirmed it,
// counting the inclusion block as the first confirmation.
func (r *EthReader) Transaction(ctx context.Context, hash string) (*Tx, error) {
	h := common.HexToHash(hash)

	tx, _, err := r.backend.TransactionByHash(ctx, h)
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: transaction %s: %v", ErrUnavailable, hash, err)
	}

	out := &Tx{Hash: strings.ToLower(hash), ValueWei: new(big.Int)}
	if to := tx.To(); to != nil {
		out.To = strings.ToLower(to.Hex())
	}
	if v := tx.Value(); v != nil {
		out.ValueWei.Set(v)
	}

	receipt, err := r.backend.TransactionReceipt(ctx, h)
	if errors.Is(err, ethereum.NotFound) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: receipt %s: %v", ErrUnavailable, hash, err)
	}
	out.Reverted = receipt.Status == types.ReceiptStatusFailed

	head, err := r.backend.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: block number: %v", ErrUnavailable, err)
	}
	if receipt.BlockNumber != nil {
		included := receipt.BlockNumber.Uint64()
		if head >= included {
			out.Confirmations = head - included + 1
		}
	}
	return out, nil
}

// NoReader fails every lookup as unavailable. It stands in when no RPC
// endpoint is configured so deposits fail cleanly instead of panicking.
type NoReader struct{}

func (NoReader) Transaction(context.Context, string) (*Tx, error) {
	return nil, fmt.Errorf("%w: no rpc endpoint configured", ErrUnavailable)
}
