package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// transferGas is the fixed gas cost of a plain ETH transfer.
const transferGas = 21000

// Sender pays out native currency to an address.
type Sender interface {
	Send(ctx context.Context, to string, wei *big.Int) (txHash string, err error)
}

// SenderBackend is the slice of *ethclient.Client the sender calls.
type SenderBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EthSender signs legacy transfers with a hot-wallet key.
type EthSender struct {
	backend SenderBackend
	key     *ecdsa.PrivateKey
	from    common.Address
	signer  types.Signer

	mu sync.Mutex // one nonce at a time
}

// NewEthSender parses a hex private key (0x prefix optional).
func NewEthSender(backend SenderBackend, hexKey string, chainID int64) (*EthSender, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse payout key: %w", err)
	}
	return &EthSender{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(big.NewInt(chainID)),
	}, nil
}

// From returns the hot-wallet address.
func (s *EthSender) From() string { return strings.ToLower(s.from.Hex()) }

func (s *EthSender) Send(ctx context.Context, to string, wei *big.Int) (string, error) {
	if _, err := ParseAddress(to); err != nil {
		return "", err
	}
	if wei == nil || wei.Sign() <= 0 {
		return "", errors.New("chain: payout value must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrUnavailable, err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: gas price: %v", ErrUnavailable, err)
	}

	dest := common.HexToAddress(to)
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &dest,
		Value:    wei,
		Gas:      transferGas,
		GasPrice: gasPrice,
	}), s.signer, s.key)
	if err != nil {
		return "", fmt.Errorf("sign payout: %w", err)
	}

	if err := s.backend.SendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("%w: send: %v", ErrUnavailable, err)
	}
	return strings.ToLower(tx.Hash().Hex()), nil
}
