// Package chain handles EVM identifiers and the go-ethereum backed
// adapters the ledger consumes: a transaction reader for deposit proofs and
// a sender for withdrawal payouts.
package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrInvalidAddress = errors.New("chain: invalid address")
	ErrInvalidTxHash  = errors.New("chain: invalid transaction hash")
)

// ParseAddress validates an address and returns its lower-cased form,
// which is the account identity used throughout the ledger.
func ParseAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	// IsHexAddress alone also takes unprefixed and 0X-prefixed input
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return "", fmt.Errorf("%w: %q (expected 0x followed by 40 hex characters)", ErrInvalidAddress, s)
	}
	return strings.ToLower(s), nil
}

// ParseTxHash validates a transaction hash and lower-cases it.
func ParseTxHash(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") || len(s) != 2+2*common.HashLength {
		return "", fmt.Errorf("%w: %q (expected 0x followed by 64 hex characters)", ErrInvalidTxHash, s)
	}
	if _, err := hexutil.Decode(s); err != nil {
		return "", fmt.Errorf("%w: %q (expected 0x followed by 64 hex characters)", ErrInvalidTxHash, s)
	}
	return strings.ToLower(s), nil
}

// SameAddress compares two addresses ignoring case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// MaskAddress shortens an address for public display: 0x1234…abcd.
func MaskAddress(addr string) string {
	if len(addr) < 10 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
