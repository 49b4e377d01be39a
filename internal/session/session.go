// Package session issues and verifies the signed tokens that carry a
// caller's wallet address between requests.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the session lifetime when none is configured.
const DefaultTTL = 30 * 24 * time.Hour

// devSecret signs tokens when no secret is configured. Anyone who reads
// this file can mint sessions with it.
const devSecret = "dev-secret-please-set-SESSION_SECRET"

var errNoAddress = errors.New("session: token carries no address")

type claims struct {
	Address string `json:"address"`
	jwt.RegisteredClaims
}

// Codec signs and verifies HS256 session tokens.
type Codec struct {
	key []byte
	now func() time.Time
}

// NewCodec creates a codec. An empty secret falls back to a development key.
func NewCodec(secret string) *Codec {
	if secret == "" {
		slog.Warn("SESSION_SECRET not set, signing sessions with the development key; do not run this in production")
		secret = devSecret
	}
	return &Codec{key: []byte(secret), now: time.Now}
}

// Issue returns a token for account valid for ttl. ttl <= 0 uses DefaultTTL.
func (c *Codec) Issue(account string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := c.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Address: strings.ToLower(account),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := tok.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

// Verify returns the account a token was issued for. Any failure, including
// a bad signature or an expired token, reports ok=false.
func (c *Codec) Verify(token string) (account string, ok bool) {
	if token == "" {
		return "", false
	}
	var cl claims
	_, err := jwt.ParseWithClaims(token, &cl, func(*jwt.Token) (any, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err == nil && cl.Address == "" {
		err = errNoAddress
	}
	if err != nil {
		slog.Debug("session rejected", "err", err)
		return "", false
	}
	return cl.Address, true
}
