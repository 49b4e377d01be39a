package ledger

import (
	"crypto/rand"
	"sync"

	"github.com/chipflip/chip-ledger/internal/model"
)

// Coin draws a wager outcome. Draws must be uniform over heads and tails.
type Coin interface {
	Flip() model.Side
}

// CryptoCoin draws from crypto/rand.
type CryptoCoin struct{}

func (CryptoCoin) Flip() model.Side {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand only fails when the OS entropy source is broken
		panic("ledger: crypto/rand unavailable: " + err.Error())
	}
	if b[0]&1 == 0 {
		return model.Heads
	}
	return model.Tails
}

// FixedCoin always lands on the same side.
type FixedCoin model.Side

func (c FixedCoin) Flip() model.Side { return model.Side(c) }

// SequenceCoin replays a fixed sequence of outcomes, cycling at the end.
type SequenceCoin struct {
	mu    sync.Mutex
	sides []model.Side
	next  int
}

// NewSequenceCoin creates a coin that returns sides in order.
func NewSequenceCoin(sides ...model.Side) *SequenceCoin {
	return &SequenceCoin{sides: sides}
}

func (c *SequenceCoin) Flip() model.Side {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sides[c.next%len(c.sides)]
	c.next++
	return s
}
