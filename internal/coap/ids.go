package coap

import (
	"crypto/rand"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"sync/atomic"

	"github.com/plgd-dev/go-coap/v3/message"
)

// ErrInvalidTokenSize indicates a requested token length outside 0-8.
var ErrInvalidTokenSize = errors.New("token size must be 0-8")

// IDGenerator hands out message IDs (RFC 7252 Section 4.4). The sequence
// starts at a random value and wraps at 16 bits. Safe for concurrent use.
type IDGenerator struct {
	next atomic.Uint32
}

// NewIDGenerator creates an IDGenerator starting at a random message ID.
func NewIDGenerator() *IDGenerator {
	g := &IDGenerator{}
	g.next.Store(mrand.Uint32N(1 << 16))
	return g
}

// Next returns the next message ID.
func (g *IDGenerator) Next() uint16 {
	return uint16(g.next.Add(1))
}

// NewToken returns n random bytes from crypto/rand. RFC 7252 Section 5.3.1
// recommends tokens with at least 32 random bits for off-path protection.
func NewToken(n int) (message.Token, error) {
	if n < 0 || n > MaxTokenLen {
		return nil, fmt.Errorf("token size %d: %w", n, ErrInvalidTokenSize)
	}

	tok := make(message.Token, n)
	if _, err := rand.Read(tok); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	return tok, nil
}
