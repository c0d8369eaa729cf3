package server

import (
	"bytes"
	"crypto/subtle"
	"fmt"
	"net/netip"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dantte-lp/gocoap/internal/coap"
)

// -------------------------------------------------------------------------
// Echo Cache — RFC 9175 Section 2
// -------------------------------------------------------------------------

// EchoStore holds per-client Echo nonces and the verified-address state.
type EchoStore interface {
	// Challenge stores nonce as the outstanding Echo value for addr,
	// overwriting any earlier one. nonce must be 1-40 bytes.
	Challenge(addr netip.AddrPort, nonce []byte, now time.Time) error

	// Verify checks value against the outstanding nonce of addr. A match
	// within the nonce lifetime consumes the nonce and marks addr verified
	// until now plus the lifetime.
	Verify(addr netip.AddrPort, value []byte, now time.Time) bool

	// Verified reports whether addr proved reachability recently.
	Verified(addr netip.AddrPort, now time.Time) bool

	// Len returns the number of cached clients.
	Len() int
}

// echoEntry is the state kept for one client.
type echoEntry struct {
	nonce         []byte
	createdAt     time.Time
	verifiedUntil time.Time
}

// expired reports whether neither the nonce nor the verification is still
// within its window.
func (e *echoEntry) expired(now time.Time, lifetime time.Duration) bool {
	return !now.Before(e.createdAt.Add(lifetime)) && !now.Before(e.verifiedUntil)
}

// EchoCache is the fixed-size, LRU-evicted EchoStore.
type EchoCache struct {
	lifetime time.Duration
	cache    *lru.Cache[netip.AddrPort, *echoEntry]
}

// NewEchoCache creates a cache of capacity clients whose nonces and
// verifications last lifetime.
func NewEchoCache(capacity int, lifetime time.Duration) (*EchoCache, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("echo capacity %d: %w", capacity, ErrInvalidCapacity)
	}
	c, err := lru.New[netip.AddrPort, *echoEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("create echo cache: %w", err)
	}
	return &EchoCache{lifetime: lifetime, cache: c}, nil
}

// Challenge implements EchoStore. A previous verification of addr is kept.
func (c *EchoCache) Challenge(addr netip.AddrPort, nonce []byte, now time.Time) error {
	if !coap.ValidEcho(nonce) {
		return fmt.Errorf("echo nonce of %d bytes: %w", len(nonce), ErrInvalidEchoNonce)
	}

	e := &echoEntry{nonce: bytes.Clone(nonce), createdAt: now}
	if old, ok := c.cache.Peek(addr); ok && now.Before(old.verifiedUntil) {
		e.verifiedUntil = old.verifiedUntil
	}
	c.cache.Add(addr, e)
	return nil
}

// Verify implements EchoStore.
func (c *EchoCache) Verify(addr netip.AddrPort, value []byte, now time.Time) bool {
	e, ok := c.lookup(addr, now)
	if !ok || e.nonce == nil || !now.Before(e.createdAt.Add(c.lifetime)) {
		return false
	}
	if subtle.ConstantTimeCompare(e.nonce, value) != 1 {
		return false
	}

	e.nonce = nil
	e.verifiedUntil = now.Add(c.lifetime)
	return true
}

// Verified implements EchoStore.
func (c *EchoCache) Verified(addr netip.AddrPort, now time.Time) bool {
	e, ok := c.lookup(addr, now)
	return ok && now.Before(e.verifiedUntil)
}

// Len implements EchoStore.
func (c *EchoCache) Len() int { return c.cache.Len() }

// lookup returns the live entry of addr, dropping it lazily once expired.
func (c *EchoCache) lookup(addr netip.AddrPort, now time.Time) (*echoEntry, bool) {
	e, ok := c.cache.Get(addr)
	if !ok {
		return nil, false
	}
	if e.expired(now, c.lifetime) {
		c.cache.Remove(addr)
		return nil, false
	}
	return e, true
}
