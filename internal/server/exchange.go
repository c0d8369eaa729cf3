package server

import (
	"bytes"
	"fmt"
	"net/netip"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"

	"github.com/dantte-lp/gocoap/internal/oscore"
)

// -------------------------------------------------------------------------
// OSCORE Exchange Cache — RFC 8613 Section 8.3
// -------------------------------------------------------------------------

// Exchange records a verified OSCORE request whose responses must be
// protected.
type Exchange struct {
	Addr  netip.AddrPort
	Token message.Token

	// Binding carries the request kid and Partial IV the responses are
	// bound to.
	Binding oscore.Binding

	CreatedAt time.Time

	// Observe marks an exchange spanning an Observe registration and all
	// its notifications. Observe exchanges never expire; they are removed
	// together with their observer.
	Observe bool
}

// ExchangeStore is the cache of OSCORE exchanges.
type ExchangeStore interface {
	// Put stores e, replacing the entry with the same (Addr, Token). When
	// the table is full the least recently used non-Observe entry is
	// evicted; ErrExchangeTableFull is returned if every entry is an
	// Observe exchange.
	Put(e Exchange, now time.Time) error

	// Get returns the live exchange for (addr, token).
	Get(addr netip.AddrPort, token message.Token, now time.Time) (Exchange, bool)

	// Remove deletes the exchange for (addr, token).
	Remove(addr netip.AddrPort, token message.Token) bool

	// Len returns the number of entries, expired ones included until they
	// are looked up or reclaimed.
	Len() int
}

// ExchangeCache is the fixed-capacity ExchangeStore.
type ExchangeCache struct {
	lifetime time.Duration
	slots    []exchangeSlot
	tick     uint64
	n        int
}

type exchangeSlot struct {
	used    bool
	touched uint64
	ex      Exchange
}

// NewExchangeCache creates a cache with capacity slots. Non-Observe
// entries older than lifetime are treated as absent.
func NewExchangeCache(capacity int, lifetime time.Duration) (*ExchangeCache, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("exchange capacity %d: %w", capacity, ErrInvalidCapacity)
	}
	return &ExchangeCache{
		lifetime: lifetime,
		slots:    make([]exchangeSlot, capacity),
	}, nil
}

// Put implements ExchangeStore.
func (c *ExchangeCache) Put(e Exchange, now time.Time) error {
	c.tick++

	e.Token = bytes.Clone(e.Token)
	if i := c.find(e.Addr, e.Token); i >= 0 {
		c.slots[i].ex = e
		c.slots[i].touched = c.tick
		return nil
	}

	victim := -1
	for i := range c.slots {
		sl := &c.slots[i]
		if !sl.used || c.stale(sl, now) {
			victim = i
			break
		}
		if sl.ex.Observe {
			continue
		}
		if victim < 0 || sl.touched < c.slots[victim].touched {
			victim = i
		}
	}

	if victim < 0 {
		return fmt.Errorf("exchange for %s: %w", e.Addr, ErrExchangeTableFull)
	}

	if !c.slots[victim].used {
		c.n++
	}
	c.slots[victim] = exchangeSlot{used: true, touched: c.tick, ex: e}
	return nil
}

// Get implements ExchangeStore.
func (c *ExchangeCache) Get(addr netip.AddrPort, token message.Token, now time.Time) (Exchange, bool) {
	i := c.find(addr, token)
	if i < 0 {
		return Exchange{}, false
	}
	if c.stale(&c.slots[i], now) {
		c.release(i)
		return Exchange{}, false
	}

	c.tick++
	c.slots[i].touched = c.tick
	return c.slots[i].ex, true
}

// Remove implements ExchangeStore.
func (c *ExchangeCache) Remove(addr netip.AddrPort, token message.Token) bool {
	i := c.find(addr, token)
	if i < 0 {
		return false
	}
	c.release(i)
	return true
}

// Len implements ExchangeStore.
func (c *ExchangeCache) Len() int { return c.n }

func (c *ExchangeCache) find(addr netip.AddrPort, token message.Token) int {
	for i := range c.slots {
		sl := &c.slots[i]
		if sl.used && sl.ex.Addr == addr && bytes.Equal(sl.ex.Token, token) {
			return i
		}
	}
	return -1
}

// stale reports whether a used non-Observe slot outlived the lifetime.
func (c *ExchangeCache) stale(sl *exchangeSlot, now time.Time) bool {
	return sl.used && !sl.ex.Observe && c.lifetime > 0 && !now.Before(sl.ex.CreatedAt.Add(c.lifetime))
}

func (c *ExchangeCache) release(i int) {
	c.slots[i] = exchangeSlot{}
	c.n--
}
