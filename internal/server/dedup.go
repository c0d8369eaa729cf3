package server

import (
	"fmt"
	"net/netip"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// -------------------------------------------------------------------------
// Duplicate Detection — RFC 7252 Section 4.5
// -------------------------------------------------------------------------

// dedupKey identifies a received message for duplicate detection.
type dedupKey struct {
	addr netip.AddrPort
	mid  uint16
}

// dedupEntry is the outcome of a processed message. reply is nil for
// messages that were answered with nothing (NON requests, silent drops
// after processing).
type dedupEntry struct {
	reply []byte
	at    time.Time
}

// dedupCache remembers recently processed (address, Message ID) pairs for
// EXCHANGE_LIFETIME so that a retransmitted CON request is answered with
// the same bytes instead of being processed twice.
type dedupCache struct {
	lifetime time.Duration
	cache    *lru.Cache[dedupKey, dedupEntry]
}

func newDedupCache(capacity int, lifetime time.Duration) (*dedupCache, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("dedup capacity %d: %w", capacity, ErrInvalidCapacity)
	}
	c, err := lru.New[dedupKey, dedupEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &dedupCache{lifetime: lifetime, cache: c}, nil
}

// lookup returns the recorded outcome of (addr, mid).
func (d *dedupCache) lookup(addr netip.AddrPort, mid uint16, now time.Time) (dedupEntry, bool) {
	k := dedupKey{addr: addr, mid: mid}
	e, ok := d.cache.Get(k)
	if !ok {
		return dedupEntry{}, false
	}
	if !now.Before(e.at.Add(d.lifetime)) {
		d.cache.Remove(k)
		return dedupEntry{}, false
	}
	return e, true
}

// record stores the outcome of (addr, mid).
func (d *dedupCache) record(addr netip.AddrPort, mid uint16, reply []byte, now time.Time) {
	d.cache.Add(dedupKey{addr: addr, mid: mid}, dedupEntry{reply: reply, at: now})
}
