package server

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"

	"github.com/dantte-lp/gocoap/internal/coap"
)

// -------------------------------------------------------------------------
// Pending Retransmission Store — RFC 7252 Section 4.2
// -------------------------------------------------------------------------

// PendingEntry is one Confirmable message awaiting acknowledgement.
//
// Lifecycle: armed (Attempts == 1) -> retried (Attempts incremented, timeout
// doubled) -> matched by ACK/RST or exhausted once Attempts exceeds
// MAX_RETRANSMIT.
type PendingEntry struct {
	// MessageID and Addr identify the entry; an ACK or RST from Addr with
	// the same Message ID clears it.
	MessageID uint16
	Addr      netip.AddrPort

	// Token is the token of the message, used to remove the linked
	// observer on RST or exhaustion.
	Token message.Token

	// Data is the serialized datagram, retransmitted unchanged.
	Data []byte

	// Attempts counts transmissions so far, starting at 1.
	Attempts int

	// Timeout is the current retransmission timeout.
	Timeout time.Duration

	// Deadline is when the next retransmission is due.
	Deadline time.Time

	// Observer marks a notification linked to an observer registration.
	Observer bool

	// Generation is the socket generation the message was sent on. An
	// entry from an earlier generation is never retransmitted.
	Generation uint64
}

// PendingTracker is the store of in-flight Confirmable messages.
type PendingTracker interface {
	// Add stores e, replacing any entry with the same (Addr, MessageID).
	// Returns ErrPendingTableFull when no slot is free.
	Add(e PendingEntry) error

	// Match removes and returns the entry for (addr, mid).
	Match(addr netip.AddrPort, mid uint16) (PendingEntry, bool)

	// Due advances every entry whose deadline is not after now. Entries
	// still within MAX_RETRANSMIT are re-armed and returned in resend;
	// the others are removed and returned in expired.
	Due(now time.Time) (resend, expired []PendingEntry)

	// NextDeadline returns the soonest deadline of any entry.
	NextDeadline() (time.Time, bool)

	// Expire removes and returns every entry whose Generation differs
	// from gen.
	Expire(gen uint64) []PendingEntry

	// Clear removes every entry.
	Clear()

	// Len returns the number of entries.
	Len() int
}

// PendingStore is the fixed-capacity PendingTracker.
type PendingStore struct {
	params coap.TransmissionParams
	slots  []pendingSlot
	n      int
}

type pendingSlot struct {
	used  bool
	entry PendingEntry
}

// NewPendingStore creates a store with capacity slots. params supply
// MAX_RETRANSMIT and the backoff factor.
func NewPendingStore(capacity int, params coap.TransmissionParams) (*PendingStore, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("pending capacity %d: %w", capacity, ErrInvalidCapacity)
	}
	return &PendingStore{
		params: params,
		slots:  make([]pendingSlot, capacity),
	}, nil
}

// Add implements PendingTracker.
func (p *PendingStore) Add(e PendingEntry) error {
	free := -1
	for i := range p.slots {
		sl := &p.slots[i]
		if !sl.used {
			if free < 0 {
				free = i
			}
			continue
		}
		if sl.entry.MessageID == e.MessageID && sl.entry.Addr == e.Addr {
			sl.entry = e
			return nil
		}
	}

	if free < 0 {
		return fmt.Errorf("pending mid=%d to %s: %w", e.MessageID, e.Addr, ErrPendingTableFull)
	}

	p.slots[free] = pendingSlot{used: true, entry: e}
	p.n++
	return nil
}

// Match implements PendingTracker.
func (p *PendingStore) Match(addr netip.AddrPort, mid uint16) (PendingEntry, bool) {
	for i := range p.slots {
		sl := &p.slots[i]
		if sl.used && sl.entry.MessageID == mid && sl.entry.Addr == addr {
			e := sl.entry
			p.release(i)
			return e, true
		}
	}
	return PendingEntry{}, false
}

// Due implements PendingTracker.
func (p *PendingStore) Due(now time.Time) (resend, expired []PendingEntry) {
	for i := range p.slots {
		sl := &p.slots[i]
		if !sl.used || sl.entry.Deadline.After(now) {
			continue
		}

		if sl.entry.Attempts > p.params.MaxRetransmit {
			expired = append(expired, sl.entry)
			p.release(i)
			continue
		}

		sl.entry.Attempts++
		sl.entry.Timeout = p.params.NextTimeout(sl.entry.Timeout)
		sl.entry.Deadline = now.Add(sl.entry.Timeout)
		resend = append(resend, sl.entry)
	}
	return resend, expired
}

// NextDeadline implements PendingTracker.
func (p *PendingStore) NextDeadline() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for i := range p.slots {
		sl := &p.slots[i]
		if !sl.used {
			continue
		}
		if !found || sl.entry.Deadline.Before(next) {
			next = sl.entry.Deadline
			found = true
		}
	}
	return next, found
}

// Expire implements PendingTracker.
func (p *PendingStore) Expire(gen uint64) []PendingEntry {
	var stale []PendingEntry
	for i := range p.slots {
		sl := &p.slots[i]
		if sl.used && sl.entry.Generation != gen {
			stale = append(stale, sl.entry)
			p.release(i)
		}
	}
	return stale
}

// Clear implements PendingTracker.
func (p *PendingStore) Clear() {
	for i := range p.slots {
		p.slots[i] = pendingSlot{}
	}
	p.n = 0
}

// Len implements PendingTracker.
func (p *PendingStore) Len() int { return p.n }

// release frees slot i and its buffer.
func (p *PendingStore) release(i int) {
	p.slots[i] = pendingSlot{}
	p.n--
}
