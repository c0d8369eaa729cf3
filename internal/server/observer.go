package server

import (
	"bytes"
	"fmt"
	"net/netip"

	"github.com/plgd-dev/go-coap/v3/message"
)

// -------------------------------------------------------------------------
// Observer Registry — RFC 7641 Section 4.1
// -------------------------------------------------------------------------

// Observer is one Observe subscription.
type Observer struct {
	// Addr and Token identify the subscription.
	Addr  netip.AddrPort
	Token message.Token

	// Path is the observed resource path.
	Path string

	// Seq is the last Observe value sent to the observer.
	Seq uint32

	// Protected marks an observation established over OSCORE. Its
	// notifications are only ever sent protected.
	Protected bool

	// SinceConfirmable counts notifications sent as NON since the last
	// Confirmable one (RFC 7641 Section 4.5).
	SinceConfirmable int
}

// ObserverStore is the registry of Observe subscriptions.
type ObserverStore interface {
	// Register adds o, or refreshes the entry with the same (Addr, Token).
	// A refresh keeps Seq and reports refreshed. Returns
	// ErrObserverTableFull when no slot is free.
	Register(o Observer) (stored Observer, refreshed bool, err error)

	// Update replaces the stored state of an existing subscription.
	Update(o Observer) bool

	// Get returns the subscription for (addr, token).
	Get(addr netip.AddrPort, token message.Token) (Observer, bool)

	// Remove deletes the subscription for (addr, token).
	Remove(addr netip.AddrPort, token message.Token) (Observer, bool)

	// RemoveToken deletes every subscription with token.
	RemoveToken(token message.Token) []Observer

	// RemoveAddr deletes every subscription of addr.
	RemoveAddr(addr netip.AddrPort) []Observer

	// ForResource returns copies of the subscriptions on path.
	ForResource(path string) []Observer

	// Len returns the number of subscriptions.
	Len() int
}

// ObserverRegistry is the fixed-capacity ObserverStore.
type ObserverRegistry struct {
	slots []observerSlot
	n     int
}

type observerSlot struct {
	used bool
	obs  Observer
}

// NewObserverRegistry creates a registry with capacity slots.
func NewObserverRegistry(capacity int) (*ObserverRegistry, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("observer capacity %d: %w", capacity, ErrInvalidCapacity)
	}
	return &ObserverRegistry{slots: make([]observerSlot, capacity)}, nil
}

// Register implements ObserverStore. A re-registration with the same token
// for another path replaces the path (RFC 7641 Section 3.1).
func (r *ObserverRegistry) Register(o Observer) (Observer, bool, error) {
	free := -1
	for i := range r.slots {
		sl := &r.slots[i]
		if !sl.used {
			if free < 0 {
				free = i
			}
			continue
		}
		if sl.obs.Addr == o.Addr && bytes.Equal(sl.obs.Token, o.Token) {
			sl.obs.Path = o.Path
			return sl.obs, true, nil
		}
	}

	if free < 0 {
		return Observer{}, false, fmt.Errorf("observe %s from %s: %w", o.Path, o.Addr, ErrObserverTableFull)
	}

	o.Token = bytes.Clone(o.Token)
	r.slots[free] = observerSlot{used: true, obs: o}
	r.n++
	return o, false, nil
}

// Update implements ObserverStore.
func (r *ObserverRegistry) Update(o Observer) bool {
	i := r.find(o.Addr, o.Token)
	if i < 0 {
		return false
	}
	o.Token = r.slots[i].obs.Token
	r.slots[i].obs = o
	return true
}

// Get implements ObserverStore.
func (r *ObserverRegistry) Get(addr netip.AddrPort, token message.Token) (Observer, bool) {
	i := r.find(addr, token)
	if i < 0 {
		return Observer{}, false
	}
	return r.slots[i].obs, true
}

// Remove implements ObserverStore.
func (r *ObserverRegistry) Remove(addr netip.AddrPort, token message.Token) (Observer, bool) {
	i := r.find(addr, token)
	if i < 0 {
		return Observer{}, false
	}
	o := r.slots[i].obs
	r.release(i)
	return o, true
}

// RemoveToken implements ObserverStore.
func (r *ObserverRegistry) RemoveToken(token message.Token) []Observer {
	return r.removeIf(func(o *Observer) bool { return bytes.Equal(o.Token, token) })
}

// RemoveAddr implements ObserverStore.
func (r *ObserverRegistry) RemoveAddr(addr netip.AddrPort) []Observer {
	return r.removeIf(func(o *Observer) bool { return o.Addr == addr })
}

// ForResource implements ObserverStore.
func (r *ObserverRegistry) ForResource(path string) []Observer {
	var out []Observer
	for i := range r.slots {
		if r.slots[i].used && r.slots[i].obs.Path == path {
			out = append(out, r.slots[i].obs)
		}
	}
	return out
}

// Len implements ObserverStore.
func (r *ObserverRegistry) Len() int { return r.n }

func (r *ObserverRegistry) find(addr netip.AddrPort, token message.Token) int {
	for i := range r.slots {
		sl := &r.slots[i]
		if sl.used && sl.obs.Addr == addr && bytes.Equal(sl.obs.Token, token) {
			return i
		}
	}
	return -1
}

func (r *ObserverRegistry) removeIf(match func(*Observer) bool) []Observer {
	var out []Observer
	for i := range r.slots {
		if r.slots[i].used && match(&r.slots[i].obs) {
			out = append(out, r.slots[i].obs)
			r.release(i)
		}
	}
	return out
}

func (r *ObserverRegistry) release(i int) {
	r.slots[i] = observerSlot{}
	r.n--
}
