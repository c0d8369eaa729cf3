package coap

import "github.com/plgd-dev/go-coap/v3/message"

// -------------------------------------------------------------------------
// Option Numbers — RFC 7252 Section 12.2 and extension registries
// -------------------------------------------------------------------------

// Option numbers not covered by the go-coap vocabulary constants.
const (
	// OptionOSCORE carries the OSCORE compressed COSE header
	// (RFC 8613 Section 2).
	OptionOSCORE message.OptionID = 9

	// OptionHopLimit limits proxy forwarding (RFC 8768).
	OptionHopLimit message.OptionID = 16

	// OptionEcho carries a freshness nonce (RFC 9175 Section 2.2).
	OptionEcho message.OptionID = 252

	// OptionNoResponse declares uninteresting response classes
	// (RFC 7967 Section 2).
	OptionNoResponse message.OptionID = 258

	// OptionRequestTag distinguishes concurrent block-wise operations
	// (RFC 9175 Section 3).
	OptionRequestTag message.OptionID = 292
)

// Well-known option values.
const (
	// ObserveRegister is the Observe request value that adds an observer
	// (RFC 7641 Section 2).
	ObserveRegister uint32 = 0

	// ObserveDeregister is the Observe request value that removes an
	// observer.
	ObserveDeregister uint32 = 1

	// MaxEchoLen is the maximum Echo option length (RFC 9175 Section 2.2.1).
	MaxEchoLen = 40
)

// -------------------------------------------------------------------------
// Option Properties — RFC 7252 Section 5.4.6
// -------------------------------------------------------------------------

// IsCritical reports whether an option is critical (odd option number).
// An unrecognized critical option in a request causes a 4.02 Bad Option
// response (CON) or a silent drop (NON).
func IsCritical(id message.OptionID) bool { return id&0x01 != 0 }

// IsUnsafe reports whether a proxy that does not understand the option
// must not forward it.
func IsUnsafe(id message.OptionID) bool { return id&0x02 != 0 }

// IsNoCacheKey reports whether the option is excluded from the cache key.
func IsNoCacheKey(id message.OptionID) bool { return id&0x1E == 0x1C }

// recognized lists the options this implementation processes. Block1 and
// Block2 are deliberately absent: block-wise transfer is not implemented,
// so a request carrying them is rejected as an unsupported critical option.
var recognized = map[message.OptionID]struct{}{
	message.IfMatch:       {},
	message.URIHost:       {},
	message.ETag:          {},
	message.IfNoneMatch:   {},
	message.Observe:       {},
	message.URIPort:       {},
	message.LocationPath:  {},
	OptionOSCORE:          {},
	message.URIPath:       {},
	message.ContentFormat: {},
	message.MaxAge:        {},
	message.URIQuery:      {},
	OptionHopLimit:        {},
	message.Accept:        {},
	message.LocationQuery: {},
	message.Size2:         {},
	message.ProxyURI:      {},
	message.ProxyScheme:   {},
	message.Size1:         {},
	OptionEcho:            {},
	OptionNoResponse:      {},
	OptionRequestTag:      {},
}

// IsRecognized reports whether the option number is understood.
func IsRecognized(id message.OptionID) bool {
	_, ok := recognized[id]
	return ok
}

// FirstUnsupportedCritical returns the first critical option in opts that
// is not recognized.
func FirstUnsupportedCritical(opts message.Options) (message.OptionID, bool) {
	for _, o := range opts {
		if IsCritical(o.ID) && !IsRecognized(o.ID) {
			return o.ID, true
		}
	}
	return 0, false
}

// ValidEcho reports whether v is a well-formed Echo value (1-40 bytes).
func ValidEcho(v []byte) bool {
	return len(v) >= 1 && len(v) <= MaxEchoLen
}
