package server

import (
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// -------------------------------------------------------------------------
// MetricsReporter
// -------------------------------------------------------------------------

// Drop reasons reported through MetricsReporter.IncDropped.
const (
	DropOversize          = "oversize"
	DropMalformed         = "malformed"
	DropDuplicate         = "duplicate"
	DropCriticalOption    = "critical_option"
	DropOSCORERepeated    = "oscore_repeated"
	DropOSCOREUnsupported = "oscore_unsupported"
	DropExchangeFull      = "exchange_full"
	DropUnmatched         = "unmatched"
	DropUnexpected        = "unexpected_response"
	DropProtectFailed     = "protect_failed"
	DropSuppressed        = "suppressed"
	DropStale             = "stale"
	DropPendingFull       = "pending_full"
	DropObserverFull      = "observer_full"
)

// MetricsReporter receives protocol events from the dispatch loop.
// Implemented by the Prometheus collector; tests substitute a recorder.
type MetricsReporter interface {
	// IncMessagesReceived counts a parsed inbound message.
	IncMessagesReceived(service string, typ message.Type)

	// IncMessagesSent counts a transmitted message, retransmissions
	// excluded.
	IncMessagesSent(service string, typ message.Type)

	// IncDropped counts a datagram or response abandoned for reason.
	IncDropped(service, reason string)

	// IncRetransmissions counts one retransmission of a Confirmable message.
	IncRetransmissions(service string)

	// IncRetransmitExhausted counts a Confirmable message given up after
	// MAX_RETRANSMIT attempts.
	IncRetransmitExhausted(service string)

	// SetObservers reports the current number of registered observers.
	SetObservers(service string, n int)

	// IncEchoChallenges counts a 4.01 Echo challenge.
	IncEchoChallenges(service string)

	// IncOSCOREFailures counts a failed OSCORE verification, labelled with
	// the unprotected error code sent back.
	IncOSCOREFailures(service string, code codes.Code)

	// IncResponses counts a response sent to a request, by response code.
	IncResponses(service string, code codes.Code)
}

// noopMetrics is the default reporter used when no collector is configured.
type noopMetrics struct{}

func (noopMetrics) IncMessagesReceived(string, message.Type) {}
func (noopMetrics) IncMessagesSent(string, message.Type)     {}
func (noopMetrics) IncDropped(string, string)                {}
func (noopMetrics) IncRetransmissions(string)                {}
func (noopMetrics) IncRetransmitExhausted(string)            {}
func (noopMetrics) SetObservers(string, int)                 {}
func (noopMetrics) IncEchoChallenges(string)                 {}
func (noopMetrics) IncOSCOREFailures(string, codes.Code)     {}
func (noopMetrics) IncResponses(string, codes.Code)          {}
