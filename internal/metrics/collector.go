// Package coapmetrics exports the CoAP dispatch loop events as Prometheus
// metrics.
package coapmetrics

import (
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/gocoap/internal/coap"
	"github.com/dantte-lp/gocoap/internal/server"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gocoap"
	subsystem = "coap"
)

// Label names for CoAP metrics.
const (
	labelService = "service"
	labelType    = "type"
	labelReason  = "reason"
	labelCode    = "code"
)

var _ server.MetricsReporter = (*Collector)(nil)

// -------------------------------------------------------------------------
// Collector — Prometheus CoAP Metrics
// -------------------------------------------------------------------------

// Collector holds all CoAP Prometheus metrics and implements
// server.MetricsReporter.
//
// Every metric carries the service label:
//   - Message counters track RX/TX volume per message type.
//   - Drop counters break discarded datagrams down by reason.
//   - Retransmission counters and the observer gauge track the reliability
//     and Observe layers.
//   - Echo and OSCORE counters flag freshness and security failures.
type Collector struct {
	// MessagesReceived counts parsed inbound messages by type.
	MessagesReceived *prometheus.CounterVec

	// MessagesSent counts transmitted messages by type, retransmissions
	// excluded.
	MessagesSent *prometheus.CounterVec

	// Dropped counts datagrams and responses abandoned, by reason.
	Dropped *prometheus.CounterVec

	// Retransmissions counts Confirmable retransmissions
	// (RFC 7252 Section 4.2).
	Retransmissions *prometheus.CounterVec

	// RetransmitExhausted counts Confirmable messages given up after
	// MAX_RETRANSMIT attempts.
	RetransmitExhausted *prometheus.CounterVec

	// Observers is the number of registered observers (RFC 7641).
	Observers *prometheus.GaugeVec

	// EchoChallenges counts 4.01 responses carrying an Echo option
	// (RFC 9175 Section 2.4).
	EchoChallenges *prometheus.CounterVec

	// OSCOREFailures counts failed OSCORE verifications by the error code
	// returned (RFC 8613 Section 8.2).
	OSCOREFailures *prometheus.CounterVec

	// Responses counts responses to requests by code.
	Responses *prometheus.CounterVec
}

// NewCollector creates a Collector with all CoAP metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "gocoap_coap_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.MessagesReceived,
		c.MessagesSent,
		c.Dropped,
		c.Retransmissions,
		c.RetransmitExhausted,
		c.Observers,
		c.EchoChallenges,
		c.OSCOREFailures,
		c.Responses,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	serviceLabels := []string{labelService}
	typeLabels := []string{labelService, labelType}
	reasonLabels := []string{labelService, labelReason}
	codeLabels := []string{labelService, labelCode}

	counter := func(name, help string, labels []string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	return &Collector{
		MessagesReceived: counter("messages_received_total",
			"Total CoAP messages received.", typeLabels),

		MessagesSent: counter("messages_sent_total",
			"Total CoAP messages transmitted, retransmissions excluded.", typeLabels),

		Dropped: counter("dropped_total",
			"Total CoAP datagrams or responses dropped, by reason.", reasonLabels),

		Retransmissions: counter("retransmissions_total",
			"Total Confirmable retransmissions (RFC 7252 Section 4.2).", serviceLabels),

		RetransmitExhausted: counter("retransmit_exhausted_total",
			"Total Confirmable messages abandoned after MAX_RETRANSMIT.", serviceLabels),

		Observers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "observers",
			Help:      "Number of currently registered observers (RFC 7641).",
		}, serviceLabels),

		EchoChallenges: counter("echo_challenges_total",
			"Total Echo freshness challenges sent (RFC 9175).", serviceLabels),

		OSCOREFailures: counter("oscore_failures_total",
			"Total OSCORE verification failures by error response code (RFC 8613 Section 8.2).", codeLabels),

		Responses: counter("responses_total",
			"Total responses sent to requests, by code.", codeLabels),
	}
}

// -------------------------------------------------------------------------
// Message Counters
// -------------------------------------------------------------------------

// IncMessagesReceived increments the received messages counter.
func (c *Collector) IncMessagesReceived(service string, typ message.Type) {
	c.MessagesReceived.WithLabelValues(service, typeLabel(typ)).Inc()
}

// IncMessagesSent increments the transmitted messages counter.
func (c *Collector) IncMessagesSent(service string, typ message.Type) {
	c.MessagesSent.WithLabelValues(service, typeLabel(typ)).Inc()
}

// IncDropped increments the dropped counter for reason (one of the
// server.Drop* constants).
func (c *Collector) IncDropped(service, reason string) {
	c.Dropped.WithLabelValues(service, reason).Inc()
}

// IncResponses increments the responses counter for code.
func (c *Collector) IncResponses(service string, code codes.Code) {
	c.Responses.WithLabelValues(service, coap.CodeString(code)).Inc()
}

// -------------------------------------------------------------------------
// Reliability and Observe
// -------------------------------------------------------------------------

// IncRetransmissions increments the retransmissions counter.
func (c *Collector) IncRetransmissions(service string) {
	c.Retransmissions.WithLabelValues(service).Inc()
}

// IncRetransmitExhausted increments the exhausted retransmissions counter.
func (c *Collector) IncRetransmitExhausted(service string) {
	c.RetransmitExhausted.WithLabelValues(service).Inc()
}

// SetObservers sets the observer gauge of service.
func (c *Collector) SetObservers(service string, n int) {
	c.Observers.WithLabelValues(service).Set(float64(n))
}

// -------------------------------------------------------------------------
// Freshness and Security
// -------------------------------------------------------------------------

// IncEchoChallenges increments the Echo challenge counter.
func (c *Collector) IncEchoChallenges(service string) {
	c.EchoChallenges.WithLabelValues(service).Inc()
}

// IncOSCOREFailures increments the OSCORE failure counter for the error
// code returned to the peer.
func (c *Collector) IncOSCOREFailures(service string, code codes.Code) {
	c.OSCOREFailures.WithLabelValues(service, coap.CodeString(code)).Inc()
}

func typeLabel(t message.Type) string {
	switch t {
	case message.Confirmable:
		return "CON"
	case message.NonConfirmable:
		return "NON"
	case message.Acknowledgement:
		return "ACK"
	case message.Reset:
		return "RST"
	default:
		return "unknown"
	}
}
