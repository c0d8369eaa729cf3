package coap

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// -------------------------------------------------------------------------
// Transmission Parameters — RFC 7252 Section 4.8
// -------------------------------------------------------------------------

// Default transmission parameters (RFC 7252 Section 4.8).
const (
	DefaultAckTimeout       = 2 * time.Second
	DefaultAckRandomPercent = 150
	DefaultBackoffPercent   = 200
	DefaultMaxRetransmit    = 4

	// maxLatency is MAX_LATENCY (RFC 7252 Section 4.8.2).
	maxLatency = 100 * time.Second
)

// Sentinel errors for transmission parameter validation.
var (
	// ErrInvalidAckTimeout indicates a non-positive ACK_TIMEOUT.
	ErrInvalidAckTimeout = errors.New("ack timeout must be positive")

	// ErrInvalidRandomFactor indicates an ACK_RANDOM_FACTOR below 1.0.
	ErrInvalidRandomFactor = errors.New("ack random percent must be >= 100")

	// ErrInvalidBackoff indicates a backoff factor below 1.0.
	ErrInvalidBackoff = errors.New("backoff percent must be >= 100")

	// ErrInvalidMaxRetransmit indicates a negative MAX_RETRANSMIT.
	ErrInvalidMaxRetransmit = errors.New("max retransmit must be >= 0")
)

// TransmissionParams holds the CON retransmission parameters.
//
// Factors are expressed in percent so that configuration stays integral:
// ACK_RANDOM_FACTOR 1.5 is AckRandomPercent 150 and the binary exponential
// backoff of RFC 7252 Section 4.2 is BackoffPercent 200.
type TransmissionParams struct {
	AckTimeout       time.Duration
	AckRandomPercent int
	BackoffPercent   int
	MaxRetransmit    int
}

// DefaultTransmissionParams returns the RFC 7252 Section 4.8 defaults.
func DefaultTransmissionParams() TransmissionParams {
	return TransmissionParams{
		AckTimeout:       DefaultAckTimeout,
		AckRandomPercent: DefaultAckRandomPercent,
		BackoffPercent:   DefaultBackoffPercent,
		MaxRetransmit:    DefaultMaxRetransmit,
	}
}

// Validate checks the parameters and returns the first violation.
func (p TransmissionParams) Validate() error {
	if p.AckTimeout <= 0 {
		return fmt.Errorf("%v: %w", p.AckTimeout, ErrInvalidAckTimeout)
	}
	if p.AckRandomPercent < 100 {
		return fmt.Errorf("%d: %w", p.AckRandomPercent, ErrInvalidRandomFactor)
	}
	if p.BackoffPercent < 100 {
		return fmt.Errorf("%d: %w", p.BackoffPercent, ErrInvalidBackoff)
	}
	if p.MaxRetransmit < 0 {
		return fmt.Errorf("%d: %w", p.MaxRetransmit, ErrInvalidMaxRetransmit)
	}
	return nil
}

// InitialTimeout returns a random initial retransmission timeout between
// ACK_TIMEOUT and ACK_TIMEOUT * ACK_RANDOM_FACTOR (RFC 7252 Section 4.2).
// A nil r draws from the global math/rand/v2 source.
func (p TransmissionParams) InitialTimeout(r *rand.Rand) time.Duration {
	spread := p.AckTimeout * time.Duration(p.AckRandomPercent-100) / 100
	if spread <= 0 {
		return p.AckTimeout
	}

	var jitter int64
	if r != nil {
		jitter = r.Int64N(int64(spread) + 1)
	} else {
		jitter = rand.Int64N(int64(spread) + 1)
	}

	return p.AckTimeout + time.Duration(jitter)
}

// NextTimeout applies one backoff step to the current timeout.
func (p TransmissionParams) NextTimeout(cur time.Duration) time.Duration {
	return cur * time.Duration(p.BackoffPercent) / 100
}

// MaxTransmitSpan is the maximum time from the first transmission of a CON
// message to its last retransmission (RFC 7252 Section 4.8.2), generalized
// to the configured backoff factor.
func (p TransmissionParams) MaxTransmitSpan() time.Duration {
	maxInitial := p.AckTimeout * time.Duration(p.AckRandomPercent) / 100

	var span time.Duration
	step := maxInitial
	for range p.MaxRetransmit {
		span += step
		step = p.NextTimeout(step)
	}

	return span
}

// MaxTransmitWait is the maximum time from the first transmission of a CON
// message until the sender gives up on receiving an ACK or RST (RFC 7252
// Section 4.8.2).
func (p TransmissionParams) MaxTransmitWait() time.Duration {
	maxInitial := p.AckTimeout * time.Duration(p.AckRandomPercent) / 100

	var wait time.Duration
	step := maxInitial
	for range p.MaxRetransmit + 1 {
		wait += step
		step = p.NextTimeout(step)
	}

	return wait
}

// ExchangeLifetime is the time from starting to send a CON message until
// the sender can stop expecting an ACK and a receiver can forget the
// message ID (RFC 7252 Section 4.8.2):
//
//	MAX_TRANSMIT_SPAN + 2 * MAX_LATENCY + PROCESSING_DELAY
//
// PROCESSING_DELAY is taken as ACK_TIMEOUT.
func (p TransmissionParams) ExchangeLifetime() time.Duration {
	return p.MaxTransmitSpan() + 2*maxLatency + p.AckTimeout
}
