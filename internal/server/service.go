package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/dantte-lp/gocoap/internal/coap"
	"github.com/dantte-lp/gocoap/internal/netio"
	"github.com/dantte-lp/gocoap/internal/oscore"
)

// -------------------------------------------------------------------------
// Service Configuration
// -------------------------------------------------------------------------

// Service defaults.
const (
	// DefaultMaxMessageSize is the RFC 7252 Section 4.6 upper bound for a
	// message that fits an unfragmented IPv6 datagram.
	DefaultMaxMessageSize = 1152

	DefaultPendingCapacity  = 32
	DefaultObserverCapacity = 32
	DefaultEchoCapacity     = 64
	DefaultExchangeCapacity = 32
	DefaultDedupCapacity    = 256

	// DefaultEchoLifetime bounds both an outstanding Echo nonce and the
	// verified state of an address.
	DefaultEchoLifetime = 60 * time.Second

	// DefaultEchoNonceSize is the Echo nonce length sent in challenges.
	DefaultEchoNonceSize = 8

	// notifiedPerObserver sizes the cache of recent NON notifications.
	notifiedPerObserver = 4

	// amplificationFactor bounds the unverified response size relative to
	// the request size (RFC 9175 Section 2.4 item 3).
	amplificationFactor = 3
)

// EchoPolicy configures Echo freshness checks and amplification
// mitigation (RFC 9175 Section 2.4).
type EchoPolicy struct {
	// RequireUnsafe challenges unsafe requests (POST, PUT, DELETE, PATCH,
	// iPATCH) from addresses that are not verified.
	RequireUnsafe bool

	// AmplificationMitigation challenges discovery requests from
	// unverified addresses whose response would exceed Threshold.
	AmplificationMitigation bool

	// Threshold is the largest discovery payload sent to an unverified
	// address. Zero selects three times the request size.
	Threshold int

	// Lifetime bounds a nonce and the verified state. Zero selects
	// DefaultEchoLifetime.
	Lifetime time.Duration

	// NonceSize is the challenge nonce length (1-40). Zero selects
	// DefaultEchoNonceSize.
	NonceSize int
}

// ServiceConfig describes one bound transport endpoint.
type ServiceConfig struct {
	// Name identifies the Service within a Server.
	Name string

	// Addr is the local bind address. Port 0 selects an ephemeral port,
	// reported by Server.LocalAddr once started.
	Addr netip.AddrPort

	// MaxMessageSize is the largest datagram accepted. Larger datagrams
	// are answered with 4.13 Request Entity Too Large.
	MaxMessageSize int

	// Transmission holds ACK_TIMEOUT, ACK_RANDOM_FACTOR, the backoff
	// factor and MAX_RETRANSMIT.
	Transmission coap.TransmissionParams

	PendingCapacity  int
	ObserverCapacity int
	EchoCapacity     int
	ExchangeCapacity int
	DedupCapacity    int

	Echo EchoPolicy

	// RequireOSCORE answers unprotected requests with 4.01 Unauthorized.
	RequireOSCORE bool

	// ExchangeLifetime bounds non-Observe OSCORE exchanges and duplicate
	// detection. Zero selects EXCHANGE_LIFETIME of Transmission.
	ExchangeLifetime time.Duration

	// ConfirmableEvery sends every n-th notification as CON even for
	// resources that do not ask for it (RFC 7641 Section 4.5). Zero
	// disables the rule.
	ConfirmableEvery int
}

// withDefaults fills zero fields with the package defaults.
func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Transmission == (coap.TransmissionParams{}) {
		c.Transmission = coap.DefaultTransmissionParams()
	}
	if c.PendingCapacity == 0 {
		c.PendingCapacity = DefaultPendingCapacity
	}
	if c.ObserverCapacity == 0 {
		c.ObserverCapacity = DefaultObserverCapacity
	}
	if c.EchoCapacity == 0 {
		c.EchoCapacity = DefaultEchoCapacity
	}
	if c.ExchangeCapacity == 0 {
		c.ExchangeCapacity = DefaultExchangeCapacity
	}
	if c.DedupCapacity == 0 {
		c.DedupCapacity = DefaultDedupCapacity
	}
	if c.Echo.Lifetime == 0 {
		c.Echo.Lifetime = DefaultEchoLifetime
	}
	if c.Echo.NonceSize == 0 {
		c.Echo.NonceSize = DefaultEchoNonceSize
	}
	if c.ExchangeLifetime == 0 {
		c.ExchangeLifetime = c.Transmission.ExchangeLifetime()
	}
	return c
}

// Validate checks the configuration and returns the first violation.
func (c ServiceConfig) Validate() error {
	if c.Name == "" {
		return ErrInvalidServiceName
	}
	if c.MaxMessageSize < coap.HeaderSize {
		return fmt.Errorf("service %s: max message size %d: %w", c.Name, c.MaxMessageSize, ErrInvalidMaxMessageSize)
	}
	if err := c.Transmission.Validate(); err != nil {
		return fmt.Errorf("service %s: transmission: %w", c.Name, err)
	}
	if !coap.ValidEcho(make([]byte, c.Echo.NonceSize)) {
		return fmt.Errorf("service %s: nonce size %d: %w", c.Name, c.Echo.NonceSize, ErrInvalidEchoNonce)
	}
	return nil
}

// -------------------------------------------------------------------------
// Security Context Boundary
// -------------------------------------------------------------------------

// SecurityContext is the OSCORE protect/verify boundary of a Service.
// *oscore.Context implements it.
type SecurityContext interface {
	// Verify decrypts a serialized protected request. On failure code is
	// the CoAP code of the unprotected error response.
	Verify(protected []byte) (plain []byte, b oscore.Binding, code codes.Code, err error)

	// Protect encrypts a serialized response bound to b. notification
	// selects a fresh Partial IV.
	Protect(plain []byte, b oscore.Binding, notification bool) ([]byte, error)
}

var _ SecurityContext = (*oscore.Context)(nil)

// -------------------------------------------------------------------------
// Service
// -------------------------------------------------------------------------

// Service is one bound transport endpoint with its stores and resource
// table. All methods run under the Server lock.
type Service struct {
	cfg    ServiceConfig
	router *Router

	listen   netio.ListenFunc
	security SecurityContext

	pending   PendingTracker
	observers ObserverStore
	echo      EchoStore
	exchanges ExchangeStore
	dedup     *dedupCache

	// notified maps recently sent NON notifications to their token so a
	// RST rejecting one ends the observation (RFC 7641 Section 3.6).
	notified *lru.Cache[dedupKey, message.Token]

	ids  *coap.IDGenerator
	pool *netio.PacketPool

	// conn is the open socket; nil while stopped.
	conn  netio.PacketConn
	local netip.AddrPort

	// gen increments on every Start so that datagrams read by the reader
	// of an earlier socket are discarded.
	gen  uint64
	done chan struct{}

	logger *slog.Logger
}

// ServiceOption configures optional Service parameters.
type ServiceOption func(*Service)

// WithListenFunc sets the transport constructor. The default opens a UDP
// socket.
func WithListenFunc(fn netio.ListenFunc) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.listen = fn
		}
	}
}

// WithSecurityContext enables OSCORE on the Service.
func WithSecurityContext(sc SecurityContext) ServiceOption {
	return func(s *Service) {
		s.security = sc
	}
}

// WithPendingTracker replaces the retransmission store.
func WithPendingTracker(p PendingTracker) ServiceOption {
	return func(s *Service) {
		if p != nil {
			s.pending = p
		}
	}
}

// WithObserverStore replaces the observer registry.
func WithObserverStore(o ObserverStore) ServiceOption {
	return func(s *Service) {
		if o != nil {
			s.observers = o
		}
	}
}

// WithEchoStore replaces the Echo cache.
func WithEchoStore(e EchoStore) ServiceOption {
	return func(s *Service) {
		if e != nil {
			s.echo = e
		}
	}
}

// WithExchangeStore replaces the OSCORE exchange cache.
func WithExchangeStore(e ExchangeStore) ServiceOption {
	return func(s *Service) {
		if e != nil {
			s.exchanges = e
		}
	}
}

// NewService creates a stopped Service serving router.
func NewService(cfg ServiceConfig, router *Router, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if router == nil {
		router = NewRouter()
	}

	s := &Service{
		cfg:    cfg,
		router: router,
		listen: netio.Listen,
		ids:    coap.NewIDGenerator(),
		// One extra byte detects datagrams above the limit.
		pool: netio.NewPacketPool(cfg.MaxMessageSize + 1),
		logger: logger.With(
			slog.String("component", "server.service"),
			slog.String("service", cfg.Name),
		),
	}
	for _, opt := range opts {
		opt(s)
	}

	var errs []error
	if s.pending == nil {
		p, err := NewPendingStore(cfg.PendingCapacity, cfg.Transmission)
		errs = append(errs, err)
		s.pending = p
	}
	if s.observers == nil {
		o, err := NewObserverRegistry(cfg.ObserverCapacity)
		errs = append(errs, err)
		s.observers = o
	}
	if s.echo == nil {
		e, err := NewEchoCache(cfg.EchoCapacity, cfg.Echo.Lifetime)
		errs = append(errs, err)
		s.echo = e
	}
	if s.exchanges == nil {
		e, err := NewExchangeCache(cfg.ExchangeCapacity, cfg.ExchangeLifetime)
		errs = append(errs, err)
		s.exchanges = e
	}
	d, err := newDedupCache(cfg.DedupCapacity, cfg.ExchangeLifetime)
	errs = append(errs, err)
	s.dedup = d

	notified, err := lru.New[dedupKey, message.Token](cfg.ObserverCapacity * notifiedPerObserver)
	errs = append(errs, err)
	s.notified = notified

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("service %s: %w", cfg.Name, err)
	}

	return s, nil
}

// Name returns the Service name.
func (s *Service) Name() string { return s.cfg.Name }

// Config returns the effective configuration, defaults applied.
func (s *Service) Config() ServiceConfig { return s.cfg }

// running reports whether the socket is open.
func (s *Service) running() bool { return s.conn != nil }

// open binds the socket. At most one socket is open at a time.
func (s *Service) open(ctx context.Context) error {
	if s.conn != nil {
		return fmt.Errorf("service %s: %w", s.cfg.Name, ErrServiceRunning)
	}

	conn, err := s.listen(ctx, s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("service %s: %w", s.cfg.Name, err)
	}

	s.conn = conn
	s.local = conn.LocalAddr()
	s.gen++
	s.done = make(chan struct{})

	s.logger.Info("service started", slog.String("local", s.local.String()))
	return nil
}

// close releases the socket. Store contents stay in place and become
// inert until reused.
func (s *Service) close() error {
	if s.conn == nil {
		return fmt.Errorf("service %s: %w", s.cfg.Name, ErrServiceStopped)
	}

	close(s.done)
	err := s.conn.Close()
	s.conn = nil

	s.logger.Info("service stopped", slog.String("local", s.local.String()))

	if err != nil {
		return fmt.Errorf("service %s: close: %w", s.cfg.Name, err)
	}
	return nil
}

// write sends one datagram on the open socket.
func (s *Service) write(data []byte, dst netip.AddrPort) error {
	if s.conn == nil {
		return ErrServiceStopped
	}
	return s.conn.WritePacket(data, dst)
}
