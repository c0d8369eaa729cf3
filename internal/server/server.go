package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand/v2"
	"net/netip"
	"sync"
	"time"

	"github.com/dantte-lp/gocoap/internal/netio"
)

// -------------------------------------------------------------------------
// Server — single-writer dispatch loop
// -------------------------------------------------------------------------

const (
	// inboxDepth is the number of received datagrams buffered between the
	// socket readers and the dispatch loop.
	inboxDepth = 256

	// notifyDepth is the number of queued notification requests.
	notifyDepth = 64
)

// inbound is one datagram tagged with its Service and socket generation.
type inbound struct {
	svc   *Service
	gen   uint64
	dgram netio.Datagram
}

// notifyRequest asks the loop to notify the observers of path.
type notifyRequest struct {
	service string
	path    string
}

// Server multiplexes every Service socket into one dispatch goroutine.
//
// A single mutex guards the Service table, the four stores of every
// Service and the opening and closing of sockets. StartService,
// StopService and Notify may be called from any goroutine; they signal the
// wake channel so the loop recomputes its retransmission timeout.
type Server struct {
	mu       sync.Mutex
	services map[string]*Service
	order    []*Service

	// wake interrupts a blocked loop. It carries no payload; capacity one
	// coalesces signals.
	wake     chan struct{}
	inbox    chan inbound
	notifyCh chan notifyRequest

	// readers tracks the socket reader goroutines.
	readers sync.WaitGroup

	closeOnce sync.Once

	metrics MetricsReporter
	nonces  io.Reader
	jitter  *mrand.Rand
	now     func() time.Time

	logger *slog.Logger
}

// Option configures optional Server parameters.
type Option func(*Server)

// WithMetrics sets the MetricsReporter. If mr is nil, a no-op reporter is
// used.
func WithMetrics(mr MetricsReporter) Option {
	return func(s *Server) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// WithNonceSource sets the reader Echo nonces are drawn from. The default
// is crypto/rand.
func WithNonceSource(r io.Reader) Option {
	return func(s *Server) {
		if r != nil {
			s.nonces = r
		}
	}
}

// WithJitterSource sets the random source of the initial retransmission
// timeout. The default is the global math/rand/v2 source.
func WithJitterSource(r *mrand.Rand) Option {
	return func(s *Server) {
		s.jitter = r
	}
}

// New creates a Server with no Services.
func New(logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		services: make(map[string]*Service),
		wake:     make(chan struct{}, 1),
		inbox:    make(chan inbound, inboxDepth),
		notifyCh: make(chan notifyRequest, notifyDepth),
		metrics:  noopMetrics{},
		nonces:   rand.Reader,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "server.loop")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -------------------------------------------------------------------------
// Service Lifecycle
// -------------------------------------------------------------------------

// AddService registers a stopped Service.
func (s *Server) AddService(svc *Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.services[svc.Name()]; ok {
		return fmt.Errorf("add service %s: %w", svc.Name(), ErrServiceExists)
	}
	s.services[svc.Name()] = svc
	s.order = append(s.order, svc)
	return nil
}

// Services returns the registered Service names in registration order.
func (s *Server) Services() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.order))
	for _, svc := range s.order {
		names = append(names, svc.Name())
	}
	return names
}

// StartService opens the socket of a registered Service and starts its
// reader.
func (s *Server) StartService(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.services[name]
	if !ok {
		return fmt.Errorf("start service %s: %w", name, ErrServiceNotFound)
	}
	if err := svc.open(ctx); err != nil {
		return err
	}

	s.readers.Add(1)
	go s.readLoop(svc, svc.conn, svc.pool, svc.gen, svc.done)

	s.signal()
	return nil
}

// StopService closes the socket of a running Service. Its stores are not
// flushed.
func (s *Server) StopService(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.services[name]
	if !ok {
		return fmt.Errorf("stop service %s: %w", name, ErrServiceNotFound)
	}
	if err := svc.close(); err != nil {
		return err
	}

	s.signal()
	return nil
}

// Running reports whether the named Service has an open socket.
func (s *Server) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.services[name]
	return ok && svc.running()
}

// LocalAddr returns the bound address of a running Service, including the
// ephemeral port chosen for port 0.
func (s *Server) LocalAddr(name string) (netip.AddrPort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, ok := s.services[name]
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("service %s: %w", name, ErrServiceNotFound)
	}
	if !svc.running() {
		return netip.AddrPort{}, fmt.Errorf("service %s: %w", name, ErrServiceStopped)
	}
	return svc.local, nil
}

// Notify queues a notification of the observers of path on the named
// Service. It never blocks and is safe to call from resource handlers.
func (s *Server) Notify(service, path string) error {
	select {
	case s.notifyCh <- notifyRequest{service: service, path: cleanPath(path)}:
		s.signal()
		return nil
	default:
		return fmt.Errorf("notify %s /%s: %w", service, path, ErrNotifyQueueFull)
	}
}

// Close stops every running Service and waits for the socket readers to
// exit. Safe to call more than once.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		var errs []error
		for _, svc := range s.order {
			if !svc.running() {
				continue
			}
			if cErr := svc.close(); cErr != nil {
				errs = append(errs, cErr)
			}
		}
		s.mu.Unlock()

		s.readers.Wait()
		err = errors.Join(errs...)
	})
	return err
}

// signal wakes the loop without blocking.
func (s *Server) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// readLoop feeds the datagrams of one socket generation into the inbox.
func (s *Server) readLoop(svc *Service, conn netio.PacketConn, pool *netio.PacketPool, gen uint64, done <-chan struct{}) {
	defer s.readers.Done()

	r := netio.NewReceiver(conn, pool, svc.logger)
	r.Run(context.Background(), func(d netio.Datagram) bool {
		select {
		case s.inbox <- inbound{svc: svc, gen: gen, dgram: d}:
			return true
		case <-done:
			d.Release()
			return false
		}
	})
}

// -------------------------------------------------------------------------
// Dispatch Loop
// -------------------------------------------------------------------------

// Run drives all protocol logic until ctx is cancelled, then closes every
// Service. Exactly one goroutine may call Run.
//
// Each iteration blocks until a datagram arrives, the wake channel fires,
// or the soonest retransmission deadline passes. Queued datagrams are
// processed in arrival order before the retransmission sweep, so an entry
// acknowledged in this iteration is never retransmitted.
func (s *Server) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var timeout <-chan time.Time
		if d, ok := s.untilDeadline(); ok {
			timer.Reset(d)
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			return s.Close()
		case <-s.wake:
		case <-timeout:
		case in := <-s.inbox:
			s.mu.Lock()
			s.process(in)
			s.drainInbox()
			s.mu.Unlock()
		}

		s.mu.Lock()
		s.drainNotifications()
		s.sweep(s.now())
		s.mu.Unlock()
	}
}

// untilDeadline returns the time until the soonest pending deadline of any
// running Service.
func (s *Server) untilDeadline() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		next  time.Time
		found bool
	)
	for _, svc := range s.order {
		if !svc.running() {
			continue
		}
		if d, ok := svc.pending.NextDeadline(); ok && (!found || d.Before(next)) {
			next, found = d, true
		}
	}
	if !found {
		return 0, false
	}
	return max(next.Sub(s.now()), 0), true
}

// drainInbox processes the datagrams queued right now, bounded by the
// inbox depth so the sweep is never starved.
func (s *Server) drainInbox() {
	for range inboxDepth {
		select {
		case in := <-s.inbox:
			s.process(in)
		default:
			return
		}
	}
}

func (s *Server) drainNotifications() {
	for {
		select {
		case n := <-s.notifyCh:
			if _, err := s.notify(n.service, n.path); err != nil {
				s.logger.Debug("notification skipped",
					slog.String("service", n.service),
					slog.String("path", n.path),
					slog.String("error", err.Error()),
				)
			}
		default:
			return
		}
	}
}

// process runs the per-datagram pipeline for one inbox entry.
func (s *Server) process(in inbound) {
	defer in.dgram.Release()

	if !in.svc.running() || in.gen != in.svc.gen {
		s.metrics.IncDropped(in.svc.Name(), DropStale)
		return
	}
	s.handleDatagram(in.svc, in.dgram.Data, in.dgram.Meta.Src)
}

// sweep retransmits due Confirmable messages and expires exhausted ones on
// every running Service. Entries left over from an earlier socket are
// dropped first without being sent; their observers stay registered.
func (s *Server) sweep(now time.Time) {
	for _, svc := range s.order {
		if !svc.running() {
			continue
		}

		for _, e := range svc.pending.Expire(svc.gen) {
			s.metrics.IncDropped(svc.Name(), DropStale)
			svc.logger.Debug("stale retransmission dropped",
				slog.String("peer", e.Addr.String()),
				slog.Int("mid", int(e.MessageID)),
			)
		}

		resend, expired := svc.pending.Due(now)
		for _, e := range resend {
			if err := svc.write(e.Data, e.Addr); err != nil {
				svc.logger.Warn("retransmit failed",
					slog.String("peer", e.Addr.String()),
					slog.String("error", err.Error()),
				)
			}
			s.metrics.IncRetransmissions(svc.Name())
		}

		for _, e := range expired {
			s.metrics.IncRetransmitExhausted(svc.Name())
			svc.logger.Debug("retransmission exhausted",
				slog.String("peer", e.Addr.String()),
				slog.Int("mid", int(e.MessageID)),
				slog.Int("attempts", e.Attempts),
			)
			if e.Observer {
				s.removeObserver(svc, e.Addr, e.Token)
			}
		}
	}
}
