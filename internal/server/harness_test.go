package server_test

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/dantte-lp/gocoap/internal/coap"
	"github.com/dantte-lp/gocoap/internal/netio"
	"github.com/dantte-lp/gocoap/internal/oscore"
	"github.com/dantte-lp/gocoap/internal/server"
)

// -------------------------------------------------------------------------
// fakeConn — scripted PacketConn
// -------------------------------------------------------------------------

type inject struct {
	data []byte
	src  netip.AddrPort
}

// sentPacket is one datagram written by the server.
type sentPacket struct {
	Data []byte
	Dst  netip.AddrPort
}

// fakeConn serves reads from a channel and records writes.
type fakeConn struct {
	local netip.AddrPort
	reads chan inject
	done  chan struct{}

	mu       sync.Mutex
	closed   bool
	sent     []sentPacket
	writeErr error
}

func newFakeConn(local netip.AddrPort) *fakeConn {
	return &fakeConn{
		local: local,
		reads: make(chan inject, 16),
		done:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadPacket(buf []byte) (int, netio.PacketMeta, error) {
	select {
	case in := <-c.reads:
		return copy(buf, in.data), netio.PacketMeta{Src: in.src, Dst: c.local.Addr()}, nil
	case <-c.done:
		return 0, netio.PacketMeta{}, netio.ErrSocketClosed
	}
}

func (c *fakeConn) WritePacket(buf []byte, dst netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return netio.ErrSocketClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.sent = append(c.sent, sentPacket{Data: append([]byte(nil), buf...), Dst: dst})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeConn) LocalAddr() netip.AddrPort { return c.local }

// take returns and forgets the datagrams written so far.
func (c *fakeConn) take() []sentPacket {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.sent
	c.sent = nil
	return out
}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// fakeNetwork is a ListenFunc handing out fakeConns. Port 0 binds an
// ephemeral port starting at 40000.
type fakeNetwork struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (n *fakeNetwork) listen(_ context.Context, laddr netip.AddrPort) (netio.PacketConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if laddr.Port() == 0 {
		laddr = netip.AddrPortFrom(laddr.Addr(), uint16(40000+len(n.conns)))
	}
	c := newFakeConn(laddr)
	n.conns = append(n.conns, c)
	return c, nil
}

func (n *fakeNetwork) current() *fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.conns[len(n.conns)-1]
}

// -------------------------------------------------------------------------
// recordingMetrics — MetricsReporter double
// -------------------------------------------------------------------------

type recordingMetrics struct {
	mu sync.Mutex

	received       int
	sent           int
	dropped        map[string]int
	retransmits    int
	exhausted      int
	observers      int
	echoChallenges int
	oscoreFailures map[codes.Code]int
	responses      map[codes.Code]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		dropped:        make(map[string]int),
		oscoreFailures: make(map[codes.Code]int),
		responses:      make(map[codes.Code]int),
	}
}

func (m *recordingMetrics) IncMessagesReceived(string, message.Type) {
	m.mu.Lock()
	m.received++
	m.mu.Unlock()
}

func (m *recordingMetrics) IncMessagesSent(string, message.Type) {
	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
}

func (m *recordingMetrics) IncDropped(_, reason string) {
	m.mu.Lock()
	m.dropped[reason]++
	m.mu.Unlock()
}

func (m *recordingMetrics) IncRetransmissions(string) {
	m.mu.Lock()
	m.retransmits++
	m.mu.Unlock()
}

func (m *recordingMetrics) IncRetransmitExhausted(string) {
	m.mu.Lock()
	m.exhausted++
	m.mu.Unlock()
}

func (m *recordingMetrics) SetObservers(_ string, n int) {
	m.mu.Lock()
	m.observers = n
	m.mu.Unlock()
}

func (m *recordingMetrics) IncEchoChallenges(string) {
	m.mu.Lock()
	m.echoChallenges++
	m.mu.Unlock()
}

func (m *recordingMetrics) IncOSCOREFailures(_ string, code codes.Code) {
	m.mu.Lock()
	m.oscoreFailures[code]++
	m.mu.Unlock()
}

func (m *recordingMetrics) IncResponses(_ string, code codes.Code) {
	m.mu.Lock()
	m.responses[code]++
	m.mu.Unlock()
}

func (m *recordingMetrics) droppedFor(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

func (m *recordingMetrics) observerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observers
}

func (m *recordingMetrics) counts() (retransmits, exhausted, echo int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retransmits, m.exhausted, m.echoChallenges
}

// -------------------------------------------------------------------------
// Security and store wrappers
// -------------------------------------------------------------------------

var errProtect = errors.New("protect failed")

// securitySpy wraps a SecurityContext, counting Verify calls and
// optionally failing Protect.
type securitySpy struct {
	inner server.SecurityContext

	mu          sync.Mutex
	verifies    int
	failProtect bool
}

func (p *securitySpy) Verify(protected []byte) ([]byte, oscore.Binding, codes.Code, error) {
	p.mu.Lock()
	p.verifies++
	p.mu.Unlock()
	return p.inner.Verify(protected)
}

func (p *securitySpy) Protect(plain []byte, b oscore.Binding, notification bool) ([]byte, error) {
	p.mu.Lock()
	fail := p.failProtect
	p.mu.Unlock()
	if fail {
		return nil, errProtect
	}
	return p.inner.Protect(plain, b, notification)
}

func (p *securitySpy) verifyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verifies
}

// lockedExchanges makes an ExchangeCache readable from the test goroutine.
type lockedExchanges struct {
	mu    sync.Mutex
	cache *server.ExchangeCache
}

func (l *lockedExchanges) Put(e server.Exchange, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Put(e, now)
}

func (l *lockedExchanges) Get(addr netip.AddrPort, token message.Token, now time.Time) (server.Exchange, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Get(addr, token, now)
}

func (l *lockedExchanges) Remove(addr netip.AddrPort, token message.Token) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Remove(addr, token)
}

func (l *lockedExchanges) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Len()
}

// nonceFill is a deterministic Echo nonce source.
type nonceFill struct{}

func (nonceFill) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0xEC
	}
	return len(p), nil
}

// oscorePair returns matching client and server security contexts.
func oscorePair(t *testing.T) (client, srv *oscore.Context) {
	t.Helper()

	secret := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	salt := []byte{0x9e, 0x7c, 0xa9, 0x22, 0x23, 0x78, 0x63, 0x40}

	var err error
	client, err = oscore.NewContext(oscore.Config{
		MasterSecret: secret, MasterSalt: salt,
		SenderID: []byte{}, RecipientID: []byte{0x01},
		Algorithm: oscore.AlgAESCCM16_64_128,
	})
	if err != nil {
		t.Fatalf("client context: %v", err)
	}
	srv, err = oscore.NewContext(oscore.Config{
		MasterSecret: secret, MasterSalt: salt,
		SenderID: []byte{0x01}, RecipientID: []byte{},
		Algorithm: oscore.AlgAESCCM16_64_128,
	})
	if err != nil {
		t.Fatalf("server context: %v", err)
	}
	return client, srv
}

// -------------------------------------------------------------------------
// harness — one Server with one Service inside a synctest bubble
// -------------------------------------------------------------------------

const serviceName = "coap"

var clientAddr = netip.MustParseAddrPort("198.51.100.7:50000")

type harness struct {
	t       *testing.T
	srv     *server.Server
	net     *fakeNetwork
	metrics *recordingMetrics
	cancel  context.CancelFunc
	errc    chan error
}

// baseConfig returns a Service configuration with deterministic
// retransmission timeouts: 2s, 4s, 8s and 16s backoff, 4 retransmissions.
func baseConfig() server.ServiceConfig {
	return server.ServiceConfig{
		Name:         serviceName,
		Addr:         netip.MustParseAddrPort("127.0.0.1:0"),
		Transmission: fixedParams(),
	}
}

// startHarness must be called inside synctest.Test.
func startHarness(t *testing.T, cfg server.ServiceConfig, router *server.Router, opts ...server.ServiceOption) *harness {
	t.Helper()

	h := &harness{
		t:       t,
		net:     &fakeNetwork{},
		metrics: newRecordingMetrics(),
		errc:    make(chan error, 1),
	}
	logger := slog.New(slog.DiscardHandler)
	h.srv = server.New(logger,
		server.WithMetrics(h.metrics),
		server.WithNonceSource(nonceFill{}),
	)

	opts = append(opts, server.WithListenFunc(h.net.listen))
	svc, err := server.NewService(cfg, router, logger, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := h.srv.AddService(svc); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	if err := h.srv.StartService(context.Background(), cfg.Name); err != nil {
		t.Fatalf("StartService: %v", err)
	}

	var ctx context.Context
	ctx, h.cancel = context.WithCancel(context.Background())
	go func() { h.errc <- h.srv.Run(ctx) }()

	synctest.Wait()
	return h
}

// stop cancels Run and waits for it to return.
func (h *harness) stop() {
	h.cancel()
	if err := <-h.errc; err != nil {
		h.t.Errorf("Run: %v", err)
	}
}

// sendRaw injects a datagram from src and waits for the loop to settle.
func (h *harness) sendRaw(src netip.AddrPort, data []byte) {
	h.t.Helper()
	h.net.current().reads <- inject{data: data, src: src}
	synctest.Wait()
}

// send injects m from the client address.
func (h *harness) send(m *coap.Message) {
	h.t.Helper()
	data, err := m.Marshal()
	if err != nil {
		h.t.Fatalf("marshal request: %v", err)
	}
	h.sendRaw(clientAddr, data)
}

// notify queues a notification and waits for it to be sent.
func (h *harness) notify(path string) {
	h.t.Helper()
	if err := h.srv.Notify(serviceName, path); err != nil {
		h.t.Fatalf("Notify: %v", err)
	}
	synctest.Wait()
}

// replies returns the decoded datagrams written since the last call.
func (h *harness) replies() []*coap.Message {
	h.t.Helper()
	var out []*coap.Message
	for _, p := range h.net.current().take() {
		m, err := coap.Parse(p.Data)
		if err != nil {
			h.t.Fatalf("server wrote unparsable datagram %x: %v", p.Data, err)
		}
		out = append(out, m)
	}
	return out
}

// reply returns the single datagram written since the last call.
func (h *harness) reply() *coap.Message {
	h.t.Helper()
	rs := h.replies()
	if len(rs) != 1 {
		h.t.Fatalf("server wrote %d datagrams, want 1", len(rs))
	}
	return rs[0]
}

// expectSilence fails if anything was written since the last call.
func (h *harness) expectSilence() {
	h.t.Helper()
	if rs := h.replies(); len(rs) != 0 {
		h.t.Fatalf("server wrote %d datagrams, want none: first %s", len(rs), rs[0])
	}
}

// -------------------------------------------------------------------------
// Request builders and resources
// -------------------------------------------------------------------------

func request(typ message.Type, code codes.Code, mid uint16, path string) *coap.Message {
	m := &coap.Message{
		Type:      typ,
		Code:      code,
		MessageID: mid,
		Token:     message.Token{0x7a, byte(mid)},
	}
	m.SetPath(path)
	return m
}

func observeRequest(mid uint16, token message.Token, path string) *coap.Message {
	m := &coap.Message{
		Type:      message.Confirmable,
		Code:      codes.GET,
		MessageID: mid,
		Token:     token,
	}
	m.SetPath(path)
	m.SetUint(message.Observe, coap.ObserveRegister)
	return m
}

// counter is a resource handler that counts invocations and echoes a
// fixed payload.
type counter struct {
	mu      sync.Mutex
	calls   int
	payload string
	err     error
}

func (c *counter) ServeCoAP(req *server.Request) (*server.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if req.Message.Code != codes.GET {
		return nil, nil
	}
	return server.Content(message.TextPlain, []byte(c.payload)), nil
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *counter) set(payload string) {
	c.mu.Lock()
	c.payload = payload
	c.mu.Unlock()
}

func (c *counter) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func mustRouter(t *testing.T, resources ...server.Resource) *server.Router {
	t.Helper()
	r := server.NewRouter()
	for _, res := range resources {
		if err := r.Handle(res); err != nil {
			t.Fatalf("Handle(%s): %v", res.Path, err)
		}
	}
	return r
}

func observeValue(t *testing.T, m *coap.Message) uint32 {
	t.Helper()
	v, err := m.Uint(message.Observe)
	if err != nil {
		t.Fatalf("Observe option: %v", err)
	}
	return v
}
