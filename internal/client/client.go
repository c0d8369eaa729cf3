// Package client implements the CoAP client used by gocoapctl on top of the
// go-coap UDP and DTLS connections (RFC 7252): Confirmable retransmission,
// piggy-backed and separate responses, Echo challenge retry (RFC 9175
// Section 2.3), Observe (RFC 7641) and optional OSCORE protection
// (RFC 8613).
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/dtls/v3"
	coapdtls "github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/net/responsewriter"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/pkg/runner/periodic"
	"github.com/plgd-dev/go-coap/v3/udp"
	udpClient "github.com/plgd-dev/go-coap/v3/udp/client"

	"github.com/dantte-lp/gocoap/internal/coap"
	"github.com/dantte-lp/gocoap/internal/oscore"
)

const (
	// tokenSize is the length of generated tokens.
	tokenSize = 4

	// defaultMaxMessageSize is the largest datagram accepted.
	defaultMaxMessageSize = 1152

	// minTick bounds how often retransmissions are checked.
	minTick = 10 * time.Millisecond
)

// Sentinel errors for client exchanges.
var (
	// ErrTimeout indicates a Confirmable request was not acknowledged
	// within MAX_TRANSMIT_WAIT, or no response arrived within
	// EXCHANGE_LIFETIME after the request (NON) or its Empty ACK (CON).
	ErrTimeout = errors.New("coap request timed out")

	// ErrReset indicates the server rejected the request with RST.
	ErrReset = errors.New("coap request reset by peer")

	// ErrClosed indicates the client connection is closed.
	ErrClosed = errors.New("coap client closed")

	// ErrNotObserved indicates the server answered an Observe registration
	// without the Observe option.
	ErrNotObserved = errors.New("coap resource not observed")
)

// Option configures a Client.
type Option func(*Client)

// WithTransmissionParams overrides the RFC 7252 defaults.
func WithTransmissionParams(p coap.TransmissionParams) Option {
	return func(c *Client) {
		c.params = p
	}
}

// WithSecurityContext protects every request with OSCORE.
func WithSecurityContext(sc *oscore.Context) Option {
	return func(c *Client) {
		c.security = sc
	}
}

// WithMaxMessageSize sets the largest accepted datagram.
func WithMaxMessageSize(n int) Option {
	return func(c *Client) {
		if n > coap.HeaderSize {
			c.maxSize = uint32(n)
		}
	}
}

// exchange is one request awaiting its response.
type exchange struct {
	token  string
	cancel context.CancelCauseFunc
	timer  *time.Timer
}

// Client exchanges CoAP messages with one server over a go-coap
// connection.
type Client struct {
	conn     *udpClient.Conn
	params   coap.TransmissionParams
	security *oscore.Context
	maxSize  uint32
	logger   *slog.Logger

	stop      chan struct{}
	closeOnce sync.Once

	// mu guards the exchange and observer tables, which are read from the
	// connection's receive path.
	mu        sync.Mutex
	exchanges map[int32]*exchange
	observers map[string]chan *coap.Message
}

func newClient(logger *slog.Logger, opts []Option) *Client {
	c := &Client{
		params:    coap.DefaultTransmissionParams(),
		maxSize:   defaultMaxMessageSize,
		logger:    logger.With(slog.String("component", "client")),
		stop:      make(chan struct{}),
		exchanges: make(map[int32]*exchange),
		observers: make(map[string]chan *coap.Message),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to a CoAP server at addr ("host:port").
func Dial(ctx context.Context, addr string, logger *slog.Logger, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	uc, ok := conn.(*net.UDPConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("dial %s: unsupported connection type %T", addr, conn)
	}

	return New(uc, logger, opts...), nil
}

// New runs a client over a connected UDP socket. Close closes the socket.
func New(conn *net.UDPConn, logger *slog.Logger, opts ...Option) *Client {
	c := newClient(logger, opts)
	c.conn = udp.Client(conn, c.connOptions()...)
	return c
}

// NewDTLS runs a client over an established DTLS session (coaps, RFC 7252
// Section 9.1). Close closes the session.
func NewDTLS(conn *dtls.Conn, logger *slog.Logger, opts ...Option) *Client {
	c := newClient(logger, opts)
	c.conn = coapdtls.Client(conn, c.connOptions()...)
	return c
}

func (c *Client) connOptions() []udp.Option {
	tick := max(c.params.AckTimeout/4, minTick)

	return []udp.Option{
		options.WithTransmission(1, c.params.AckTimeout, uint32(c.params.MaxRetransmit)),
		options.WithMaxMessageSize(c.maxSize),
		options.WithPeriodicRunner(periodic.New(c.stop, tick)),
		options.WithErrors(c.reportError),
		options.WithHandlerFunc(udpClient.HandlerFunc(c.handle)),
		options.WithCloseSocket(),
		requestMonitor(c.monitor),
	}
}

// requestMonitor installs a hook that sees every received message before
// go-coap dispatches it.
type requestMonitor udpClient.RequestMonitorFunc

func (m requestMonitor) UDPClientApply(cfg *udpClient.Config) {
	cfg.RequestMonitor = udpClient.RequestMonitorFunc(m)
}

// Close closes the connection and waits for its receive loop to exit.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		<-c.conn.Done()
		close(c.stop)
	})
	return err
}

func (c *Client) reportError(err error) {
	c.logger.Debug("coap connection error", slog.String("error", err.Error()))
}

// -------------------------------------------------------------------------
// Request/Response — RFC 7252 Section 5.2
// -------------------------------------------------------------------------

// Do sends req and returns the response. A zero Type selects CON. The
// Message ID is assigned and an empty Token is replaced with a random
// one. When the server answers 4.01 with an Echo option the request is
// repeated once carrying that value.
func (c *Client) Do(ctx context.Context, req *coap.Message) (*coap.Message, error) {
	resp, _, err := c.doFresh(ctx, req)
	return resp, err
}

// doFresh runs do and answers an Echo challenge once (RFC 9175 Section
// 2.3).
func (c *Client) doFresh(ctx context.Context, req *coap.Message) (*coap.Message, oscore.Binding, error) {
	resp, b, err := c.do(ctx, req)
	if err != nil {
		return nil, b, err
	}

	echo, ok := resp.Option(coap.OptionEcho)
	if !ok || resp.Code != codes.Unauthorized || req.HasOption(coap.OptionEcho) {
		return resp, b, nil
	}

	c.logger.Debug("echo challenge received, retrying", slog.Int("echo_len", len(echo)))
	retry := cloneMessage(req)
	retry.SetOption(coap.OptionEcho, echo)
	return c.do(ctx, retry)
}

// Ping sends an Empty CON and waits for the RST (RFC 7252 Section 4.3).
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeoutCause(ctx, c.params.MaxTransmitWait(), fmt.Errorf("ping: %w", ErrTimeout))
	defer cancel()

	if err := c.conn.Ping(ctx); err != nil {
		return c.exchangeErr(ctx, err)
	}
	return nil
}

// do runs one exchange, protecting and verifying with OSCORE if set.
func (c *Client) do(ctx context.Context, req *coap.Message) (*coap.Message, oscore.Binding, error) {
	m := cloneMessage(req)
	if m.Type != message.NonConfirmable {
		m.Type = message.Confirmable
	}
	if len(m.Token) == 0 {
		tok, err := coap.NewToken(tokenSize)
		if err != nil {
			return nil, oscore.Binding{}, err
		}
		m.Token = tok
		req.Token = tok
	}

	if c.security == nil {
		resp, err := c.exchange(ctx, m)
		return resp, oscore.Binding{}, err
	}

	outer, binding, err := c.security.ProtectRequest(m)
	if err != nil {
		return nil, binding, fmt.Errorf("protect request: %w", err)
	}
	resp, err := c.exchange(ctx, outer)
	if err != nil {
		return nil, binding, err
	}
	resp, err = c.unprotect(resp, binding)
	return resp, binding, err
}

func (c *Client) unprotect(resp *coap.Message, b oscore.Binding) (*coap.Message, error) {
	if !resp.HasOption(coap.OptionOSCORE) {
		// Unprotected error responses of RFC 8613 Section 8.2.
		return resp, nil
	}
	inner, err := c.security.VerifyResponse(resp, b)
	if err != nil {
		return nil, fmt.Errorf("verify response: %w", err)
	}
	return inner, nil
}

// exchange transmits m through go-coap, which retransmits a CON until it
// is acknowledged and matches the response by token. The exchange gives
// up after MAX_TRANSMIT_WAIT without an ACK, or EXCHANGE_LIFETIME after
// the Empty ACK of a separate response (RFC 7252 Section 5.2.2).
func (c *Client) exchange(ctx context.Context, m *coap.Message) (*coap.Message, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	m.MessageID = uint16(c.conn.GetMessageID())
	mid := int32(m.MessageID)

	wait := c.params.ExchangeLifetime()
	if m.Type == message.Confirmable {
		wait = c.params.MaxTransmitWait()
	}

	ex := &exchange{token: string(m.Token), cancel: cancel}
	ex.timer = time.AfterFunc(wait, func() {
		cancel(fmt.Errorf("message %d: %w", mid, ErrTimeout))
	})
	defer ex.timer.Stop()

	c.track(mid, ex)
	defer c.untrack(mid)

	req := c.conn.AcquireMessage(ctx)
	defer c.conn.ReleaseMessage(req)
	toPool(req, m)

	resp, err := c.conn.Do(req)
	if err != nil {
		return nil, c.exchangeErr(ctx, err)
	}
	defer c.conn.ReleaseMessage(resp)

	return fromPool(resp)
}

func (c *Client) exchangeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if c.conn.Context().Err() != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

func (c *Client) track(mid int32, ex *exchange) {
	c.mu.Lock()
	c.exchanges[mid] = ex
	c.mu.Unlock()
}

func (c *Client) untrack(mid int32) {
	c.mu.Lock()
	delete(c.exchanges, mid)
	c.mu.Unlock()
}

// -------------------------------------------------------------------------
// Receive Path
// -------------------------------------------------------------------------

// monitor runs for every received message ahead of go-coap's dispatch.
// It ends an exchange on RST, extends it on an Empty ACK, and rejects a
// Confirmable response that matches no exchange or observation (RFC 7252
// Section 4.2).
func (c *Client) monitor(cc *udpClient.Conn, m *pool.Message) (bool, error) {
	mid := m.MessageID()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch m.Type() {
	case message.Reset:
		if ex, ok := c.exchanges[mid]; ok {
			ex.cancel(fmt.Errorf("message %d: %w", mid, ErrReset))
			return true, nil
		}

	case message.Acknowledgement:
		if ex, ok := c.exchanges[mid]; ok && m.Code() == codes.Empty {
			ex.timer.Reset(c.params.ExchangeLifetime())
		}

	case message.Confirmable:
		if isResponse(m.Code()) && !c.expectsLocked(string(m.Token())) {
			c.reject(cc, mid)
			return true, nil
		}
	}

	return false, nil
}

// expectsLocked reports whether token belongs to an exchange or an
// observation. Caller holds c.mu.
func (c *Client) expectsLocked(token string) bool {
	if _, ok := c.observers[token]; ok {
		return true
	}
	for _, ex := range c.exchanges {
		if ex.token == token {
			return true
		}
	}
	return false
}

func (c *Client) reject(cc *udpClient.Conn, mid int32) {
	rst := cc.AcquireMessage(cc.Context())
	defer cc.ReleaseMessage(rst)

	rst.SetType(message.Reset)
	rst.SetCode(codes.Empty)
	rst.SetMessageID(mid)

	if err := cc.Session().WriteMessage(rst); err != nil {
		c.logger.Debug("reset not sent", slog.String("error", err.Error()))
	}
}

// handle receives the messages no pending exchange claimed. Notifications
// are delivered to their observation; go-coap acknowledges a Confirmable
// one after handle returns.
func (c *Client) handle(_ *responsewriter.ResponseWriter[*udpClient.Conn], r *pool.Message) {
	if !isResponse(r.Code()) {
		return
	}

	c.mu.Lock()
	ch, ok := c.observers[string(r.Token())]
	c.mu.Unlock()
	if !ok {
		return
	}

	n, err := fromPool(r)
	if err != nil {
		c.logger.Debug("notification dropped", slog.String("error", err.Error()))
		return
	}

	select {
	case ch <- n:
	default:
		c.logger.Debug("notification dropped, observer busy", slog.Int("mid", int(n.MessageID)))
	}
}

// -------------------------------------------------------------------------
// Conversion
// -------------------------------------------------------------------------

func toPool(dst *pool.Message, m *coap.Message) {
	dst.SetType(m.Type)
	dst.SetMessageID(int32(m.MessageID))
	dst.SetCode(m.Code)
	dst.SetToken(m.Token)
	dst.ResetOptionsTo(m.Options)
	if len(m.Payload) > 0 {
		dst.SetBody(bytes.NewReader(m.Payload))
	}
}

// fromPool copies r out of the go-coap message pool.
func fromPool(r *pool.Message) (*coap.Message, error) {
	opts, err := r.Options().Clone()
	if err != nil {
		return nil, fmt.Errorf("copy options: %w", err)
	}
	if len(opts) == 0 {
		opts = nil
	}

	payload, err := r.ReadBody()
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	return &coap.Message{
		Type:      r.Type(),
		Code:      r.Code(),
		MessageID: uint16(r.MessageID()),
		Token:     r.Token(),
		Options:   opts,
		Payload:   payload,
	}, nil
}

func isResponse(c codes.Code) bool {
	return coap.CodeClass(c) >= 2
}

func cloneMessage(m *coap.Message) *coap.Message {
	out := *m
	out.Options = append(message.Options(nil), m.Options...)
	return &out
}
