package client_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/dantte-lp/gocoap/internal/client"
	"github.com/dantte-lp/gocoap/internal/coap"
	"github.com/dantte-lp/gocoap/internal/oscore"
)

// slowParams keeps retransmissions out of tests that answer promptly.
func slowParams() coap.TransmissionParams {
	return coap.TransmissionParams{
		AckTimeout:       2 * time.Second,
		AckRandomPercent: 100,
		BackoffPercent:   200,
		MaxRetransmit:    4,
	}
}

// fastParams gives up after MAX_TRANSMIT_WAIT = 20+40+80 ms.
func fastParams() coap.TransmissionParams {
	return coap.TransmissionParams{
		AckTimeout:       20 * time.Millisecond,
		AckRandomPercent: 100,
		BackoffPercent:   200,
		MaxRetransmit:    2,
	}
}

// peer is a UDP socket on loopback standing in for the server, driven by
// the test goroutine.
type peer struct {
	t    *testing.T
	conn *net.UDPConn
	addr *net.UDPAddr
}

func (p *peer) read() *coap.Message {
	p.t.Helper()
	raw := p.readRaw()
	m, err := coap.Parse(raw)
	if err != nil {
		p.t.Fatalf("peer parse %x: %v", raw, err)
	}
	return m
}

func (p *peer) readRaw() []byte {
	p.t.Helper()
	if err := p.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		p.t.Fatalf("peer deadline: %v", err)
	}
	buf := make([]byte, 1500)
	n, addr, err := p.conn.ReadFromUDP(buf)
	if err != nil {
		p.t.Fatalf("peer read: %v", err)
	}
	p.addr = addr
	return buf[:n]
}

func (p *peer) write(m *coap.Message) {
	p.t.Helper()
	data, err := m.Marshal()
	if err != nil {
		p.t.Fatalf("peer marshal: %v", err)
	}
	p.writeRaw(data)
}

func (p *peer) writeRaw(data []byte) {
	p.t.Helper()
	if _, err := p.conn.WriteToUDP(data, p.addr); err != nil {
		p.t.Fatalf("peer write: %v", err)
	}
}

func ack(req *coap.Message, code codes.Code, payload string) *coap.Message {
	return &coap.Message{
		Type:      message.Acknowledgement,
		Code:      code,
		MessageID: req.MessageID,
		Token:     req.Token,
		Payload:   []byte(payload),
	}
}

type result struct {
	resp *coap.Message
	err  error
}

// setup returns a client connected to a loopback peer.
func setup(t *testing.T, opts ...client.Option) (*client.Client, *peer) {
	t.Helper()

	pconn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("peer listen: %v", err)
	}
	cconn, err := net.DialUDP("udp", nil, pconn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}

	opts = append([]client.Option{client.WithTransmissionParams(slowParams())}, opts...)
	c := client.New(cconn, slog.New(slog.DiscardHandler), opts...)
	t.Cleanup(func() {
		_ = c.Close()
		_ = pconn.Close()
	})
	return c, &peer{t: t, conn: pconn}
}

func get(path string) *coap.Message {
	m := &coap.Message{Code: codes.GET}
	m.SetPath(path)
	return m
}

func doAsync(ctx context.Context, c *client.Client, req *coap.Message) <-chan result {
	out := make(chan result, 1)
	go func() {
		resp, err := c.Do(ctx, req)
		out <- result{resp, err}
	}()
	return out
}

func await(t *testing.T, res <-chan result) result {
	t.Helper()
	select {
	case r := <-res:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("exchange did not finish")
		return result{}
	}
}

// -------------------------------------------------------------------------
// Request/Response
// -------------------------------------------------------------------------

func TestDoPiggybacked(t *testing.T) {
	t.Parallel()

	c, p := setup(t)
	res := doAsync(t.Context(), c, get("sensor"))

	req := p.read()
	if req.Type != message.Confirmable || req.Path() != "sensor" || len(req.Token) == 0 {
		t.Fatalf("request = %s", req)
	}
	p.write(ack(req, codes.Content, "21.5"))

	r := await(t, res)
	if r.err != nil {
		t.Fatalf("Do: %v", r.err)
	}
	if r.resp.Code != codes.Content || string(r.resp.Payload) != "21.5" {
		t.Errorf("response = %s %q", r.resp, r.resp.Payload)
	}
}

func TestDoNonConfirmable(t *testing.T) {
	t.Parallel()

	c, p := setup(t)
	req := get("sensor")
	req.Type = message.NonConfirmable
	res := doAsync(t.Context(), c, req)

	got := p.read()
	if got.Type != message.NonConfirmable {
		t.Fatalf("request type = %v, want NON", got.Type)
	}
	p.write(&coap.Message{Type: message.NonConfirmable, Code: codes.Content, MessageID: 0x0404, Token: got.Token, Payload: []byte("n")})

	if r := await(t, res); r.err != nil || string(r.resp.Payload) != "n" {
		t.Errorf("Do = %v, %v", r.resp, r.err)
	}
}

func TestDoRetransmits(t *testing.T) {
	t.Parallel()

	c, p := setup(t, client.WithTransmissionParams(fastParams()))
	res := doAsync(t.Context(), c, get("sensor"))

	first := p.read()
	again := p.read()
	if again.MessageID != first.MessageID || !bytes.Equal(again.Token, first.Token) {
		t.Fatalf("retransmission = %s, want mid %d", again, first.MessageID)
	}
	p.write(ack(first, codes.Content, "ok"))

	if r := await(t, res); r.err != nil || r.resp.Code != codes.Content {
		t.Errorf("Do = %v, %v", r.resp, r.err)
	}
}

func TestDoTimeout(t *testing.T) {
	t.Parallel()

	c, p := setup(t, client.WithTransmissionParams(fastParams()))
	res := doAsync(t.Context(), c, get("sensor"))

	_ = p.read()

	if r := await(t, res); !errors.Is(r.err, client.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", r.err)
	}
}

func TestDoSeparateResponse(t *testing.T) {
	t.Parallel()

	c, p := setup(t, client.WithTransmissionParams(fastParams()))
	res := doAsync(t.Context(), c, get("slow"))

	req := p.read()
	p.writeRaw(coap.MarshalEmpty(message.Acknowledgement, req.MessageID))

	// The Empty ACK extends the exchange past MAX_TRANSMIT_WAIT.
	time.Sleep(3 * fastParams().MaxTransmitWait())

	p.write(&coap.Message{
		Type:      message.Confirmable,
		Code:      codes.Content,
		MessageID: 0x7777,
		Token:     req.Token,
		Payload:   []byte("late"),
	})

	ackMsg := p.read()
	if ackMsg.Type != message.Acknowledgement || ackMsg.MessageID != 0x7777 || !ackMsg.IsEmpty() {
		t.Errorf("client answered separate response with %s, want Empty ACK", ackMsg)
	}

	if r := await(t, res); r.err != nil || string(r.resp.Payload) != "late" {
		t.Errorf("Do = %v, %v", r.resp, r.err)
	}
}

func TestDoReset(t *testing.T) {
	t.Parallel()

	c, p := setup(t)
	res := doAsync(t.Context(), c, get("x"))

	req := p.read()
	p.writeRaw(coap.MarshalEmpty(message.Reset, req.MessageID))

	if r := await(t, res); !errors.Is(r.err, client.ErrReset) {
		t.Errorf("err = %v, want ErrReset", r.err)
	}
}

func TestDoEchoRetry(t *testing.T) {
	t.Parallel()

	c, p := setup(t)

	post := &coap.Message{Code: codes.POST, Payload: []byte("on")}
	post.SetPath("actuator")
	res := doAsync(t.Context(), c, post)

	first := p.read()
	nonce := []byte{0xEC, 0xEC, 0xEC, 0xEC}
	challenge := ack(first, codes.Unauthorized, "")
	challenge.SetOption(coap.OptionEcho, nonce)
	p.write(challenge)

	retry := p.read()
	if retry.MessageID == first.MessageID {
		t.Error("retry reused the message ID")
	}
	if got, _ := retry.Option(coap.OptionEcho); !bytes.Equal(got, nonce) {
		t.Errorf("retry echo = %x, want %x", got, nonce)
	}
	if !bytes.Equal(retry.Payload, first.Payload) {
		t.Errorf("retry payload = %q", retry.Payload)
	}
	p.write(ack(retry, codes.Changed, ""))

	if r := await(t, res); r.err != nil || r.resp.Code != codes.Changed {
		t.Errorf("Do = %v, %v", r.resp, r.err)
	}
}

func TestUnrelatedConfirmableRejected(t *testing.T) {
	t.Parallel()

	c, p := setup(t)
	res := doAsync(t.Context(), c, get("x"))

	req := p.read()
	p.write(&coap.Message{Type: message.Confirmable, Code: codes.Content, MessageID: 0x0101, Token: message.Token{0xff}})

	rst := p.read()
	if rst.Type != message.Reset || rst.MessageID != 0x0101 {
		t.Errorf("unrelated CON answered with %s, want RST", rst)
	}

	p.write(ack(req, codes.Content, "ok"))
	if r := await(t, res); r.err != nil {
		t.Errorf("Do: %v", r.err)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()

	c, p := setup(t)
	done := make(chan error, 1)
	go func() { done <- c.Ping(t.Context()) }()

	ping := p.read()
	if ping.Type != message.Confirmable || !ping.IsEmpty() {
		t.Fatalf("ping = %s", ping)
	}
	p.writeRaw(coap.MarshalEmpty(message.Reset, ping.MessageID))

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Ping: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Ping did not return")
	}
}

func TestDoContextCancelled(t *testing.T) {
	t.Parallel()

	c, p := setup(t)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	res := doAsync(ctx, c, get("x"))

	_ = p.read()
	if r := await(t, res); !errors.Is(r.err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", r.err)
	}
}

func TestDoAfterClose(t *testing.T) {
	t.Parallel()

	c, _ := setup(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if r := await(t, doAsync(t.Context(), c, get("x"))); r.err == nil {
		t.Error("Do on a closed client succeeded")
	}
}

// -------------------------------------------------------------------------
// OSCORE
// -------------------------------------------------------------------------

func oscorePair(t *testing.T) (cli, srv *oscore.Context) {
	t.Helper()
	secret := bytes.Repeat([]byte{0x42}, 16)

	var err error
	cli, err = oscore.NewContext(oscore.Config{MasterSecret: secret, SenderID: []byte{}, RecipientID: []byte{0x01}})
	if err != nil {
		t.Fatalf("client context: %v", err)
	}
	srv, err = oscore.NewContext(oscore.Config{MasterSecret: secret, SenderID: []byte{0x01}, RecipientID: []byte{}})
	if err != nil {
		t.Fatalf("server context: %v", err)
	}
	return cli, srv
}

// protectedReply verifies a protected request and answers it with inner
// as the piggy-backed protected response.
func protectedReply(t *testing.T, p *peer, srv *oscore.Context, inner func(req *coap.Message) *coap.Message, notification bool) (*coap.Message, oscore.Binding) {
	t.Helper()

	raw := p.readRaw()
	plain, b, _, err := srv.Verify(raw)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	req, err := coap.Parse(plain)
	if err != nil {
		t.Fatalf("parse inner: %v", err)
	}

	data, err := inner(req).Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := srv.Protect(data, b, notification)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	p.writeRaw(out)
	return req, b
}

func TestDoOSCORE(t *testing.T) {
	t.Parallel()

	cli, srv := oscorePair(t)
	c, p := setup(t, client.WithSecurityContext(cli))
	res := doAsync(t.Context(), c, get("secret"))

	req, _ := protectedReply(t, p, srv, func(req *coap.Message) *coap.Message {
		if req.Path() != "secret" {
			t.Errorf("inner path = %q", req.Path())
		}
		return ack(req, codes.Content, "hidden")
	}, false)
	if req.Code != codes.GET {
		t.Errorf("inner code = %s, want GET", coap.CodeString(req.Code))
	}

	r := await(t, res)
	if r.err != nil {
		t.Fatalf("Do: %v", r.err)
	}
	if r.resp.Code != codes.Content || string(r.resp.Payload) != "hidden" {
		t.Errorf("response = %s %q", r.resp, r.resp.Payload)
	}
}

func TestDoOSCOREUnprotectedError(t *testing.T) {
	t.Parallel()

	cli, _ := oscorePair(t)
	c, p := setup(t, client.WithSecurityContext(cli))
	res := doAsync(t.Context(), c, get("secret"))

	outer := p.read()
	p.write(ack(outer, codes.Unauthorized, "Security context not found"))

	if r := await(t, res); r.err != nil || r.resp.Code != codes.Unauthorized {
		t.Errorf("Do = %v, %v; want unprotected 4.01", r.resp, r.err)
	}
}
