package oscore

import (
	"bytes"
	"crypto/cipher"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/dantte-lp/gocoap/internal/coap"
)

// -------------------------------------------------------------------------
// Option Classes — RFC 8613 Section 4.1
// -------------------------------------------------------------------------

// isClassU reports whether an option is sent unprotected in the outer
// message. Observe belongs to both classes and is handled separately;
// every other option is Class E.
func isClassU(id message.OptionID) bool {
	switch id {
	case message.URIHost, message.URIPort, message.ProxyURI, message.ProxyScheme,
		coap.OptionOSCORE, coap.OptionHopLimit:
		return true
	default:
		return false
	}
}

// -------------------------------------------------------------------------
// Server Role
// -------------------------------------------------------------------------

// VerifyRequest decrypts and verifies a protected request (RFC 8613
// Section 8.2). On success it returns the inner request and the binding
// needed to protect the responses.
func (c *Context) VerifyRequest(m *coap.Message) (*coap.Message, Binding, error) {
	ov, err := oscoreOption(m)
	if err != nil {
		return nil, Binding{}, err
	}
	if len(ov.PIV) == 0 || !ov.HasKID {
		return nil, Binding{}, fmt.Errorf("request without partial iv or kid: %w", ErrMalformedOption)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !bytes.Equal(ov.KID, c.recipientID) {
		return nil, Binding{}, fmt.Errorf("kid %x: %w", ov.KID, ErrUnknownKID)
	}
	if ov.HasContext && !bytes.Equal(ov.KIDContext, c.idContext) {
		return nil, Binding{}, fmt.Errorf("kid context %x: %w", ov.KIDContext, ErrUnknownKID)
	}

	seq := decodePIV(ov.PIV)
	if !c.window.check(seq) {
		return nil, Binding{}, fmt.Errorf("partial iv %d: %w", seq, ErrReplay)
	}

	aad, err := c.aad(ov.KID, ov.PIV)
	if err != nil {
		return nil, Binding{}, err
	}

	inner, err := open(m, c.recipient, c.nonce(c.recipientID, ov.PIV), aad)
	if err != nil {
		return nil, Binding{}, err
	}

	c.window.update(seq)

	return inner, Binding{KID: ov.KID, PIV: ov.PIV}, nil
}

// ProtectResponse protects a response bound to a verified request. A
// notification carries the server's own Partial IV (RFC 8613 Section
// 4.1.3.5.2); any other response reuses the request nonce.
func (c *Context) ProtectResponse(m *coap.Message, b Binding, notification bool) (*coap.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ov optionValue
	nonce := c.nonce(b.KID, b.PIV)
	if notification {
		piv, err := c.nextPIV()
		if err != nil {
			return nil, err
		}
		ov.PIV = piv
		nonce = c.nonce(c.senderID, piv)
	}

	outerCode := codes.Changed
	if m.HasOption(message.Observe) {
		outerCode = codes.Content
	}

	aad, err := c.aad(b.KID, b.PIV)
	if err != nil {
		return nil, err
	}

	return seal(m, c.sender, outerCode, ov, nonce, aad, false), nil
}

// Verify is the byte-level form of VerifyRequest used by the dispatch
// pipeline. On failure it returns the CoAP code of the unprotected error
// response.
func (c *Context) Verify(protected []byte) ([]byte, Binding, codes.Code, error) {
	m, err := coap.Parse(protected)
	if err != nil {
		return nil, Binding{}, codes.BadRequest, fmt.Errorf("parse protected message: %w", err)
	}

	inner, b, err := c.VerifyRequest(m)
	if err != nil {
		return nil, Binding{}, ErrorCode(err), err
	}

	plain, err := inner.Marshal()
	if err != nil {
		return nil, Binding{}, codes.BadRequest, fmt.Errorf("marshal inner message: %w", err)
	}

	return plain, b, codes.Empty, nil
}

// Protect is the byte-level form of ProtectResponse.
func (c *Context) Protect(plain []byte, b Binding, notification bool) ([]byte, error) {
	m, err := coap.Parse(plain)
	if err != nil {
		return nil, fmt.Errorf("parse plain response: %w", err)
	}

	out, err := c.ProtectResponse(m, b, notification)
	if err != nil {
		return nil, err
	}

	return out.Marshal()
}

// -------------------------------------------------------------------------
// Client Role
// -------------------------------------------------------------------------

// ProtectRequest protects a request with the next sender sequence number.
// The returned binding verifies the responses.
func (c *Context) ProtectRequest(m *coap.Message) (*coap.Message, Binding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	piv, err := c.nextPIV()
	if err != nil {
		return nil, Binding{}, err
	}

	ov := optionValue{PIV: piv, KID: c.senderID, HasKID: true}
	if len(c.idContext) > 0 {
		ov.KIDContext = c.idContext
		ov.HasContext = true
	}

	outerCode := codes.POST
	if m.HasOption(message.Observe) {
		outerCode = coap.MethodFETCH
	}

	aad, err := c.aad(c.senderID, piv)
	if err != nil {
		return nil, Binding{}, err
	}

	out := seal(m, c.sender, outerCode, ov, c.nonce(c.senderID, piv), aad, true)

	return out, Binding{KID: bytes.Clone(c.senderID), PIV: piv}, nil
}

// VerifyResponse decrypts a protected response or notification bound to
// the request identified by b.
func (c *Context) VerifyResponse(m *coap.Message, b Binding) (*coap.Message, error) {
	ov, err := oscoreOption(m)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nonce := c.nonce(b.KID, b.PIV)
	if len(ov.PIV) > 0 {
		nonce = c.nonce(c.recipientID, ov.PIV)
	}

	aad, err := c.aad(b.KID, b.PIV)
	if err != nil {
		return nil, err
	}

	return open(m, c.recipient, nonce, aad)
}

// -------------------------------------------------------------------------
// Sealing
// -------------------------------------------------------------------------

func oscoreOption(m *coap.Message) (optionValue, error) {
	switch m.OptionCount(coap.OptionOSCORE) {
	case 0:
		return optionValue{}, ErrNotProtected
	case 1:
	default:
		return optionValue{}, fmt.Errorf("repeated oscore option: %w", ErrMalformedOption)
	}

	raw, _ := m.Option(coap.OptionOSCORE)
	return decodeOption(raw)
}

// seal builds the outer message: Class U options and the OSCORE option in
// the clear, the code and Class E options encrypted into the payload
// (RFC 8613 Section 5.3). The inner Observe option of a response is empty;
// its value travels in the outer option only.
func seal(m *coap.Message, aead cipher.AEAD, outerCode codes.Code, ov optionValue, nonce, aad []byte, request bool) *coap.Message {
	var inner, outer message.Options
	for _, o := range m.Options {
		switch {
		case o.ID == coap.OptionOSCORE:
		case o.ID == message.Observe:
			outer = append(outer, o)
			if request {
				inner = append(inner, o)
			} else {
				inner = append(inner, message.Option{ID: message.Observe, Value: []byte{}})
			}
		case isClassU(o.ID):
			outer = append(outer, o)
		default:
			inner = append(inner, o)
		}
	}

	plain := []byte{byte(m.Code)}
	plain = coap.AppendOptions(plain, inner)
	if len(m.Payload) > 0 {
		plain = append(plain, 0xFF)
		plain = append(plain, m.Payload...)
	}

	outer = append(outer, message.Option{ID: coap.OptionOSCORE, Value: ov.encode()})

	return &coap.Message{
		Type:      m.Type,
		Code:      outerCode,
		MessageID: m.MessageID,
		Token:     m.Token,
		Options:   outer,
		Payload:   aead.Seal(nil, nonce, plain, aad),
	}
}

// open reverses seal. The outer Observe value replaces the inner one.
func open(m *coap.Message, aead cipher.AEAD, nonce, aad []byte) (*coap.Message, error) {
	plain, err := aead.Open(nil, nonce, m.Payload, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	if len(plain) < 1 {
		return nil, fmt.Errorf("empty plaintext: %w", ErrMalformedPlaintext)
	}

	innerOpts, payload, err := coap.ParseOptions(plain[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPlaintext, err)
	}

	var opts message.Options
	for _, o := range m.Options {
		if (isClassU(o.ID) && o.ID != coap.OptionOSCORE) || o.ID == message.Observe {
			opts = append(opts, o)
		}
	}
	for _, o := range innerOpts {
		if o.ID != message.Observe {
			opts = append(opts, o)
		}
	}

	return &coap.Message{
		Type:      m.Type,
		Code:      codes.Code(plain[0]),
		MessageID: m.MessageID,
		Token:     m.Token,
		Options:   opts,
		Payload:   payload,
	}, nil
}
