package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"runtime"
	"slices"
	"syscall"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/dantte-lp/gocoap/internal/coap"
	"github.com/dantte-lp/gocoap/internal/netio"
	"github.com/dantte-lp/gocoap/internal/oscore"
)

// -------------------------------------------------------------------------
// Per-Datagram Pipeline — RFC 7252 Sections 4 and 5
// -------------------------------------------------------------------------

// handleDatagram runs the pipeline for one received datagram. Every
// failure is resolved here: the peer gets the response the RFCs require,
// or the datagram is dropped and logged.
//
// Order: size guard, parse, ACK/RST matching, ping, duplicate detection,
// critical options, OSCORE cardinality and unwrap, proxy options, Echo,
// discovery or resource dispatch, No-Response, OSCORE wrap, transmit.
func (s *Server) handleDatagram(svc *Service, data []byte, src netip.AddrPort) {
	now := s.now()

	if len(data) > svc.cfg.MaxMessageSize {
		s.rejectOversize(svc, data, src, now)
		return
	}

	msg, err := coap.Parse(data)
	if err != nil {
		s.rejectMalformed(svc, data, src, err)
		return
	}
	s.metrics.IncMessagesReceived(svc.Name(), msg.Type)

	switch {
	case msg.Type == message.Acknowledgement || msg.Type == message.Reset:
		s.matchPending(svc, msg, src)
		return
	case msg.IsEmpty():
		// CoAP ping (RFC 7252 Section 4.3): an Empty CON is answered with
		// RST; an Empty NON is ignored.
		if msg.Type == message.Confirmable {
			s.sendReset(svc, msg.MessageID, src)
		}
		return
	}

	if prev, ok := svc.dedup.lookup(src, msg.MessageID, now); ok {
		s.metrics.IncDropped(svc.Name(), DropDuplicate)
		if msg.Type == message.Confirmable && prev.reply != nil {
			s.transmit(svc, prev.reply, src, message.Acknowledgement)
		}
		return
	}

	if id, bad := coap.FirstUnsupportedCritical(msg.Options); bad {
		s.rejectCritical(svc, msg, src, nil, id, now)
		return
	}

	if !msg.IsRequest() {
		// A response arriving as CON or NON matches no request of ours.
		s.metrics.IncDropped(svc.Name(), DropUnexpected)
		if msg.Type == message.Confirmable {
			s.sendReset(svc, msg.MessageID, src)
		}
		return
	}

	req, ex, ok := s.unwrap(svc, msg, data, src, now)
	if !ok {
		return
	}

	s.handleRequest(svc, req, len(data), src, ex, now)
}

// unwrap applies the OSCORE format and presence rules (RFC 8613 Sections 2
// and 8.2). It returns the request to dispatch, the exchange whose
// responses must be protected, and false when the datagram was answered
// or dropped.
func (s *Server) unwrap(svc *Service, msg *coap.Message, data []byte, src netip.AddrPort, now time.Time) (*coap.Message, *Exchange, bool) {
	switch n := msg.OptionCount(coap.OptionOSCORE); {
	case n > 1:
		s.metrics.IncDropped(svc.Name(), DropOSCORERepeated)
		svc.logger.Debug("datagram dropped",
			slog.String("peer", src.String()),
			slog.String("error", fmt.Errorf("%d oscore options: %w", n, ErrMalformedMessage).Error()),
		)
		return nil, nil, false

	case n == 0:
		if svc.cfg.RequireOSCORE {
			resp := svc.newResponse(msg, codes.Unauthorized)
			resp.Payload = []byte("oscore required")
			s.respond(svc, msg, src, nil, resp, now, false)
			return nil, nil, false
		}
		return msg, nil, true
	}

	if svc.security == nil {
		s.metrics.IncDropped(svc.Name(), DropOSCOREUnsupported)
		svc.logger.Debug("datagram dropped",
			slog.String("peer", src.String()),
			slog.String("error", ErrNoSecurityContext.Error()),
		)
		return nil, nil, false
	}

	plain, binding, code, err := svc.security.Verify(data)
	if err != nil {
		s.rejectUnverified(svc, msg, src, code, err, now)
		return nil, nil, false
	}

	inner, err := coap.Parse(plain)
	if err != nil {
		s.rejectUnverified(svc, msg, src, codes.BadRequest, fmt.Errorf("%w: %w", oscore.ErrMalformedPlaintext, err), now)
		return nil, nil, false
	}

	ex := Exchange{
		Addr:      src,
		Token:     inner.Token,
		Binding:   binding,
		CreatedAt: now,
		Observe:   isObserveRegister(inner),
	}
	if err := svc.exchanges.Put(ex, now); err != nil {
		// Without an exchange the response cannot be protected; the peer
		// gets an unprotected 5.03 like any other OSCORE error
		// (RFC 8613 Section 8.2).
		s.metrics.IncDropped(svc.Name(), DropExchangeFull)
		svc.logger.Debug("oscore request refused",
			slog.String("peer", src.String()),
			slog.String("error", err.Error()),
		)
		resp := svc.newResponse(msg, codes.ServiceUnavailable)
		resp.SetUint(message.MaxAge, 0)
		s.respond(svc, msg, src, nil, resp, now, false)
		return nil, nil, false
	}

	if id, bad := coap.FirstUnsupportedCritical(inner.Options); bad {
		s.rejectCritical(svc, inner, src, &ex, id, now)
		return nil, nil, false
	}

	return inner, &ex, true
}

// handleRequest runs the request stages after security processing.
func (s *Server) handleRequest(svc *Service, req *coap.Message, reqLen int, src netip.AddrPort, ex *Exchange, now time.Time) {
	if req.HasOption(message.ProxyURI) || req.HasOption(message.ProxyScheme) {
		s.respond(svc, req, src, ex, svc.newResponse(req, codes.ProxyingNotSupported), now, false)
		s.endExchange(svc, src, req.Token, ex)
		return
	}

	if s.challenge(svc, req, reqLen, src, ex, now) {
		s.endExchange(svc, src, req.Token, ex)
		return
	}

	var (
		resp      *coap.Message
		observing bool
	)
	if req.Path() == coap.WellKnownCorePath {
		resp = s.discovery(svc, req)
	} else {
		resp, observing = s.dispatch(svc, req, src, ex)
	}

	answered := s.respond(svc, req, src, ex, resp, now, false)
	if observing && !answered {
		s.removeObserver(svc, src, req.Token)
		return
	}
	if !observing {
		s.endExchange(svc, src, req.Token, ex)
	}
}

// endExchange removes a non-Observe exchange once its response is out.
func (s *Server) endExchange(svc *Service, src netip.AddrPort, token message.Token, ex *Exchange) {
	if ex != nil {
		svc.exchanges.Remove(src, token)
	}
}

// -------------------------------------------------------------------------
// Echo — RFC 9175 Section 2.4
// -------------------------------------------------------------------------

// challenge verifies the Echo option of req and answers with a 4.01 Echo
// challenge when freshness is required. It reports whether the request
// was answered.
func (s *Server) challenge(svc *Service, req *coap.Message, reqLen int, src netip.AddrPort, ex *Exchange, now time.Time) bool {
	fresh := false
	if v, ok := req.Option(coap.OptionEcho); ok && coap.ValidEcho(v) {
		fresh = svc.echo.Verify(src, v, now)
	}
	if !fresh {
		fresh = svc.echo.Verified(src, now)
	}
	if fresh || !s.needsFreshness(svc, req, reqLen) {
		return false
	}

	nonce := make([]byte, svc.cfg.Echo.NonceSize)
	if _, err := io.ReadFull(s.nonces, nonce); err != nil {
		svc.logger.Warn("echo nonce generation failed", slog.String("error", err.Error()))
		s.respond(svc, req, src, ex, svc.newResponse(req, codes.InternalServerError), now, false)
		return true
	}
	if err := svc.echo.Challenge(src, nonce, now); err != nil {
		svc.logger.Warn("echo challenge not stored", slog.String("error", err.Error()))
		s.respond(svc, req, src, ex, svc.newResponse(req, codes.InternalServerError), now, false)
		return true
	}

	// The challenge is piggy-backed for CON and NON for NON (RFC 9175
	// Section 2.4 item 3), and carries no payload.
	resp := svc.newResponse(req, codes.Unauthorized)
	resp.SetOption(coap.OptionEcho, nonce)

	s.metrics.IncEchoChallenges(svc.Name())
	svc.logger.Debug("echo challenge sent",
		slog.String("peer", src.String()),
		slog.String("method", coap.MethodName(req.Code)),
	)

	s.respond(svc, req, src, ex, resp, now, true)
	return true
}

// needsFreshness reports whether an unverified request must be challenged.
func (s *Server) needsFreshness(svc *Service, req *coap.Message, reqLen int) bool {
	policy := svc.cfg.Echo
	if policy.RequireUnsafe && coap.IsUnsafeMethod(req.Code) {
		return true
	}
	if !policy.AmplificationMitigation || req.Code != codes.GET || req.Path() != coap.WellKnownCorePath {
		return false
	}

	limit := policy.Threshold
	if limit <= 0 {
		limit = amplificationFactor * reqLen
	}
	return coap.LinkFormatSize(discoveryLinks(svc.router, req)) > limit
}

// -------------------------------------------------------------------------
// Resource Dispatch
// -------------------------------------------------------------------------

// dispatch invokes the resource handler and applies Observe register and
// deregister (RFC 7641 Section 4.1). It reports whether the response
// establishes or refreshes an observation.
func (s *Server) dispatch(svc *Service, req *coap.Message, src netip.AddrPort, ex *Exchange) (*coap.Message, bool) {
	path := req.Path()
	res, ok := svc.router.Lookup(path)
	if !ok {
		return svc.newResponse(req, codes.NotFound), false
	}

	obs, obsErr := req.Uint(message.Observe)
	hasObserve := obsErr == nil && (req.Code == codes.GET || req.Code == coap.MethodFETCH)
	if hasObserve && obs == coap.ObserveDeregister {
		s.removeObserver(svc, src, req.Token)
	}

	out, err := s.serve(svc, res, &Request{
		Message:   req,
		Peer:      src,
		Service:   svc.Name(),
		Path:      path,
		Protected: ex != nil,
	})
	resp := s.buildResponse(svc, req, out, err)

	if !hasObserve || obs != coap.ObserveRegister || !res.Observable {
		return resp, false
	}
	if coap.CodeClass(resp.Code) != 2 {
		s.removeObserver(svc, src, req.Token)
		return resp, false
	}

	o, _, err := svc.observers.Register(Observer{
		Addr:      src,
		Token:     req.Token,
		Path:      path,
		Protected: ex != nil,
	})
	if err != nil {
		// The response goes out without Observe: the client learns the
		// registration failed (RFC 7641 Section 4.1).
		s.metrics.IncDropped(svc.Name(), DropObserverFull)
		svc.logger.Debug("observe registration failed",
			slog.String("peer", src.String()),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return resp, false
	}

	o.Protected = ex != nil
	o.Seq = coap.NextObserve(o.Seq)
	svc.observers.Update(o)
	resp.SetUint(message.Observe, o.Seq)
	s.metrics.SetObservers(svc.Name(), svc.observers.Len())

	return resp, true
}

// serve calls the handler, recovering a panic into ErrPanicRecovered.
func (s *Server) serve(svc *Service, res *Resource, req *Request) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)

			svc.logger.Error("panic recovered in resource handler",
				slog.String("path", req.Path),
				slog.Any("panic", r),
				slog.String("stack", string(buf[:n])),
			)

			resp, err = nil, fmt.Errorf("/%s: %w", req.Path, ErrPanicRecovered)
		}
	}()

	return res.Handler.ServeCoAP(req)
}

// buildResponse converts a handler result into a response to req.
func (s *Server) buildResponse(svc *Service, req *coap.Message, out *Response, err error) *coap.Message {
	if err != nil {
		code := handlerErrorCode(err)
		if code == codes.InternalServerError {
			svc.logger.Warn("resource handler failed",
				slog.String("path", req.Path()),
				slog.String("error", err.Error()),
			)
		}
		return svc.newResponse(req, code)
	}

	resp := svc.newResponse(req, successCode(req.Code))
	if out != nil {
		if out.Code != codes.Empty {
			resp.Code = out.Code
		}
		resp.Options = slices.Clone(out.Options)
		resp.Payload = out.Payload
	}
	return resp
}

func handlerErrorCode(err error) codes.Code {
	switch {
	case errors.Is(err, ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ErrBadRequest):
		return codes.BadRequest
	case errors.Is(err, ErrMethodNotAllowed):
		return codes.MethodNotAllowed
	default:
		return codes.InternalServerError
	}
}

func successCode(method codes.Code) codes.Code {
	switch method {
	case codes.GET, coap.MethodFETCH:
		return codes.Content
	case codes.DELETE:
		return codes.Deleted
	default:
		return codes.Changed
	}
}

// isObserveRegister reports whether m is a GET or FETCH with Observe 0.
func isObserveRegister(m *coap.Message) bool {
	if m.Code != codes.GET && m.Code != coap.MethodFETCH {
		return false
	}
	v, err := m.Uint(message.Observe)
	return err == nil && v == coap.ObserveRegister
}

// -------------------------------------------------------------------------
// Rejections
// -------------------------------------------------------------------------

// rejectOversize answers a datagram above MaxMessageSize with 4.13 and a
// Size1 option stating the limit (RFC 7252 Section 5.9.2.9).
func (s *Server) rejectOversize(svc *Service, data []byte, src netip.AddrPort, now time.Time) {
	s.metrics.IncDropped(svc.Name(), DropOversize)

	req, err := coap.Parse(data)
	if err != nil {
		// The options may be cut; answer from the header alone.
		if req, err = coap.ParseHeader(data); err != nil {
			return
		}
	}
	if !req.IsRequest() || (req.Type != message.Confirmable && req.Type != message.NonConfirmable) {
		return
	}

	resp := svc.newResponse(req, codes.RequestEntityTooLarge)
	resp.SetUint(message.Size1, uint32(svc.cfg.MaxMessageSize))
	s.respond(svc, req, src, nil, resp, now, false)
}

// rejectMalformed drops an unparsable datagram, rejecting a CON with RST
// (RFC 7252 Section 4.2).
func (s *Server) rejectMalformed(svc *Service, data []byte, src netip.AddrPort, cause error) {
	s.metrics.IncDropped(svc.Name(), DropMalformed)
	svc.logger.Debug("datagram dropped",
		slog.String("peer", src.String()),
		slog.String("error", fmt.Errorf("%w: %w", ErrMalformedMessage, cause).Error()),
	)

	if hdr, err := coap.ParseHeader(data); err == nil && hdr.Type == message.Confirmable {
		s.sendReset(svc, hdr.MessageID, src)
	}
}

// rejectCritical handles an unrecognized critical option (RFC 7252 Section
// 5.4.1): 4.02 for a CON request, RST for a CON response, silence for NON.
func (s *Server) rejectCritical(svc *Service, msg *coap.Message, src netip.AddrPort, ex *Exchange, id message.OptionID, now time.Time) {
	s.metrics.IncDropped(svc.Name(), DropCriticalOption)

	switch {
	case msg.Type != message.Confirmable:
	case msg.IsRequest():
		resp := svc.newResponse(msg, codes.BadOption)
		resp.Payload = fmt.Appendf(nil, "unsupported critical option %d", id)
		s.respond(svc, msg, src, ex, resp, now, false)
	default:
		s.sendReset(svc, msg.MessageID, src)
	}

	s.endExchange(svc, src, msg.Token, ex)
}

// rejectUnverified answers a failed OSCORE verification with an
// unprotected error (RFC 8613 Section 8.2). Max-Age 0 keeps proxies from
// caching it.
func (s *Server) rejectUnverified(svc *Service, msg *coap.Message, src netip.AddrPort, code codes.Code, cause error, now time.Time) {
	s.metrics.IncOSCOREFailures(svc.Name(), code)
	svc.logger.Debug("oscore verification failed",
		slog.String("peer", src.String()),
		slog.String("code", coap.CodeString(code)),
		slog.String("error", cause.Error()),
	)

	resp := svc.newResponse(msg, code)
	resp.SetUint(message.MaxAge, 0)
	resp.Payload = []byte(oscore.ErrorDiagnostic(cause))
	s.respond(svc, msg, src, nil, resp, now, false)
}

// -------------------------------------------------------------------------
// ACK / RST Matching — RFC 7252 Section 4.2
// -------------------------------------------------------------------------

// matchPending clears the pending entry acknowledged or rejected by msg.
// A RST also ends the observation the message belonged to.
func (s *Server) matchPending(svc *Service, msg *coap.Message, src netip.AddrPort) {
	e, ok := svc.pending.Match(src, msg.MessageID)
	if !ok {
		if msg.Type == message.Reset {
			if token, found := svc.notified.Peek(dedupKey{addr: src, mid: msg.MessageID}); found {
				svc.notified.Remove(dedupKey{addr: src, mid: msg.MessageID})
				s.removeObserver(svc, src, token)
				return
			}
		}
		s.metrics.IncDropped(svc.Name(), DropUnmatched)
		svc.logger.Debug("unmatched acknowledgement dropped",
			slog.String("peer", src.String()),
			slog.String("type", msg.Type.String()),
			slog.Int("mid", int(msg.MessageID)),
		)
		return
	}

	if msg.Type == message.Reset {
		s.removeObserver(svc, src, e.Token)
	}
}

// -------------------------------------------------------------------------
// Observer Removal
// -------------------------------------------------------------------------

// removeObserver ends the observation (addr, token) together with its
// OSCORE exchange.
func (s *Server) removeObserver(svc *Service, addr netip.AddrPort, token message.Token) {
	_, ok := svc.observers.Remove(addr, token)
	if svc.security != nil {
		svc.exchanges.Remove(addr, token)
	}
	if ok {
		s.metrics.SetObservers(svc.Name(), svc.observers.Len())
		svc.logger.Debug("observer removed", slog.String("peer", addr.String()))
	}
}

// dropPeer ends every observation of a peer whose transport reported it
// unreachable.
func (s *Server) dropPeer(svc *Service, addr netip.AddrPort) {
	removed := svc.observers.RemoveAddr(addr)
	if len(removed) == 0 {
		return
	}
	if svc.security != nil {
		for _, o := range removed {
			svc.exchanges.Remove(o.Addr, o.Token)
		}
	}
	s.metrics.SetObservers(svc.Name(), svc.observers.Len())
	svc.logger.Debug("peer unreachable, observers removed",
		slog.String("peer", addr.String()),
		slog.Int("observers", len(removed)),
	)
}

// -------------------------------------------------------------------------
// Transmission
// -------------------------------------------------------------------------

// newResponse returns an empty response to req: piggy-backed in an ACK for
// CON, a NON with a fresh Message ID otherwise (RFC 7252 Section 5.2).
func (svc *Service) newResponse(req *coap.Message, code codes.Code) *coap.Message {
	resp := &coap.Message{
		Type:      message.Acknowledgement,
		Code:      code,
		MessageID: req.MessageID,
		Token:     req.Token,
	}
	if req.Type != message.Confirmable {
		resp.Type = message.NonConfirmable
		resp.MessageID = svc.ids.Next()
	}
	return resp
}

// respond sends resp for req. The No-Response option is honoured unless
// force is set: a suppressed CON still gets an Empty ACK, and an invalid
// No-Response value turns resp into 4.02. When ex is set the response is
// protected first; if protection fails nothing is sent. It reports whether
// resp was written or withheld at the client's request (RFC 7967
// Section 2), so a suppressed Observe registration stays registered.
func (s *Server) respond(svc *Service, req *coap.Message, src netip.AddrPort, ex *Exchange, resp *coap.Message, now time.Time, force bool) bool {
	if !force {
		suppress, err := coap.CheckNoResponse(req, resp.Code)
		switch {
		case err != nil:
			resp = svc.newResponse(req, codes.BadOption)
			resp.Payload = []byte(err.Error())
		case suppress:
			s.metrics.IncDropped(svc.Name(), DropSuppressed)
			var ack []byte
			if req.Type == message.Confirmable {
				ack = emptyMessage(message.Acknowledgement, req.MessageID)
				s.transmit(svc, ack, src, message.Acknowledgement)
			}
			svc.dedup.record(src, req.MessageID, ack, now)
			return true
		}
	}

	data, err := resp.Marshal()
	if err != nil {
		svc.logger.Warn("response not encoded", slog.String("error", err.Error()))
		return false
	}

	if ex != nil {
		data, err = svc.security.Protect(data, ex.Binding, false)
		if err != nil {
			s.metrics.IncDropped(svc.Name(), DropProtectFailed)
			svc.logger.Warn("response dropped",
				slog.String("peer", src.String()),
				slog.String("error", fmt.Errorf("%w: %w", ErrProtectFailed, err).Error()),
			)
			return false
		}
	}

	var cached []byte
	if req.Type == message.Confirmable {
		cached = data
	}
	svc.dedup.record(src, req.MessageID, cached, now)

	if !s.transmit(svc, data, src, resp.Type) {
		return false
	}
	s.metrics.IncResponses(svc.Name(), resp.Code)
	return true
}

// sendReset rejects message mid from dst.
func (s *Server) sendReset(svc *Service, mid uint16, dst netip.AddrPort) {
	s.transmit(svc, emptyMessage(message.Reset, mid), dst, message.Reset)
}

// transmit writes one datagram. A write error is logged; when the
// transport reports the peer unreachable its observers are removed.
func (s *Server) transmit(svc *Service, data []byte, dst netip.AddrPort, typ message.Type) bool {
	if err := svc.write(data, dst); err != nil {
		svc.logger.Warn("send failed",
			slog.String("peer", dst.String()),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, netio.ErrPeerNotConnected) || errors.Is(err, syscall.ECONNREFUSED) {
			s.dropPeer(svc, dst)
		}
		return false
	}
	s.metrics.IncMessagesSent(svc.Name(), typ)
	return true
}

// track registers a transmitted CON message for retransmission. A full
// store leaves the message best-effort.
func (s *Server) track(svc *Service, m *coap.Message, data []byte, dst netip.AddrPort, observer bool, now time.Time) {
	timeout := svc.cfg.Transmission.InitialTimeout(s.jitter)
	err := svc.pending.Add(PendingEntry{
		MessageID:  m.MessageID,
		Addr:       dst,
		Token:      m.Token,
		Data:       data,
		Attempts:   1,
		Timeout:    timeout,
		Deadline:   now.Add(timeout),
		Observer:   observer,
		Generation: svc.gen,
	})
	if err != nil {
		s.metrics.IncDropped(svc.Name(), DropPendingFull)
		svc.logger.Debug("sending without retransmission", slog.String("error", err.Error()))
	}
}

// emptyMessage serializes an Empty ACK or RST.
func emptyMessage(typ message.Type, mid uint16) []byte {
	return coap.MarshalEmpty(typ, mid)
}
