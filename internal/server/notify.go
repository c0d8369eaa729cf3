package server

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/dantte-lp/gocoap/internal/coap"
)

// -------------------------------------------------------------------------
// Observe Notifications — RFC 7641 Section 4.2
// -------------------------------------------------------------------------

// notify sends the current representation of path to each of its
// observers on the named Service. It returns the number of notifications
// written.
func (s *Server) notify(service, path string) (int, error) {
	svc, ok := s.services[service]
	if !ok {
		return 0, fmt.Errorf("notify %s: %w", service, ErrServiceNotFound)
	}
	if !svc.running() {
		return 0, fmt.Errorf("notify %s: %w", service, ErrServiceStopped)
	}
	res, ok := svc.router.Lookup(path)
	if !ok {
		return 0, fmt.Errorf("notify %s /%s: %w", service, path, ErrUnknownResource)
	}

	now := s.now()
	sent := 0
	for _, o := range svc.observers.ForResource(path) {
		if s.notifyObserver(svc, res, o, now) {
			sent++
		}
	}
	return sent, nil
}

// notifyObserver renders and sends one notification. A non-2.xx result
// ends the observation (RFC 7641 Section 3.2). Notifications of an OSCORE
// observation are protected with a fresh Partial IV; if that is not
// possible the observation ends and nothing is sent.
func (s *Server) notifyObserver(svc *Service, res *Resource, o Observer, now time.Time) bool {
	var ex *Exchange
	if svc.security != nil {
		if e, ok := svc.exchanges.Get(o.Addr, o.Token, now); ok {
			ex = &e
		}
	}
	if o.Protected && ex == nil {
		s.removeObserver(svc, o.Addr, o.Token)
		return false
	}

	req := &coap.Message{Type: message.NonConfirmable, Code: codes.GET, Token: o.Token}
	req.SetPath(o.Path)

	out, err := s.serve(svc, res, &Request{
		Message:      req,
		Peer:         o.Addr,
		Service:      svc.Name(),
		Path:         o.Path,
		Protected:    ex != nil,
		Notification: true,
	})
	msg := s.buildResponse(svc, req, out, err)

	final := coap.CodeClass(msg.Code) != 2
	if !final {
		o.Seq = coap.NextObserve(o.Seq)
		msg.SetUint(message.Observe, o.Seq)
	}

	confirmable := res.Confirmable ||
		(svc.cfg.ConfirmableEvery > 0 && o.SinceConfirmable+1 >= svc.cfg.ConfirmableEvery)
	if confirmable {
		msg.Type = message.Confirmable
		o.SinceConfirmable = 0
	} else {
		o.SinceConfirmable++
	}
	svc.observers.Update(o)

	data, err := msg.Marshal()
	if err != nil {
		svc.logger.Warn("notification not encoded", slog.String("error", err.Error()))
		return false
	}
	if ex != nil {
		data, err = svc.security.Protect(data, ex.Binding, true)
		if err != nil {
			s.metrics.IncDropped(svc.Name(), DropProtectFailed)
			svc.logger.Warn("notification dropped",
				slog.String("peer", o.Addr.String()),
				slog.String("error", fmt.Errorf("%w: %w", ErrProtectFailed, err).Error()),
			)
			s.removeObserver(svc, o.Addr, o.Token)
			return false
		}
	}

	if confirmable {
		s.track(svc, msg, data, o.Addr, !final, now)
	} else {
		svc.notified.Add(dedupKey{addr: o.Addr, mid: msg.MessageID}, o.Token)
	}

	ok := s.transmit(svc, data, o.Addr, msg.Type)
	if final {
		s.removeObserver(svc, o.Addr, o.Token)
	}
	return ok
}
