package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/dantte-lp/gocoap/internal/coap"
)

// reorderWindow bounds how long an Observe value stays comparable: a
// notification arriving more than 128 seconds after the newest one is
// accepted regardless of its value (RFC 7641 Section 3.4).
const reorderWindow = 128 * time.Second

// observerQueueDepth is the number of notifications buffered for one
// observation.
const observerQueueDepth = 16

// -------------------------------------------------------------------------
// Observe — RFC 7641 Section 3
// -------------------------------------------------------------------------

// Observe registers interest in the resource of req (a GET or FETCH) and
// calls fn with the registration response and with each fresher
// notification. Observation ends when fn returns false, ctx is cancelled,
// or the server sends a notification without Observe (a final error).
// On a client-side end the server is told with an Observe 1 request.
//
// A registration response without Observe is handed to fn and reported as
// ErrNotObserved.
func (c *Client) Observe(ctx context.Context, req *coap.Message, fn func(*coap.Message) bool) error {
	reg := cloneMessage(req)
	if reg.Code == codes.Empty {
		reg.Code = codes.GET
	}
	reg.SetUint(message.Observe, coap.ObserveRegister)
	if len(reg.Token) == 0 {
		tok, err := coap.NewToken(tokenSize)
		if err != nil {
			return err
		}
		reg.Token = tok
	}

	// Notifications following the registration response reach the
	// connection handler, which forwards them by token.
	notes := make(chan *coap.Message, observerQueueDepth)
	c.watch(reg.Token, notes)
	defer c.unwatch(reg.Token)

	resp, binding, err := c.doFresh(ctx, reg)
	if err != nil {
		return err
	}
	if !fn(resp) {
		c.deregister(ctx, reg)
		return nil
	}

	last, err := resp.Uint(message.Observe)
	if err != nil {
		return fmt.Errorf("%s %s: %w", coap.MethodName(reg.Code), coap.CodeString(resp.Code), ErrNotObserved)
	}
	lastAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			c.deregister(ctx, reg)
			return nil

		case <-c.conn.Done():
			return ErrClosed

		case n := <-notes:
			if c.security != nil {
				if n, err = c.unprotect(n, binding); err != nil {
					c.logger.Debug("notification dropped", slog.String("error", err.Error()))
					continue
				}
			}

			seq, err := n.Uint(message.Observe)
			if err != nil {
				fn(n)
				return nil
			}
			now := time.Now()
			if !coap.ObserveIsNewer(last, seq) && now.Sub(lastAt) < reorderWindow {
				continue
			}
			last, lastAt = seq, now

			if !fn(n) {
				c.deregister(ctx, reg)
				return nil
			}
		}
	}
}

func (c *Client) watch(token message.Token, ch chan *coap.Message) {
	c.mu.Lock()
	c.observers[string(token)] = ch
	c.mu.Unlock()
}

func (c *Client) unwatch(token message.Token) {
	c.mu.Lock()
	delete(c.observers, string(token))
	c.mu.Unlock()
}

// deregister sends a best-effort NON GET with Observe 1 and the
// registration token (RFC 7641 Section 3.6). The response is not awaited.
func (c *Client) deregister(ctx context.Context, reg *coap.Message) {
	m := cloneMessage(reg)
	m.Type = message.NonConfirmable
	m.MessageID = uint16(c.conn.GetMessageID())
	m.SetUint(message.Observe, coap.ObserveDeregister)

	wire := m
	if c.security != nil {
		outer, _, err := c.security.ProtectRequest(m)
		if err != nil {
			c.logger.Debug("deregistration not protected", slog.String("error", err.Error()))
			return
		}
		wire = outer
	}

	out := c.conn.AcquireMessage(context.WithoutCancel(ctx))
	defer c.conn.ReleaseMessage(out)
	toPool(out, wire)

	if err := c.conn.WriteMessage(out); err != nil {
		c.logger.Debug("deregistration not sent", slog.String("error", err.Error()))
	}
}
