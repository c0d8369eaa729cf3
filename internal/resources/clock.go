package resources

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/dantte-lp/gocoap/internal/coap"
	"github.com/dantte-lp/gocoap/internal/server"
)

// ClockPath is the path of the clock resource.
const ClockPath = "time"

// DefaultClockInterval is the notification period of the clock.
const DefaultClockInterval = 5 * time.Second

// Clock serves the current time at /time in RFC 3339 form and notifies
// its observers once per interval.
type Clock struct {
	interval time.Duration
	now      func() time.Time

	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	services []string
}

// NewClock creates a clock notifying the observers of the named Services.
// A non-positive interval selects DefaultClockInterval.
func NewClock(notifier Notifier, services []string, interval time.Duration, logger *slog.Logger) *Clock {
	if interval <= 0 {
		interval = DefaultClockInterval
	}
	return &Clock{
		interval: interval,
		now:      time.Now,
		notifier: notifier,
		services: slices.Clone(services),
		logger:   logger.With(slog.String("component", "resources.clock")),
	}
}

// SetServices replaces the Services whose observers are notified.
func (c *Clock) SetServices(services []string) {
	c.mu.Lock()
	c.services = slices.Clone(services)
	c.mu.Unlock()
}

// Resource returns the router entry of the clock.
func (c *Clock) Resource() server.Resource {
	return server.Resource{
		Path:       ClockPath,
		Observable: true,
		Attributes: []string{`rt="gocoap.clock"`, "ct=0"},
		Handler:    c,
	}
}

// ServeCoAP implements server.Handler.
func (c *Clock) ServeCoAP(req *server.Request) (*server.Response, error) {
	if req.Message.Code != codes.GET && req.Message.Code != coap.MethodFETCH {
		return nil, fmt.Errorf("%s /%s: %w", coap.MethodName(req.Message.Code), req.Path, server.ErrMethodNotAllowed)
	}
	now := c.now().UTC().Truncate(time.Second)
	return server.Content(message.TextPlain, now.AppendFormat(nil, time.RFC3339)), nil
}

// Run notifies observers every interval until ctx is cancelled.
func (c *Clock) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.mu.Lock()
			services := c.services
			c.mu.Unlock()

			for _, svc := range services {
				if err := c.notifier.Notify(svc, ClockPath); err != nil {
					c.logger.Debug("clock notification not queued",
						slog.String("service", svc),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}
