package server_test

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"testing"
	"testing/synctest"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"

	"github.com/dantte-lp/gocoap/internal/coap"
	"github.com/dantte-lp/gocoap/internal/server"
)

func TestNewServiceValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*server.ServiceConfig)
		want   error
	}{
		{"empty name", func(c *server.ServiceConfig) { c.Name = "" }, server.ErrInvalidServiceName},
		{"tiny message size", func(c *server.ServiceConfig) { c.MaxMessageSize = 3 }, server.ErrInvalidMaxMessageSize},
		{"negative ack timeout", func(c *server.ServiceConfig) { c.Transmission.AckTimeout = -time.Second }, coap.ErrInvalidAckTimeout},
		{"random factor below one", func(c *server.ServiceConfig) { c.Transmission.AckRandomPercent = 50 }, coap.ErrInvalidRandomFactor},
		{"nonce too long", func(c *server.ServiceConfig) { c.Echo.NonceSize = 41 }, server.ErrInvalidEchoNonce},
		{"negative capacity", func(c *server.ServiceConfig) { c.PendingCapacity = -1 }, server.ErrInvalidCapacity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := baseConfig()
			tt.mutate(&cfg)
			_, err := server.NewService(cfg, nil, slog.New(slog.DiscardHandler))
			if !errors.Is(err, tt.want) {
				t.Errorf("NewService err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestServiceConfigDefaults(t *testing.T) {
	t.Parallel()

	svc, err := server.NewService(server.ServiceConfig{Name: "d"}, nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	cfg := svc.Config()
	if cfg.MaxMessageSize != server.DefaultMaxMessageSize {
		t.Errorf("MaxMessageSize = %d, want %d", cfg.MaxMessageSize, server.DefaultMaxMessageSize)
	}
	if cfg.Transmission != coap.DefaultTransmissionParams() {
		t.Errorf("Transmission = %+v, want RFC defaults", cfg.Transmission)
	}
	if cfg.Echo.Lifetime != server.DefaultEchoLifetime || cfg.Echo.NonceSize != server.DefaultEchoNonceSize {
		t.Errorf("Echo = %+v", cfg.Echo)
	}
	if cfg.ExchangeLifetime != cfg.Transmission.ExchangeLifetime() {
		t.Errorf("ExchangeLifetime = %v, want %v", cfg.ExchangeLifetime, cfg.Transmission.ExchangeLifetime())
	}
}

func TestServiceLifecycle(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sensor := &counter{payload: "x"}
		h := startHarness(t, baseConfig(), mustRouter(t, server.Resource{Path: "sensor", Handler: sensor}))
		defer h.stop()
		ctx := context.Background()

		addr, err := h.srv.LocalAddr(serviceName)
		if err != nil || addr.Port() != 40000 {
			t.Fatalf("LocalAddr = %v, %v; want port 40000", addr, err)
		}
		if !h.srv.Running(serviceName) {
			t.Fatal("service not running after start")
		}

		if err := h.srv.StartService(ctx, serviceName); !errors.Is(err, server.ErrServiceRunning) {
			t.Errorf("second StartService err = %v, want ErrServiceRunning", err)
		}
		if err := h.srv.StartService(ctx, "nope"); !errors.Is(err, server.ErrServiceNotFound) {
			t.Errorf("StartService(nope) err = %v, want ErrServiceNotFound", err)
		}

		dup, err := server.NewService(baseConfig(), nil, slog.New(slog.DiscardHandler))
		if err != nil {
			t.Fatalf("NewService: %v", err)
		}
		if err := h.srv.AddService(dup); !errors.Is(err, server.ErrServiceExists) {
			t.Errorf("AddService(duplicate) err = %v, want ErrServiceExists", err)
		}

		if err := h.srv.StopService(serviceName); err != nil {
			t.Fatalf("StopService: %v", err)
		}
		synctest.Wait()

		if h.srv.Running(serviceName) {
			t.Error("service running after stop")
		}
		if err := h.srv.StopService(serviceName); !errors.Is(err, server.ErrServiceStopped) {
			t.Errorf("second StopService err = %v, want ErrServiceStopped", err)
		}
		if _, err := h.srv.LocalAddr(serviceName); !errors.Is(err, server.ErrServiceStopped) {
			t.Errorf("LocalAddr on stopped service err = %v, want ErrServiceStopped", err)
		}

		if err := h.srv.StartService(ctx, serviceName); err != nil {
			t.Fatalf("restart: %v", err)
		}
		synctest.Wait()

		addr, err = h.srv.LocalAddr(serviceName)
		if err != nil || addr.Port() != 40001 {
			t.Errorf("LocalAddr after restart = %v, %v; want port 40001", addr, err)
		}

		h.send(request(message.Confirmable, codes.GET, 0x8001, "sensor"))
		if resp := h.reply(); resp.Code != codes.Content {
			t.Errorf("request after restart answered with %s", resp)
		}
	})
}

func TestStoppedServiceKeepsObservers(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startHarness(t, baseConfig(), mustRouter(t, server.Resource{Path: "time", Observable: true, Handler: &counter{payload: "t"}}))
		defer h.stop()

		h.send(observeRequest(0x8101, message.Token{0x0c, 0x01}, "time"))
		_ = h.reply()

		if err := h.srv.StopService(serviceName); err != nil {
			t.Fatalf("StopService: %v", err)
		}
		stopped := h.net.current()

		if err := h.srv.Notify(serviceName, "time"); err != nil {
			t.Fatalf("Notify: %v", err)
		}
		synctest.Wait()
		if sent := stopped.take(); len(sent) != 0 {
			t.Errorf("stopped service wrote %d datagrams", len(sent))
		}

		if err := h.srv.StartService(context.Background(), serviceName); err != nil {
			t.Fatalf("restart: %v", err)
		}
		h.notify("time")
		n := h.reply()
		if n.Type != message.NonConfirmable || n.Code != codes.Content {
			t.Errorf("notification after restart = %s", n)
		}
	})
}

func TestNotifyUnknownTargetsIgnored(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startHarness(t, baseConfig(), mustRouter(t, server.Resource{Path: "time", Observable: true, Handler: &counter{payload: "t"}}))
		defer h.stop()

		h.notify("missing")
		if err := h.srv.Notify("other", "time"); err != nil {
			t.Fatalf("Notify: %v", err)
		}
		synctest.Wait()
		h.expectSilence()
	})
}

func TestServicesOrder(t *testing.T) {
	t.Parallel()

	srv := server.New(slog.New(slog.DiscardHandler))
	for _, name := range []string{"b", "a", "c"} {
		cfg := server.ServiceConfig{Name: name, Addr: netip.MustParseAddrPort("127.0.0.1:0")}
		svc, err := server.NewService(cfg, nil, slog.New(slog.DiscardHandler))
		if err != nil {
			t.Fatalf("NewService: %v", err)
		}
		if err := srv.AddService(svc); err != nil {
			t.Fatalf("AddService: %v", err)
		}
	}

	got := srv.Services()
	if len(got) != 3 || got[0] != "b" || got[1] != "a" || got[2] != "c" {
		t.Errorf("Services = %v, want [b a c]", got)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestRestartDropsStaleRetransmissions(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := startHarness(t, baseConfig(), mustRouter(t, server.Resource{
			Path: "time", Observable: true, Confirmable: true, Handler: &counter{payload: "t"},
		}))
		defer h.stop()

		h.send(observeRequest(0x8201, message.Token{0x0c, 0x02}, "time"))
		_ = h.reply()

		h.notify("time")
		if n := h.reply(); n.Type != message.Confirmable {
			t.Fatalf("notification type = %s, want CON", n.Type)
		}

		if err := h.srv.StopService(serviceName); err != nil {
			t.Fatalf("StopService: %v", err)
		}
		if err := h.srv.StartService(context.Background(), serviceName); err != nil {
			t.Fatalf("restart: %v", err)
		}

		time.Sleep(time.Minute)
		synctest.Wait()
		h.expectSilence()

		if retransmits, _, _ := h.metrics.counts(); retransmits != 0 {
			t.Errorf("retransmissions = %d, want 0", retransmits)
		}
		if got := h.metrics.droppedFor(server.DropStale); got != 1 {
			t.Errorf("stale drops = %d, want 1", got)
		}
		if obs := h.metrics.observerCount(); obs != 1 {
			t.Errorf("observers = %d, want 1", obs)
		}
	})
}
