package config_test

import (
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dantte-lp/gocoap/internal/coap"
	"github.com/dantte-lp/gocoap/internal/config"
	"github.com/dantte-lp/gocoap/internal/oscore"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}

	if got := cfg.CoAP.Transmission(); got != coap.DefaultTransmissionParams() {
		t.Errorf("Transmission() = %+v, want %+v", got, coap.DefaultTransmissionParams())
	}

	if cfg.CoAP.MaxMessageSize != 1152 {
		t.Errorf("CoAP.MaxMessageSize = %d, want 1152", cfg.CoAP.MaxMessageSize)
	}

	if cfg.CoAP.Echo.Lifetime != time.Minute || cfg.CoAP.Echo.NonceSize != 8 {
		t.Errorf("CoAP.Echo = %+v", cfg.CoAP.Echo)
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
log:
  level: "debug"
  format: "text"
metrics:
  addr: ":9200"
health:
  addr: ""
coap:
  ack_timeout: "1s"
  ack_random_factor: 1.25
  max_retransmit: 2
  confirmable_every: 10
  echo:
    require_unsafe: false
    threshold: 512
oscore:
  contexts:
    - name: "client"
      master_secret: "0102030405060708090a0b0c0d0e0f10"
      master_salt: "9e7ca92223786340"
      sender_id: "01"
      recipient_id: ""
      algorithm: "A128GCM"
resources:
  clock_interval: "1s"
services:
  - name: "udp"
    addr: "127.0.0.1"
    port: 15683
    oscore: "client"
    require_oscore: true
    resources: ["kv", "time"]
  - name: "coaps"
    transport: "dtls"
    psk_identity: "gocoap"
    psk_key: "73656372657473"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if cfg.Metrics.Addr != ":9200" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.Health.Addr != "" {
		t.Errorf("Health.Addr = %q, want empty", cfg.Health.Addr)
	}

	want := coap.TransmissionParams{AckTimeout: time.Second, AckRandomPercent: 125, BackoffPercent: 200, MaxRetransmit: 2}
	if got := cfg.CoAP.Transmission(); got != want {
		t.Errorf("Transmission() = %+v, want %+v", got, want)
	}
	if cfg.CoAP.ConfirmableEvery != 10 {
		t.Errorf("ConfirmableEvery = %d, want 10", cfg.CoAP.ConfirmableEvery)
	}
	if cfg.CoAP.Echo.RequireUnsafe || !cfg.CoAP.Echo.AmplificationMitigation || cfg.CoAP.Echo.Threshold != 512 {
		t.Errorf("Echo = %+v", cfg.CoAP.Echo)
	}
	if cfg.Resources.ClockInterval != time.Second || cfg.Resources.KVMaxValueSize != 1024 {
		t.Errorf("Resources = %+v", cfg.Resources)
	}

	if len(cfg.Services) != 2 {
		t.Fatalf("Services = %d, want 2", len(cfg.Services))
	}

	udp := cfg.Services[0]
	ap, err := udp.AddrPort()
	if err != nil || ap != netip.MustParseAddrPort("127.0.0.1:15683") {
		t.Errorf("udp AddrPort() = %v (%v)", ap, err)
	}
	if !udp.Serves("kv") || udp.Serves("version") {
		t.Errorf("udp resources = %v", udp.Resources)
	}

	coaps := cfg.Services[1]
	ap, err = coaps.AddrPort()
	if err != nil || ap.Port() != config.DefaultSecurePort || !ap.Addr().IsUnspecified() {
		t.Errorf("dtls AddrPort() = %v (%v)", ap, err)
	}
	if key, err := coaps.PSK(); err != nil || string(key) != "secrets" {
		t.Errorf("PSK() = %q (%v)", key, err)
	}

	oc, ok := cfg.Context(udp.OSCORE)
	if !ok {
		t.Fatalf("Context(%q) not found", udp.OSCORE)
	}
	sc, err := oc.SecurityConfig()
	if err != nil {
		t.Fatalf("SecurityConfig: %v", err)
	}
	if sc.Algorithm != oscore.AlgA128GCM || len(sc.MasterSecret) != 16 || len(sc.RecipientID) != 0 || sc.SenderID[0] != 0x01 {
		t.Errorf("SecurityConfig = %+v", sc)
	}
}

func TestLoadDefaultService(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "log:\n  level: warn\n")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if len(cfg.Services) != 1 {
		t.Fatalf("Services = %d, want 1", len(cfg.Services))
	}
	sc := cfg.Services[0]
	ap, err := sc.AddrPort()
	if err != nil || ap.Port() != config.DefaultPort {
		t.Errorf("default service AddrPort() = %v (%v)", ap, err)
	}
	for _, r := range config.KnownResources {
		if !sc.Serves(r) {
			t.Errorf("default service does not serve %q", r)
		}
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeTemp(t, "coap:\n  max_retransmit: 3\n")

	t.Setenv("GOCOAP_LOG_LEVEL", "error")
	t.Setenv("GOCOAP_COAP_MAX_RETRANSMIT", "6")
	t.Setenv("GOCOAP_COAP_ECHO_NONCE_SIZE", "16")
	t.Setenv("GOCOAP_METRICS_PATH", "/m")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, want error", cfg.Log.Level)
	}
	if cfg.CoAP.MaxRetransmit != 6 {
		t.Errorf("MaxRetransmit = %d, want 6", cfg.CoAP.MaxRetransmit)
	}
	if cfg.CoAP.Echo.NonceSize != 16 {
		t.Errorf("Echo.NonceSize = %d, want 16", cfg.CoAP.Echo.NonceSize)
	}
	if cfg.Metrics.Path != "/m" {
		t.Errorf("Metrics.Path = %q, want /m", cfg.Metrics.Path)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	secret := config.OSCOREContextConfig{Name: "a", MasterSecret: "00112233", SenderID: "01"}

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name:    "log format",
			modify:  func(c *config.Config) { c.Log.Format = "xml" },
			wantErr: config.ErrInvalidLogFormat,
		},
		{
			name:    "max message size",
			modify:  func(c *config.Config) { c.CoAP.MaxMessageSize = 3 },
			wantErr: config.ErrInvalidMaxMessageSize,
		},
		{
			name:    "ack timeout",
			modify:  func(c *config.Config) { c.CoAP.AckTimeout = 0 },
			wantErr: coap.ErrInvalidAckTimeout,
		},
		{
			name:    "random factor",
			modify:  func(c *config.Config) { c.CoAP.AckRandomFactor = 0.5 },
			wantErr: coap.ErrInvalidRandomFactor,
		},
		{
			name:    "negative capacity",
			modify:  func(c *config.Config) { c.CoAP.DedupCapacity = -1 },
			wantErr: config.ErrInvalidCapacity,
		},
		{
			name:    "nonce size",
			modify:  func(c *config.Config) { c.CoAP.Echo.NonceSize = 41 },
			wantErr: config.ErrInvalidEchoNonceSize,
		},
		{
			name:    "echo lifetime",
			modify:  func(c *config.Config) { c.CoAP.Echo.Lifetime = 0 },
			wantErr: config.ErrInvalidEchoLifetime,
		},
		{
			name: "oscore name",
			modify: func(c *config.Config) {
				c.OSCORE.Contexts = []config.OSCOREContextConfig{{MasterSecret: "00"}}
			},
			wantErr: config.ErrEmptyOSCOREName,
		},
		{
			name: "oscore duplicate",
			modify: func(c *config.Config) {
				c.OSCORE.Contexts = []config.OSCOREContextConfig{secret, secret}
			},
			wantErr: config.ErrDuplicateOSCOREName,
		},
		{
			name: "oscore secret",
			modify: func(c *config.Config) {
				c.OSCORE.Contexts = []config.OSCOREContextConfig{{Name: "a"}}
			},
			wantErr: config.ErrEmptyMasterSecret,
		},
		{
			name: "oscore hex",
			modify: func(c *config.Config) {
				c.OSCORE.Contexts = []config.OSCOREContextConfig{{Name: "a", MasterSecret: "00", SenderID: "zz"}}
			},
			wantErr: config.ErrInvalidHex,
		},
		{
			name: "oscore algorithm",
			modify: func(c *config.Config) {
				c.OSCORE.Contexts = []config.OSCOREContextConfig{{Name: "a", MasterSecret: "00", Algorithm: "rot13"}}
			},
			wantErr: oscore.ErrUnknownAlgorithm,
		},
		{
			name: "oscore identical ids",
			modify: func(c *config.Config) {
				c.OSCORE.Contexts = []config.OSCOREContextConfig{{Name: "a", MasterSecret: "00", SenderID: "01", RecipientID: "01"}}
			},
			wantErr: oscore.ErrInvalidConfig,
		},
		{
			name:    "service name",
			modify:  func(c *config.Config) { c.Services = []config.ServiceConfig{{}} },
			wantErr: config.ErrEmptyServiceName,
		},
		{
			name: "service duplicate",
			modify: func(c *config.Config) {
				c.Services = []config.ServiceConfig{{Name: "a"}, {Name: "a", Port: 1}}
			},
			wantErr: config.ErrDuplicateServiceName,
		},
		{
			name:    "transport",
			modify:  func(c *config.Config) { c.Services = []config.ServiceConfig{{Name: "a", Transport: "tcp"}} },
			wantErr: config.ErrInvalidTransport,
		},
		{
			name:    "dtls without psk",
			modify:  func(c *config.Config) { c.Services = []config.ServiceConfig{{Name: "a", Transport: "dtls"}} },
			wantErr: config.ErrInvalidPSK,
		},
		{
			name:    "port",
			modify:  func(c *config.Config) { c.Services = []config.ServiceConfig{{Name: "a", Port: 70000}} },
			wantErr: config.ErrInvalidServicePort,
		},
		{
			name:    "unknown oscore context",
			modify:  func(c *config.Config) { c.Services = []config.ServiceConfig{{Name: "a", OSCORE: "missing"}} },
			wantErr: config.ErrUnknownOSCOREContext,
		},
		{
			name:    "require oscore without context",
			modify:  func(c *config.Config) { c.Services = []config.ServiceConfig{{Name: "a", RequireOSCORE: true}} },
			wantErr: config.ErrRequireOSCOREWithoutContext,
		},
		{
			name:    "unknown resource",
			modify:  func(c *config.Config) { c.Services = []config.ServiceConfig{{Name: "a", Resources: []string{"fs"}}} },
			wantErr: config.ErrUnknownResource,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestServiceAddrPortInvalidAddr(t *testing.T) {
	t.Parallel()

	sc := config.ServiceConfig{Name: "a", Addr: "not-an-ip"}
	if _, err := sc.AddrPort(); err == nil {
		t.Error("AddrPort() with invalid addr succeeded")
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			if got := config.ParseLogLevel(tt.input); got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() with nonexistent file should return error")
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	t.Parallel()

	path := writeTemp(t, "services:\n  - name: a\n    transport: sctp\n")

	if _, err := config.Load(path); !errors.Is(err, config.ErrInvalidTransport) {
		t.Errorf("Load() = %v, want ErrInvalidTransport", err)
	}
}

// writeTemp creates a temporary YAML config file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "gocoapd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	return path
}
