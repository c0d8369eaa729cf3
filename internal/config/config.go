// Package config manages gocoapd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables layered over defaults.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/gocoap/internal/coap"
	"github.com/dantte-lp/gocoap/internal/oscore"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gocoapd configuration.
type Config struct {
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Health    HealthConfig    `koanf:"health"`
	CoAP      CoAPConfig      `koanf:"coap"`
	OSCORE    OSCOREConfig    `koanf:"oscore"`
	Resources ResourcesConfig `koanf:"resources"`
	Services  []ServiceConfig `koanf:"services"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// HealthConfig holds the grpc.health.v1 endpoint configuration.
type HealthConfig struct {
	// Addr is the h2c listen address (e.g., ":8081"). Empty disables it.
	Addr string `koanf:"addr"`
}

// CoAPConfig holds the message layer parameters shared by every service.
type CoAPConfig struct {
	// MaxMessageSize is the largest accepted datagram (RFC 7252 Section 4.6).
	MaxMessageSize int `koanf:"max_message_size"`

	// AckTimeout is ACK_TIMEOUT (RFC 7252 Section 4.8).
	AckTimeout time.Duration `koanf:"ack_timeout"`

	// AckRandomFactor is ACK_RANDOM_FACTOR, at least 1.0.
	AckRandomFactor float64 `koanf:"ack_random_factor"`

	// BackoffFactor multiplies the timeout after every retransmission.
	// RFC 7252 Section 4.2 doubles it.
	BackoffFactor float64 `koanf:"backoff_factor"`

	// MaxRetransmit is MAX_RETRANSMIT.
	MaxRetransmit int `koanf:"max_retransmit"`

	// ExchangeLifetime bounds OSCORE exchanges and duplicate detection.
	// Zero derives EXCHANGE_LIFETIME from the transmission parameters.
	ExchangeLifetime time.Duration `koanf:"exchange_lifetime"`

	// ConfirmableEvery sends every n-th notification as CON
	// (RFC 7641 Section 4.5). Zero disables the rule.
	ConfirmableEvery int `koanf:"confirmable_every"`

	PendingCapacity  int `koanf:"pending_capacity"`
	ObserverCapacity int `koanf:"observer_capacity"`
	EchoCapacity     int `koanf:"echo_capacity"`
	ExchangeCapacity int `koanf:"exchange_capacity"`
	DedupCapacity    int `koanf:"dedup_capacity"`

	Echo EchoConfig `koanf:"echo"`
}

// EchoConfig holds the RFC 9175 freshness policy.
type EchoConfig struct {
	// RequireUnsafe challenges unsafe requests from unverified addresses.
	RequireUnsafe bool `koanf:"require_unsafe"`

	// AmplificationMitigation challenges large discovery responses to
	// unverified addresses (RFC 9175 Section 2.4 item 3).
	AmplificationMitigation bool `koanf:"amplification_mitigation"`

	// Threshold is the largest unverified discovery payload. Zero selects
	// three times the request size.
	Threshold int `koanf:"threshold"`

	// Lifetime bounds a nonce and the verified state of an address.
	Lifetime time.Duration `koanf:"lifetime"`

	// NonceSize is the challenge nonce length (1-40 bytes).
	NonceSize int `koanf:"nonce_size"`
}

// OSCOREConfig lists the OSCORE security contexts services may refer to.
type OSCOREConfig struct {
	Contexts []OSCOREContextConfig `koanf:"contexts"`
}

// OSCOREContextConfig describes one pre-established security context
// (RFC 8613 Section 3.2). Binary values are hex encoded.
type OSCOREContextConfig struct {
	Name         string `koanf:"name"`
	MasterSecret string `koanf:"master_secret"`
	MasterSalt   string `koanf:"master_salt"`
	SenderID     string `koanf:"sender_id"`
	RecipientID  string `koanf:"recipient_id"`
	IDContext    string `koanf:"id_context"`

	// Algorithm is the AEAD name: "AES-CCM-16-64-128" (default),
	// "A128GCM" or "ChaCha20/Poly1305".
	Algorithm string `koanf:"algorithm"`
}

// ResourcesConfig holds the built-in resource settings.
type ResourcesConfig struct {
	// KVMaxValueSize bounds a value stored under /kv.
	KVMaxValueSize int `koanf:"kv_max_value_size"`

	// ClockInterval is the notification period of /time.
	ClockInterval time.Duration `koanf:"clock_interval"`
}

// ServiceConfig describes a declarative CoAP endpoint from the
// configuration file. Each entry creates a service on daemon startup and
// SIGHUP reload.
type ServiceConfig struct {
	// Name identifies the service in logs, metrics and reloads.
	Name string `koanf:"name"`

	// Addr is the local bind IP address. Empty binds every address.
	Addr string `koanf:"addr"`

	// Port is the local port. Zero selects 5683 for udp and 5684 for dtls.
	Port int `koanf:"port"`

	// Transport is "udp" (default) or "dtls".
	Transport string `koanf:"transport"`

	// PSKIdentity and PSKKey configure DTLS pre-shared key mode.
	// PSKKey is hex encoded.
	PSKIdentity string `koanf:"psk_identity"`
	PSKKey      string `koanf:"psk_key"`

	// OSCORE names an entry of oscore.contexts. Empty disables OSCORE.
	OSCORE string `koanf:"oscore"`

	// RequireOSCORE rejects unprotected requests with 4.01.
	RequireOSCORE bool `koanf:"require_oscore"`

	// Resources lists the built-in resources served: "kv", "time",
	// "version". Empty serves all of them.
	Resources []string `koanf:"resources"`
}

// Transports.
const (
	TransportUDP  = "udp"
	TransportDTLS = "dtls"
)

// Default ports (RFC 7252 Section 12.6 and 12.7).
const (
	DefaultPort       = 5683
	DefaultSecurePort = 5684
)

// KnownResources lists the built-in resource names.
var KnownResources = []string{"kv", "time", "version"}

// AddrPort returns the bind address of the service.
func (sc ServiceConfig) AddrPort() (netip.AddrPort, error) {
	port := sc.Port
	if port == 0 {
		port = DefaultPort
		if sc.Transport == TransportDTLS {
			port = DefaultSecurePort
		}
	}
	if port < 0 || port > math.MaxUint16 {
		return netip.AddrPort{}, fmt.Errorf("service %q port %d: %w", sc.Name, sc.Port, ErrInvalidServicePort)
	}

	addr := netip.IPv6Unspecified()
	if sc.Addr != "" {
		a, err := netip.ParseAddr(sc.Addr)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("parse service %q addr %q: %w", sc.Name, sc.Addr, err)
		}
		addr = a
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}

// PSK decodes the DTLS pre-shared key.
func (sc ServiceConfig) PSK() ([]byte, error) {
	key, err := hex.DecodeString(sc.PSKKey)
	if err != nil || len(key) == 0 {
		return nil, fmt.Errorf("service %q psk_key: %w", sc.Name, ErrInvalidPSK)
	}
	return key, nil
}

// Serves reports whether the service serves the named resource.
func (sc ServiceConfig) Serves(resource string) bool {
	return len(sc.Resources) == 0 || slices.Contains(sc.Resources, resource)
}

// Transmission converts the configured parameters to the percent form of
// coap.TransmissionParams.
func (c CoAPConfig) Transmission() coap.TransmissionParams {
	return coap.TransmissionParams{
		AckTimeout:       c.AckTimeout,
		AckRandomPercent: int(math.Round(c.AckRandomFactor * 100)),
		BackoffPercent:   int(math.Round(c.BackoffFactor * 100)),
		MaxRetransmit:    c.MaxRetransmit,
	}
}

// SecurityConfig decodes the context into an oscore.Config.
func (oc OSCOREContextConfig) SecurityConfig() (oscore.Config, error) {
	var cfg oscore.Config

	fields := []struct {
		key string
		val string
		dst *[]byte
	}{
		{"master_secret", oc.MasterSecret, &cfg.MasterSecret},
		{"master_salt", oc.MasterSalt, &cfg.MasterSalt},
		{"sender_id", oc.SenderID, &cfg.SenderID},
		{"recipient_id", oc.RecipientID, &cfg.RecipientID},
		{"id_context", oc.IDContext, &cfg.IDContext},
	}
	for _, f := range fields {
		b, err := hex.DecodeString(f.val)
		if err != nil {
			return oscore.Config{}, fmt.Errorf("oscore context %q %s: %w: %w", oc.Name, f.key, ErrInvalidHex, err)
		}
		*f.dst = b
	}

	alg, err := oscore.ParseAlgorithm(oc.Algorithm)
	if err != nil {
		return oscore.Config{}, fmt.Errorf("oscore context %q: %w", oc.Name, err)
	}
	cfg.Algorithm = alg

	return cfg, nil
}

// Context returns the named OSCORE context.
func (c *Config) Context(name string) (OSCOREContextConfig, bool) {
	for _, oc := range c.OSCORE.Contexts {
		if oc.Name == name {
			return oc, true
		}
	}
	return OSCOREContextConfig{}, false
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// Transmission parameters follow RFC 7252 Section 4.8: ACK_TIMEOUT 2s,
// ACK_RANDOM_FACTOR 1.5, MAX_RETRANSMIT 4. A configuration without
// services serves every built-in resource on udp/[::]:5683.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Health: HealthConfig{
			Addr: ":8081",
		},
		CoAP: CoAPConfig{
			MaxMessageSize:   1152,
			AckTimeout:       coap.DefaultAckTimeout,
			AckRandomFactor:  float64(coap.DefaultAckRandomPercent) / 100,
			BackoffFactor:    float64(coap.DefaultBackoffPercent) / 100,
			MaxRetransmit:    coap.DefaultMaxRetransmit,
			PendingCapacity:  32,
			ObserverCapacity: 32,
			EchoCapacity:     64,
			ExchangeCapacity: 32,
			DedupCapacity:    256,
			Echo: EchoConfig{
				RequireUnsafe:           true,
				AmplificationMitigation: true,
				Lifetime:                60 * time.Second,
				NonceSize:               8,
			},
		},
		Resources: ResourcesConfig{
			KVMaxValueSize: 1024,
			ClockInterval:  5 * time.Second,
		},
	}
}

// DefaultService is used when the configuration lists no services. It
// serves every built-in resource on udp/[::]:5683.
func DefaultService() ServiceConfig {
	return ServiceConfig{Name: "coap", Transport: TransportUDP}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for gocoapd configuration.
// Variables are named GOCOAP_<section>_<key>, e.g., GOCOAP_LOG_LEVEL.
const envPrefix = "GOCOAP_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOCOAP_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOCOAP_LOG_LEVEL              -> log.level
//	GOCOAP_METRICS_ADDR           -> metrics.addr
//	GOCOAP_HEALTH_ADDR            -> health.addr
//	GOCOAP_COAP_MAX_RETRANSMIT    -> coap.max_retransmit
//	GOCOAP_COAP_ECHO_NONCE_SIZE   -> coap.echo.nonce_size
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := defaultMap(DefaultConfig())
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("load config defaults: set %s: %w", key, err)
		}
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper(defaults)), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Services) == 0 {
		cfg.Services = []ServiceConfig{DefaultService()}
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOCOAP_COAP_ECHO_NONCE_SIZE -> coap.echo.nonce_size.
// Keys with underscores are resolved against the known default keys;
// anything else maps every _ to a dot.
func envKeyMapper(known map[string]any) func(string) string {
	byEnv := make(map[string]string, len(known))
	for key := range known {
		byEnv[strings.ReplaceAll(key, ".", "_")] = key
	}

	return func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		if key, ok := byEnv[s]; ok {
			return key
		}
		return strings.ReplaceAll(s, "_", ".")
	}
}

// defaultMap flattens the default config into koanf keys.
func defaultMap(d *Config) map[string]any {
	return map[string]any{
		"log.level":                          d.Log.Level,
		"log.format":                         d.Log.Format,
		"metrics.addr":                       d.Metrics.Addr,
		"metrics.path":                       d.Metrics.Path,
		"health.addr":                        d.Health.Addr,
		"coap.max_message_size":              d.CoAP.MaxMessageSize,
		"coap.ack_timeout":                   d.CoAP.AckTimeout.String(),
		"coap.ack_random_factor":             d.CoAP.AckRandomFactor,
		"coap.backoff_factor":                d.CoAP.BackoffFactor,
		"coap.max_retransmit":                d.CoAP.MaxRetransmit,
		"coap.exchange_lifetime":             d.CoAP.ExchangeLifetime.String(),
		"coap.confirmable_every":             d.CoAP.ConfirmableEvery,
		"coap.pending_capacity":              d.CoAP.PendingCapacity,
		"coap.observer_capacity":             d.CoAP.ObserverCapacity,
		"coap.echo_capacity":                 d.CoAP.EchoCapacity,
		"coap.exchange_capacity":             d.CoAP.ExchangeCapacity,
		"coap.dedup_capacity":                d.CoAP.DedupCapacity,
		"coap.echo.require_unsafe":           d.CoAP.Echo.RequireUnsafe,
		"coap.echo.amplification_mitigation": d.CoAP.Echo.AmplificationMitigation,
		"coap.echo.threshold":                d.CoAP.Echo.Threshold,
		"coap.echo.lifetime":                 d.CoAP.Echo.Lifetime.String(),
		"coap.echo.nonce_size":               d.CoAP.Echo.NonceSize,
		"resources.kv_max_value_size":        d.Resources.KVMaxValueSize,
		"resources.clock_interval":           d.Resources.ClockInterval.String(),
	}
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidMaxMessageSize indicates coap.max_message_size is too small
	// to hold a header.
	ErrInvalidMaxMessageSize = errors.New("coap.max_message_size must be >= 4")

	// ErrInvalidCapacity indicates a negative store capacity.
	ErrInvalidCapacity = errors.New("coap store capacities must be >= 0")

	// ErrInvalidEchoNonceSize indicates an Echo nonce outside 1-40 bytes.
	ErrInvalidEchoNonceSize = errors.New("coap.echo.nonce_size must be between 1 and 40")

	// ErrInvalidEchoLifetime indicates a non-positive Echo lifetime.
	ErrInvalidEchoLifetime = errors.New("coap.echo.lifetime must be > 0")

	// ErrInvalidLogFormat indicates an unknown log.format.
	ErrInvalidLogFormat = errors.New("log.format must be json or text")

	// ErrEmptyOSCOREName indicates an OSCORE context without a name.
	ErrEmptyOSCOREName = errors.New("oscore context name must not be empty")

	// ErrDuplicateOSCOREName indicates two OSCORE contexts share a name.
	ErrDuplicateOSCOREName = errors.New("duplicate oscore context name")

	// ErrEmptyMasterSecret indicates an OSCORE context without a secret.
	ErrEmptyMasterSecret = errors.New("oscore master_secret must not be empty")

	// ErrInvalidHex indicates a binary value that is not valid hex.
	ErrInvalidHex = errors.New("value is not valid hex")

	// ErrEmptyServiceName indicates a service without a name.
	ErrEmptyServiceName = errors.New("service name must not be empty")

	// ErrDuplicateServiceName indicates two services share a name.
	ErrDuplicateServiceName = errors.New("duplicate service name")

	// ErrInvalidTransport indicates an unknown service transport.
	ErrInvalidTransport = errors.New("service transport must be udp or dtls")

	// ErrInvalidServicePort indicates a port outside 0-65535.
	ErrInvalidServicePort = errors.New("service port must be between 0 and 65535")

	// ErrInvalidPSK indicates a dtls service without a usable psk_key.
	ErrInvalidPSK = errors.New("dtls service requires a non-empty hex psk_key")

	// ErrUnknownOSCOREContext indicates a service naming a missing context.
	ErrUnknownOSCOREContext = errors.New("service refers to an unknown oscore context")

	// ErrRequireOSCOREWithoutContext indicates require_oscore without oscore.
	ErrRequireOSCOREWithoutContext = errors.New("service require_oscore needs an oscore context")

	// ErrUnknownResource indicates a service listing an unknown resource.
	ErrUnknownResource = errors.New("unknown resource, expected kv, time or version")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Log.Format != "" && cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("log.format %q: %w", cfg.Log.Format, ErrInvalidLogFormat)
	}

	if err := validateCoAP(cfg.CoAP); err != nil {
		return err
	}

	if err := validateContexts(cfg.OSCORE.Contexts); err != nil {
		return err
	}

	return validateServices(cfg)
}

func validateCoAP(c CoAPConfig) error {
	if c.MaxMessageSize < coap.HeaderSize {
		return ErrInvalidMaxMessageSize
	}

	if err := c.Transmission().Validate(); err != nil {
		return fmt.Errorf("coap: %w", err)
	}

	for _, n := range []int{c.PendingCapacity, c.ObserverCapacity, c.EchoCapacity, c.ExchangeCapacity, c.DedupCapacity} {
		if n < 0 {
			return ErrInvalidCapacity
		}
	}

	if c.Echo.NonceSize < 1 || c.Echo.NonceSize > coap.MaxEchoLen {
		return ErrInvalidEchoNonceSize
	}

	if c.Echo.Lifetime <= 0 {
		return ErrInvalidEchoLifetime
	}

	return nil
}

// validateContexts checks each OSCORE context entry for correctness.
func validateContexts(contexts []OSCOREContextConfig) error {
	seen := make(map[string]struct{}, len(contexts))

	for i, oc := range contexts {
		if oc.Name == "" {
			return fmt.Errorf("oscore.contexts[%d]: %w", i, ErrEmptyOSCOREName)
		}
		if _, dup := seen[oc.Name]; dup {
			return fmt.Errorf("oscore.contexts[%d] name %q: %w", i, oc.Name, ErrDuplicateOSCOREName)
		}
		seen[oc.Name] = struct{}{}

		if oc.MasterSecret == "" {
			return fmt.Errorf("oscore.contexts[%d]: %w", i, ErrEmptyMasterSecret)
		}
		sc, err := oc.SecurityConfig()
		if err != nil {
			return fmt.Errorf("oscore.contexts[%d]: %w", i, err)
		}
		if _, err := oscore.NewContext(sc); err != nil {
			return fmt.Errorf("oscore.contexts[%d] %q: %w", i, oc.Name, err)
		}
	}

	return nil
}

// validateServices checks each declarative service entry for correctness.
func validateServices(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Services))

	for i, sc := range cfg.Services {
		if sc.Name == "" {
			return fmt.Errorf("services[%d]: %w", i, ErrEmptyServiceName)
		}
		if _, dup := seen[sc.Name]; dup {
			return fmt.Errorf("services[%d] name %q: %w", i, sc.Name, ErrDuplicateServiceName)
		}
		seen[sc.Name] = struct{}{}

		switch sc.Transport {
		case "", TransportUDP:
		case TransportDTLS:
			if _, err := sc.PSK(); err != nil {
				return fmt.Errorf("services[%d]: %w", i, err)
			}
		default:
			return fmt.Errorf("services[%d] transport %q: %w", i, sc.Transport, ErrInvalidTransport)
		}

		if _, err := sc.AddrPort(); err != nil {
			return fmt.Errorf("services[%d]: %w", i, err)
		}

		if sc.OSCORE != "" {
			if _, ok := cfg.Context(sc.OSCORE); !ok {
				return fmt.Errorf("services[%d] oscore %q: %w", i, sc.OSCORE, ErrUnknownOSCOREContext)
			}
		} else if sc.RequireOSCORE {
			return fmt.Errorf("services[%d]: %w", i, ErrRequireOSCOREWithoutContext)
		}

		for _, r := range sc.Resources {
			if !slices.Contains(KnownResources, r) {
				return fmt.Errorf("services[%d] resource %q: %w", i, r, ErrUnknownResource)
			}
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
