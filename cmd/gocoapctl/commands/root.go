package commands

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gocoap/internal/client"
	"github.com/dantte-lp/gocoap/internal/netio"
	"github.com/dantte-lp/gocoap/internal/oscore"
)

var (
	// outputFormat controls the output format for all commands (text, json or yaml).
	outputFormat string

	// serverAddr is the CoAP server address (host:port).
	serverAddr string

	// timeout bounds one command, including retransmissions.
	timeout time.Duration

	// verbose enables debug logging of the client.
	verbose bool

	// OSCORE client context, hex encoded. Protection is enabled when the
	// master secret is set.
	oscoreSecret    string
	oscoreSalt      string
	oscoreSender    string
	oscoreRecipient string
	oscoreAlgorithm string

	// DTLS pre-shared key. The coaps transport is used when the key is set.
	pskIdentity string
	pskKey      string
)

// errInvalidHex is returned when an OSCORE flag is not valid hex.
var errInvalidHex = errors.New("invalid hex value")

// rootCmd is the top-level cobra command for gocoapctl.
var rootCmd = &cobra.Command{
	Use:   "gocoapctl",
	Short: "CLI client for CoAP servers",
	Long:  "gocoapctl sends CoAP requests over UDP or DTLS-PSK, optionally protected with OSCORE.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:5683",
		"CoAP server address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatText,
		"output format: text, json, yaml")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 90*time.Second,
		"overall command timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"log protocol events to stderr")

	rootCmd.PersistentFlags().StringVar(&oscoreSecret, "oscore-secret", "", "OSCORE master secret (hex)")
	rootCmd.PersistentFlags().StringVar(&oscoreSalt, "oscore-salt", "", "OSCORE master salt (hex)")
	rootCmd.PersistentFlags().StringVar(&oscoreSender, "oscore-sender-id", "", "OSCORE sender ID (hex)")
	rootCmd.PersistentFlags().StringVar(&oscoreRecipient, "oscore-recipient-id", "01", "OSCORE recipient ID (hex)")
	rootCmd.PersistentFlags().StringVar(&oscoreAlgorithm, "oscore-alg", "AES-CCM-16-64-128", "OSCORE AEAD algorithm")
	rootCmd.PersistentFlags().StringVar(&pskIdentity, "psk-identity", "", "DTLS PSK identity")
	rootCmd.PersistentFlags().StringVar(&pskKey, "psk", "", "DTLS pre-shared key (hex); enables coaps")

	rootCmd.AddCommand(methodCmd("get", "Send a GET request"))
	rootCmd.AddCommand(methodCmd("put", "Send a PUT request"))
	rootCmd.AddCommand(methodCmd("post", "Send a POST request"))
	rootCmd.AddCommand(methodCmd("delete", "Send a DELETE request"))
	rootCmd.AddCommand(observeCmd())
	rootCmd.AddCommand(discoverCmd())
	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// dial connects to serverAddr with the client options of the global flags.
func dial(ctx context.Context) (*client.Client, error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var opts []client.Option
	if oscoreSecret != "" {
		sc, err := securityContext()
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithSecurityContext(sc))
	}

	if pskKey != "" {
		return dialDTLS(ctx, logger, opts)
	}

	c, err := client.Dial(ctx, serverAddr, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return c, nil
}

// dialDTLS completes a DTLS-PSK handshake with serverAddr.
func dialDTLS(ctx context.Context, logger *slog.Logger, opts []client.Option) (*client.Client, error) {
	key, err := hex.DecodeString(pskKey)
	if err != nil {
		return nil, fmt.Errorf("--psk: %w", errInvalidHex)
	}

	raddr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", serverAddr, err)
	}

	conn, err := netio.DialDTLS(ctx, raddr.AddrPort(), netio.DTLSConfig{
		Identity: pskIdentity,
		Key:      key,
	})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return client.NewDTLS(conn, logger, opts...), nil
}

// securityContext builds the OSCORE client context from the flags.
func securityContext() (*oscore.Context, error) {
	var cfg oscore.Config

	fields := []struct {
		flag string
		val  string
		dst  *[]byte
	}{
		{"--oscore-secret", oscoreSecret, &cfg.MasterSecret},
		{"--oscore-salt", oscoreSalt, &cfg.MasterSalt},
		{"--oscore-sender-id", oscoreSender, &cfg.SenderID},
		{"--oscore-recipient-id", oscoreRecipient, &cfg.RecipientID},
	}
	for _, f := range fields {
		b, err := hex.DecodeString(f.val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.flag, errInvalidHex)
		}
		*f.dst = b
	}

	alg, err := oscore.ParseAlgorithm(oscoreAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("--oscore-alg: %w", err)
	}
	cfg.Algorithm = alg

	sc, err := oscore.NewContext(cfg)
	if err != nil {
		return nil, fmt.Errorf("oscore context: %w", err)
	}
	return sc, nil
}

// commandContext returns a context bounded by --timeout.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}
