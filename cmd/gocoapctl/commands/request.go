package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/spf13/cobra"

	"github.com/dantte-lp/gocoap/internal/coap"
)

// Sentinel errors for CLI validation.
var (
	errUnknownMethod     = errors.New("unknown method")
	errInvalidContentFmt = errors.New("content format must be between 0 and 65535")
	errPayloadNotAllowed = errors.New("payload is not allowed for this method")
	errInvalidNoResponse = errors.New("no-response must be between 0 and 255")
)

// requestFlags holds the flags shared by the method commands.
type requestFlags struct {
	payload       string
	contentFormat int
	nonConfirm    bool
	queries       []string
	noResponse    int
}

// methodCodes maps command names to request codes.
var methodCodes = map[string]codes.Code{
	"get":    codes.GET,
	"post":   codes.POST,
	"put":    codes.PUT,
	"delete": codes.DELETE,
}

// --- get / put / post / delete ---

func methodCmd(name, short string) *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   name + " <path>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(name, args[0], flags)
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(cmd)
			defer cancel()

			c, err := dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Do(ctx, req)
			if err != nil {
				return fmt.Errorf("%s /%s: %w", strings.ToUpper(name), req.Path(), err)
			}

			out, err := formatResponse(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format response: %w", err)
			}

			fmt.Println(out)

			return nil
		},
	}

	cmd.Flags().StringVarP(&flags.payload, "payload", "p", "", "request payload")
	cmd.Flags().IntVarP(&flags.contentFormat, "content-format", "c", -1, "Content-Format of the payload (e.g. 0 text/plain, 50 application/json)")
	cmd.Flags().BoolVar(&flags.nonConfirm, "non", false, "send as Non-confirmable")
	cmd.Flags().StringArrayVarP(&flags.queries, "query", "q", nil, "Uri-Query option (repeatable)")
	cmd.Flags().IntVar(&flags.noResponse, "no-response", -1, "No-Response option value (RFC 7967)")

	return cmd
}

// buildRequest assembles a request from a command name, a path (optionally
// carrying "?query" parts) and the command flags.
func buildRequest(method, target string, flags requestFlags) (*coap.Message, error) {
	code, ok := methodCodes[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnknownMethod, method)
	}

	req := &coap.Message{Type: message.Confirmable, Code: code}
	if flags.nonConfirm {
		req.Type = message.NonConfirmable
	}

	path, query, _ := strings.Cut(target, "?")
	req.SetPath(path)

	queries := flags.queries
	if query != "" {
		queries = append(strings.Split(query, "&"), queries...)
	}
	for _, q := range queries {
		req.AddOption(message.URIQuery, []byte(q))
	}

	if flags.payload != "" {
		if code == codes.GET || code == codes.DELETE {
			return nil, fmt.Errorf("%s: %w", strings.ToUpper(method), errPayloadNotAllowed)
		}
		req.Payload = []byte(flags.payload)
	}

	if flags.contentFormat >= 0 {
		if flags.contentFormat > 0xFFFF {
			return nil, errInvalidContentFmt
		}
		req.SetUint(message.ContentFormat, uint32(flags.contentFormat))
	}

	if flags.noResponse >= 0 {
		if flags.noResponse > 0xFF {
			return nil, errInvalidNoResponse
		}
		req.SetUint(coap.OptionNoResponse, uint32(flags.noResponse))
	}

	return req, nil
}
