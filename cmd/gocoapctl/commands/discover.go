package commands

import (
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/spf13/cobra"

	"github.com/dantte-lp/gocoap/internal/coap"
)

// --- discover ---

func discoverCmd() *cobra.Command {
	var queries []string

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List resources via /.well-known/core (RFC 6690)",
		Long:  `Fetches /.well-known/core. Filters are passed as Uri-Query options, e.g. -q rt=gocoap.kv or -q 'href=/kv*'.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := buildRequest("get", coap.WellKnownCorePath, requestFlags{queries: queries, contentFormat: -1, noResponse: -1})
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
				return fmt.Errorf("discover: %w", err)
			}

			out, err := formatDiscovery(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format links: %w", err)
			}

			fmt.Println(out)

			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&queries, "query", "q", nil, "discovery filter (repeatable)")

	return cmd
}

// formatDiscovery renders a link-format response as a resource list. Any
// other response is printed as is.
func formatDiscovery(resp *coap.Message, format string) (string, error) {
	cf, err := resp.Uint(message.ContentFormat)
	if err != nil || message.MediaType(cf) != message.AppLinkFormat {
		return formatResponse(resp, format)
	}
	return formatLinks(coap.ParseLinkFormat(resp.Payload), format)
}
