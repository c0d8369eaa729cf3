package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gocoap/internal/coap"
)

// --- observe ---

func observeCmd() *cobra.Command {
	var (
		count   int
		queries []string
	)

	cmd := &cobra.Command{
		Use:   "observe <path>",
		Short: "Observe a resource and print notifications (RFC 7641)",
		Long:  "Registers as an observer and prints every notification until interrupted or --count notifications were received.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest("get", args[0], requestFlags{queries: queries, contentFormat: -1, noResponse: -1})
			if err != nil {
				return err
			}

			// Observation is unbounded by --timeout; Ctrl-C deregisters.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dialCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			c, err := dial(dialCtx)
			if err != nil {
				return err
			}
			defer c.Close()

			var (
				seen   int
				fmtErr error
			)
			err = c.Observe(ctx, req, func(m *coap.Message) bool {
				out, err := formatResponse(m, outputFormat)
				if err != nil {
					fmtErr = fmt.Errorf("format notification: %w", err)
					return false
				}
				fmt.Println(out)

				seen++
				return count <= 0 || seen < count
			})
			if fmtErr != nil {
				return fmtErr
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("observe /%s: %w", req.Path(), err)
			}

			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many notifications (0 = unlimited)")
	cmd.Flags().StringArrayVarP(&queries, "query", "q", nil, "Uri-Query option (repeatable)")

	return cmd
}
