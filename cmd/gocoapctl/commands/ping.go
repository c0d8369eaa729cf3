package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// --- ping ---

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Send a CoAP ping (Empty CON) and wait for the reset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			c, err := dial(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			start := time.Now()
			if err := c.Ping(ctx); err != nil {
				return fmt.Errorf("ping %s: %w", serverAddr, err)
			}

			fmt.Printf("pong from %s in %s\n", serverAddr, time.Since(start).Round(time.Microsecond))

			return nil
		},
	}
}
