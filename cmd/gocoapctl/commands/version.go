package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	appversion "github.com/dantte-lp/gocoap/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print gocoapctl build information",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if outputFormat == formatText {
				fmt.Println(appversion.Full("gocoapctl"))
				return nil
			}

			var (
				out string
				err error
			)
			switch outputFormat {
			case formatJSON:
				out, err = marshalJSON(appversion.Current())
			case formatYAML:
				out, err = marshalYAML(appversion.Current())
			default:
				err = fmt.Errorf("%w: %q", errUnsupportedFormat, outputFormat)
			}
			if err != nil {
				return err
			}

			fmt.Println(out)

			return nil
		},
	}
}
