package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/foundry/internal/version"
)

func newVersionCommand(opts *rootOptions) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long: `Print version information including version number, git commit,
build date, Go version, and platform.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.GetInfo()
			w := cmd.OutOrStdout()
			switch {
			case opts.jsonOutput:
				return writeJSON(w, info)
			case verbose:
				fmt.Fprintln(w, info.String())
			default:
				fmt.Fprintf(w, "foundry %s\n", info.Short())
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show detailed version information")
	return cmd
}
