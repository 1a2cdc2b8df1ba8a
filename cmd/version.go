package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/babelcloud/gbox/packages/screenrec/internal/version"
)

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.ClientInfo()
			out := cmd.OutOrStdout()
			if outputFormat == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintf(out, "Version:     %s\n", info["Version"])
			fmt.Fprintf(out, "Git commit:  %s\n", info["GitCommit"])
			fmt.Fprintf(out, "Built:       %s\n", info["FormattedTime"])
			fmt.Fprintf(out, "Go version:  %s\n", info["GoVersion"])
			fmt.Fprintf(out, "OS/Arch:     %s/%s\n", info["OS"], info["Arch"])
			return nil
		},
	}

	cmd.Flags().StringVar(&outputFormat, "output", "text", "Output format (text or json)")
	return cmd
}
