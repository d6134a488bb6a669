// Package version implements the "simmanager version" subcommand.
package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/simfleet/manager/internal/version"
)

// NewCommand returns the "version" subcommand.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
			return nil
		},
	}
}
