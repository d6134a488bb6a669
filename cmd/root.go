// Package cmd wires the simmanager CLI's subcommands.
package cmd

import (
	"github.com/spf13/cobra"

	cmdserve "github.com/simfleet/manager/cmd/serve"
	cmdsim "github.com/simfleet/manager/cmd/sim"
	cmdversion "github.com/simfleet/manager/cmd/version"
)

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "simmanager",
		Short: "Simulation manager: orchestrates registered simulators over a shared digital-twin graph",
	}

	root.AddCommand(cmdserve.NewCommand())
	root.AddCommand(cmdsim.NewCommand())
	root.AddCommand(cmdversion.NewCommand())

	return root
}
