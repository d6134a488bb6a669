// Package sim implements the "simmanager sim" subcommands: a thin CLI
// over the front-end API.
package sim

import (
	"github.com/spf13/cobra"

	"github.com/simfleet/manager/internal/frontendclient"
)

// NewCommand returns the "sim" parent command.
func NewCommand() *cobra.Command {
	var addr string

	root := &cobra.Command{
		Use:   "sim",
		Short: "Create and inspect simulations on a running manager",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:7701", "manager front-end base URL")

	root.AddCommand(newCreateCmd(&addr))
	root.AddCommand(newListCmd(&addr))
	root.AddCommand(newGetCmd(&addr))
	root.AddCommand(newWatchCmd(&addr))
	root.AddCommand(newSimulatorsCmd(&addr))

	return root
}

func client(addr *string) *frontendclient.Client {
	return frontendclient.New(*addr)
}
