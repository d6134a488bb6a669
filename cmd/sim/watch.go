package sim

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/simfleet/manager/internal/frontend"
)

func newWatchCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <id>",
		Short: "Stream a simulation's status changes until it finishes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			return client(addr).Watch(cmd.Context(), args[0], func(event frontend.WatchEvent) error {
				return enc.Encode(event)
			})
		},
	}
}
