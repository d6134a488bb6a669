package sim

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newGetCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one simulation's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := client(addr).GetSimulation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		},
	}
}
