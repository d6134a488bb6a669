package sim

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known simulations",
		RunE: func(cmd *cobra.Command, args []string) error {
			sims, err := client(addr).ListSimulations(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSEQ")
			for _, s := range sims {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", s.ID, s.Name, s.Status, s.Seq)
			}
			return tw.Flush()
		},
	}
}
