package sim

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSimulatorsCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "simulators",
		Short: "List simulators registered with the manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			sims, err := client(addr).ListSimulators(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tREQUIRED\tOUTPUT")
			for _, s := range sims {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Name,
					strings.Join(s.Required, ","), strings.Join(s.Output, ","))
			}
			return tw.Flush()
		},
	}
}
