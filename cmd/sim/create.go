package sim

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/simfleet/manager/internal/frontend"
)

func newCreateCmd(addr *string) *cobra.Command {
	var name string
	var simulators []string
	var required []string
	var graphFile string
	var maxSteps int
	var deltaTime float64

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new simulation",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := frontend.CreateRequest{
				Name:               name,
				SimulatorIDs:       simulators,
				RequiredComponents: required,
				MaxSteps:           maxSteps,
				DeltaTimeSeconds:   deltaTime,
			}

			if graphFile != "" {
				raw, err := os.ReadFile(graphFile)
				if err != nil {
					return fmt.Errorf("failed to read initial graph file; %w", err)
				}
				var initial struct {
					Nodes   map[string]frontend.NodeView `json:"nodes"`
					Edges   map[string]frontend.EdgeView `json:"edges"`
					Globals json.RawMessage              `json:"globals"`
				}
				if err := json.Unmarshal(raw, &initial); err != nil {
					return fmt.Errorf("failed to parse initial graph file; %w", err)
				}
				req.Nodes = initial.Nodes
				req.Edges = initial.Edges
				if len(initial.Globals) > 0 {
					if err := json.Unmarshal(initial.Globals, &req.Globals); err != nil {
						return fmt.Errorf("failed to parse initial globals; %w", err)
					}
				}
			}

			id, err := client(addr).CreateSimulation(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "simulation name")
	cmd.Flags().StringSliceVar(&simulators, "simulator", nil, "simulator ids to run, in plan order (repeatable)")
	cmd.Flags().StringSliceVar(&required, "require", nil, "required component names (used when no --simulator is given)")
	cmd.Flags().StringVar(&graphFile, "graph", "", "path to a JSON file holding the initial graph")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "number of timesteps to run (0 = until cancelled)")
	cmd.Flags().Float64Var(&deltaTime, "delta-time", 1.0, "simulated seconds per timestep")

	return cmd
}
