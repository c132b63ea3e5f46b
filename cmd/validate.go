package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"testbed/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <scenario>",
		Short: "Check a scenario file without starting anything",
		Long: `Loads the scenario with the user and project configuration layered
underneath and reports every configuration error at once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scenario, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if err := config.Validate(scenario); err != nil {
				return err
			}
			env := scenario.Environment
			if env == "" {
				env = config.DefaultEnvironment
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scenario %s is valid: %d services in %s\n", args[0], len(scenario.Services), env)
			return nil
		},
	}
}
