package cli

import (
	"github.com/spf13/cobra"
)

// NewDescribeCommand creates the describe command.
func NewDescribeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "describe",
		Short:        "Print tables and their associations",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			// junction tables are registered on first use
			if _, err := s.registry.InferredTables(); err != nil {
				return err
			}
			s.registry.PrintSchematic(cmd.OutOrStdout())
			return nil
		},
	}
}
