package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the schema against the database",
		Long: `Check every association's key arity, then that every inferred table,
junction tables included, and every key column exist in the database.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.registry.Validate(cmd.Context()); err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "✗ Validation failed")
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Schema valid")
			return nil
		},
	}
}
