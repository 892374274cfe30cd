package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rezakhademix/zorel"
)

// LoadOptions holds the flags of the load command.
type LoadOptions struct {
	Table    string
	Contain  []string
	IDs      []string
	Strategy string
	Limit    int
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{}

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Fetch rows with their associations as JSON",
		Example: `  zorel load --table Articles --contain Tags --contain Authors.Profiles --id 1
  zorel load --table Articles --contain Comments --strategy subquery --limit 10`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			rows, err := runLoad(cmd, s.registry, opts)
			if err != nil {
				return err
			}
			out := make([]map[string]any, len(rows))
			for i, r := range rows {
				out[i] = r.ToMap()
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(out)
		},
	}

	cmd.Flags().StringVarP(&opts.Table, "table", "t", "", "table alias to query")
	cmd.Flags().StringArrayVar(&opts.Contain, "contain", nil, "association path to eager load (repeatable)")
	cmd.Flags().StringSliceVar(&opts.IDs, "id", nil, "primary key value(s), comma separated for composite keys")
	cmd.Flags().StringVar(&opts.Strategy, "strategy", "", "strategy for every contained association (join|select|subquery)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of rows")
	_ = cmd.MarkFlagRequired("table")

	return cmd
}

func runLoad(cmd *cobra.Command, reg *zorel.Registry, opts *LoadOptions) ([]*zorel.Entity, error) {
	if !reg.Has(opts.Table) {
		return nil, fmt.Errorf("%w: table %s is not declared", zorel.ErrConfiguration, opts.Table)
	}
	t := reg.Get(opts.Table)

	q := t.Query()
	if len(opts.IDs) > 0 {
		pk := t.PrimaryKey()
		if len(opts.IDs) != len(pk) {
			return nil, fmt.Errorf("%w: %s has primary key %v, got %d id values", zorel.ErrConfiguration, t.Alias(), pk, len(opts.IDs))
		}
		for i, col := range pk {
			q.Where(zorel.Eq(t.Alias()+"."+col, parseID(opts.IDs[i])))
		}
	}
	for _, path := range opts.Contain {
		var copts []zorel.ContainOption
		if opts.Strategy != "" {
			copts = append(copts, zorel.WithStrategy(zorel.Strategy(opts.Strategy)))
		}
		q.Contain(path, copts...)
	}
	if opts.Limit > 0 {
		q.Limit(opts.Limit)
	}
	return q.All(cmd.Context())
}

// parseID keeps integers numeric so they compare with integer columns.
func parseID(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}
