package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rezakhademix/zorel"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand creates the root command for the zorel CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "zorel",
		Short: "zorel - association loading for relational tables",
		Long:  "Inspect, validate and query a table schema declared in YAML.",
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "zorel.yaml", "schema config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log every statement to stderr")

	cmd.AddCommand(NewDescribeCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewLoadCommand(opts))

	return cmd
}

// session is a registry opened from the config file.
type session struct {
	conn     *zorel.Connection
	registry *zorel.Registry
}

func (s *session) Close() error { return s.conn.Close() }

func openSession(opts *RootOptions, stderr io.Writer) (*session, error) {
	cfg, err := zorel.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	conn, err := cfg.Open(zorel.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	reg := zorel.NewRegistry(conn)
	if err := cfg.Apply(reg); err != nil {
		conn.Close()
		return nil, err
	}
	return &session{conn: conn, registry: reg}, nil
}
