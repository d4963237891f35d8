// Package cli implements the framelog administrative commands for
// inspecting and maintaining an event log database offline.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/framelog/framelog/internal/schema"
	"github.com/framelog/framelog/internal/storage/sqlite"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	DBPath string
}

// NewRootCommand creates the root command for the framelog CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:          "framelog",
		Short:        "Inspect and maintain a framelog event log",
		SilenceUsage: true,
		// Errors surface once, through the entry point.
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", defaultDBPath(), "path to the event log database")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))

	return cmd
}

func defaultDBPath() string {
	if path := os.Getenv("FRAMELOG_DB_PATH"); path != "" {
		return path
	}
	return "framelog.db"
}

// openStore opens an existing event log with the current schema
// registry. It refuses to create a new database so a mistyped path
// fails instead of silently producing an empty log.
func openStore(opts *RootOptions) (*sqlite.Store, *schema.Registry, error) {
	if opts.DBPath == "" {
		return nil, nil, fmt.Errorf("db path is required")
	}
	if _, err := os.Stat(opts.DBPath); err != nil {
		return nil, nil, fmt.Errorf("event log %q: %w", opts.DBPath, err)
	}
	registry, err := schema.NewRegistry()
	if err != nil {
		return nil, nil, fmt.Errorf("build schema registry: %w", err)
	}
	store, err := sqlite.Open(opts.DBPath, registry)
	if err != nil {
		return nil, nil, fmt.Errorf("open event log: %w", err)
	}
	return store, registry, nil
}
