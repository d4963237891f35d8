package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/framelog/framelog/internal/query"
)

// NewExportCommand creates the export command. It writes the full
// committed history, sessions with their events, snapshots, and the
// user profile, as a portable JSON or YAML document.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	var format string
	var outPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export committed telemetry as JSON or YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "yaml" {
				return fmt.Errorf("unsupported format %q: must be json or yaml", format)
			}

			store, registry, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			service, err := query.NewService(store, registry, nil, nil)
			if err != nil {
				return err
			}
			doc, err := service.Export(cmd.Context())
			if err != nil {
				return fmt.Errorf("build export: %w", err)
			}

			var out io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				file, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("create %s: %w", outPath, err)
				}
				defer file.Close()
				out = file
			}

			if format == "yaml" {
				return query.WriteYAML(out, doc)
			}
			return query.WriteJSON(out, doc)
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "output format (json|yaml)")
	cmd.Flags().StringVar(&outPath, "out", "", "write to file instead of stdout")

	return cmd
}
