package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewValidateCommand creates the validate command. It scans every
// stored event and snapshot against the current schema registry and
// checks snapshot-to-event linkage.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check stored events and snapshots against the current schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer store.Close()

			violations, err := store.VerifyIntegrity(cmd.Context())
			if err != nil {
				return fmt.Errorf("verify integrity: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(violations) == 0 {
				fmt.Fprintln(out, "ok: no integrity violations")
				return nil
			}
			for _, violation := range violations {
				fmt.Fprintln(out, violation.String())
			}
			return fmt.Errorf("%d integrity violation(s)", len(violations))
		},
	}
}
