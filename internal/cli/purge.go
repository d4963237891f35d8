package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/framelog/framelog/internal/query"
)

// NewPurgeCommand creates the purge command. Purging is whole-session
// and irreversible, so it requires --confirm.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool
	var confirm bool

	cmd := &cobra.Command{
		Use:   "purge [session-id]",
		Short: "Permanently delete a session, or all data with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("provide either a session id or --all")
			}
			if !confirm {
				return fmt.Errorf("purge is irreversible; re-run with --confirm")
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

			out := cmd.OutOrStdout()
			if all {
				if err := service.PurgeAll(cmd.Context()); err != nil {
					return fmt.Errorf("purge all: %w", err)
				}
				fmt.Fprintln(out, "purged all sessions and the profile")
				return nil
			}
			if err := service.Purge(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("purge session %s: %w", args[0], err)
			}
			fmt.Fprintf(out, "purged session %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "delete every session and the user profile")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "acknowledge that purged data cannot be recovered")

	return cmd
}
