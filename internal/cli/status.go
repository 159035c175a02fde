package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command. It reads only local state,
// so it works offline.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	var showConflicts int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending changes, cursor position, and recent conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts, showConflicts)
		},
	}

	cmd.Flags().IntVar(&showConflicts, "conflicts", 5, "number of recent conflicts to list (0 to hide)")
	return cmd
}

func runStatus(cmd *cobra.Command, opts *RootOptions, showConflicts int) error {
	cs, err := buildClientStack(opts, false)
	if err != nil {
		return err
	}
	defer cs.Close()

	ctx := cmd.Context()
	st, err := cs.engine.Status(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pending journal entries: %d\n", st.PendingJournalEntries)
	fmt.Fprintf(out, "server cursor:           %d\n", st.Cursor.LastServerSequence)
	if st.Cursor.InFlightBatchID != "" {
		fmt.Fprintf(out, "in-flight push batch:    %s\n", st.Cursor.InFlightBatchID)
	}
	if st.LastResult != nil {
		fmt.Fprintf(out, "last session:            %s (pulled=%d pushed=%d conflicts=%d)\n",
			st.LastResult.State, st.LastResult.Pulled, st.LastResult.Pushed,
			st.LastResult.ConflictsRecorded)
	}

	if showConflicts > 0 {
		conflicts, err := cs.store.ListConflicts(ctx, showConflicts)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			fmt.Fprintf(out, "recent conflicts:\n")
			for _, c := range conflicts {
				fmt.Fprintf(out, "  %s  record=%s local=v%d remote=v%d strategy=%s\n",
					c.CreatedAt.Format(time.RFC3339), c.RecordID,
					c.LocalVersion, c.RemoteVersion, c.ResolutionStrategy)
			}
		}
	}
	return nil
}
