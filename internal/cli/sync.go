package cli

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/Swappnil85/finsync/engine"
	"github.com/Swappnil85/finsync/logging"
)

// NewSyncCommand creates the sync command, which runs exactly one
// reconciliation session and exits.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync session and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShotSync(cmd, opts)
		},
	}
}

func runOneShotSync(cmd *cobra.Command, opts *RootOptions) error {
	cs, err := buildClientStack(opts, true)
	if err != nil {
		return err
	}
	defer cs.Close()

	ctx := cmd.Context()
	var res *engine.SessionResult
	err = logging.Default().LogOperation(ctx, "sync", "cli", func() error {
		var runErr error
		res, runErr = cs.engine.RunSession(ctx)
		return runErr
	})
	if err != nil {
		return fmt.Errorf("sync session failed: %w", err)
	}

	cutoff := time.Now().Add(-cs.cfg.Storage.ConflictRetention.Std())
	if pruned, perr := cs.store.PruneConflictsBefore(ctx, cutoff); perr != nil {
		slog.Warn("conflict log pruning failed", slog.Any("error", perr))
	} else if pruned > 0 {
		slog.Debug("pruned conflict log", slog.Int64("removed", pruned))
	}

	fmt.Fprintf(cmd.OutOrStdout(),
		"synced: pulled=%d pushed=%d rejected=%d conflicts=%d duration=%s\n",
		res.Pulled, res.Pushed, res.Rejected, res.ConflictsRecorded,
		res.Duration.Round(time.Millisecond))
	return nil
}
