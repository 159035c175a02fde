package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Swappnil85/finsync/scheduler"
)

// NewDaemonCommand creates the daemon command, which runs the scheduler
// loop until interrupted.
func NewDaemonCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the background sync scheduler",
		Long: `Run sync sessions continuously: on a periodic timer, with capped
exponential backoff after retryable failures. SIGINT/SIGTERM stops the
scheduler; an in-flight session finishes its current batch first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}
}

func runDaemon(cmd *cobra.Command, opts *RootOptions) error {
	cs, err := buildClientStack(opts, true)
	if err != nil {
		return err
	}
	defer cs.Close()

	if !cs.cfg.Sync.Enabled {
		return fmt.Errorf("sync is disabled in configuration")
	}

	sched := scheduler.New(cs.engine, scheduler.Config{
		Interval:       cs.cfg.Sync.Interval.Std(),
		BackoffBase:    cs.cfg.Sync.BackoffBase.Std(),
		BackoffCeiling: cs.cfg.Sync.BackoffCeiling.Std(),
	}, scheduler.WithLogger(slog.Default()))

	if err := sched.Start(cmd.Context()); err != nil {
		return err
	}
	sched.TriggerNow() // initial session at startup

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("stopping scheduler", slog.String("signal", sig.String()))

	sched.Stop()
	return nil
}
