// Package cli wires the finsyncd commands: serve (ingest server), sync
// (one-shot session), daemon (scheduler loop), and status.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/Swappnil85/finsync/logging"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand creates the finsyncd root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "finsyncd",
		Short: "Offline-first sync daemon for financial records",
		Long: `finsyncd synchronizes locally journaled record mutations with a sync
server, resolving conflicts with deterministic field-level merging. Local
reads and writes never depend on sync health.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logCfg := logging.GetConfigFromEnv()
			if opts.Verbose {
				logCfg.Level = "debug"
			}
			logging.Init(logCfg)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewDaemonCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))

	return cmd
}
