package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Swappnil85/finsync/config"
	syncErrors "github.com/Swappnil85/finsync/errors"
	"github.com/Swappnil85/finsync/server"
)

// NewServeCommand creates the serve command, which runs the authoritative
// ingest endpoint.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync ingest server",
		Long: `Run the authoritative ingest endpoint: POST /sync/push and
GET /sync/pull backed by a SQLite store with an append-only change log.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, listenAddr)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides config)")
	return cmd
}

func runServe(opts *RootOptions, listenOverride string) error {
	cfg, err := config.LoadServer(opts.ConfigPath)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "config")
	}

	addr := cfg.Server.ListenAddr
	if listenOverride != "" {
		addr = listenOverride
	}

	store, err := server.OpenStore(server.StoreConfig{
		DataSourceName: cfg.Storage.ServerPath,
		Logger:         slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("opening server store: %w", err)
	}
	defer store.Close()

	serverOpts := []server.Option{server.WithLogger(slog.Default())}
	if token, terr := cfg.Server.BearerToken(); terr == nil && token != "" {
		serverOpts = append(serverOpts, server.WithTokenValidator(func(got string) bool {
			return got == token
		}))
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           server.New(store, serverOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ingest server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutting down", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
