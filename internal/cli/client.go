package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Swappnil85/finsync/config"
	"github.com/Swappnil85/finsync/engine"
	syncErrors "github.com/Swappnil85/finsync/errors"
	"github.com/Swappnil85/finsync/logging"
	"github.com/Swappnil85/finsync/storage/sqlite"
	"github.com/Swappnil85/finsync/transport/httptransport"
)

// clientStack bundles the pieces a client-side command needs.
type clientStack struct {
	cfg    config.Config
	store  *sqlite.Store
	client *httptransport.Client
	engine *engine.Engine
}

func (cs *clientStack) Close() {
	if cs.client != nil {
		cs.client.Close()
	}
	if cs.store != nil {
		cs.store.Close()
	}
}

// buildClientStack opens the local store and, when withTransport is set,
// the transport client and engine. The status command works offline and
// passes withTransport=false.
func buildClientStack(opts *RootOptions, withTransport bool) (*clientStack, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpLoad, "config")
	}

	store, err := sqlite.Open(sqlite.Config{
		DataSourceName: cfg.Storage.Path,
		EnableWAL:      true,
		Logger:         slog.Default(),
	})
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}

	cs := &clientStack{cfg: cfg, store: store}
	if !withTransport {
		cs.engine = engine.New(store, nil, engine.Config{BatchSize: cfg.Sync.BatchSize})
		return cs, nil
	}

	if cfg.Server.BaseURL == "" {
		store.Close()
		return nil, fmt.Errorf("server.base_url is required for this command")
	}

	cs.client = httptransport.NewClient(cfg.Server.BaseURL,
		httptransport.WithTimeout(cfg.Server.Timeout.Std()),
		httptransport.WithLogger(slog.Default()),
		httptransport.WithTokenSource(func(ctx context.Context) (string, error) {
			return cfg.Server.BearerToken()
		}),
	)
	cs.engine = engine.New(store, cs.client,
		engine.Config{BatchSize: cfg.Sync.BatchSize},
		engine.WithLogger(logging.Default()),
	)
	return cs, nil
}
