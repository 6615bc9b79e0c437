package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/alfredjeanlab/gados/internal/betarun"
	"github.com/alfredjeanlab/gados/internal/bus"
	"github.com/alfredjeanlab/gados/internal/config"
	"github.com/alfredjeanlab/gados/internal/events"
	"github.com/alfredjeanlab/gados/internal/logging"
	"github.com/alfredjeanlab/gados/internal/notify"
	"github.com/alfredjeanlab/gados/internal/paths"
	"github.com/alfredjeanlab/gados/internal/scenario"
	"github.com/alfredjeanlab/gados/internal/store/sqlstore"
)

// workspace is the set of services a local command runs against: the
// project tree, the bus database and the notification queue, all resolved
// from the same configuration the server uses.
type workspace struct {
	cfg       *config.Config
	logger    *slog.Logger
	project   paths.Project
	store     *sqlstore.SQLStore
	publisher events.Publisher
	bus       *bus.Service
	notifier  *notify.Dispatcher
	runs      *betarun.Store
	scenarios *scenario.Runner
}

// openWorkspace loads the configuration and opens the local services.
// Events go to NATS when GADOS_NATS_URL is set.
func openWorkspace(ctx context.Context) (*workspace, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.LogFormat, logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	st, err := sqlstore.Open(ctx, cfg.BusDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open bus store: %w", err)
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			st.Close()
			return nil, err
		}
		publisher = pub
	}

	return newWorkspace(cfg, logger, st, publisher), nil
}

func newWorkspace(cfg *config.Config, logger *slog.Logger, st *sqlstore.SQLStore, publisher events.Publisher) *workspace {
	p := paths.New(cfg.RepoRoot, cfg.GadosRoot)
	b := bus.New(st, filepath.Join(cfg.AuditDir, "bus-events.jsonl"), publisher)
	n := notify.New(notify.Config{
		RuntimeDir:  cfg.RuntimeDir,
		WebhookURL:  cfg.WebhookURL,
		MinSeverity: cfg.WebhookMinSeverity,
		HMACSecret:  cfg.WebhookHMACSecret,
		ReportsDir:  filepath.Join(cfg.GadosRoot, "log", "reports"),
		Publisher:   publisher,
	})
	runs := betarun.New(p, publisher)
	sc := scenario.New(p, b, n, runs, nil)
	sc.Publisher = publisher
	return &workspace{
		cfg:       cfg,
		logger:    logger,
		project:   p,
		store:     st,
		publisher: publisher,
		bus:       b,
		notifier:  n,
		runs:      runs,
		scenarios: sc,
	}
}

func (w *workspace) Close() {
	if err := w.publisher.Close(); err != nil {
		w.logger.Error("error closing publisher", "err", err)
	}
	if err := w.store.Close(); err != nil {
		w.logger.Error("error closing store", "err", err)
	}
}
