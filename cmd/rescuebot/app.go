package main

import (
	"fmt"
	"log/slog"

	"rescuebot/internal/analysis"
	"rescuebot/internal/config"
	"rescuebot/internal/fleet"
	"rescuebot/internal/history"
	"rescuebot/internal/logging"
	"rescuebot/internal/notify"
	"rescuebot/internal/pipeline"
	"rescuebot/internal/resolver"
	"rescuebot/internal/storage"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg      *config.Manager
	logger   *slog.Logger
	store    storage.Store
	resolver *resolver.Resolver
	salt     *fleet.SaltClient
	notifier *notify.Multi
	history  *history.Store
	driver   *pipeline.Driver
	closers  []func()
}

func newApp(configPath, logLevel string) (*app, error) {
	mgr, err := config.NewManager(config.ResolvePath(configPath))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	logger := logging.NewLogger(logLevel)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{
		cfg:      mgr,
		logger:   logger,
		store:    store,
		resolver: resolver.New(cfg.Rules),
		history:  history.NewStore(cfg.History.Limit),
		closers:  []func(){func() { _ = store.Close() }},
	}

	deps := pipeline.Deps{
		Store:    store,
		Resolver: a.resolver,
		Analyzer: analysis.New(cfg.Analysis, logger.With("component", "analysis")),
	}
	if cfg.Fleet.Enabled {
		a.salt = fleet.NewSaltClient(cfg.Fleet, logger.With("component", "salt"))
		deps.Executor = a.salt
	} else {
		logger.Warn("fleet executor disabled, remediation commands will not run")
	}
	notifier, closers := notify.Build(cfg.Notify, logger.With("component", "notify"))
	a.notifier = notifier
	a.closers = append(a.closers, closers...)
	deps.Notifier = notifier

	processor := pipeline.NewProcessor(deps, pipeline.OptionsFromConfig(cfg.Pipeline), logger.With("component", "processor"))
	a.driver = pipeline.NewDriver(store, processor, a.history, logger.With("component", "batch"))
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
