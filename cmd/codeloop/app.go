package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/martinemde/codeloop/config"
	"github.com/martinemde/codeloop/observability"
	"github.com/martinemde/codeloop/sessionlog"
)

// app is the state every subcommand starts from.
type app struct {
	cfg    *config.File
	snap   config.Snapshot
	logger *slog.Logger
	store  *sessionlog.FileStore
}

func loadApp(g *globalFlags) (*app, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if g.logLevel != "" {
		level = g.logLevel
	}
	lvl, err := observability.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(os.Stderr, lvl, g.noColor)
	slog.SetDefault(logger)

	snap, err := cfg.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	store, err := sessionlog.NewFileStore(cfg.StateDir, sessionlog.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, snap: snap, logger: logger, store: store}, nil
}
