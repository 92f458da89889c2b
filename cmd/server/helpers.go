package main

import (
	"fmt"
	"os"
	"path/filepath"

	"repair-service/internal/config"
	"repair-service/internal/knowledge"
	"repair-service/internal/repository"

	"go.uber.org/zap"
)

func newLogger(mode string) (*zap.Logger, error) {
	if mode == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// openStore opens the configured backend and loads the knowledge store
func openStore(cfg *config.Config, logger *zap.Logger) (*knowledge.Store, error) {
	dir := cfg.Database.Path
	if cfg.Database.Type != repository.TypeBadger {
		dir = filepath.Dir(dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	backend, err := repository.Open(cfg.Database.Type, cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Database.Type, err)
	}

	store, err := knowledge.Open(backend, logger)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to load knowledge store: %w", err)
	}
	return store, nil
}

// loadStore is the shared setup of the offline subcommands
func loadStore() (*knowledge.Store, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log.Mode)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, logger, nil
}
