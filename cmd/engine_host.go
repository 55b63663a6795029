package cmd

import (
	"fmt"
	"log/slog"

	"github.com/marcus/reconcile/internal/engine"
	"github.com/marcus/reconcile/internal/engine/registry"
)

// buildEngine loads registry config, applies CLI flag overrides, and
// constructs a ready-to-run Engine against the default demo schema.
func buildEngine() (*engine.Engine, error) {
	cfg, err := registry.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if remoteURL != "" {
		cfg.RemoteURL = remoteURL
	}

	e, err := engine.New(engine.Options{
		StorePath: storePath,
		Schema:    defaultSchema(),
		APIKey:    apiKey,
		Config:    cfg,
		Logger:    slog.Default(),
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	return e, nil
}
