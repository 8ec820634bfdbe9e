// Package app wires workspace-level concerns shared by the CLI and the
// API server.
package app

import (
	"context"
	"errors"

	"escrowline/internal/config"
	"escrowline/internal/repo"
)

// ResolveConfig returns the effective settlement config. The copy
// stored in the database wins; otherwise the workspace YAML is imported
// and persisted, falling back to built-in defaults.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetSettlementConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	cfg, err = config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := r.UpsertSettlementConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
