package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskflow/internal/config"
	"taskflow/internal/domain"
	"taskflow/internal/repo"
)

// ResolveOrgAndConfig picks the active organization and ensures it and its config exist,
// seeding defaults if missing. An explicit override wins over a single-org database.
// A file config in the workspace is used to seed a new organization.
func ResolveOrgAndConfig(ctx context.Context, workspace, orgOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	orgID := orgOverride
	if orgID == "" {
		if o, err := r.SingleOrg(ctx); err == nil {
			orgID = o.ID
		} else if errors.Is(err, repo.ErrNotFound) {
			return "", nil, fmt.Errorf("no organization; run flowctl org init --org <id>")
		} else {
			return "", nil, err
		}
	}
	seedCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	if seedCfg == nil || seedCfg.Org.ID != orgID {
		seedCfg = config.Default(orgID)
	}

	if _, err := r.GetOrg(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createOrg(ctx, r, orgID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetOrgConfig(ctx, orgID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := r.UpsertOrgConfig(ctx, orgID, seedCfg); err != nil {
			return "", nil, fmt.Errorf("seed org config: %w", err)
		}
		cfg = seedCfg
	}
	cfg.Org.ID = orgID
	return orgID, cfg, nil
}

// createOrg inserts a minimal organization footprint and makes actorID its owner.
func createOrg(ctx context.Context, r repo.Repo, orgID string, seedCfg *config.Config, actorID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	name := seedCfg.Org.Name
	if name == "" {
		name = orgID
	}
	if err := r.InsertOrg(ctx, tx, domain.Organization{ID: orgID, Name: name, CreatedAt: now}); err != nil {
		return fmt.Errorf("insert org: %w", err)
	}
	if err := r.UpsertOrgConfigTx(ctx, tx, orgID, seedCfg); err != nil {
		return fmt.Errorf("insert org config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AssignRole(ctx, tx, orgID, actorID, "owner"); err != nil {
		return fmt.Errorf("assign owner role: %w", err)
	}
	return tx.Commit()
}
