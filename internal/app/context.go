package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"stageline/internal/config"
	"stageline/internal/repo"
)

// ResolveConfig returns the workflow config stored in the DB. When none is
// stored yet it seeds one from stageline.yml in the workspace, or from the
// built-in default when that file is absent.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetWorkflowConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed, err := seedConfig(workspace)
	if err != nil {
		return nil, err
	}
	if err := r.UpsertWorkflowConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed workflow config: %w", err)
	}
	return seed, nil
}

func seedConfig(workspace string) (*config.Config, error) {
	path := config.Path(workspace)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return config.Default(), nil
		}
		return nil, err
	}
	cfg, err := config.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// BootstrapActor makes sure actorID exists. On an empty workspace the first
// actor is granted the manager role so that someone can approve projects.
func BootstrapActor(ctx context.Context, r repo.Repo, cfg *config.Config, actorID string) error {
	if actorID == "" {
		actorID = "local-user"
	}
	actors, err := r.ListActors(ctx)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureActor(ctx, tx, actorID, "", time.Now()); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if len(actors) == 0 {
		if err := r.AssignRole(ctx, tx, actorID, cfg.Workflow.ManagerRole); err != nil {
			return fmt.Errorf("assign manager role: %w", err)
		}
	}
	return tx.Commit()
}
