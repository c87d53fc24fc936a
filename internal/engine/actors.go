package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// AddActor creates or updates an actor and grants the given roles. Roles
// must exist in the workflow config.
func (e Engine) AddActor(ctx context.Context, a domain.Actor, by string) (domain.Actor, error) {
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		return domain.Actor{}, ValidationError{Field: "id", Message: "is required"}
	}
	for _, role := range a.Roles {
		if _, ok := e.Config.Roles[role]; !ok {
			return domain.Actor{}, ValidationError{Field: "roles", Message: fmt.Sprintf("unknown role %s", role)}
		}
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpsertActorTx(ctx, tx, a, e.now()); err != nil {
			return err
		}
		for _, role := range a.Roles {
			if err := e.Repo.AssignRole(ctx, tx, a.ID, role); err != nil {
				return err
			}
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.ActorCreated, EntityKind: "actor", EntityID: a.ID, ActorID: by,
			Payload: events.EventPayload{"roles": a.Roles},
		})
	})
	if err != nil {
		return domain.Actor{}, err
	}
	return e.Repo.GetActor(ctx, a.ID)
}

// CreateAPIKey issues a new key for the actor. The plaintext is returned
// once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if _, err := e.Auth.Actor(ctx, nil, actorID); err != nil {
		return "", domain.APIKey{}, err
	}
	plain := "sl_" + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        e.newID(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now().Format(time.RFC3339Nano),
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.APIKeyCreated, EntityKind: "actor", EntityID: actorID, ActorID: actorID,
			Payload: events.EventPayload{"key_id": key.ID, "name": name},
		})
	})
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// APIKeys lists the keys issued to actorID, or every key when it is empty.
// Hashes are cleared.
func (e Engine) APIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	keys, err := e.Repo.ListAPIKeys(ctx, actorID)
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i].KeyHash = ""
	}
	return keys, nil
}

// RevokeAPIKey deletes a key. Managers may revoke any key; others only
// their own.
func (e Engine) RevokeAPIKey(ctx context.Context, keyID, by string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		actor, err := e.Auth.Actor(ctx, tx, by)
		if err != nil {
			return err
		}
		key, err := e.Repo.DeleteAPIKey(ctx, tx, keyID)
		if err != nil {
			return fmt.Errorf("api key %s: %w", keyID, err)
		}
		if key.ActorID != actor.ID {
			if err := auth.RequireRole(actor, e.Config.Workflow.ManagerRole); err != nil {
				return err
			}
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.APIKeyRevoked, EntityKind: "actor", EntityID: key.ActorID, ActorID: by,
			Payload: events.EventPayload{"key_id": key.ID},
		})
	})
}

// ImportConfig validates and stores cfg as the workflow config and returns
// an engine using it.
func (e Engine) ImportConfig(ctx context.Context, cfg *config.Config, actorID string) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return e, ValidationError{Field: "config", Message: err.Error()}
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpsertWorkflowConfigTx(ctx, tx, cfg); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.Entry{Type: events.ConfigImported, EntityKind: "config", ActorID: actorID})
	})
	if err != nil {
		return e, err
	}
	e.Config = cfg
	return e, nil
}

// ListEvents returns events newest first, below cursor when it is set.
func (e Engine) ListEvents(ctx context.Context, limit int, cursor int64, f repo.EventFilter) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, limit, cursor, f)
}
