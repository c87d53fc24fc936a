package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/events"
)

// CompleteResult is the outcome of a stage completion.
type CompleteResult struct {
	Project       ProjectView           `json:"project"`
	Notifications []domain.Notification `json:"notifications"`
}

// CompleteStage validates and applies one stage completion for actorID.
func (e Engine) CompleteStage(ctx context.Context, projectID string, stage domain.StageKey, actorID string) (CompleteResult, error) {
	snapshot, err := e.loadProject(ctx, projectID)
	if err != nil {
		return CompleteResult{}, err
	}
	g := e.graph()
	if !stage.Valid() || !g.InFlow(stage) {
		return CompleteResult{}, g.Check(snapshot, stage)
	}
	actor, err := e.Auth.Actor(ctx, nil, actorID)
	if err != nil {
		return CompleteResult{}, err
	}
	if err := auth.RequireStageAuthority(actor, snapshot, e.Config.GatingRole(stage)); err != nil {
		return CompleteResult{}, err
	}
	if stage == domain.StageArchived && strings.TrimSpace(snapshot.Summary) == "" {
		if err := g.Check(snapshot, stage); err != nil {
			return CompleteResult{}, err
		}
		return CompleteResult{}, ValidationError{Field: "summary", Message: "required before archiving"}
	}
	return e.ApplyStageCompletion(ctx, snapshot, stage, actor)
}

// ApplyStageCompletion validates stage against snapshot and commits it with
// a compare-and-set on the stored record. A snapshot that is stale by the
// time of the write yields ConflictError.
func (e Engine) ApplyStageCompletion(ctx context.Context, snapshot domain.Project, stage domain.StageKey, actor domain.Actor) (CompleteResult, error) {
	next, completed, err := e.graph().Complete(snapshot, stage, actor, e.now())
	if err != nil {
		return CompleteResult{}, err
	}
	var created []domain.Notification
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		ok, err := e.Repo.ConditionalUpdateStage(ctx, tx, snapshot.ID, stage, snapshot.Stage(stage), next.Stage(stage))
		if err != nil {
			return err
		}
		if !ok {
			return ConflictError{ProjectID: snapshot.ID, Stage: stage}
		}
		if stage == domain.StageArchived {
			ok, err := e.Repo.UpdateStatusTx(ctx, tx, snapshot.ID, domain.StatusApproved, domain.StatusArchived)
			if err != nil {
				return err
			}
			if !ok {
				return ConflictError{ProjectID: snapshot.ID, Stage: stage}
			}
		}
		pol := e.policy()
		for _, evt := range completed {
			if err := e.events().Append(ctx, tx, events.Entry{
				Type:       events.StageCompleted,
				ProjectID:  evt.ProjectID,
				EntityKind: "stage",
				EntityID:   string(evt.Stage),
				ActorID:    evt.ActorID,
				Payload:    events.EventPayload{"stage": evt.Stage, "completed_by": actor.Name()},
			}); err != nil {
				return err
			}
			specs := pol.StageFanOut(next, evt)
			n, err := e.createNotifications(ctx, tx, actor.ID, specs)
			if err != nil {
				return fmt.Errorf("fan out %s: %w", evt.Stage, err)
			}
			created = append(created, n...)
		}
		return e.startOpenTimelines(ctx, tx, next)
	})
	if err != nil {
		return CompleteResult{}, err
	}
	e.log().WithFields(logrus.Fields{
		"project_id":    snapshot.ID,
		"stage":         stage,
		"actor_id":      actor.ID,
		"notifications": len(created),
	}).Info("stage completed")
	v, err := e.GetProject(ctx, snapshot.ID)
	if err != nil {
		return CompleteResult{}, err
	}
	if created == nil {
		created = []domain.Notification{}
	}
	return CompleteResult{Project: v, Notifications: created}, nil
}

// Archive records the summary when given and completes the archive stage.
func (e Engine) Archive(ctx context.Context, projectID, summary, actorID string) (CompleteResult, error) {
	if summary = strings.TrimSpace(summary); summary != "" {
		snapshot, err := e.loadProject(ctx, projectID)
		if err != nil {
			return CompleteResult{}, err
		}
		if err := e.graph().Check(snapshot, domain.StageArchived); err != nil {
			return CompleteResult{}, err
		}
		if err := e.inTx(ctx, func(tx *sql.Tx) error {
			return e.setSummaryTx(ctx, tx, projectID, summary, actorID)
		}); err != nil {
			return CompleteResult{}, err
		}
	}
	return e.CompleteStage(ctx, projectID, domain.StageArchived, actorID)
}
