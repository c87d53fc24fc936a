package engine

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"strings"

	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/engine/stages"
	"stageline/internal/events"
)

func cleanFilename(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ValidationError{Field: "filename", Message: "is required"}
	}
	if strings.ContainsAny(name, `/\`) || name != path.Base(name) || name == "." || name == ".." {
		return "", ValidationError{Field: "filename", Message: "must be a bare file name"}
	}
	return name, nil
}

func (e Engine) requireStageMember(actor domain.Actor, stage domain.StageKey) error {
	if actor.HasRole(e.Config.Workflow.ManagerRole) {
		return nil
	}
	return auth.RequireRole(actor, e.Config.GatingRole(stage))
}

// AttachFile records file metadata against a stage. Stage members and
// managers may attach; re-attaching the same name is a no-op.
func (e Engine) AttachFile(ctx context.Context, projectID string, stage domain.StageKey, filename, actorID string) (domain.File, error) {
	if !stage.Valid() {
		return domain.File{}, ValidationError{Field: "stage", Message: fmt.Sprintf("unknown stage %s", stage)}
	}
	name, err := cleanFilename(filename)
	if err != nil {
		return domain.File{}, err
	}
	f := domain.File{ProjectID: projectID, Stage: stage, Filename: name, UploadedBy: actorID, UploadedAt: e.now()}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		actor, err := e.Auth.Actor(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if err := e.requireStageMember(actor, stage); err != nil {
			return err
		}
		p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		if p.Status == domain.StatusArchived {
			return PreconditionError{Stage: stage, Reason: stages.ReasonArchived}
		}
		added, err := e.Repo.AttachFileTx(ctx, tx, f)
		if err != nil || !added {
			return err
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.FileAttached, ProjectID: projectID, EntityKind: "file", EntityID: name, ActorID: actorID,
			Payload: events.EventPayload{"stage": stage},
		})
	})
	if err != nil {
		return domain.File{}, err
	}
	return f, nil
}

func (e Engine) ListFiles(ctx context.Context, projectID string, stage domain.StageKey) ([]domain.File, error) {
	if _, err := e.loadProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListFiles(ctx, projectID, stage)
}

func uploadStage(stage domain.StageKey) bool {
	return stage == domain.StageDevelopment || stage == domain.StageEngineering
}

// AddTeamUpload records a team member's contribution to development or
// engineering while that stage is still open.
func (e Engine) AddTeamUpload(ctx context.Context, projectID string, stage domain.StageKey, files []string, actorID string) (domain.TeamUpload, error) {
	if !uploadStage(stage) {
		return domain.TeamUpload{}, ValidationError{Field: "stage", Message: "team uploads are only accepted for development and engineering"}
	}
	if len(files) == 0 {
		return domain.TeamUpload{}, ValidationError{Field: "files", Message: "at least one file required"}
	}
	clean := make([]string, 0, len(files))
	for _, f := range files {
		name, err := cleanFilename(f)
		if err != nil {
			return domain.TeamUpload{}, err
		}
		clean = append(clean, name)
	}
	var u domain.TeamUpload
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		actor, err := e.Auth.Actor(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if err := auth.RequireRole(actor, e.Config.GatingRole(stage)); err != nil {
			return err
		}
		p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		if p.Status != domain.StatusApproved {
			return PreconditionError{Stage: stage, Reason: stages.ReasonNotApproved}
		}
		if p.Completed(stage) {
			return PreconditionError{Stage: stage, Reason: stages.ReasonAlreadyCompleted}
		}
		u = domain.TeamUpload{
			ID:           e.newID(),
			ProjectID:    projectID,
			Stage:        stage,
			UploaderID:   actor.ID,
			UploaderName: actor.Name(),
			Files:        clean,
			CreatedAt:    e.now(),
		}
		if err := e.Repo.InsertUploadTx(ctx, tx, u); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.UploadAdded, ProjectID: projectID, EntityKind: "upload", EntityID: u.ID, ActorID: actorID,
			Payload: events.EventPayload{"stage": stage, "files": clean},
		})
	})
	if err != nil {
		return domain.TeamUpload{}, err
	}
	return u, nil
}

// IntegrateUpload merges a team upload into the stage's files. Only the
// stage authority may integrate; integrating twice is a no-op.
func (e Engine) IntegrateUpload(ctx context.Context, projectID, uploadID, actorID string) (domain.TeamUpload, error) {
	var u domain.TeamUpload
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		actor, err := e.Auth.Actor(ctx, tx, actorID)
		if err != nil {
			return err
		}
		p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		u, err = e.Repo.GetUploadTx(ctx, tx, projectID, uploadID)
		if err != nil {
			return fmt.Errorf("upload %s: %w", uploadID, err)
		}
		if err := auth.RequireStageAuthority(actor, p, e.Config.GatingRole(u.Stage)); err != nil {
			return err
		}
		if p.Completed(u.Stage) {
			return PreconditionError{Stage: u.Stage, Reason: stages.ReasonAlreadyCompleted}
		}
		changed, err := e.Repo.MarkUploadIntegratedTx(ctx, tx, projectID, uploadID)
		if err != nil || !changed {
			return err
		}
		u.Integrated = true
		for _, name := range u.Files {
			if _, err := e.Repo.AttachFileTx(ctx, tx, domain.File{
				ProjectID: projectID, Stage: u.Stage, Filename: name, UploadedBy: u.UploaderID, UploadedAt: e.now(),
			}); err != nil {
				return err
			}
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.UploadIntegrated, ProjectID: projectID, EntityKind: "upload", EntityID: uploadID, ActorID: actorID,
			Payload: events.EventPayload{"stage": u.Stage, "files": u.Files},
		})
	})
	if err != nil {
		return domain.TeamUpload{}, err
	}
	return u, nil
}
