package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/engine/stages"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// ProjectView is a project with its derived position.
type ProjectView struct {
	domain.Project
	Current    stages.Position   `json:"current"`
	OpenStages []domain.StageKey `json:"open_stages"`
}

func (e Engine) view(p domain.Project) ProjectView {
	g := e.graph()
	open := g.Open(p)
	if open == nil {
		open = []domain.StageKey{}
	}
	return ProjectView{Project: p, Current: g.Current(p), OpenStages: open}
}

// CreateProjectOptions are parameters for submitting a project.
type CreateProjectOptions struct {
	ID           string
	Name         string
	Type         string
	Priority     string
	Description  string
	DurationDays *int
	ActorID      string
}

// CreateProject stores a pending project and notifies the managers.
func (e Engine) CreateProject(ctx context.Context, opts CreateProjectOptions) (ProjectView, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return ProjectView{}, ValidationError{Field: "name", Message: "is required"}
	}
	if opts.Type == "" {
		opts.Type = domain.TypeResearch
	}
	if opts.Type != domain.TypeResearch && opts.Type != domain.TypeContract {
		return ProjectView{}, ValidationError{Field: "type", Message: fmt.Sprintf("must be %s or %s", domain.TypeResearch, domain.TypeContract)}
	}
	switch opts.Priority {
	case "":
		opts.Priority = domain.PriorityNormal
	case domain.PriorityNormal, domain.PriorityHigh, domain.PriorityUrgent:
	default:
		return ProjectView{}, ValidationError{Field: "priority", Message: "must be normal, high or urgent"}
	}
	if opts.DurationDays != nil && *opts.DurationDays <= 0 {
		return ProjectView{}, ValidationError{Field: "duration_days", Message: "must be positive"}
	}
	id := opts.ID
	if id == "" {
		id = e.newID()
	}
	p := domain.Project{
		ID:           id,
		Name:         opts.Name,
		Type:         opts.Type,
		Priority:     opts.Priority,
		Status:       domain.StatusPending,
		Description:  opts.Description,
		DurationDays: opts.DurationDays,
		CreatedBy:    opts.ActorID,
		CreatedAt:    e.now(),
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.Auth.Actor(ctx, tx, opts.ActorID); err != nil {
			return err
		}
		if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.Entry{
			Type: events.ProjectCreated, ProjectID: p.ID, EntityKind: "project", EntityID: p.ID, ActorID: opts.ActorID,
			Payload: events.EventPayload{"name": p.Name, "type": p.Type, "priority": p.Priority},
		}); err != nil {
			return err
		}
		_, err := e.createNotifications(ctx, tx, opts.ActorID, e.policy().SubmissionFanOut(p))
		return err
	})
	if err != nil {
		return ProjectView{}, err
	}
	e.log().WithFields(logrus.Fields{"project_id": p.ID, "actor_id": opts.ActorID}).Info("project submitted")
	return e.GetProject(ctx, p.ID)
}

func (e Engine) GetProject(ctx context.Context, id string) (ProjectView, error) {
	p, err := e.loadProject(ctx, id)
	if err != nil {
		return ProjectView{}, err
	}
	return e.view(p), nil
}

// ProjectViews loads the given projects keyed by id. Missing ids are
// skipped.
func (e Engine) ProjectViews(ctx context.Context, ids []string) (map[string]ProjectView, error) {
	projects, err := e.Repo.GetProjects(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]ProjectView, len(projects))
	for id, p := range projects {
		out[id] = e.view(p)
	}
	return out, nil
}

// ProjectQuery filters ListProjects. Stage matches the current stage; Role
// matches projects with an open stage gated by that role.
type ProjectQuery struct {
	Status    string
	Stage     domain.StageKey
	Role      string
	CreatedBy string
	Limit     int
}

func (e Engine) ListProjects(ctx context.Context, q ProjectQuery) ([]ProjectView, error) {
	if q.Stage != "" && !q.Stage.Valid() {
		return nil, ValidationError{Field: "stage", Message: fmt.Sprintf("unknown stage %s", q.Stage)}
	}
	projects, err := e.Repo.ListProjects(ctx, repo.ProjectFilter{Status: q.Status, CreatedBy: q.CreatedBy})
	if err != nil {
		return nil, err
	}
	out := make([]ProjectView, 0, len(projects))
	for _, p := range projects {
		v := e.view(p)
		if q.Stage != "" && (v.Current.Kind != stages.PositionStage || v.Current.Stage != q.Stage) {
			continue
		}
		if q.Role != "" && !e.awaitsRole(v, q.Role) {
			continue
		}
		out = append(out, v)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (e Engine) awaitsRole(v ProjectView, role string) bool {
	if v.Current.Kind == stages.PositionPendingApproval {
		return role == e.Config.Workflow.ManagerRole
	}
	for _, k := range v.OpenStages {
		if e.Config.GatingRole(k) == role {
			return true
		}
	}
	return false
}

// Approve moves a pending project to approved and announces development.
func (e Engine) Approve(ctx context.Context, projectID, actorID string) (ProjectView, error) {
	var created []domain.Notification
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		actor, err := e.Auth.Actor(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if err := auth.RequireRole(actor, e.Config.Workflow.ManagerRole); err != nil {
			return err
		}
		p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		if p.Status != domain.StatusPending {
			return PreconditionError{Reason: stages.ReasonNotPending}
		}
		ok, err := e.Repo.UpdateStatusTx(ctx, tx, projectID, domain.StatusPending, domain.StatusApproved)
		if err != nil {
			return err
		}
		if !ok {
			return ConflictError{ProjectID: projectID}
		}
		p.Status = domain.StatusApproved
		if err := e.events().Append(ctx, tx, events.Entry{
			Type: events.ProjectApproved, ProjectID: projectID, EntityKind: "project", EntityID: projectID, ActorID: actorID,
		}); err != nil {
			return err
		}
		if err := e.startOpenTimelines(ctx, tx, p); err != nil {
			return err
		}
		created, err = e.createNotifications(ctx, tx, actorID, e.policy().ApprovalFanOut(p))
		return err
	})
	if err != nil {
		return ProjectView{}, err
	}
	e.log().WithFields(logrus.Fields{"project_id": projectID, "actor_id": actorID, "notifications": len(created)}).Info("project approved")
	return e.GetProject(ctx, projectID)
}

// ScheduleResult carries non-fatal schedule warnings.
type ScheduleResult struct {
	Project  ProjectView `json:"project"`
	Warnings []string    `json:"warnings,omitempty"`
}

// SetSchedule stores allotted days per role. Allotments exceeding the
// planned duration are warned about, or rejected in enforce mode.
func (e Engine) SetSchedule(ctx context.Context, projectID, actorID string, allotments map[string]int) (ScheduleResult, error) {
	if len(allotments) == 0 {
		return ScheduleResult{}, ValidationError{Field: "allotments", Message: "at least one role required"}
	}
	roles := make([]string, 0, len(allotments))
	for role, days := range allotments {
		if _, ok := e.Config.Roles[role]; !ok {
			return ScheduleResult{}, ValidationError{Field: "allotments", Message: fmt.Sprintf("unknown role %s", role)}
		}
		if days < 0 {
			return ScheduleResult{}, ValidationError{Field: "allotments", Message: fmt.Sprintf("%s: days must not be negative", role)}
		}
		roles = append(roles, role)
	}
	sort.Strings(roles)

	var warnings []string
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		actor, err := e.Auth.Actor(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if err := auth.RequireRole(actor, e.Config.Workflow.ManagerRole); err != nil {
			return err
		}
		p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		if p.Status == domain.StatusArchived {
			return PreconditionError{Reason: stages.ReasonArchived}
		}
		merged := map[string]int{}
		for _, t := range p.Timelines {
			if t.AllottedDays != nil {
				merged[t.Role] = *t.AllottedDays
			}
		}
		for role, days := range allotments {
			merged[role] = days
		}
		if p.DurationDays != nil {
			total := 0
			for _, d := range merged {
				total += d
			}
			if total > *p.DurationDays {
				msg := fmt.Sprintf("allotted %d days exceeds planned duration of %d days", total, *p.DurationDays)
				if e.Config.EnforceSchedule() {
					return ValidationError{Field: "allotments", Message: msg}
				}
				warnings = append(warnings, msg)
			}
		}
		for _, role := range roles {
			days := allotments[role]
			if err := e.Repo.UpsertTimelineTx(ctx, tx, projectID, domain.Timeline{Role: role, AllottedDays: &days}); err != nil {
				return err
			}
		}
		if err := e.events().Append(ctx, tx, events.Entry{
			Type: events.ProjectScheduled, ProjectID: projectID, EntityKind: "project", EntityID: projectID, ActorID: actorID,
			Payload: events.EventPayload{"allotments": allotments, "warnings": warnings},
		}); err != nil {
			return err
		}
		p, err = e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		return e.startOpenTimelines(ctx, tx, p)
	})
	if err != nil {
		return ScheduleResult{}, err
	}
	for _, w := range warnings {
		e.log().WithField("project_id", projectID).Warn(w)
	}
	v, err := e.GetProject(ctx, projectID)
	if err != nil {
		return ScheduleResult{}, err
	}
	return ScheduleResult{Project: v, Warnings: warnings}, nil
}

// SetLeader names the primary leader of a role on a project. An empty
// leaderID clears it.
func (e Engine) SetLeader(ctx context.Context, projectID, role, leaderID, actorID string) (ProjectView, error) {
	if _, ok := e.Config.Roles[role]; !ok {
		return ProjectView{}, ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %s", role)}
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		actor, err := e.Auth.Actor(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if err := auth.RequireRole(actor, e.Config.Workflow.ManagerRole); err != nil {
			return err
		}
		p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		if p.Status == domain.StatusArchived {
			return PreconditionError{Reason: stages.ReasonArchived}
		}
		if leaderID != "" {
			leader, err := e.Auth.Actor(ctx, tx, leaderID)
			if err != nil {
				return ValidationError{Field: "actor_id", Message: fmt.Sprintf("unknown actor %s", leaderID)}
			}
			if !leader.HasRole(role) {
				return ValidationError{Field: "actor_id", Message: fmt.Sprintf("actor %s does not hold role %s", leaderID, role)}
			}
		}
		if err := e.Repo.SetLeaderTx(ctx, tx, projectID, role, leaderID); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.ProjectLeaderSet, ProjectID: projectID, EntityKind: "project", EntityID: projectID, ActorID: actorID,
			Payload: events.EventPayload{"role": role, "leader_id": leaderID},
		})
	})
	if err != nil {
		return ProjectView{}, err
	}
	return e.GetProject(ctx, projectID)
}

// SetSummary records the archive summary. Only the archive authority may
// write it.
func (e Engine) SetSummary(ctx context.Context, projectID, summary, actorID string) (ProjectView, error) {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return ProjectView{}, ValidationError{Field: "summary", Message: "is required"}
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		return e.setSummaryTx(ctx, tx, projectID, summary, actorID)
	})
	if err != nil {
		return ProjectView{}, err
	}
	return e.GetProject(ctx, projectID)
}

func (e Engine) setSummaryTx(ctx context.Context, tx *sql.Tx, projectID, summary, actorID string) error {
	actor, err := e.Auth.Actor(ctx, tx, actorID)
	if err != nil {
		return err
	}
	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return fmt.Errorf("project %s: %w", projectID, err)
	}
	if err := auth.RequireStageAuthority(actor, p, e.Config.GatingRole(domain.StageArchived)); err != nil {
		return err
	}
	if p.Status == domain.StatusArchived {
		return PreconditionError{Stage: domain.StageArchived, Reason: stages.ReasonArchived}
	}
	if err := e.Repo.UpdateSummaryTx(ctx, tx, projectID, summary); err != nil {
		return err
	}
	return e.events().Append(ctx, tx, events.Entry{
		Type: events.ProjectSummarySet, ProjectID: projectID, EntityKind: "project", EntityID: projectID, ActorID: actorID,
	})
}

// Deadlines reports per-role advisories for the project.
func (e Engine) Deadlines(ctx context.Context, projectID string) ([]stages.Deadline, error) {
	p, err := e.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return stages.Deadlines(p, e.now(), e.Config.Notifications.DeadlineWarningDays), nil
}
