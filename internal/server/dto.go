package server

import (
	"encoding/json"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/stages"
)

// Request payloads

type CreateProjectRequest struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	Type         string `json:"type,omitempty" enum:"research,contract"`
	Priority     string `json:"priority,omitempty" enum:"normal,high,urgent"`
	Description  string `json:"description,omitempty"`
	DurationDays *int   `json:"duration_days,omitempty" minimum:"1"`
}

type ScheduleRequest struct {
	Allotments map[string]int `json:"allotments" doc:"Allotted days keyed by role"`
}

type LeaderRequest struct {
	Role    string `json:"role"`
	ActorID string `json:"actor_id,omitempty" doc:"Empty clears the leader"`
}

type SummaryRequest struct {
	Summary string `json:"summary"`
}

type ArchiveRequest struct {
	Summary string `json:"summary,omitempty"`
}

type AttachFileRequest struct {
	Stage    string `json:"stage"`
	Filename string `json:"filename"`
}

type TeamUploadRequest struct {
	Stage string   `json:"stage" enum:"development,engineering"`
	Files []string `json:"files"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type ProjectResponse = engine.ProjectView

type paginatedProjects struct {
	Items []ProjectResponse `json:"items"`
}

type NotificationListResponse struct {
	Items    []domain.Notification      `json:"items"`
	Projects map[string]ProjectResponse `json:"projects"`
}

type NextNotificationResponse struct {
	Notification *domain.Notification `json:"notification,omitempty"`
	Project      *ProjectResponse     `json:"project,omitempty"`
	StaleCount   int                  `json:"stale_count"`
}

type DeadlinesResponse struct {
	ProjectID string            `json:"project_id"`
	Items     []stages.Deadline `json:"items"`
}

type FilesResponse struct {
	Items []domain.File `json:"items"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	DisplayName string   `json:"display_name,omitempty"`
	Roles       []string `json:"roles"`
	Source      string   `json:"source"`
}

// WorkflowResponse carries what a client needs to judge notification
// staleness the same way the server does.
type WorkflowResponse struct {
	ManagerRole          string            `json:"manager_role"`
	SecondWarehouseCycle bool              `json:"second_warehouse_cycle"`
	RequireIntegration   bool              `json:"require_integration"`
	RequireFiles         bool              `json:"require_files"`
	Flow                 []domain.StageKey `json:"flow"`
	GatingRoles          map[string]string `json:"gating_roles" doc:"Gating role keyed by stage"`
	PollIntervalMS       int64             `json:"poll_interval_ms"`
	DeadlineWarningDays  int               `json:"deadline_warning_days"`
}

func workflowResponse(cfg *config.Config) WorkflowResponse {
	gating := make(map[string]string, len(domain.StageKeys))
	for _, k := range domain.StageKeys {
		gating[string(k)] = cfg.GatingRole(k)
	}
	g := cfg.Graph()
	return WorkflowResponse{
		ManagerRole:          cfg.Workflow.ManagerRole,
		SecondWarehouseCycle: g.SecondCycle,
		RequireIntegration:   g.RequireIntegration,
		RequireFiles:         g.RequireFiles,
		Flow:                 g.Flow(),
		GatingRoles:          gating,
		PollIntervalMS:       cfg.PollInterval().Milliseconds(),
		DeadlineWarningDays:  cfg.Notifications.DeadlineWarningDays,
	}
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
