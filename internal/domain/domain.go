package domain

import "time"

// StageKey names one stage record of a project.
type StageKey string

const (
	StageDevelopment        StageKey = "development"
	StageEngineering        StageKey = "engineering"
	StagePurchase           StageKey = "purchase"
	StageProcessing         StageKey = "processing"
	StageAssembly           StageKey = "assembly"
	StageTesting            StageKey = "testing"
	StageWarehouseIn        StageKey = "warehouse_in"
	StageWarehouseOut       StageKey = "warehouse_out"
	StageWarehouseInSecond  StageKey = "warehouse_in_second"
	StageWarehouseOutSecond StageKey = "warehouse_out_second"
	StageArchived           StageKey = "archived"
)

// StageKeys is the fixed record schema, one entry per stage.
var StageKeys = []StageKey{
	StageDevelopment,
	StageEngineering,
	StagePurchase,
	StageProcessing,
	StageAssembly,
	StageTesting,
	StageWarehouseIn,
	StageWarehouseOut,
	StageWarehouseInSecond,
	StageWarehouseOutSecond,
	StageArchived,
}

// Valid reports whether k is one of the fixed stage keys.
func (k StageKey) Valid() bool {
	for _, s := range StageKeys {
		if s == k {
			return true
		}
	}
	return false
}

const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusArchived = "archived"
)

const (
	TypeResearch = "research"
	TypeContract = "contract"
)

const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Role identifiers used by the default workflow.
const (
	RoleManager      = "manager"
	RoleResearcher   = "researcher"
	RoleEngineer     = "engineer"
	RolePurchaser    = "purchaser"
	RoleProcessor    = "processor"
	RoleAssembler    = "assembler"
	RoleTester       = "tester"
	RoleWarehouseIn  = "warehouse_in"
	RoleWarehouseOut = "warehouse_out"
)

// StageRecord is the completed/time/actor triple of one stage.
type StageRecord struct {
	Completed     bool       `json:"completed"`
	CompletedTime *time.Time `json:"completed_time,omitempty"`
	CompletedBy   *string    `json:"completed_by,omitempty"`
}

// Timeline is the allotted duration for one stage-owning role.
type Timeline struct {
	Role         string     `json:"role"`
	AllottedDays *int       `json:"allotted_days,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
}

type TeamUpload struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	Stage        StageKey  `json:"stage"`
	UploaderID   string    `json:"uploader_id"`
	UploaderName string    `json:"uploader_name"`
	Files        []string  `json:"files"`
	Integrated   bool      `json:"integrated"`
	CreatedAt    time.Time `json:"created_at"`
}

type File struct {
	ProjectID  string    `json:"project_id"`
	Stage      StageKey  `json:"stage"`
	Filename   string    `json:"filename"`
	UploadedBy string    `json:"uploaded_by"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Project is the aggregate root of the workflow.
type Project struct {
	ID           string                   `json:"id"`
	Name         string                   `json:"name"`
	Type         string                   `json:"type"`
	Priority     string                   `json:"priority"`
	Status       string                   `json:"status"`
	Description  string                   `json:"description,omitempty"`
	DurationDays *int                     `json:"duration_days,omitempty"`
	Summary      string                   `json:"summary,omitempty"`
	CreatedBy    string                   `json:"created_by"`
	CreatedAt    time.Time                `json:"created_at"`
	Stages       map[StageKey]StageRecord `json:"stages"`
	Timelines    []Timeline               `json:"timelines,omitempty"`
	Leaders      map[string]string        `json:"leaders,omitempty"`
	Uploads      []TeamUpload             `json:"uploads,omitempty"`
	FileCounts   map[StageKey]int         `json:"file_counts,omitempty"`
}

// Stage returns the record for k; absent records read as not completed.
func (p Project) Stage(k StageKey) StageRecord {
	if p.Stages == nil {
		return StageRecord{}
	}
	return p.Stages[k]
}

// Completed is shorthand for p.Stage(k).Completed.
func (p Project) Completed(k StageKey) bool {
	return p.Stage(k).Completed
}

// Leader returns the primary leader actor id for role, if one is set.
func (p Project) Leader(role string) (string, bool) {
	id, ok := p.Leaders[role]
	return id, ok && id != ""
}

// HasSchedule reports whether any timeline has been allotted.
func (p Project) HasSchedule() bool {
	for _, t := range p.Timelines {
		if t.AllottedDays != nil {
			return true
		}
	}
	return false
}

// Clone returns a copy whose maps and slices can be mutated independently.
func (p Project) Clone() Project {
	out := p
	out.Stages = make(map[StageKey]StageRecord, len(p.Stages))
	for k, v := range p.Stages {
		out.Stages[k] = v
	}
	if p.Leaders != nil {
		out.Leaders = make(map[string]string, len(p.Leaders))
		for k, v := range p.Leaders {
			out.Leaders[k] = v
		}
	}
	if p.FileCounts != nil {
		out.FileCounts = make(map[StageKey]int, len(p.FileCounts))
		for k, v := range p.FileCounts {
			out.FileCounts[k] = v
		}
	}
	out.Timelines = append([]Timeline(nil), p.Timelines...)
	out.Uploads = append([]TeamUpload(nil), p.Uploads...)
	return out
}

// Actor is the identity acting on a project.
type Actor struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Roles       []string `json:"roles"`
}

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsPrimaryLeaderFor reports whether a leads role on p.
func (a Actor) IsPrimaryLeaderFor(p Project, role string) bool {
	id, ok := p.Leader(role)
	return ok && id == a.ID
}

// Name returns the display name, falling back to the id.
func (a Actor) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.ID
}

// Notification types.
const (
	NotifyProjectAssigned            = "project_assigned"
	NotifyReadyForEngineering        = "project_ready_for_engineering"
	NotifyReadyForWarehouseIn        = "project_ready_for_warehousein"
	NotifyReadyForWarehouseOut       = "project_ready_for_warehouseout"
	NotifyReadyForAssembly           = "project_ready_for_assembly"
	NotifyReadyForTesting            = "project_ready_for_testing"
	NotifyReadyForWarehouseInSecond  = "project_ready_for_warehousein_second"
	NotifyReadyForWarehouseOutSecond = "project_ready_for_warehouseout_second"
	NotifyReadyForArchive            = "project_ready_for_archive"
	NotifyNeedsSchedule              = "project_needs_schedule"
	NotifyNewProject                 = "new_project"
)

type Notification struct {
	Seq             int64     `json:"seq"`
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	ProjectID       string    `json:"project_id"`
	Stage           string    `json:"stage,omitempty"`
	RecipientRole   string    `json:"recipient_role,omitempty"`
	RecipientUserID string    `json:"recipient_user_id,omitempty"`
	ExcludedUserID  string    `json:"excluded_user_id,omitempty"`
	RequiresAction  bool      `json:"requires_action"`
	Read            bool      `json:"read"`
	CreatedAt       time.Time `json:"created_at"`
}

// AddressedTo reports whether a is a recipient of n.
func (n Notification) AddressedTo(a Actor) bool {
	if n.RecipientUserID != "" {
		return n.RecipientUserID == a.ID
	}
	if n.ExcludedUserID != "" && n.ExcludedUserID == a.ID {
		return false
	}
	return n.RecipientRole != "" && a.HasRole(n.RecipientRole)
}

// DedupeKey identifies a notification for one recipient scope.
func (n Notification) DedupeKey() string {
	recipient := n.RecipientUserID
	if recipient == "" {
		recipient = "role:" + n.RecipientRole
	}
	return n.Type + "|" + n.ProjectID + "|" + recipient
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
