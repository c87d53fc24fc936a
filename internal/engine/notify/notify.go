// Package notify maps stage transitions to notifications and decides which
// single pending notification a recipient should see.
package notify

import (
	"sort"

	"stageline/internal/domain"
	"stageline/internal/engine/stages"
)

// Pseudo stages announced by notifications that precede the stage flow.
const (
	AnnounceApproval = "approval"
	AnnounceSchedule = "schedule"
)

// Spec describes a notification to create. ID and CreatedAt are assigned by
// the transport.
type Spec struct {
	Type            string
	ProjectID       string
	Stage           string
	RecipientRole   string
	RecipientUserID string
	ExcludedUserID  string
	RequiresAction  bool
}

// Notification converts s into an unsaved notification.
func (s Spec) Notification() domain.Notification {
	return domain.Notification{
		Type:            s.Type,
		ProjectID:       s.ProjectID,
		Stage:           s.Stage,
		RecipientRole:   s.RecipientRole,
		RecipientUserID: s.RecipientUserID,
		ExcludedUserID:  s.ExcludedUserID,
		RequiresAction:  s.RequiresAction,
	}
}

// Policy holds the recipient roles used by the fan-out table.
type Policy struct {
	Graph            stages.Graph
	ManagerRole      string
	DevelopmentRole  string
	EngineeringRole  string
	WarehouseInRole  string
	WarehouseOutRole string
	AssemblyRole     string
	TestingRole      string
}

// PolicyFor builds a policy for graph g, reading each recipient role from
// the role that gates the stage it announces.
func PolicyFor(g stages.Graph, managerRole string, gatingRole func(domain.StageKey) string) Policy {
	return Policy{
		Graph:            g,
		ManagerRole:      managerRole,
		DevelopmentRole:  gatingRole(domain.StageDevelopment),
		EngineeringRole:  gatingRole(domain.StageEngineering),
		WarehouseInRole:  gatingRole(domain.StageWarehouseIn),
		WarehouseOutRole: gatingRole(domain.StageWarehouseOut),
		AssemblyRole:     gatingRole(domain.StageAssembly),
		TestingRole:      gatingRole(domain.StageTesting),
	}
}

// DefaultPolicy uses the default workflow roles.
var DefaultPolicy = Policy{
	Graph:            stages.Default,
	ManagerRole:      domain.RoleManager,
	DevelopmentRole:  domain.RoleResearcher,
	EngineeringRole:  domain.RoleEngineer,
	WarehouseInRole:  domain.RoleWarehouseIn,
	WarehouseOutRole: domain.RoleWarehouseOut,
	AssemblyRole:     domain.RoleAssembler,
	TestingRole:      domain.RoleTester,
}

// recipient addresses role r, or its primary leader on p when one is named.
func (pol Policy) recipient(p domain.Project, r string) Spec {
	if id, ok := p.Leader(r); ok {
		return Spec{RecipientUserID: id}
	}
	return Spec{RecipientRole: r}
}

// archive targets the manager primary leader when one is set.
func (pol Policy) archive(p domain.Project) Spec {
	s := Spec{Type: domain.NotifyReadyForArchive, Stage: string(domain.StageArchived), RequiresAction: true}
	if id, ok := p.Leader(pol.ManagerRole); ok {
		s.RecipientUserID = id
	} else {
		s.RecipientRole = pol.ManagerRole
	}
	return s
}

// StageFanOut returns the notifications triggered by completing ev.Stage.
func (pol Policy) StageFanOut(p domain.Project, ev stages.StageCompleted) []Spec {
	var s Spec
	switch ev.Stage {
	case domain.StageDevelopment:
		s = pol.recipient(p, pol.EngineeringRole)
		s.Type, s.Stage = domain.NotifyReadyForEngineering, string(domain.StageEngineering)
	case domain.StageProcessing:
		s = pol.recipient(p, pol.WarehouseInRole)
		s.Type, s.Stage = domain.NotifyReadyForWarehouseIn, string(domain.StageWarehouseIn)
	case domain.StageWarehouseIn:
		s = pol.recipient(p, pol.WarehouseOutRole)
		s.Type, s.Stage = domain.NotifyReadyForWarehouseOut, string(domain.StageWarehouseOut)
	case domain.StageWarehouseOut:
		s = pol.recipient(p, pol.AssemblyRole)
		s.Type, s.Stage = domain.NotifyReadyForAssembly, string(domain.StageAssembly)
	case domain.StageAssembly:
		s = pol.recipient(p, pol.TestingRole)
		s.Type, s.Stage = domain.NotifyReadyForTesting, string(domain.StageTesting)
	case domain.StageTesting:
		if !pol.Graph.SecondCycle {
			s = pol.archive(p)
			break
		}
		s = pol.recipient(p, pol.WarehouseInRole)
		s.Type, s.Stage = domain.NotifyReadyForWarehouseInSecond, string(domain.StageWarehouseInSecond)
	case domain.StageWarehouseInSecond:
		s = pol.recipient(p, pol.WarehouseOutRole)
		s.Type, s.Stage = domain.NotifyReadyForWarehouseOutSecond, string(domain.StageWarehouseOutSecond)
	case domain.StageWarehouseOutSecond:
		s = pol.archive(p)
	default:
		return nil
	}
	s.ProjectID = p.ID
	return []Spec{s}
}

// ApprovalFanOut covers initiation approval: the assignment notice and the
// manager's scheduling prompt.
func (pol Policy) ApprovalFanOut(p domain.Project) []Spec {
	assigned := Spec{Type: domain.NotifyProjectAssigned, ProjectID: p.ID, Stage: string(domain.StageDevelopment)}
	if id, ok := p.Leader(pol.DevelopmentRole); ok {
		assigned.RecipientUserID = id
	} else {
		assigned.RecipientUserID = p.CreatedBy
	}
	out := []Spec{assigned}
	if !p.HasSchedule() {
		out = append(out, Spec{
			Type:           domain.NotifyNeedsSchedule,
			ProjectID:      p.ID,
			Stage:          AnnounceSchedule,
			RecipientRole:  pol.ManagerRole,
			RequiresAction: true,
		})
	}
	return out
}

// SubmissionFanOut notifies managers, other than the submitter, of a new project.
func (pol Policy) SubmissionFanOut(p domain.Project) []Spec {
	return []Spec{{
		Type:           domain.NotifyNewProject,
		ProjectID:      p.ID,
		Stage:          AnnounceApproval,
		RecipientRole:  pol.ManagerRole,
		ExcludedUserID: p.CreatedBy,
	}}
}

// Priority ranks types for display; higher wins.
func Priority(notificationType string) int {
	switch notificationType {
	case domain.NotifyReadyForArchive:
		return 5
	case domain.NotifyNeedsSchedule:
		return 4
	case domain.NotifyNewProject:
		return 3
	case domain.NotifyProjectAssigned:
		return 2
	default:
		return 1
	}
}

// Stale reasons.
const (
	StaleProjectMissing = "project_missing"
	StaleStateChanged   = "state_changed"
)

// StaleNotification is a pending notification whose announced state no
// longer holds. It is dropped from display, not marked read.
type StaleNotification struct {
	domain.Notification
	Reason string `json:"reason"`
}

// IsStale reports whether n no longer matches the state of p. A missing
// project makes every notification stale.
func (pol Policy) IsStale(n domain.Notification, p *domain.Project) bool {
	return pol.staleReason(n, p) != ""
}

func (pol Policy) staleReason(n domain.Notification, p *domain.Project) string {
	if p == nil {
		return StaleProjectMissing
	}
	var stale bool
	switch n.Stage {
	case AnnounceApproval:
		stale = p.Status != domain.StatusPending
	case AnnounceSchedule:
		stale = p.Status != domain.StatusApproved || p.HasSchedule()
	case "":
	default:
		stale = !pol.Graph.CanEnter(*p, domain.StageKey(n.Stage))
	}
	if stale {
		return StaleStateChanged
	}
	return ""
}

// Suppression is the per-session set of project ids the user is already
// working in.
type Suppression map[string]struct{}

func NewSuppression(projectIDs ...string) Suppression {
	s := Suppression{}
	for _, id := range projectIDs {
		s.Add(id)
	}
	return s
}

func (s Suppression) Add(projectID string) {
	if projectID != "" {
		s[projectID] = struct{}{}
	}
}

func (s Suppression) Has(projectID string) bool {
	_, ok := s[projectID]
	return ok
}

// Selection is the outcome of SelectNotification.
type Selection struct {
	Selected *domain.Notification
	Stale    []StaleNotification
}

// SelectNotification picks the highest priority unread, unsuppressed,
// non-stale notification. Stale notifications are returned so that callers
// can log them; they are never marked read.
func (pol Policy) SelectNotification(pending []domain.Notification, projects map[string]domain.Project, suppressed Suppression) Selection {
	var sel Selection
	candidates := make([]domain.Notification, 0, len(pending))
	for _, n := range pending {
		if n.Read || suppressed.Has(n.ProjectID) {
			continue
		}
		var proj *domain.Project
		if p, ok := projects[n.ProjectID]; ok {
			proj = &p
		}
		if reason := pol.staleReason(n, proj); reason != "" {
			sel.Stale = append(sel.Stale, StaleNotification{Notification: n, Reason: reason})
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return sel
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := Priority(candidates[i].Type), Priority(candidates[j].Type)
		if pi != pj {
			return pi > pj
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	top := candidates[0]
	sel.Selected = &top
	return sel
}

// FilterFresh drops stale notifications while keeping order.
func (pol Policy) FilterFresh(pending []domain.Notification, projects map[string]domain.Project) (fresh []domain.Notification, stale []StaleNotification) {
	for _, n := range pending {
		var proj *domain.Project
		if p, ok := projects[n.ProjectID]; ok {
			proj = &p
		}
		if reason := pol.staleReason(n, proj); reason != "" {
			stale = append(stale, StaleNotification{Notification: n, Reason: reason})
			continue
		}
		fresh = append(fresh, n)
	}
	return fresh, stale
}
