// Package stages holds the stage graph: the fixed stage order, the gating
// predicate for each stage and the pure completion transition. Nothing here
// performs I/O.
package stages

import (
	"fmt"
	"math"
	"time"

	"stageline/internal/domain"
)

// Reasons carried by PreconditionError.
const (
	ReasonNotApproved         = "not_approved"
	ReasonPreviousIncomplete  = "previous_stage_incomplete"
	ReasonAlreadyCompleted    = "already_completed"
	ReasonNotInFlow           = "not_in_flow"
	ReasonUnknownStage        = "unknown_stage"
	ReasonIntegrationRequired = "integration_required"
	ReasonFilesRequired       = "files_required"
	ReasonNotPending          = "not_pending"
	ReasonArchived            = "archived"
)

// PreconditionError reports a transition whose gate is closed.
type PreconditionError struct {
	Stage  domain.StageKey
	Reason string
}

func (e PreconditionError) Error() string {
	switch e.Reason {
	case ReasonAlreadyCompleted:
		return fmt.Sprintf("stage %s already completed", e.Stage)
	case ReasonPreviousIncomplete:
		return fmt.Sprintf("stage %s: previous stage not finished", e.Stage)
	case ReasonNotApproved:
		return fmt.Sprintf("stage %s: project not approved", e.Stage)
	case ReasonIntegrationRequired:
		return fmt.Sprintf("stage %s: no integrated team contribution", e.Stage)
	case ReasonFilesRequired:
		return fmt.Sprintf("stage %s: at least one file required", e.Stage)
	case ReasonNotPending:
		return "project is not pending approval"
	case ReasonArchived:
		return "project is archived"
	default:
		return fmt.Sprintf("stage %s: precondition failed (%s)", e.Stage, e.Reason)
	}
}

// PositionKind classifies the result of Current.
type PositionKind string

const (
	PositionStage           PositionKind = "stage"
	PositionCompleted       PositionKind = "completed"
	PositionPendingApproval PositionKind = "pending_approval"
)

// Position is where a project is right now.
type Position struct {
	Kind  PositionKind    `json:"kind"`
	Stage domain.StageKey `json:"stage,omitempty"`
}

func (p Position) String() string {
	if p.Kind == PositionStage {
		return string(p.Stage)
	}
	return string(p.Kind)
}

// StageCompleted is emitted for every successful completion.
type StageCompleted struct {
	ProjectID string
	Stage     domain.StageKey
	ActorID   string
	At        time.Time
}

// Graph evaluates gates for one workflow shape.
type Graph struct {
	// SecondCycle enables warehouse_in_second and warehouse_out_second.
	SecondCycle bool
	// RequireIntegration and RequireFiles add completion requirements to
	// development and engineering.
	RequireIntegration bool
	RequireFiles       bool
}

// Default is the full workflow with the optional requirements off.
var Default = Graph{SecondCycle: true}

// CanEnterStage evaluates Default.CanEnter.
func CanEnterStage(p domain.Project, k domain.StageKey) bool {
	return Default.CanEnter(p, k)
}

// CurrentStage evaluates Default.Current.
func CurrentStage(p domain.Project) Position {
	return Default.Current(p)
}

// Flow returns the stages in the order a project moves through them.
func (g Graph) Flow() []domain.StageKey {
	flow := []domain.StageKey{
		domain.StageDevelopment,
		domain.StageEngineering,
		domain.StagePurchase,
		domain.StageProcessing,
		domain.StageWarehouseIn,
		domain.StageWarehouseOut,
		domain.StageAssembly,
		domain.StageTesting,
	}
	if g.SecondCycle {
		flow = append(flow, domain.StageWarehouseInSecond, domain.StageWarehouseOutSecond)
	}
	return append(flow, domain.StageArchived)
}

// InFlow reports whether k is part of the workflow shape.
func (g Graph) InFlow(k domain.StageKey) bool {
	for _, s := range g.Flow() {
		if s == k {
			return true
		}
	}
	return false
}

// Prerequisites lists the stages that must be complete before k opens.
func (g Graph) Prerequisites(k domain.StageKey) []domain.StageKey {
	switch k {
	case domain.StageEngineering:
		return []domain.StageKey{domain.StageDevelopment}
	case domain.StagePurchase:
		return []domain.StageKey{domain.StageEngineering}
	case domain.StageProcessing:
		return []domain.StageKey{domain.StagePurchase}
	case domain.StageAssembly:
		return []domain.StageKey{domain.StageProcessing}
	case domain.StageTesting:
		return []domain.StageKey{domain.StageAssembly}
	case domain.StageWarehouseIn:
		return []domain.StageKey{domain.StageProcessing}
	case domain.StageWarehouseOut:
		return []domain.StageKey{domain.StageWarehouseIn}
	case domain.StageWarehouseInSecond:
		return []domain.StageKey{domain.StageTesting, domain.StageWarehouseIn}
	case domain.StageWarehouseOutSecond:
		return []domain.StageKey{domain.StageWarehouseInSecond, domain.StageWarehouseOut}
	case domain.StageArchived:
		if g.SecondCycle {
			return []domain.StageKey{domain.StageWarehouseOutSecond}
		}
		return []domain.StageKey{domain.StageTesting, domain.StageWarehouseOut}
	}
	return nil
}

// Check returns nil when k may be completed on p, or the reason it may not.
// It covers the gating table only; see Complete for the optional
// completion requirements.
func (g Graph) Check(p domain.Project, k domain.StageKey) error {
	if !k.Valid() {
		return PreconditionError{Stage: k, Reason: ReasonUnknownStage}
	}
	if !g.InFlow(k) {
		return PreconditionError{Stage: k, Reason: ReasonNotInFlow}
	}
	if p.Completed(k) {
		return PreconditionError{Stage: k, Reason: ReasonAlreadyCompleted}
	}
	if k == domain.StageDevelopment {
		if p.Status != domain.StatusApproved {
			return PreconditionError{Stage: k, Reason: ReasonNotApproved}
		}
		return nil
	}
	for _, req := range g.Prerequisites(k) {
		if !p.Completed(req) {
			return PreconditionError{Stage: k, Reason: ReasonPreviousIncomplete}
		}
	}
	return nil
}

// CanEnter is the gating predicate for k.
func (g Graph) CanEnter(p domain.Project, k domain.StageKey) bool {
	return g.Check(p, k) == nil
}

// Current scans the flow and returns the first open, incomplete stage.
func (g Graph) Current(p domain.Project) Position {
	if p.Status == domain.StatusPending || p.Status == "" {
		return Position{Kind: PositionPendingApproval}
	}
	for _, k := range g.Flow() {
		if g.CanEnter(p, k) {
			return Position{Kind: PositionStage, Stage: k}
		}
	}
	return Position{Kind: PositionCompleted}
}

// Open lists every stage currently enterable, in flow order.
func (g Graph) Open(p domain.Project) []domain.StageKey {
	var out []domain.StageKey
	for _, k := range g.Flow() {
		if g.CanEnter(p, k) {
			out = append(out, k)
		}
	}
	return out
}

func (g Graph) checkRequirements(p domain.Project, k domain.StageKey) error {
	if k != domain.StageDevelopment && k != domain.StageEngineering {
		return nil
	}
	if g.RequireFiles && p.FileCounts[k] == 0 {
		return PreconditionError{Stage: k, Reason: ReasonFilesRequired}
	}
	if g.RequireIntegration {
		for _, u := range p.Uploads {
			if u.Stage == k && u.Integrated {
				return nil
			}
		}
		return PreconditionError{Stage: k, Reason: ReasonIntegrationRequired}
	}
	return nil
}

// Complete marks k done on a copy of p. The input project is not modified.
func (g Graph) Complete(p domain.Project, k domain.StageKey, actor domain.Actor, at time.Time) (domain.Project, []StageCompleted, error) {
	if err := g.Check(p, k); err != nil {
		return p, nil, err
	}
	if err := g.checkRequirements(p, k); err != nil {
		return p, nil, err
	}
	out := p.Clone()
	ts := at.UTC()
	by := actor.Name()
	out.Stages[k] = domain.StageRecord{Completed: true, CompletedTime: &ts, CompletedBy: &by}
	if k == domain.StageArchived {
		out.Status = domain.StatusArchived
	}
	return out, []StageCompleted{{ProjectID: p.ID, Stage: k, ActorID: actor.ID, At: ts}}, nil
}

// RemainingDays is allotted minus whole days elapsed since start. Nil when
// either input is missing.
func RemainingDays(allottedDays *int, start *time.Time, now time.Time) *int {
	if allottedDays == nil || start == nil {
		return nil
	}
	elapsed := int(math.Floor(now.Sub(*start).Hours() / 24))
	left := *allottedDays - elapsed
	return &left
}

// DeadlineClass is the advisory classification of remaining days.
type DeadlineClass string

const (
	DeadlineUnknown DeadlineClass = "unknown"
	DeadlineOK      DeadlineClass = "ok"
	DeadlineWarning DeadlineClass = "warning"
	DeadlineOverdue DeadlineClass = "overdue"
)

// Classify maps remaining days onto a class; warnDays is the inclusive
// upper bound of the warning window.
func Classify(remaining *int, warnDays int) DeadlineClass {
	switch {
	case remaining == nil:
		return DeadlineUnknown
	case *remaining < 0:
		return DeadlineOverdue
	case *remaining <= warnDays:
		return DeadlineWarning
	default:
		return DeadlineOK
	}
}

// Deadline is one role's advisory.
type Deadline struct {
	Role      string        `json:"role"`
	Remaining *int          `json:"remaining_days,omitempty"`
	Class     DeadlineClass `json:"class"`
}

// Deadlines computes an advisory per timeline entry.
func Deadlines(p domain.Project, now time.Time, warnDays int) []Deadline {
	out := make([]Deadline, 0, len(p.Timelines))
	for _, t := range p.Timelines {
		rem := RemainingDays(t.AllottedDays, t.StartTime, now)
		out = append(out, Deadline{Role: t.Role, Remaining: rem, Class: Classify(rem, warnDays)})
	}
	return out
}
