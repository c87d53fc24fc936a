package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

// Forbidden reasons.
const (
	ReasonMissingRole  = "missing_role"
	ReasonNotLeader    = "not_primary_leader"
	ReasonUnknownActor = "unknown_actor"
	ReasonNotRecipient = "not_recipient"
	ReasonNotSubmitter = "not_submitter"
)

// ForbiddenError indicates the actor may not perform the action.
type ForbiddenError struct {
	ActorID string
	Role    string
	Reason  string
}

func (e ForbiddenError) Error() string {
	switch e.Reason {
	case ReasonNotLeader:
		return fmt.Sprintf("only the primary %s leader may act", e.Role)
	case ReasonUnknownActor:
		return fmt.Sprintf("actor %s not found", e.ActorID)
	case ReasonNotRecipient:
		return "notification not addressed to actor"
	case ReasonNotSubmitter:
		return "only the submitter or a manager may do this"
	default:
		return fmt.Sprintf("role %s required", e.Role)
	}
}

// Service resolves actors inside the caller's transaction.
type Service struct {
	Repo repo.Repo
}

// Actor loads the actor with its roles. Unknown ids become ForbiddenError.
func (s Service) Actor(ctx context.Context, tx *sql.Tx, actorID string) (domain.Actor, error) {
	if actorID == "" {
		return domain.Actor{}, ForbiddenError{Reason: ReasonUnknownActor}
	}
	var (
		a   domain.Actor
		err error
	)
	if tx != nil {
		a, err = s.Repo.GetActorTx(ctx, tx, actorID)
	} else {
		a, err = s.Repo.GetActor(ctx, actorID)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return a, ForbiddenError{ActorID: actorID, Reason: ReasonUnknownActor}
	}
	return a, err
}

// RequireRole fails unless a holds role.
func RequireRole(a domain.Actor, role string) error {
	if !a.HasRole(role) {
		return ForbiddenError{ActorID: a.ID, Role: role, Reason: ReasonMissingRole}
	}
	return nil
}

// RequireStageAuthority checks the gating role for a stage. When the project
// names a primary leader for that role, only the leader may act.
func RequireStageAuthority(a domain.Actor, p domain.Project, role string) error {
	if err := RequireRole(a, role); err != nil {
		return err
	}
	if _, ok := p.Leader(role); ok && !a.IsPrimaryLeaderFor(p, role) {
		return ForbiddenError{ActorID: a.ID, Role: role, Reason: ReasonNotLeader}
	}
	return nil
}
