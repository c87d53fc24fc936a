package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/engine/notify"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// NotificationQuery filters Notifications.
type NotificationQuery struct {
	UnreadOnly   bool
	IncludeStale bool
	ProjectID    string
}

func (e Engine) pendingFor(ctx context.Context, actor domain.Actor, q NotificationQuery) ([]domain.Notification, map[string]domain.Project, error) {
	list, err := e.Repo.ListNotifications(ctx, repo.NotificationFilter{
		ActorID:    actor.ID,
		Roles:      actor.Roles,
		ProjectID:  q.ProjectID,
		UnreadOnly: q.UnreadOnly,
	})
	if err != nil {
		return nil, nil, err
	}
	ids := make([]string, 0, len(list))
	for _, n := range list {
		ids = append(ids, n.ProjectID)
	}
	projects, err := e.Repo.GetProjects(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	return list, projects, nil
}

func (e Engine) logStale(actorID string, stale []notify.StaleNotification) {
	for _, s := range stale {
		e.log().WithFields(logrus.Fields{
			"notification_id": s.ID,
			"type":            s.Type,
			"project_id":      s.ProjectID,
			"actor_id":        actorID,
			"reason":          s.Reason,
		}).Debug("dropping stale notification")
	}
}

// Notifications lists notifications addressed to the actor. Stale ones are
// dropped unless IncludeStale is set.
func (e Engine) Notifications(ctx context.Context, actorID string, q NotificationQuery) ([]domain.Notification, error) {
	actor, err := e.Auth.Actor(ctx, nil, actorID)
	if err != nil {
		return nil, err
	}
	list, projects, err := e.pendingFor(ctx, actor, q)
	if err != nil {
		return nil, err
	}
	if q.IncludeStale {
		return list, nil
	}
	fresh, stale := e.policy().FilterFresh(list, projects)
	e.logStale(actorID, stale)
	if fresh == nil {
		fresh = []domain.Notification{}
	}
	return fresh, nil
}

// NextNotification selects the single notification to show the actor.
func (e Engine) NextNotification(ctx context.Context, actorID string, suppressed notify.Suppression) (notify.Selection, error) {
	actor, err := e.Auth.Actor(ctx, nil, actorID)
	if err != nil {
		return notify.Selection{}, err
	}
	list, projects, err := e.pendingFor(ctx, actor, NotificationQuery{UnreadOnly: true})
	if err != nil {
		return notify.Selection{}, err
	}
	sel := e.policy().SelectNotification(list, projects, suppressed)
	e.logStale(actorID, sel.Stale)
	return sel, nil
}

// MarkRead marks the notification read for its recipients. Repeating the
// call is harmless.
func (e Engine) MarkRead(ctx context.Context, notificationID, actorID string) (domain.Notification, error) {
	n, err := e.Repo.GetNotification(ctx, notificationID)
	if err != nil {
		return n, fmt.Errorf("notification %s: %w", notificationID, err)
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		actor, err := e.Auth.Actor(ctx, tx, actorID)
		if err != nil {
			return err
		}
		if !n.AddressedTo(actor) {
			return auth.ForbiddenError{ActorID: actorID, Role: n.RecipientRole, Reason: auth.ReasonNotRecipient}
		}
		changed, err := e.Repo.MarkReadTx(ctx, tx, notificationID, e.now())
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("notification %s: %w", notificationID, err)
			}
			return err
		}
		if !changed {
			return nil
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type: events.NotificationRead, ProjectID: n.ProjectID, EntityKind: "notification", EntityID: n.ID, ActorID: actorID,
		})
	})
	if err != nil {
		return domain.Notification{}, err
	}
	n.Read = true
	return n, nil
}
