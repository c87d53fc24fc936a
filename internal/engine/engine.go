package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"stageline/internal/config"
	"stageline/internal/domain"
	"stageline/internal/engine/auth"
	"stageline/internal/engine/notify"
	"stageline/internal/engine/stages"
	"stageline/internal/events"
	"stageline/internal/logging"
	"stageline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Log    logrus.FieldLogger
	Now    func() time.Time
	NewID  func() string
}

func New(db *sql.DB, cfg *config.Config, log logrus.FieldLogger) Engine {
	r := repo.Repo{DB: db}
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{},
		Auth:   auth.Service{Repo: r},
		Config: cfg,
		Log:    logging.OrDiscard(log),
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) log() logrus.FieldLogger {
	return logging.OrDiscard(e.Log)
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) graph() stages.Graph   { return e.Config.Graph() }
func (e Engine) policy() notify.Policy { return e.Config.Policy() }

// inTx runs fn in a transaction and commits when fn returns nil.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) loadProject(ctx context.Context, id string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return p, fmt.Errorf("project %s: %w", id, err)
	}
	return p, nil
}

// createNotifications persists the fan-out of one transition. Specs whose
// dedupe key already exists are skipped.
func (e Engine) createNotifications(ctx context.Context, tx *sql.Tx, actorID string, specs []notify.Spec) ([]domain.Notification, error) {
	var created []domain.Notification
	for _, spec := range specs {
		n := spec.Notification()
		n.ID = e.newID()
		n.CreatedAt = e.now()
		ok, err := e.Repo.CreateNotificationTx(ctx, tx, n)
		if err != nil {
			return nil, err
		}
		if !ok {
			e.log().WithFields(logrus.Fields{"type": n.Type, "project_id": n.ProjectID}).Debug("notification already exists")
			continue
		}
		if err := e.events().Append(ctx, tx, events.Entry{
			Type:       events.NotificationSent,
			ProjectID:  n.ProjectID,
			EntityKind: "notification",
			EntityID:   n.ID,
			ActorID:    actorID,
			Payload: events.EventPayload{
				"type":              n.Type,
				"stage":             n.Stage,
				"recipient_role":    n.RecipientRole,
				"recipient_user_id": n.RecipientUserID,
			},
		}); err != nil {
			return nil, err
		}
		created = append(created, n)
	}
	return created, nil
}

// startOpenTimelines stamps a start time on scheduled timelines whose stage
// just became enterable.
func (e Engine) startOpenTimelines(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	open := e.graph().Open(p)
	if len(open) == 0 {
		return nil
	}
	now := e.now()
	for _, k := range open {
		role := e.Config.GatingRole(k)
		for _, t := range p.Timelines {
			if t.Role != role || t.StartTime != nil || t.AllottedDays == nil {
				continue
			}
			t.StartTime = &now
			if err := e.Repo.UpsertTimelineTx(ctx, tx, p.ID, t); err != nil {
				return fmt.Errorf("start timeline %s: %w", role, err)
			}
		}
	}
	return nil
}
