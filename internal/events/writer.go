package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the audit log.
const (
	ProjectCreated    = "project.created"
	ProjectApproved   = "project.approved"
	ProjectScheduled  = "project.scheduled"
	ProjectLeaderSet  = "project.leader_set"
	ProjectSummarySet = "project.summary_set"
	StageCompleted    = "stage.completed"
	FileAttached      = "file.attached"
	UploadAdded       = "upload.added"
	UploadIntegrated  = "upload.integrated"
	NotificationSent  = "notification.created"
	NotificationRead  = "notification.read"
	ActorCreated      = "actor.created"
	APIKeyCreated     = "actor.key_created"
	APIKeyRevoked     = "actor.key_revoked"
	ConfigImported    = "config.imported"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Entry is one audit record. ProjectID and EntityID may be empty.
type Entry struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

// Append writes e inside tx so the record commits with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	payload := e.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	actor := e.ActorID
	if actor == "" {
		actor = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), e.Type, nullable(e.ProjectID), e.EntityKind, nullable(e.EntityID), actor, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
