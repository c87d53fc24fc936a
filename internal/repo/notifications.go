package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"stageline/internal/domain"
)

// CreateNotificationTx inserts n unless a notification with the same dedupe
// key exists. It reports whether a row was added.
func (r Repo) CreateNotificationTx(ctx context.Context, tx *sql.Tx, n domain.Notification) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO notifications(id,type,project_id,stage,recipient_role,recipient_user_id,excluded_user_id,requires_action,read,dedupe_key,created_at) VALUES (?,?,?,?,?,?,?,?,0,?,?)`,
		n.ID, n.Type, n.ProjectID, nullable(n.Stage), nullable(n.RecipientRole), nullable(n.RecipientUserID), nullable(n.ExcludedUserID), boolInt(n.RequiresAction), n.DedupeKey(), formatTime(n.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

const notificationColumns = `seq,id,type,project_id,COALESCE(stage,''),COALESCE(recipient_role,''),COALESCE(recipient_user_id,''),COALESCE(excluded_user_id,''),requires_action,read,created_at`

func scanNotification(row rowScanner) (domain.Notification, error) {
	var (
		n              domain.Notification
		action, isRead int
		created        string
	)
	if err := row.Scan(&n.Seq, &n.ID, &n.Type, &n.ProjectID, &n.Stage, &n.RecipientRole, &n.RecipientUserID, &n.ExcludedUserID, &action, &isRead, &created); err != nil {
		return n, err
	}
	n.RequiresAction = action == 1
	n.Read = isRead == 1
	var err error
	n.CreatedAt, err = parseTime(created)
	return n, err
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	n, err := scanNotification(r.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	return n, err
}

// NotificationFilter selects the notifications addressed to one actor.
type NotificationFilter struct {
	ActorID    string
	Roles      []string
	ProjectID  string
	UnreadOnly bool
	Limit      int
}

// ListNotifications returns notifications addressed directly to the actor
// or to one of its roles, oldest first. Role notifications that exclude the
// actor are skipped.
func (r Repo) ListNotifications(ctx context.Context, f NotificationFilter) ([]domain.Notification, error) {
	recipient := []string{"recipient_user_id=?"}
	args := []any{f.ActorID}
	if len(f.Roles) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(f.Roles)), ",")
		recipient = append(recipient, `(recipient_user_id IS NULL AND recipient_role IN (`+marks+`) AND (excluded_user_id IS NULL OR excluded_user_id<>?))`)
		for _, role := range f.Roles {
			args = append(args, role)
		}
		args = append(args, f.ActorID)
	}
	clauses := []string{"(" + strings.Join(recipient, " OR ") + ")"}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.UnreadOnly {
		clauses = append(clauses, "read=0")
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at, seq`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryNotifications(ctx, query, args...)
}

// NotificationsAfter returns notifications with seq above cursor in order.
func (r Repo) NotificationsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryNotifications(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE seq>? ORDER BY seq LIMIT ?`, cursor, limit)
}

func (r Repo) LatestNotificationSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM notifications`).Scan(&seq)
	return seq, err
}

func (r Repo) queryNotifications(ctx context.Context, query string, args ...any) ([]domain.Notification, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkReadTx sets read on the notification. Marking an already read
// notification succeeds and reports false.
func (r Repo) MarkReadTx(ctx context.Context, tx *sql.Tx, id string, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE notifications SET read=1, read_at=? WHERE id=? AND read=0`, formatTime(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM notifications WHERE id=?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return false, err
}

// WebhookCursor returns the last delivered seq, or ok=false when the hook
// has never delivered.
func (r Repo) WebhookCursor(ctx context.Context, webhookID string) (int64, bool, error) {
	var seq int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_seq FROM webhook_cursors WHERE webhook_id=?`, webhookID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

func (r Repo) SetWebhookCursor(ctx context.Context, webhookID string, seq int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(webhook_id,last_seq) VALUES (?,?)
ON CONFLICT(webhook_id) DO UPDATE SET last_seq=excluded.last_seq`, webhookID, seq)
	return err
}
