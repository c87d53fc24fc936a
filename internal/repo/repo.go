package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"stageline/internal/config"
	"stageline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTimePtr(v *time.Time) any {
	if v == nil {
		return nil
	}
	return formatTime(*v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertProjectTx stores the project row and one empty record per stage key.
func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,type,priority,status,description,duration_days,summary,created_by,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Type, p.Priority, p.Status, nullable(p.Description), nullableIntPtr(p.DurationDays), nullable(p.Summary), p.CreatedBy, formatTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	for _, k := range domain.StageKeys {
		if _, err := tx.ExecContext(ctx, `INSERT INTO project_stages(project_id,stage,completed) VALUES (?,?,0)`, p.ID, string(k)); err != nil {
			return fmt.Errorf("insert stage %s: %w", k, err)
		}
	}
	return nil
}

const projectColumns = `id,name,type,priority,status,COALESCE(description,''),duration_days,COALESCE(summary,''),created_by,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProjectRow(row rowScanner) (domain.Project, error) {
	var (
		p        domain.Project
		duration sql.NullInt64
		created  string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Type, &p.Priority, &p.Status, &p.Description, &duration, &p.Summary, &p.CreatedBy, &created)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if duration.Valid {
		d := int(duration.Int64)
		p.DurationDays = &d
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return p, err
	}
	return p, nil
}

// GetProject loads the full aggregate: stages, timelines, leaders, uploads
// and per-stage file counts.
func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return r.getProject(ctx, r.DB, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return r.getProject(ctx, tx, id)
}

func (r Repo) getProject(ctx context.Context, q querier, id string) (domain.Project, error) {
	p, err := scanProjectRow(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
	if err != nil {
		return p, err
	}
	if err := r.loadDetails(ctx, q, &p); err != nil {
		return p, err
	}
	return p, nil
}

func (r Repo) loadDetails(ctx context.Context, q querier, p *domain.Project) error {
	var err error
	if p.Stages, err = r.stages(ctx, q, p.ID); err != nil {
		return err
	}
	if p.Timelines, err = r.timelines(ctx, q, p.ID); err != nil {
		return err
	}
	if p.Leaders, err = r.leaders(ctx, q, p.ID); err != nil {
		return err
	}
	if p.Uploads, err = r.listUploads(ctx, q, p.ID); err != nil {
		return err
	}
	if p.FileCounts, err = r.fileCounts(ctx, q, p.ID); err != nil {
		return err
	}
	return nil
}

func (r Repo) stages(ctx context.Context, q querier, projectID string) (map[domain.StageKey]domain.StageRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT stage,completed,completed_time,completed_by FROM project_stages WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[domain.StageKey]domain.StageRecord, len(domain.StageKeys))
	for rows.Next() {
		var (
			stage     string
			completed int
			ts, by    sql.NullString
		)
		if err := rows.Scan(&stage, &completed, &ts, &by); err != nil {
			return nil, err
		}
		rec := domain.StageRecord{Completed: completed == 1}
		if rec.CompletedTime, err = parseTimePtr(ts); err != nil {
			return nil, err
		}
		if by.Valid {
			name := by.String
			rec.CompletedBy = &name
		}
		out[domain.StageKey(stage)] = rec
	}
	return out, rows.Err()
}

func (r Repo) timelines(ctx context.Context, q querier, projectID string) ([]domain.Timeline, error) {
	rows, err := q.QueryContext(ctx, `SELECT role,allotted_days,start_time FROM timelines WHERE project_id=? ORDER BY role`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Timeline
	for rows.Next() {
		var (
			t     domain.Timeline
			days  sql.NullInt64
			start sql.NullString
		)
		if err := rows.Scan(&t.Role, &days, &start); err != nil {
			return nil, err
		}
		if days.Valid {
			d := int(days.Int64)
			t.AllottedDays = &d
		}
		if t.StartTime, err = parseTimePtr(start); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ProjectFilter narrows ListProjects. Stage filtering happens in the engine
// because the current stage is derived, not stored.
type ProjectFilter struct {
	Status    string
	CreatedBy string
	Limit     int
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilter) ([]domain.Project, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	query := `SELECT ` + projectColumns + ` FROM projects WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if err := r.loadDetails(ctx, r.DB, &res[i]); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// GetProjects loads the given ids; missing ids are absent from the result.
func (r Repo) GetProjects(ctx context.Context, ids []string) (map[string]domain.Project, error) {
	out := make(map[string]domain.Project, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		p, err := r.GetProject(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = p
	}
	return out, nil
}

// ConditionalUpdateStage writes next only while the stored record still
// matches expected.Completed. It returns false when another writer got there
// first.
func (r Repo) ConditionalUpdateStage(ctx context.Context, tx *sql.Tx, projectID string, stage domain.StageKey, expected, next domain.StageRecord) (bool, error) {
	var by any
	if next.CompletedBy != nil {
		by = *next.CompletedBy
	}
	res, err := tx.ExecContext(ctx, `UPDATE project_stages SET completed=?, completed_time=?, completed_by=? WHERE project_id=? AND stage=? AND completed=?`,
		boolInt(next.Completed), nullableTimePtr(next.CompletedTime), by, projectID, string(stage), boolInt(expected.Completed))
	if err != nil {
		return false, fmt.Errorf("update stage %s: %w", stage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateStatusTx moves status from one value to another. It returns false
// when the stored status is not from.
func (r Repo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, projectID, from, to string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=? WHERE id=? AND status=?`, to, projectID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) UpdateSummaryTx(ctx context.Context, tx *sql.Tx, projectID, summary string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET summary=? WHERE id=?`, nullable(summary), projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertTimelineTx sets the allotment for a role, keeping an existing start
// time unless a new one is given.
func (r Repo) UpsertTimelineTx(ctx context.Context, tx *sql.Tx, projectID string, t domain.Timeline) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO timelines(project_id,role,allotted_days,start_time) VALUES (?,?,?,?)
ON CONFLICT(project_id, role) DO UPDATE SET allotted_days=excluded.allotted_days, start_time=COALESCE(excluded.start_time, timelines.start_time)`,
		projectID, t.Role, nullableIntPtr(t.AllottedDays), nullableTimePtr(t.StartTime))
	return err
}

func (r Repo) UpsertWorkflowConfig(ctx context.Context, cfg *config.Config) error {
	return r.upsertWorkflowConfig(ctx, r.DB, cfg)
}

func (r Repo) UpsertWorkflowConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return r.upsertWorkflowConfig(ctx, tx, cfg)
}

func (r Repo) upsertWorkflowConfig(ctx context.Context, q querier, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := formatTime(time.Now())
	_, err = q.ExecContext(ctx, `INSERT INTO workflow_configs(id,config_json,created_at,updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, string(payload), now, now)
	return err
}

func (r Repo) GetWorkflowConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM workflow_configs WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// EventFilter narrows the audit log queries.
type EventFilter struct {
	ProjectID  string
	Type       string
	EntityKind string
	EntityID   string
}

// LatestEvents returns events newest first; a positive cursor returns only
// ids below it.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
