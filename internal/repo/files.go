package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

// AttachFileTx records file metadata. Re-attaching the same filename to the
// same stage is a no-op; the bool reports whether a row was added.
func (r Repo) AttachFileTx(ctx context.Context, tx *sql.Tx, f domain.File) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO files(project_id,stage,filename,uploaded_by,uploaded_at) VALUES (?,?,?,?,?)`,
		f.ProjectID, string(f.Stage), f.Filename, f.UploadedBy, formatTime(f.UploadedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListFiles returns metadata for a project, optionally one stage only.
func (r Repo) ListFiles(ctx context.Context, projectID string, stage domain.StageKey) ([]domain.File, error) {
	query := `SELECT project_id,stage,filename,uploaded_by,uploaded_at FROM files WHERE project_id=?`
	args := []any{projectID}
	if stage != "" {
		query += ` AND stage=?`
		args = append(args, string(stage))
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.File
	for rows.Next() {
		var (
			f        domain.File
			st, when string
		)
		if err := rows.Scan(&f.ProjectID, &st, &f.Filename, &f.UploadedBy, &when); err != nil {
			return nil, err
		}
		f.Stage = domain.StageKey(st)
		if f.UploadedAt, err = parseTime(when); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountFiles returns the number of files attached to one stage.
func (r Repo) CountFiles(ctx context.Context, projectID string, stage domain.StageKey) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE project_id=? AND stage=?`, projectID, string(stage)).Scan(&n)
	return n, err
}

func (r Repo) fileCounts(ctx context.Context, q querier, projectID string) (map[domain.StageKey]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT stage, COUNT(*) FROM files WHERE project_id=? GROUP BY stage`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out map[domain.StageKey]int
	for rows.Next() {
		var (
			stage string
			n     int
		)
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		if out == nil {
			out = map[domain.StageKey]int{}
		}
		out[domain.StageKey(stage)] = n
	}
	return out, rows.Err()
}
