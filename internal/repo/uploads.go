package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"stageline/internal/domain"
)

func (r Repo) InsertUploadTx(ctx context.Context, tx *sql.Tx, u domain.TeamUpload) error {
	files, err := json.Marshal(u.Files)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO team_uploads(id,project_id,stage,uploader_id,uploader_name,files_json,integrated,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		u.ID, u.ProjectID, string(u.Stage), u.UploaderID, u.UploaderName, string(files), boolInt(u.Integrated), formatTime(u.CreatedAt))
	return err
}

// MarkUploadIntegratedTx flips the integrated flag once. It reports whether
// the row changed.
func (r Repo) MarkUploadIntegratedTx(ctx context.Context, tx *sql.Tx, projectID, uploadID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE team_uploads SET integrated=1 WHERE id=? AND project_id=? AND integrated=0`, uploadID, projectID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) GetUploadTx(ctx context.Context, tx *sql.Tx, projectID, uploadID string) (domain.TeamUpload, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM team_uploads WHERE id=? AND project_id=?`, uploadID, projectID)
	u, err := scanUpload(row)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) ListUploads(ctx context.Context, projectID string) ([]domain.TeamUpload, error) {
	return r.listUploads(ctx, r.DB, projectID)
}

const uploadColumns = `id,project_id,stage,uploader_id,uploader_name,files_json,integrated,created_at`

func scanUpload(row rowScanner) (domain.TeamUpload, error) {
	var (
		u          domain.TeamUpload
		stage      string
		files      string
		integrated int
		created    string
	)
	if err := row.Scan(&u.ID, &u.ProjectID, &stage, &u.UploaderID, &u.UploaderName, &files, &integrated, &created); err != nil {
		return u, err
	}
	u.Stage = domain.StageKey(stage)
	u.Integrated = integrated == 1
	if err := json.Unmarshal([]byte(files), &u.Files); err != nil {
		return u, fmt.Errorf("upload %s files: %w", u.ID, err)
	}
	var err error
	u.CreatedAt, err = parseTime(created)
	return u, err
}

func (r Repo) listUploads(ctx context.Context, q querier, projectID string) ([]domain.TeamUpload, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+uploadColumns+` FROM team_uploads WHERE project_id=? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TeamUpload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
