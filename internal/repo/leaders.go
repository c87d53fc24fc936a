package repo

import (
	"context"
	"database/sql"
)

// SetLeaderTx records actorID as the primary leader for role. An empty
// actorID clears the leader.
func (r Repo) SetLeaderTx(ctx context.Context, tx *sql.Tx, projectID, role, actorID string) error {
	if actorID == "" {
		_, err := tx.ExecContext(ctx, `DELETE FROM leaders WHERE project_id=? AND role=?`, projectID, role)
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO leaders(project_id, role, actor_id) VALUES (?,?,?)
ON CONFLICT(project_id, role) DO UPDATE SET actor_id=excluded.actor_id`, projectID, role, actorID)
	return err
}

func (r Repo) leaders(ctx context.Context, q querier, projectID string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT role, actor_id FROM leaders WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out map[string]string
	for rows.Next() {
		var role, actor string
		if err := rows.Scan(&role, &actor); err != nil {
			return nil, err
		}
		if out == nil {
			out = map[string]string{}
		}
		out[role] = actor
	}
	return out, rows.Err()
}
