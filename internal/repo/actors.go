package repo

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"stageline/internal/domain"
)

// EnsureActor inserts the actor if missing and leaves an existing row alone.
func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, displayName string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, display_name, created_at) VALUES (?,?,?)`, actorID, nullable(displayName), formatTime(now))
	return err
}

// UpsertActorTx creates or renames the actor.
func (r Repo) UpsertActorTx(ctx context.Context, tx *sql.Tx, a domain.Actor, now time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actors(id, display_name, created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name=COALESCE(excluded.display_name, actors.display_name)`, a.ID, nullable(a.DisplayName), formatTime(now))
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, role string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role) VALUES (?,?)`, actorID, role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, role string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role=?`, actorID, role)
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	return r.getActor(ctx, r.DB, id)
}

func (r Repo) GetActorTx(ctx context.Context, tx *sql.Tx, id string) (domain.Actor, error) {
	return r.getActor(ctx, tx, id)
}

func (r Repo) getActor(ctx context.Context, q querier, id string) (domain.Actor, error) {
	var a domain.Actor
	var name sql.NullString
	err := q.QueryRowContext(ctx, `SELECT id, display_name FROM actors WHERE id=?`, id).Scan(&a.ID, &name)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.DisplayName = name.String
	roles, err := r.actorRoles(ctx, q, id)
	if err != nil {
		return a, err
	}
	a.Roles = roles
	return a, nil
}

func (r Repo) ListActors(ctx context.Context) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, COALESCE(display_name,'') FROM actors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var out []domain.Actor
	for rows.Next() {
		var a domain.Actor
		if err := rows.Scan(&a.ID, &a.DisplayName); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range out {
		roles, err := r.actorRoles(ctx, r.DB, out[i].ID)
		if err != nil {
			return nil, fmt.Errorf("roles for %s: %w", out[i].ID, err)
		}
		out[i].Roles = roles
	}
	return out, nil
}

func (r Repo) actorRoles(ctx context.Context, q querier, actorID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT role FROM actor_roles WHERE actor_id=?`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles, rows.Err()
}
