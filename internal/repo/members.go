package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"trackline/internal/domain"
)

func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, userID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id, created_at) VALUES (?,?)`, userID, now)
	return err
}

func (r Repo) UserExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id=?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) UserExistsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id=?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var name, email sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id, display_name, email, created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &name, &email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if name.Valid {
		u.DisplayName = name.String
	}
	if email.Valid {
		u.Email = email.String
	}
	return u, err
}

func (r Repo) UpsertMember(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	if err := r.EnsureUser(ctx, tx, m.UserID, m.AddedAt); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO project_members(project_id, user_id, role, added_at)
VALUES (?,?,?,?)
ON CONFLICT(project_id, user_id) DO UPDATE SET role=excluded.role`,
		m.ProjectID, m.UserID, m.Role, m.AddedAt)
	return err
}

func (r Repo) GetMember(ctx context.Context, projectID, userID string) (domain.Member, error) {
	var m domain.Member
	err := r.DB.QueryRowContext(ctx, `SELECT project_id, user_id, role, added_at FROM project_members WHERE project_id=? AND user_id=?`,
		projectID, userID).Scan(&m.ProjectID, &m.UserID, &m.Role, &m.AddedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) GetMemberTx(ctx context.Context, tx *sql.Tx, projectID, userID string) (domain.Member, error) {
	var m domain.Member
	err := tx.QueryRowContext(ctx, `SELECT project_id, user_id, role, added_at FROM project_members WHERE project_id=? AND user_id=?`,
		projectID, userID).Scan(&m.ProjectID, &m.UserID, &m.Role, &m.AddedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListMembers(ctx context.Context, projectID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id, user_id, role, added_at FROM project_members WHERE project_id=? ORDER BY user_id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.ProjectID, &m.UserID, &m.Role, &m.AddedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) CountMembersWithRoleTx(ctx context.Context, tx *sql.Tx, projectID, role string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM project_members WHERE project_id=? AND role=?`, projectID, role).Scan(&n)
	return n, err
}

func (r Repo) DeleteMemberTx(ctx context.Context, tx *sql.Tx, projectID, userID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM project_members WHERE project_id=? AND user_id=?`, projectID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ReplaceMembers(ctx context.Context, tx *sql.Tx, projectID string, members []domain.Member) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM project_members WHERE project_id=?`, projectID); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, m := range members {
		if m.AddedAt == "" {
			m.AddedAt = now
		}
		if err := r.EnsureUser(ctx, tx, m.UserID, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO project_members(project_id, user_id, role, added_at) VALUES (?,?,?,?)`,
			projectID, m.UserID, m.Role, m.AddedAt); err != nil {
			return fmt.Errorf("member %s: %w", m.UserID, err)
		}
	}
	return nil
}
