package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"orderline/internal/domain"
)

// HashPassword returns the hex SHA-256 digest stored for a user.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

const userColumns = `username,password_hash,COALESCE(email,''),COALESCE(display_name,''),role_type,work_order_role,created_at`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.Username, &u.PasswordHash, &u.Email, &u.DisplayName, &u.RoleType, &u.WorkOrderRole, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) InsertUserTx(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO users(username,password_hash,email,display_name,role_type,work_order_role,created_at) VALUES (?,?,?,?,?,?,?)`,
		u.Username, u.PasswordHash, nullable(u.Email), nullable(u.DisplayName), u.RoleType, u.WorkOrderRole, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, username string) (domain.User, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username=?`, username)
	return scanUser(row)
}

func (r Repo) UserExists(ctx context.Context, username string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE username=?`, username).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) SetWorkOrderRole(ctx context.Context, username, role string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET work_order_role=? WHERE username=?`, role, username)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFunctionPermissionTx upserts a single (username, function) row.
// Disabled rows are kept rather than deleted so that an explicitly
// stored permission set, even an all-disabled one, wins over defaults.
func (r Repo) SetFunctionPermissionTx(ctx context.Context, tx *sql.Tx, username string, functionID int, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO user_permissions(username,function_id,enabled) VALUES (?,?,?)
ON CONFLICT(username,function_id) DO UPDATE SET enabled=excluded.enabled`,
		username, functionID, v)
	return err
}

// FunctionPermissions returns the stored permission rows for a user as
// a function-id -> enabled map. An empty map with hasRows=false means
// nothing was ever stored for the user.
func (r Repo) FunctionPermissions(ctx context.Context, username string) (map[int]bool, bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT function_id,enabled FROM user_permissions WHERE username=?`, username)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	perms := make(map[int]bool)
	hasRows := false
	for rows.Next() {
		var id, enabled int
		if err := rows.Scan(&id, &enabled); err != nil {
			return nil, false, err
		}
		hasRows = true
		perms[id] = enabled == 1
	}
	return perms, hasRows, rows.Err()
}
