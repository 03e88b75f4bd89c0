package engine

import (
	"context"
	"fmt"
	"time"

	"orderline/internal/config"
	"orderline/internal/domain"
	"orderline/internal/repo"
)

// UserRegisterOptions are parameters for registering a user.
type UserRegisterOptions struct {
	Username      string
	Password      string
	Email         string
	DisplayName   string
	RoleType      string
	WorkOrderRole string
}

// RegisterUser creates a user and seeds the function permissions
// recommended for its work-order role. The role only chooses the
// starting set; an admin can grant or revoke functions afterwards.
func (e Engine) RegisterUser(ctx context.Context, opts UserRegisterOptions) (domain.User, error) {
	if opts.Username == "" {
		return domain.User{}, ValidationError{Field: "username", Reason: "required"}
	}
	if opts.Password == "" {
		return domain.User{}, ValidationError{Field: "password", Reason: "required"}
	}
	if opts.RoleType == "" {
		opts.RoleType = domain.RoleTypeNormal
	}
	if opts.RoleType != domain.RoleTypeAdmin && opts.RoleType != domain.RoleTypeNormal {
		return domain.User{}, ValidationError{Field: "role_type", Reason: fmt.Sprintf("unknown role type %q", opts.RoleType)}
	}
	if opts.WorkOrderRole == "" {
		opts.WorkOrderRole = domain.RoleNone
	}
	if _, ok := e.Config.Roles.Recommended[opts.WorkOrderRole]; !ok {
		return domain.User{}, ValidationError{Field: "work_order_role", Reason: fmt.Sprintf("unknown role %q", opts.WorkOrderRole)}
	}

	exists, err := e.Repo.UserExists(ctx, opts.Username)
	if err != nil {
		return domain.User{}, err
	}
	if exists {
		return domain.User{}, ValidationError{Field: "username", Reason: fmt.Sprintf("%q already registered", opts.Username)}
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	u := domain.User{
		Username:      opts.Username,
		PasswordHash:  repo.HashPassword(opts.Password),
		Email:         opts.Email,
		DisplayName:   opts.DisplayName,
		RoleType:      opts.RoleType,
		WorkOrderRole: opts.WorkOrderRole,
		CreatedAt:     e.nowRFC3339(),
	}
	if err := e.Repo.InsertUserTx(ctx, tx, u); err != nil {
		return domain.User{}, PersistenceError{Op: "insert user", Err: err}
	}
	for _, id := range e.Config.RecommendedFunctions(opts.WorkOrderRole) {
		if err := e.Repo.SetFunctionPermissionTx(ctx, tx, opts.Username, id, true); err != nil {
			return domain.User{}, PersistenceError{Op: "seed permissions", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, PersistenceError{Op: "commit register", Err: err}
	}
	return u, nil
}

// Authenticate checks a username/password pair and returns the user.
// A wrong password and an unknown user produce the same error.
func (e Engine) Authenticate(ctx context.Context, username, password string) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, username)
	if err == repo.ErrNotFound {
		return domain.User{}, ValidationError{Field: "credentials", Reason: "invalid username or password"}
	}
	if err != nil {
		return domain.User{}, err
	}
	if u.PasswordHash != repo.HashPassword(password) {
		return domain.User{}, ValidationError{Field: "credentials", Reason: "invalid username or password"}
	}
	return u, nil
}

// SetWorkOrderRole changes a user's advisory role and seeds that
// role's recommended functions on top of whatever the user already
// holds. Nothing is revoked.
func (e Engine) SetWorkOrderRole(ctx context.Context, username, role string) error {
	if _, ok := e.Config.Roles.Recommended[role]; !ok {
		return ValidationError{Field: "work_order_role", Reason: fmt.Sprintf("unknown role %q", role)}
	}
	if err := e.Repo.SetWorkOrderRole(ctx, username, role); err != nil {
		return err
	}
	ids := e.Config.RecommendedFunctions(role)
	if len(ids) == 0 {
		return nil
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if err := e.Repo.SetFunctionPermissionTx(ctx, tx, username, id, true); err != nil {
			return PersistenceError{Op: "seed permissions", Err: err}
		}
	}
	return tx.Commit()
}

// EnsureAdmin creates the configured super-admin account when it does
// not exist yet. Safe to call on every startup.
func (e Engine) EnsureAdmin(ctx context.Context, admin config.AdminConfig) error {
	if admin.Username == "" {
		return nil
	}
	exists, err := e.Repo.UserExists(ctx, admin.Username)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	u := domain.User{
		Username:      admin.Username,
		PasswordHash:  repo.HashPassword(admin.Password),
		RoleType:      domain.RoleTypeAdmin,
		WorkOrderRole: domain.RoleNone,
		CreatedAt:     e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertUserTx(ctx, tx, u); err != nil {
		return PersistenceError{Op: "insert admin", Err: err}
	}
	return tx.Commit()
}
