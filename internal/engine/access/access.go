package access

import (
	"context"
	"fmt"
	"sort"

	"orderline/internal/config"
	"orderline/internal/domain"
	"orderline/internal/repo"
)

// ForbiddenError indicates the actor is not an admin but the action
// requires one.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("admin required for %s", e.Action)
}

// ForbiddenFunctionError indicates a missing function permission.
type ForbiddenFunctionError struct {
	FunctionID int
	Function   string
}

func (e ForbiddenFunctionError) Error() string {
	return fmt.Sprintf("function permission %d (%s) required", e.FunctionID, e.Function)
}

// Service answers permission questions backed by the user store.
type Service struct {
	Repo   repo.Repo
	Config config.Config
}

func (s Service) IsAdmin(ctx context.Context, username string) (bool, error) {
	u, err := s.Repo.GetUser(ctx, username)
	if err == repo.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.RoleType == domain.RoleTypeAdmin, nil
}

// Scope builds the row-visibility predicate for an actor.
func (s Service) Scope(ctx context.Context, username string) (repo.Scope, error) {
	admin, err := s.IsAdmin(ctx, username)
	if err != nil {
		return repo.Scope{}, err
	}
	return repo.Scope{Actor: username, Admin: admin}, nil
}

// FunctionPermissions returns the enabled function ids for a user, in
// ascending order. Admins implicitly hold every function in the
// catalog. A user with no stored rows holds nothing: permissions are
// granted explicitly, the advisory work-order role only suggests a
// starting set.
func (s Service) FunctionPermissions(ctx context.Context, username string) ([]int, error) {
	admin, err := s.IsAdmin(ctx, username)
	if err != nil {
		return nil, err
	}
	if admin {
		return s.Config.FunctionIDs(), nil
	}
	stored, _, err := s.Repo.FunctionPermissions(ctx, username)
	if err != nil {
		return nil, err
	}
	var ids []int
	for id, enabled := range stored {
		if enabled {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids, nil
}

func (s Service) HasFunctionPermission(ctx context.Context, username string, functionID int) (bool, error) {
	admin, err := s.IsAdmin(ctx, username)
	if err != nil {
		return false, err
	}
	if admin {
		return true, nil
	}
	stored, _, err := s.Repo.FunctionPermissions(ctx, username)
	if err != nil {
		return false, err
	}
	return stored[functionID], nil
}

// RequireFunction is HasFunctionPermission turned into an error.
func (s Service) RequireFunction(ctx context.Context, username string, functionID int) error {
	ok, err := s.HasFunctionPermission(ctx, username, functionID)
	if err != nil {
		return err
	}
	if !ok {
		name := ""
		if f, found := s.Config.Functions.Catalog[functionID]; found {
			name = f.Name
		}
		return ForbiddenFunctionError{FunctionID: functionID, Function: name}
	}
	return nil
}

// SetFunctionPermissions replaces a user's permission set with exactly
// the given function ids. Catalog functions not listed are stored as
// disabled rows so the set is explicit.
func (s Service) SetFunctionPermissions(ctx context.Context, username string, functionIDs []int) error {
	if _, err := s.Repo.GetUser(ctx, username); err != nil {
		return err
	}
	want := make(map[int]bool, len(functionIDs))
	for _, id := range functionIDs {
		if _, ok := s.Config.Functions.Catalog[id]; !ok {
			return fmt.Errorf("unknown function id %d", id)
		}
		want[id] = true
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range s.Config.FunctionIDs() {
		if err := s.Repo.SetFunctionPermissionTx(ctx, tx, username, id, want[id]); err != nil {
			return err
		}
	}
	return tx.Commit()
}
