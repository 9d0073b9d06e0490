package auth

import (
	"context"
	"errors"

	"paperhub.org/internal/perm"
)

// Principal is the authenticated caller. Workspace roles are not carried
// here: they are looked up in the permission projection per request, so a
// revocation takes effect without waiting for token expiry.
type Principal struct {
	Email string
	Name  string
}

// Authorizer answers access questions from the materialized permission
// projection.
type Authorizer struct {
	store perm.Store
}

func NewAuthorizer(store perm.Store) *Authorizer {
	return &Authorizer{store: store}
}

// Require checks that the context's principal holds at least minRole in the
// workspace with active status. It returns ErrUnauthorized when no principal
// is attached and ErrForbidden when membership or rank is insufficient.
func (a *Authorizer) Require(ctx context.Context, workspaceID, minRole string) (Principal, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return Principal{}, ErrUnauthorized
	}
	row, err := a.store.GetPermission(ctx, workspaceID, p.Email)
	if err != nil {
		if errors.Is(err, perm.ErrNotFound) {
			return p, ErrForbidden
		}
		return p, err
	}
	if row.Status != perm.StatusActive {
		return p, ErrForbidden
	}
	if perm.RoleRank(row.Role) < perm.RoleRank(minRole) {
		return p, ErrForbidden
	}
	return p, nil
}

// RequireMember checks for any active membership in the workspace.
func (a *Authorizer) RequireMember(ctx context.Context, workspaceID string) (Principal, error) {
	return a.Require(ctx, workspaceID, perm.RoleViewer)
}
