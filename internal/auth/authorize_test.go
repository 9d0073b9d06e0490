package auth

import (
	"context"
	"errors"
	"testing"

	"paperhub.org/internal/perm"
)

func seedStore(t *testing.T) perm.Store {
	t.Helper()
	ctx := context.Background()
	store := perm.NewInMemory()
	svc, err := perm.NewService("alpha", store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	mustOp := func(_ perm.Event, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed op: %v", err)
		}
	}
	mustOp(svc.Invite(ctx, "ws-1", "owner@example.com", perm.RoleOwner, "owner@example.com"))
	mustOp(svc.Accept(ctx, "ws-1", "owner@example.com"))
	mustOp(svc.Invite(ctx, "ws-1", "editor@example.com", perm.RoleEditor, "owner@example.com"))
	mustOp(svc.Accept(ctx, "ws-1", "editor@example.com"))
	mustOp(svc.Invite(ctx, "ws-1", "invited@example.com", perm.RoleViewer, "owner@example.com"))
	return store
}

func asPrincipal(email string) context.Context {
	return ContextWithPrincipal(context.Background(), Principal{Email: email})
}

func TestRequireRole(t *testing.T) {
	a := NewAuthorizer(seedStore(t))

	if _, err := a.Require(asPrincipal("owner@example.com"), "ws-1", perm.RoleOwner); err != nil {
		t.Fatalf("owner rejected: %v", err)
	}
	if _, err := a.Require(asPrincipal("editor@example.com"), "ws-1", perm.RoleViewer); err != nil {
		t.Fatalf("editor rejected for viewer rank: %v", err)
	}
	if _, err := a.Require(asPrincipal("editor@example.com"), "ws-1", perm.RoleOwner); !errors.Is(err, ErrForbidden) {
		t.Fatalf("editor as owner: err = %v, want ErrForbidden", err)
	}
}

func TestRequireRejectsNonMembers(t *testing.T) {
	a := NewAuthorizer(seedStore(t))

	if _, err := a.RequireMember(asPrincipal("stranger@example.com"), "ws-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger: err = %v, want ErrForbidden", err)
	}
	// A pending invitation is not yet a membership.
	if _, err := a.RequireMember(asPrincipal("invited@example.com"), "ws-1"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("pending invitee: err = %v, want ErrForbidden", err)
	}
	if _, err := a.RequireMember(context.Background(), "ws-1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("no principal: err = %v, want ErrUnauthorized", err)
	}
}
