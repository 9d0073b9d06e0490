package perm

import (
	"testing"
	"time"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testEvent(t *testing.T, id, kind string, at time.Time, payload any) Event {
	t.Helper()
	e := Event{
		ID:         id,
		EntityType: EntityPermission,
		EntityID:   EntityID("ws-1", "a@x.com"),
		Kind:       kind,
		CreatedAt:  at,
	}
	if payload != nil {
		e.Payload = mustMarshal(payload)
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("test event %s invalid: %v", id, err)
	}
	return e
}

func TestInviteAcceptLifecycle(t *testing.T) {
	invited := testEvent(t, "n1:e1", EventInvited, base, InvitedPayload{Role: RoleViewer, InvitedBy: "owner@x.com"})
	accepted := testEvent(t, "n1:e2", EventAccepted, base.Add(time.Minute), nil)

	row, applied := Apply(invited, nil)
	if !applied || row == nil {
		t.Fatal("invited should create a row")
	}
	if row.Status != StatusPending || row.Role != RoleViewer {
		t.Fatalf("unexpected row after invite: %+v", row)
	}
	if row.WorkspaceID != "ws-1" || row.UserEmail != "a@x.com" {
		t.Fatalf("entity identity not carried over: %+v", row)
	}

	row, applied = Apply(accepted, row)
	if !applied || row.Status != StatusActive {
		t.Fatalf("accept should activate, got %+v", row)
	}
	if row.LastEventID != accepted.ID {
		t.Fatalf("last_event_id not advanced: %s", row.LastEventID)
	}
}

func TestApplyIdempotent(t *testing.T) {
	invited := testEvent(t, "n1:e1", EventInvited, base, InvitedPayload{Role: RoleEditor})
	once, applied := Apply(invited, nil)
	if !applied {
		t.Fatal("first application should apply")
	}
	twice, applied := Apply(invited, once)
	if applied {
		t.Fatal("second application must be a no-op")
	}
	if *once != *twice {
		t.Fatalf("idempotence violated: %+v != %+v", once, twice)
	}
}

func TestAcceptWithoutRowIsNoop(t *testing.T) {
	accepted := testEvent(t, "n1:e1", EventAccepted, base, nil)
	row, applied := Apply(accepted, nil)
	if applied || row != nil {
		t.Fatalf("accept on absent row must not create state, got %+v", row)
	}
}

func TestRoleChangeIgnoredWhenRevoked(t *testing.T) {
	row := &Permission{
		ID: "n1:e1", WorkspaceID: "ws-1", UserEmail: "a@x.com",
		Role: RoleEditor, Status: StatusRevoked, LastEventID: "n1:e2",
	}
	change := testEvent(t, "n1:e3", EventRoleChanged, base, RoleChangedPayload{Role: RoleOwner})
	next, applied := Apply(change, row)
	if applied || next.Role != RoleEditor {
		t.Fatalf("role change on revoked row must no-op, got %+v", next)
	}
}

func TestReinviteAfterRevoke(t *testing.T) {
	row := &Permission{
		ID: "n1:e1", WorkspaceID: "ws-1", UserEmail: "a@x.com",
		Role: RoleEditor, Status: StatusRevoked, LastEventID: "n1:e2",
	}
	invited := testEvent(t, "n1:e3", EventInvited, base, InvitedPayload{Role: RoleViewer})
	next, applied := Apply(invited, row)
	if !applied || next.Status != StatusPending || next.Role != RoleViewer {
		t.Fatalf("reinvite should restart lifecycle, got %+v", next)
	}
}

func TestRemoveDeletesRow(t *testing.T) {
	row := &Permission{ID: "n1:e1", Status: StatusActive, LastEventID: "n1:e1"}
	removed := testEvent(t, "n1:e2", EventRemoved, base, nil)
	next, applied := Apply(removed, row)
	if !applied || next != nil {
		t.Fatalf("remove must delete the row, got %+v", next)
	}
	// Removing again is a no-op.
	again := testEvent(t, "n1:e3", EventRemoved, base.Add(time.Second), nil)
	next, applied = Apply(again, nil)
	if applied || next != nil {
		t.Fatal("remove on absent row must be a no-op")
	}
}

func TestReplayCanonicalOrder(t *testing.T) {
	invited := testEvent(t, "n1:e1", EventInvited, base, InvitedPayload{Role: RoleViewer})
	accepted := testEvent(t, "n1:e2", EventAccepted, base.Add(time.Minute), nil)
	revoked := testEvent(t, "n2:e1", EventRevoked, base.Add(2*time.Minute), RevokedPayload{Reason: "policy"})
	change := testEvent(t, "n1:e3", EventRoleChanged, base.Add(3*time.Minute), RoleChangedPayload{Role: RoleOwner})

	// The role change is ordered after the revoke, so it must not apply.
	row := Replay([]Event{change, revoked, accepted, invited})
	if row == nil || row.Status != StatusRevoked || row.Role != RoleViewer {
		t.Fatalf("unexpected replay result: %+v", row)
	}
	if row.LastEventID != revoked.ID {
		t.Fatalf("last event should be the revoke, got %s", row.LastEventID)
	}
}
