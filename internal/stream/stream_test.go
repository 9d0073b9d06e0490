package stream

import (
	"context"
	"testing"
	"time"

	"paperhub.org/internal/perm"
)

func TestSubscribeAndPublish(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)

	row := &perm.Permission{WorkspaceID: "ws-1", UserEmail: "dana@example.com", Role: "editor", Status: "pending"}
	s.PermissionChanged(perm.Event{ID: "alpha:1", EntityID: "ws-1:dana@example.com", Kind: "invited"}, row)

	select {
	case c := <-ch:
		if c.Event.ID != "alpha:1" || c.Row == nil || c.Row.Role != "editor" {
			t.Fatalf("unexpected change: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no change received")
	}

	cancel()
	for range ch {
	}
	// Publishing after the subscriber is gone must not panic or block.
	s.PermissionChanged(perm.Event{ID: "alpha:2"}, nil)
}
