package replication

import (
	"context"
	"testing"
	"time"

	"paperhub.org/internal/perm"
)

type loopNode struct {
	store *perm.InMemory
	svc   *perm.Service
}

func newLoopNodes(t *testing.T, bus *Loopback, names ...string) []loopNode {
	t.Helper()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	nodes := make([]loopNode, 0, len(names))
	for i, name := range names {
		store := perm.NewInMemory()
		m := bus.NewMember()
		tick := 0
		offset := time.Duration(i) * time.Millisecond
		clock := func() time.Time {
			tick++
			return base.Add(offset + time.Duration(tick)*time.Second)
		}
		svc, err := perm.NewService(name, store, perm.WithPublisher(m), perm.WithClock(clock))
		if err != nil {
			t.Fatalf("new service %s: %v", name, err)
		}
		m.Attach(svc)
		nodes = append(nodes, loopNode{store: store, svc: svc})
	}
	return nodes
}

func TestLoopbackImmediateDelivery(t *testing.T) {
	ctx := context.Background()
	bus := NewLoopback(1)
	nodes := newLoopNodes(t, bus, "alpha", "beta")

	if _, err := nodes[0].svc.Invite(ctx, "ws-1", "dana@example.com", "editor", "root@example.com"); err != nil {
		t.Fatalf("invite: %v", err)
	}

	row, err := nodes[1].svc.Get(ctx, "ws-1", "dana@example.com")
	if err != nil {
		t.Fatalf("get on peer: %v", err)
	}
	if row.Status != "pending" || row.Role != "editor" {
		t.Fatalf("peer row = %s/%s, want pending/editor", row.Status, row.Role)
	}
}

func TestLoopbackBufferedConvergence(t *testing.T) {
	ctx := context.Background()
	bus := NewLoopback(42)
	bus.Buffer()
	bus.DuplicateEvery(3)
	nodes := newLoopNodes(t, bus, "alpha", "beta", "gamma")

	if _, err := nodes[0].svc.Invite(ctx, "ws-1", "dana@example.com", "viewer", "root@example.com"); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := bus.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, err := nodes[1].svc.Accept(ctx, "ws-1", "dana@example.com"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := nodes[2].svc.SetRole(ctx, "ws-1", "dana@example.com", "owner"); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if _, err := nodes[0].svc.Invite(ctx, "ws-1", "lee@example.com", "editor", "root@example.com"); err != nil {
		t.Fatalf("second invite: %v", err)
	}
	if err := bus.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if bus.Pending() != 0 {
		t.Fatalf("pending after flush = %d", bus.Pending())
	}

	want, err := nodes[0].svc.List(ctx, "ws-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(want) != 2 {
		t.Fatalf("len(list) = %d, want 2", len(want))
	}
	for i := 1; i < len(nodes); i++ {
		got, err := nodes[i].svc.List(ctx, "ws-1")
		if err != nil {
			t.Fatalf("list on node %d: %v", i, err)
		}
		if len(got) != len(want) {
			t.Fatalf("node %d has %d rows, want %d", i, len(got), len(want))
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("node %d row %d = %+v, want %+v", i, j, got[j], want[j])
			}
		}
	}
}
