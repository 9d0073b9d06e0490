package replication

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"paperhub.org/internal/perm"
)

// testPeer serves the replication endpoints for a single in-memory node.
type testPeer struct {
	svc     *perm.Service
	token   string
	fetches int
}

func newTestPeer(t *testing.T, node string) *testPeer {
	t.Helper()
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	svc, err := perm.NewService(node, perm.NewInMemory(), perm.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &testPeer{svc: svc, token: "peer-secret"}
}

func (p *testPeer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.token != "" && r.Header.Get("Authorization") != "Bearer "+p.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch {
	case r.URL.Path == "/healthz":
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/v1/replication/events" && r.Method == http.MethodPost:
		var req PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := PushResponse{Results: make([]PushResult, 0, len(req.Events))}
		for _, e := range req.Events {
			res, err := p.svc.HandleRemote(r.Context(), e)
			pr := PushResult{ID: e.ID, Status: res.Status}
			if err != nil {
				pr.Error = err.Error()
			}
			resp.Results = append(resp.Results, pr)
		}
		json.NewEncoder(w).Encode(resp)
	case r.URL.Path == "/v1/replication/events" && r.Method == http.MethodGet:
		p.fetches++
		after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		events, next, err := p.svc.ReadSince(r.Context(), after, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(FetchResponse{Events: events, NextAfter: next})
	default:
		http.NotFound(w, r)
	}
}

func TestClientPushAndFetch(t *testing.T) {
	ctx := context.Background()
	peer := newTestPeer(t, "beta")
	srv := httptest.NewServer(peer)
	defer srv.Close()

	client := NewClient(srv.URL, WithToken("peer-secret"))

	source, err := perm.NewService("alpha", perm.NewInMemory())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := source.Invite(ctx, "ws-1", "dana@example.com", "editor", "root@example.com"); err != nil {
		t.Fatalf("invite: %v", err)
	}
	events, _, err := source.ReadSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("read since: %v", err)
	}

	results, err := client.Push(ctx, events)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(results) != 1 || results[0].Status != perm.AppendApplied {
		t.Fatalf("push results = %+v", results)
	}

	// Pushing the same batch again is absorbed as duplicates.
	results, err = client.Push(ctx, events)
	if err != nil {
		t.Fatalf("second push: %v", err)
	}
	if results[0].Status != perm.AppendDuplicate {
		t.Fatalf("second push status = %s, want duplicate", results[0].Status)
	}

	fetched, next, err := client.Fetch(ctx, 0, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(fetched) != 1 || fetched[0].ID != events[0].ID {
		t.Fatalf("fetched = %+v", fetched)
	}
	if next == 0 {
		t.Fatal("next cursor not advanced")
	}
	if err := client.Healthy(ctx); err != nil {
		t.Fatalf("healthy: %v", err)
	}
}

func TestClientRejectsBadToken(t *testing.T) {
	peer := newTestPeer(t, "beta")
	srv := httptest.NewServer(peer)
	defer srv.Close()

	client := NewClient(srv.URL, WithToken("wrong"))
	if err := client.Healthy(context.Background()); err == nil {
		t.Fatal("expected error for bad token")
	}
}

func TestResyncSweep(t *testing.T) {
	ctx := context.Background()
	peer := newTestPeer(t, "beta")
	srv := httptest.NewServer(peer)
	defer srv.Close()

	if _, err := peer.svc.Invite(ctx, "ws-1", "dana@example.com", "viewer", "root@example.com"); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if _, err := peer.svc.Accept(ctx, "ws-1", "dana@example.com"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	local, err := perm.NewService("alpha", perm.NewInMemory())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	client := NewClient(srv.URL, WithToken("peer-secret"))
	rs := NewResync([]*Client{client}, local, time.Minute)

	rs.Sweep(ctx)

	row, err := local.Get(ctx, "ws-1", "dana@example.com")
	if err != nil {
		t.Fatalf("get after sweep: %v", err)
	}
	if row.Status != "active" || row.Role != "viewer" {
		t.Fatalf("row = %s/%s, want active/viewer", row.Status, row.Role)
	}

	// A second sweep resumes from the stored cursor and finds nothing new.
	before := peer.fetches
	rs.Sweep(ctx)
	if peer.fetches != before+1 {
		t.Fatalf("fetches = %d, want %d", peer.fetches, before+1)
	}
	if n := countEvents(t, local, ctx); n != 2 {
		t.Fatalf("local event count = %d, want 2", n)
	}
}

func countEvents(t *testing.T, svc *perm.Service, ctx context.Context) int {
	t.Helper()
	events, _, err := svc.ReadSince(ctx, 0, 1000)
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	return len(events)
}
