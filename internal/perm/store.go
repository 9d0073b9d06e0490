package perm

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// AppendStatus reports what appending an event did locally.
type AppendStatus string

const (
	// AppendApplied: the event entered the log and changed the projection.
	AppendApplied AppendStatus = "applied"
	// AppendDuplicate: the event id was already stored; nothing happened.
	AppendDuplicate AppendStatus = "duplicate"
	// AppendStale: the event entered the log but the projection did not
	// change (superseded per the resolved order, or a lifecycle no-op).
	AppendStale AppendStatus = "stale"
)

// AppendResult carries the outcome of Append. Permission is the entity's row
// after the append, nil when absent. Rebuilt is true when the event arrived
// out of order and the row was recomputed from the entity's full history.
type AppendResult struct {
	Status     AppendStatus
	Permission *Permission
	Rebuilt    bool
}

// Store is the durable, append-only event log plus the permission projection
// derived from it. Append is the single serialization point per entity: the
// event row and the projection update commit atomically.
type Store interface {
	Append(ctx context.Context, e Event) (AppendResult, error)
	// ReadSince pages the log in local insertion order for replay/resync.
	// The returned cursor is the sequence of the last event yielded.
	ReadSince(ctx context.Context, after uint64, limit int) ([]Event, uint64, error)
	ListPermissions(ctx context.Context, workspaceID string) ([]Permission, error)
	GetPermission(ctx context.Context, workspaceID, userEmail string) (Permission, error)
	// Replay returns an entity's full history in the resolved order.
	Replay(ctx context.Context, entityID string) ([]Event, error)
}

// InMemory implements Store with in-process concurrency safety. It backs
// tests, the multi-node simulator, and single-node deployments without
// Postgres.
type InMemory struct {
	mu       sync.RWMutex
	seq      uint64
	log      []Event
	byID     map[string]struct{}
	byEntity map[string][]int // positions in log
	rows     map[string]*Permission
	// newest logged event per entity in the resolved order; applying on top
	// of it is equivalent to extending the canonical fold.
	newest map[string]Event
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:     make(map[string]struct{}),
		byEntity: make(map[string][]int),
		rows:     make(map[string]*Permission),
		newest:   make(map[string]Event),
	}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) Append(ctx context.Context, e Event) (AppendResult, error) {
	if err := e.Validate(); err != nil {
		return AppendResult{}, err
	}
	e = e.Normalized()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[e.ID]; ok {
		return AppendResult{Status: AppendDuplicate, Permission: s.rowCopy(e.EntityID)}, nil
	}

	s.seq++
	e.Sequence = s.seq
	s.log = append(s.log, e)
	s.byID[e.ID] = struct{}{}
	s.byEntity[e.EntityID] = append(s.byEntity[e.EntityID], len(s.log)-1)

	newest, seen := s.newest[e.EntityID]
	if !seen || Supersedes(e, newest) {
		s.newest[e.EntityID] = e
		row, applied := Apply(e, s.rows[e.EntityID])
		s.setRow(e.EntityID, row)
		status := AppendStale
		if applied {
			status = AppendApplied
		}
		return AppendResult{Status: status, Permission: s.rowCopy(e.EntityID)}, nil
	}

	// Out-of-order arrival: recompute the row from the entity's history so
	// that the result matches the canonical fold on every node.
	before := s.rows[e.EntityID]
	rebuilt := Replay(s.entityEvents(e.EntityID))
	s.setRow(e.EntityID, rebuilt)
	status := AppendStale
	if !samePermission(before, rebuilt) {
		status = AppendApplied
	}
	return AppendResult{Status: status, Permission: s.rowCopy(e.EntityID), Rebuilt: true}, nil
}

func (s *InMemory) ReadSince(ctx context.Context, after uint64, limit int) ([]Event, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Event
	last := after
	for _, e := range s.log {
		if e.Sequence <= after {
			continue
		}
		res = append(res, e)
		last = e.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func (s *InMemory) ListPermissions(ctx context.Context, workspaceID string) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Permission
	for _, row := range s.rows {
		if row != nil && row.WorkspaceID == workspaceID {
			res = append(res, *row)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].UserEmail < res[j].UserEmail })
	return res, nil
}

func (s *InMemory) GetPermission(ctx context.Context, workspaceID, userEmail string) (Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.rows[EntityID(workspaceID, userEmail)]
	if row == nil {
		return Permission{}, ErrNotFound
	}
	return *row, nil
}

func (s *InMemory) Replay(ctx context.Context, entityID string) ([]Event, error) {
	s.mu.RLock()
	events := s.entityEvents(entityID)
	s.mu.RUnlock()
	SortResolved(events)
	return events, nil
}

// EventCount reports the log size. Used by the simulator to detect when
// nodes hold the same event set.
func (s *InMemory) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}

func (s *InMemory) entityEvents(entityID string) []Event {
	idxs := s.byEntity[entityID]
	events := make([]Event, 0, len(idxs))
	for _, i := range idxs {
		events = append(events, s.log[i])
	}
	return events
}

func (s *InMemory) setRow(entityID string, row *Permission) {
	if row == nil {
		delete(s.rows, entityID)
		return
	}
	s.rows[entityID] = row
}

func (s *InMemory) rowCopy(entityID string) *Permission {
	row, ok := s.rows[entityID]
	if !ok || row == nil {
		return nil
	}
	out := *row
	return &out
}

func samePermission(a, b *Permission) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// normalizeEmail mirrors what EntityID does to the email half so callers can
// compare user-supplied addresses against projection rows.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
