package perm

// Apply folds one event into the projection state of its entity. It is a
// pure function: the input row is never mutated, and the result depends only
// on the event and the prior state. Applied is false when the event changes
// nothing (duplicate or lifecycle no-op); the row's LastEventID then stays
// where it was.
//
// Apply assumes events arrive in the resolved order for the entity (the
// store guarantees this, rebuilding from the log when an event lands out of
// order). Re-applying the event a row already points at is a no-op, so
// at-least-once delivery cannot double-apply.
func Apply(e Event, row *Permission) (*Permission, bool) {
	if row != nil && row.LastEventID == e.ID {
		return row, false
	}

	switch e.Kind {
	case EventInvited:
		p, err := e.InvitedPayload()
		if err != nil {
			return row, false
		}
		if row == nil {
			// Fresh lifecycle. The row identity derives from the creating
			// event so that every node materializes the same row.
			return &Permission{
				ID:          e.ID,
				WorkspaceID: workspaceOf(e),
				UserEmail:   emailOf(e),
				Role:        p.Role,
				Status:      StatusPending,
				LastEventID: e.ID,
				CreatedAt:   e.CreatedAt,
				UpdatedAt:   e.CreatedAt,
			}, true
		}
		// Reinvitation: a revoked member restarts at pending, and a newer
		// invite over a pending/active row resets the lifecycle the same way.
		next := *row
		next.Role = p.Role
		next.Status = StatusPending
		next.LastEventID = e.ID
		next.UpdatedAt = e.CreatedAt
		return &next, true

	case EventAccepted:
		if row == nil || row.Status != StatusPending {
			return row, false
		}
		next := *row
		next.Status = StatusActive
		next.LastEventID = e.ID
		next.UpdatedAt = e.CreatedAt
		return &next, true

	case EventRoleChanged:
		if row == nil || row.Status == StatusRevoked {
			return row, false
		}
		p, err := e.RoleChangedPayload()
		if err != nil {
			return row, false
		}
		next := *row
		next.Role = p.Role
		next.LastEventID = e.ID
		next.UpdatedAt = e.CreatedAt
		return &next, true

	case EventRevoked:
		if row == nil {
			return nil, false
		}
		next := *row
		next.Status = StatusRevoked
		next.LastEventID = e.ID
		next.UpdatedAt = e.CreatedAt
		return &next, true

	case EventRemoved:
		if row == nil {
			return nil, false
		}
		// Tombstone-free: the row disappears entirely. The event log keeps
		// the audit trail.
		return nil, true
	}
	return row, false
}

// Replay folds a full entity history (any order) into its canonical row.
// Returns nil when the entity ends removed or was never created.
func Replay(events []Event) *Permission {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	SortResolved(sorted)
	var row *Permission
	for _, e := range sorted {
		row, _ = Apply(e, row)
	}
	return row
}

func workspaceOf(e Event) string {
	ws, _, _ := SplitEntityID(e.EntityID)
	return ws
}

func emailOf(e Event) string {
	_, email, _ := SplitEntityID(e.EntityID)
	return email
}
