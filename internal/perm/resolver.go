package perm

import "sort"

// Conflict resolution is a deterministic total order over events, identical
// on every node: origin timestamp first, lexicographic event id as the
// tie-break. Wall clocks across nodes are not trusted beyond this; equal or
// skewed timestamps still resolve the same way everywhere because the id
// comparison needs no shared state.
//
// Timestamps enter the order at microsecond precision: events are truncated
// via Event.Normalized before they are logged, so the comparison is the same
// before and after a round-trip through timestamptz storage.

// Compare orders two events. Negative means a precedes b.
func Compare(a, b Event) int {
	if a.CreatedAt.Before(b.CreatedAt) {
		return -1
	}
	if a.CreatedAt.After(b.CreatedAt) {
		return 1
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// Less reports whether a precedes b in the resolved order.
func Less(a, b Event) bool { return Compare(a, b) < 0 }

// Supersedes reports whether incoming comes after last in the resolved
// order, i.e. whether it may advance a projection row whose last applied
// event is last.
func Supersedes(incoming, last Event) bool { return Compare(incoming, last) > 0 }

// SortResolved sorts events in place into the resolved order. Folding a
// sorted history through the projector is the canonical way to rebuild an
// entity: every node holding the same event set reaches the same row.
func SortResolved(events []Event) {
	sort.Slice(events, func(i, j int) bool { return Less(events[i], events[j]) })
}
