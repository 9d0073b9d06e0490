// Package replication moves permission events between nodes. The core makes
// no assumptions about it beyond at-least-once delivery: duplicates, delays
// and reordering are all absorbed by the event store.
package replication

import (
	"context"

	"paperhub.org/internal/perm"
)

// Transport broadcasts locally-created events to peers. Best-effort and
// fire-and-forget: a failed delivery is retried by the transport or repaired
// later by resync, never surfaced to the caller of the permission operation.
type Transport interface {
	Publish(ctx context.Context, e perm.Event) error
}

// Sink receives events arriving from peers. perm.Service implements it.
type Sink interface {
	HandleRemote(ctx context.Context, e perm.Event) (perm.AppendResult, error)
}

// Noop discards everything; single-node deployments use it.
type Noop struct{}

func (Noop) Publish(ctx context.Context, e perm.Event) error { return nil }
