package perm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"paperhub.org/internal/ids"
	"paperhub.org/internal/obs"
)

// Publisher hands locally-created events to the replication transport.
// Best-effort and at-least-once; delivery retries belong to the transport.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// ChangeListener observes projection changes (applied events only), e.g. the
// SSE fan-out feeding the workspace sharing UI.
type ChangeListener interface {
	PermissionChanged(e Event, row *Permission)
}

// Service is the entry point for permission mutations on this node. Local
// operations build an event, append it to the local store (which updates the
// projection in the same transaction) and hand it to the transport. Remote
// events arrive through HandleRemote.
type Service struct {
	node      string
	store     Store
	publisher Publisher
	listener  ChangeListener
	now       func() time.Time
}

// ServiceOption configures Service.
type ServiceOption func(*Service)

// WithPublisher wires the replication transport.
func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

// WithChangeListener wires a projection change observer.
func WithChangeListener(l ChangeListener) ServiceOption {
	return func(s *Service) { s.listener = l }
}

// WithClock overrides event timestamping, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService constructs a Service for the given node identifier.
func NewService(nodeID string, store Store, opts ...ServiceOption) (*Service, error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return nil, fmt.Errorf("%w: node id is required", ErrInvalidInput)
	}
	if strings.ContainsAny(nodeID, ": \t") {
		return nil, fmt.Errorf("%w: node id must not contain ':' or spaces", ErrInvalidInput)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	s := &Service{node: nodeID, store: store, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NodeID returns the stable identifier of this node.
func (s *Service) NodeID() string { return s.node }

// Invite grants a user pending access to a workspace.
func (s *Service) Invite(ctx context.Context, workspaceID, userEmail, role, invitedBy string) (Event, error) {
	if !ValidRole(role) {
		return Event{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	e, err := s.newEvent(workspaceID, userEmail, EventInvited, mustMarshal(InvitedPayload{Role: role, InvitedBy: invitedBy}))
	if err != nil {
		return Event{}, err
	}
	return s.submit(ctx, e)
}

// Accept activates a pending invitation.
func (s *Service) Accept(ctx context.Context, workspaceID, userEmail string) (Event, error) {
	e, err := s.newEvent(workspaceID, userEmail, EventAccepted, nil)
	if err != nil {
		return Event{}, err
	}
	return s.submit(ctx, e)
}

// SetRole changes a member's role.
func (s *Service) SetRole(ctx context.Context, workspaceID, userEmail, role string) (Event, error) {
	if !ValidRole(role) {
		return Event{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	e, err := s.newEvent(workspaceID, userEmail, EventRoleChanged, mustMarshal(RoleChangedPayload{Role: role}))
	if err != nil {
		return Event{}, err
	}
	return s.submit(ctx, e)
}

// Revoke denies access while keeping the row for audit.
func (s *Service) Revoke(ctx context.Context, workspaceID, userEmail, reason string) (Event, error) {
	var payload []byte
	if reason != "" {
		payload = mustMarshal(RevokedPayload{Reason: reason})
	}
	e, err := s.newEvent(workspaceID, userEmail, EventRevoked, payload)
	if err != nil {
		return Event{}, err
	}
	return s.submit(ctx, e)
}

// Remove deletes the membership row outright.
func (s *Service) Remove(ctx context.Context, workspaceID, userEmail string) (Event, error) {
	e, err := s.newEvent(workspaceID, userEmail, EventRemoved, nil)
	if err != nil {
		return Event{}, err
	}
	return s.submit(ctx, e)
}

// List queries the projection for a workspace's members.
func (s *Service) List(ctx context.Context, workspaceID string) ([]Permission, error) {
	return s.store.ListPermissions(ctx, workspaceID)
}

// Get returns one member's projection row.
func (s *Service) Get(ctx context.Context, workspaceID, userEmail string) (Permission, error) {
	return s.store.GetPermission(ctx, workspaceID, userEmail)
}

// Replay reconstructs an entity's history in the resolved order, for
// debugging divergence.
func (s *Service) Replay(ctx context.Context, entityID string) ([]Event, error) {
	return s.store.Replay(ctx, entityID)
}

// ReadSince pages the local log for peer resync.
func (s *Service) ReadSince(ctx context.Context, after uint64, limit int) ([]Event, uint64, error) {
	return s.store.ReadSince(ctx, after, limit)
}

// HandleRemote ingests an event delivered by the replication transport.
// Duplicates and stale events are absorbed silently; events with an unknown
// tag are rejected, never applied and never forwarded.
func (s *Service) HandleRemote(ctx context.Context, e Event) (AppendResult, error) {
	e.Sequence = 0 // local log numbering only
	if err := e.Validate(); err != nil {
		obs.CountEventRejected(rejectReason(err))
		obs.Logf("error", "event rejected", map[string]any{
			"event_id": e.ID, "entity_event": e.Kind, "entity_id": e.EntityID, "error": err.Error(),
		})
		return AppendResult{}, err
	}
	res, err := s.store.Append(ctx, e)
	if err != nil {
		return AppendResult{}, err
	}
	s.observe(e, res, "remote")
	return res, nil
}

func (s *Service) newEvent(workspaceID, userEmail, kind string, payload []byte) (Event, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" || strings.ContainsRune(workspaceID, ':') {
		return Event{}, fmt.Errorf("%w: malformed workspace id %q", ErrInvalidInput, workspaceID)
	}
	userEmail = normalizeEmail(userEmail)
	if userEmail == "" || !strings.ContainsRune(userEmail, '@') {
		return Event{}, fmt.Errorf("%w: malformed user email %q", ErrInvalidInput, userEmail)
	}
	e := Event{
		ID:         ids.NewEventID(s.node),
		EntityType: EntityPermission,
		EntityID:   EntityID(workspaceID, userEmail),
		Kind:       kind,
		Payload:    payload,
		CreatedAt:  s.now(),
	}
	return e.Normalized(), nil
}

// submit appends a locally-created event and fans it out. The append is
// entirely local; transport failures are logged, not returned, since the
// event is durable and resync will deliver it eventually.
func (s *Service) submit(ctx context.Context, e Event) (Event, error) {
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	res, err := s.store.Append(ctx, e)
	if err != nil {
		return Event{}, err
	}
	s.observe(e, res, "local")
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, e); err != nil {
			obs.Logf("warn", "publish failed", map[string]any{"event_id": e.ID, "error": err.Error()})
		}
	}
	return e, nil
}

func (s *Service) observe(e Event, res AppendResult, origin string) {
	obs.CountEventAppended(string(res.Status))
	if res.Rebuilt {
		obs.CountEntityRebuild()
	}
	if res.Status == AppendStale {
		obs.Logf("info", "stale event dropped", map[string]any{
			"event_id": e.ID, "entity_id": e.EntityID, "entity_event": e.Kind, "origin": origin,
		})
	}
	if res.Status == AppendApplied && s.listener != nil {
		s.listener.PermissionChanged(e, res.Permission)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownEvent):
		return "unknown_event"
	case errors.Is(err, ErrUnknownEntity):
		return "unknown_entity"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	default:
		return "invalid"
	}
}
