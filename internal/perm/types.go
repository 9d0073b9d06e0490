package perm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntityPermission is the entity_type this subsystem owns. Other entity types
// may travel through the same log in the future.
const EntityPermission = "permission"

// Event kinds making up the permission lifecycle.
const (
	EventInvited     = "invited"
	EventAccepted    = "accepted"
	EventRoleChanged = "role_changed"
	EventRevoked     = "revoked"
	EventRemoved     = "removed"
)

// Workspace roles, strongest first.
const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// Permission row lifecycle states. A removed permission has no state: the row
// is deleted outright.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// Event is an immutable, append-only record of one permission fact. ID is
// globally unique ("<node>:<uuid>") and doubles as the dedupe key. Sequence
// is assigned by the local store at insertion and is never replicated: each
// node numbers its own log.
type Event struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Kind       string          `json:"entity_event"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Sequence   uint64          `json:"sequence,omitempty"`
}

// InvitedPayload accompanies an "invited" event.
type InvitedPayload struct {
	Role      string `json:"role"`
	InvitedBy string `json:"invited_by,omitempty"`
}

// RoleChangedPayload accompanies a "role_changed" event.
type RoleChangedPayload struct {
	Role string `json:"role"`
}

// RevokedPayload accompanies a "revoked" event. Reason is audit-only.
type RevokedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Permission is the materialized view of one (workspace, user) pair, derived
// by folding the entity's events. LastEventID is a cursor into the log, not
// an enforced foreign key.
type Permission struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	UserEmail   string    `json:"user_email"`
	Role        string    `json:"role"`
	Status      string    `json:"status"`
	LastEventID string    `json:"last_event_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

var (
	ErrNotFound       = errors.New("perm: not found")
	ErrInvalidInput   = errors.New("perm: invalid input")
	ErrInvalidPayload = errors.New("perm: invalid payload")
	ErrUnknownEvent   = errors.New("perm: unknown entity event")
	ErrUnknownEntity  = errors.New("perm: unknown entity type")
)

// EntityID builds the composite identity of a workspace membership.
func EntityID(workspaceID, userEmail string) string {
	return workspaceID + ":" + strings.ToLower(strings.TrimSpace(userEmail))
}

// SplitEntityID is the inverse of EntityID.
func SplitEntityID(entityID string) (workspaceID, userEmail string, err error) {
	idx := strings.IndexByte(entityID, ':')
	if idx <= 0 || idx == len(entityID)-1 {
		return "", "", fmt.Errorf("%w: malformed entity id %q", ErrInvalidInput, entityID)
	}
	return entityID[:idx], entityID[idx+1:], nil
}

// ValidRole reports whether role is one of the workspace roles.
func ValidRole(role string) bool {
	switch role {
	case RoleOwner, RoleEditor, RoleViewer:
		return true
	}
	return false
}

// RoleRank orders roles by strength; unknown roles rank below viewer.
func RoleRank(role string) int {
	switch role {
	case RoleOwner:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	}
	return 0
}

// Normalized returns the event with CreatedAt truncated to microseconds,
// the precision timestamptz stores. Comparing timestamps any finer would
// order two same-microsecond events one way in memory and the other way
// after a read-back from the log.
func (e Event) Normalized() Event {
	e.CreatedAt = e.CreatedAt.Truncate(time.Microsecond)
	return e
}

// Validate checks an event before it enters the log. Malformed events are
// rejected here and never stored or replicated.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	if e.EntityType != EntityPermission {
		return fmt.Errorf("%w: %q", ErrUnknownEntity, e.EntityType)
	}
	if _, _, err := SplitEntityID(e.EntityID); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", ErrInvalidInput)
	}
	switch e.Kind {
	case EventInvited:
		p, err := e.InvitedPayload()
		if err != nil {
			return err
		}
		if !ValidRole(p.Role) {
			return fmt.Errorf("%w: invited requires a valid role, got %q", ErrInvalidPayload, p.Role)
		}
	case EventRoleChanged:
		p, err := e.RoleChangedPayload()
		if err != nil {
			return err
		}
		if !ValidRole(p.Role) {
			return fmt.Errorf("%w: role_changed requires a valid role, got %q", ErrInvalidPayload, p.Role)
		}
	case EventRevoked:
		if _, err := e.RevokedPayload(); err != nil {
			return err
		}
	case EventAccepted, EventRemoved:
		// No payload.
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, e.Kind)
	}
	return nil
}

// InvitedPayload decodes the payload of an "invited" event.
func (e Event) InvitedPayload() (InvitedPayload, error) {
	var p InvitedPayload
	if err := decodePayload(e, &p); err != nil {
		return InvitedPayload{}, err
	}
	return p, nil
}

// RoleChangedPayload decodes the payload of a "role_changed" event.
func (e Event) RoleChangedPayload() (RoleChangedPayload, error) {
	var p RoleChangedPayload
	if err := decodePayload(e, &p); err != nil {
		return RoleChangedPayload{}, err
	}
	return p, nil
}

// RevokedPayload decodes the payload of a "revoked" event. A nil payload is
// allowed: the reason is optional.
func (e Event) RevokedPayload() (RevokedPayload, error) {
	if len(e.Payload) == 0 {
		return RevokedPayload{}, nil
	}
	var p RevokedPayload
	if err := decodePayload(e, &p); err != nil {
		return RevokedPayload{}, err
	}
	return p, nil
}

func decodePayload(e Event, dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s event has no payload", ErrInvalidPayload, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
