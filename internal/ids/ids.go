package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewEventID builds a globally unique event identifier attributable to the
// originating node. No coordination is involved: the node prefix plus a
// random UUID makes collisions implausible across nodes and restarts.
func NewEventID(nodeID string) string {
	return nodeID + ":" + uuid.NewString()
}

// EventNode extracts the node prefix from an event identifier, or "" when the
// identifier does not carry one.
func EventNode(eventID string) string {
	idx := strings.IndexByte(eventID, ':')
	if idx <= 0 {
		return ""
	}
	return eventID[:idx]
}
