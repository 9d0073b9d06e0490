package stream

import (
	"context"
	"sync"
	"time"

	"paperhub.org/internal/obs"
	"paperhub.org/internal/perm"
)

// Change is one permission projection update pushed to live subscribers.
// Row is nil when the event removed the membership.
type Change struct {
	Event     perm.Event       `json:"event"`
	Row       *perm.Permission `json:"row,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Stream fan-outs permission changes to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Change
	next int
}

func New() *Stream {
	return &Stream{subs: make(map[int]chan Change)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// changes. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Change {
	ch := make(chan Change, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()
	obs.AddStreamSubscribers(1)

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
		obs.AddStreamSubscribers(-1)
	}()

	return ch
}

// Publish fan-outs the change to all subscribers.
func (s *Stream) Publish(c Change) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// PermissionChanged lets the stream sit behind the permission service as its
// change listener.
func (s *Stream) PermissionChanged(e perm.Event, row *perm.Permission) {
	s.Publish(Change{Event: e, Row: row, Timestamp: time.Now().UTC()})
}
