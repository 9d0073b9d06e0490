package replication

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"paperhub.org/internal/perm"
)

// Loopback is an in-process bus connecting several nodes' sinks. It exists
// for tests and the simulator: delivery can be immediate or buffered, and
// buffered delivery is drained in shuffled order with optional duplicates so
// convergence can be exercised without a network.
type Loopback struct {
	mu       sync.Mutex
	members  []*Member
	rnd      *rand.Rand
	buffered bool
	dupEvery int
	sent     int
}

// Member is one node's handle on the bus. It implements Transport for the
// node's outbound events and queues inbound ones.
type Member struct {
	bus   *Loopback
	index int
	sink  Sink
	inbox []perm.Event
}

func NewLoopback(seed int64) *Loopback {
	return &Loopback{rnd: rand.New(rand.NewSource(seed))}
}

// Buffer switches the bus to queued delivery; events sit in per-member
// inboxes until Flush.
func (l *Loopback) Buffer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffered = true
}

// DuplicateEvery makes every nth published event get delivered twice to each
// member. Zero disables duplication.
func (l *Loopback) DuplicateEvery(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dupEvery = n
}

// NewMember adds a node to the bus. The member is created before the node's
// service exists, so its sink is wired afterwards with Attach.
func (l *Loopback) NewMember() *Member {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := &Member{bus: l, index: len(l.members)}
	l.members = append(l.members, m)
	return m
}

// Attach wires the member to the sink that receives its inbound events.
func (m *Member) Attach(sink Sink) {
	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()
	m.sink = sink
}

func (m *Member) Publish(ctx context.Context, e perm.Event) error {
	l := m.bus
	l.mu.Lock()
	l.sent++
	dup := l.dupEvery > 0 && l.sent%l.dupEvery == 0
	var targets []*Member
	for _, other := range l.members {
		if other.index == m.index || other.sink == nil {
			continue
		}
		if l.buffered {
			other.inbox = append(other.inbox, e)
			if dup {
				other.inbox = append(other.inbox, e)
			}
			continue
		}
		targets = append(targets, other)
	}
	l.mu.Unlock()

	for _, other := range targets {
		n := 1
		if dup {
			n = 2
		}
		for i := 0; i < n; i++ {
			if _, err := other.sink.HandleRemote(ctx, e); err != nil {
				return fmt.Errorf("loopback deliver to node %d: %w", other.index, err)
			}
		}
	}
	return nil
}

// Flush drains all buffered inboxes, one randomly chosen event at a time,
// until everything has been delivered. Delivery order across members is
// deliberately scrambled.
func (l *Loopback) Flush(ctx context.Context) error {
	for {
		l.mu.Lock()
		var ready []*Member
		for _, m := range l.members {
			if len(m.inbox) > 0 {
				ready = append(ready, m)
			}
		}
		if len(ready) == 0 {
			l.mu.Unlock()
			return nil
		}
		m := ready[l.rnd.Intn(len(ready))]
		i := l.rnd.Intn(len(m.inbox))
		e := m.inbox[i]
		m.inbox = append(m.inbox[:i], m.inbox[i+1:]...)
		l.mu.Unlock()

		if _, err := m.sink.HandleRemote(ctx, e); err != nil {
			return fmt.Errorf("loopback deliver to node %d: %w", m.index, err)
		}
	}
}

// Pending reports the number of undelivered buffered events.
func (l *Loopback) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.members {
		n += len(m.inbox)
	}
	return n
}
