package replication

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"paperhub.org/internal/obs"
	"paperhub.org/internal/perm"
)

// Peers fans locally-created events out to a static set of peer nodes.
// Delivery is asynchronous and best-effort: each event is retried a few
// times per peer with backoff, and anything still missing after that is
// repaired by the resync worker.
type Peers struct {
	clients []*Client
	limiter *rate.Limiter
	retries int
	backoff time.Duration

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

type PeersOption func(*Peers)

// WithRetries sets how many delivery attempts are made per peer.
func WithRetries(n int) PeersOption {
	return func(p *Peers) {
		if n > 0 {
			p.retries = n
		}
	}
}

// WithBackoff sets the base delay between attempts; it doubles per retry.
func WithBackoff(d time.Duration) PeersOption {
	return func(p *Peers) {
		if d > 0 {
			p.backoff = d
		}
	}
}

// WithRateLimit caps outbound deliveries per second across all peers.
func WithRateLimit(perSecond float64, burst int) PeersOption {
	return func(p *Peers) {
		if perSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func NewPeers(clients []*Client, opts ...PeersOption) *Peers {
	p := &Peers{
		clients: clients,
		limiter: rate.NewLimiter(rate.Limit(200), 400),
		retries: 3,
		backoff: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish hands the event to background delivery goroutines and returns
// immediately. After Close it is a no-op.
func (p *Peers) Publish(ctx context.Context, e perm.Event) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.wg.Add(len(p.clients))
	p.mu.Unlock()

	for _, c := range p.clients {
		go func(c *Client) {
			defer p.wg.Done()
			p.deliver(c, e)
		}(c)
	}
	return nil
}

func (p *Peers) deliver(c *Client, e perm.Event) {
	for attempt := 0; attempt < p.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(p.backoff << (attempt - 1))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.limiter.Wait(ctx)
		if err == nil {
			_, err = c.Push(ctx, []perm.Event{e})
		}
		cancel()
		if err == nil {
			return
		}
		obs.Logf("warn", "replication push failed", map[string]any{
			"peer":    c.BaseURL(),
			"event":   e.ID,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}
	obs.Logf("error", "replication push gave up", map[string]any{
		"peer":  c.BaseURL(),
		"event": e.ID,
	})
}

// Close stops accepting new events and waits for in-flight deliveries.
func (p *Peers) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
