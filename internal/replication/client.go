package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"paperhub.org/internal/perm"
)

// Wire shapes for the replication endpoints. The HTTP layer reuses them so
// client and server cannot drift apart.
type PushRequest struct {
	Events []perm.Event `json:"events"`
}

type PushResult struct {
	ID     string            `json:"id"`
	Status perm.AppendStatus `json:"status"`
	Error  string            `json:"error,omitempty"`
}

type PushResponse struct {
	Results []PushResult `json:"results"`
}

type FetchResponse struct {
	Events    []perm.Event `json:"events"`
	NextAfter uint64       `json:"next_after"`
}

// Client talks to a single peer's replication endpoints over HTTP.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

type ClientOption func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.httpc = h }
}

// WithToken sets the shared peer bearer token.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL reports the peer address the client was built for.
func (c *Client) BaseURL() string { return c.baseURL }

// Push delivers a batch of events to the peer and returns the per-event
// outcome in input order.
func (c *Client) Push(ctx context.Context, events []perm.Event) ([]PushResult, error) {
	body, err := json.Marshal(PushRequest{Events: events})
	if err != nil {
		return nil, fmt.Errorf("encode push request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/replication/events", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	var resp PushResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Fetch reads a page of the peer's event log after the given sequence cursor.
// It returns the events and the cursor to resume from; an empty page means
// the caller has caught up.
func (c *Client) Fetch(ctx context.Context, after uint64, limit int) ([]perm.Event, uint64, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/replication/events?"+q.Encode(), nil)
	if err != nil {
		return nil, 0, err
	}
	var resp FetchResponse
	if err := c.do(req, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Events, resp.NextAfter, nil
}

// Healthy probes the peer's liveness endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("peer %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer %s: %s: %s", c.baseURL, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("peer %s: decode response: %w", c.baseURL, err)
	}
	return nil
}
