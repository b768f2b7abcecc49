// Package remote implements the HTTP client for the authoritative sync
// endpoints.
//
// Error taxonomy: any transport fault, 5xx, or other unexpected status is
// ErrTransient: the engine retries on the next trigger with the queue
// untouched. A 401 is ErrUnauthorized and terminates the session through
// the caller; it is never retried here.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"fieldcare/internal/schema"
)

var (
	// ErrTransient covers offline conditions and transport faults; the
	// next sync trigger retries the same queue contents.
	ErrTransient = errors.New("transient network error")

	// ErrUnauthorized means the bearer credential was rejected.
	ErrUnauthorized = errors.New("unauthorized")
)

// PushRequest is the body of POST /sync: all queued mutations in one
// all-or-nothing batch, grouped by entity type, FIFO within each group.
type PushRequest struct {
	Patients  []json.RawMessage `json:"patients"`
	Records   []json.RawMessage `json:"records"`
	Reminders []json.RawMessage `json:"reminders"`
}

// Empty reports whether the push carries no mutations.
func (r *PushRequest) Empty() bool {
	return len(r.Patients) == 0 && len(r.Records) == 0 && len(r.Reminders) == 0
}

// PushResponse maps submitted local_ids to newly assigned server
// identifiers, per collection.
type PushResponse struct {
	Patients  map[string]int64 `json:"patients"`
	Records   map[string]int64 `json:"records"`
	Reminders map[string]int64 `json:"reminders"`
	Timestamp time.Time        `json:"timestamp"`
}

// PullResponse carries entities changed since the requested watermark.
type PullResponse struct {
	Patients  []*schema.Patient       `json:"patients"`
	Records   []*schema.MedicalRecord `json:"records"`
	Reminders []*schema.Reminder      `json:"reminders"`
	Timestamp time.Time               `json:"timestamp"`
}

// Client talks to the remote sync endpoints with a bearer credential.
// Timeouts are whatever the injected http.Client enforces; the protocol
// itself sets no deadline.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// New creates a sync client for the given base URL and bearer token.
// If httpc is nil, http.DefaultClient is used.
func New(baseURL, token string, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return &Client{baseURL: baseURL, token: token, httpc: httpc}
}

// Push submits all queued mutations in a single request. Any failure means
// the server accepted nothing.
func (c *Client) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build push request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	var resp PushResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PullLatest requests entities changed since the watermark. A nil since
// means first-ever sync and omits the parameter entirely.
func (c *Client) PullLatest(ctx context.Context, since *time.Time) (*PullResponse, error) {
	u := c.baseURL + "/sync/latest"
	if since != nil {
		u += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build pull request: %w", err)
	}
	c.authorize(httpReq)

	var resp PullResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Healthy probes the server health endpoint. Suitable as a connectivity
// probe: any failure simply reads as offline.
func (c *Client) Healthy(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// do executes the request and maps the status code to the error taxonomy.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrUnauthorized
	case resp.StatusCode == http.StatusServiceUnavailable:
		// The server saying "not now" is indistinguishable from offline.
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: server unavailable", ErrTransient)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: unexpected status %d: %s", ErrTransient, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrTransient, err)
	}
	return nil
}
