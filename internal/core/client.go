// Package core implements the outbound client for the external Decision
// Core. The relay endpoint holds the service credentials; they are never
// exposed to or forwarded from end-user clients.
package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/aegis/internal/types"
)

// UpstreamError means the Core responded with a non-success status: it
// received the request and rejected it.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("core rejected request (status %d): %s", e.Status, e.Body)
}

// TransportError means the Core was unreachable (timeout, DNS, refused
// connection). The inactivity scanner's fallback protocol keys off this
// distinction.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("core unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config holds the Core endpoint and the service identity headers.
type Config struct {
	BaseURL      string
	AppID        string
	WorkspaceID  string
	ServiceToken string
	Timeout      time.Duration
}

// Client is a Decision Core client with a bounded request timeout so a
// stalled Core cannot stall an entire scan or outbox cycle.
type Client struct {
	cfg        *Config
	httpClient *http.Client
}

// New creates a Core client. A zero timeout defaults to 10s.
func New(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// eventResponse accepts either field name the Core uses for the assigned id.
type eventResponse struct {
	EventID string `json:"event_id"`
	ID      string `json:"id"`
}

// decideResponse mirrors the Core's decide body, again with both id spellings.
type decideResponse struct {
	DecisionID string         `json:"decision_id"`
	ID         string         `json:"id"`
	Actions    []types.Action `json:"actions"`
}

// EmitEvent forwards an event to the Core and returns its assigned event id.
func (c *Client) EmitEvent(ctx context.Context, event *types.Event) (string, error) {
	var resp eventResponse
	if err := c.post(ctx, "/api/events", event, &resp); err != nil {
		return "", err
	}
	if resp.EventID != "" {
		return resp.EventID, nil
	}
	return resp.ID, nil
}

// Decide forwards a decide request and returns the parsed decision.
func (c *Client) Decide(ctx context.Context, req *types.DecideRequest) (*types.Decision, error) {
	var resp decideResponse
	if err := c.post(ctx, "/api/decide", req, &resp); err != nil {
		return nil, err
	}
	id := resp.DecisionID
	if id == "" {
		id = resp.ID
	}
	return &types.Decision{ID: id, Actions: resp.Actions}, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-App-Id", c.cfg.AppID)
	req.Header.Set("X-Workspace-Id", c.cfg.WorkspaceID)
	req.Header.Set("Authorization", "Bearer "+c.cfg.ServiceToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UpstreamError{Status: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
