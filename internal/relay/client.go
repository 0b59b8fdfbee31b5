// Package relay provides the typed client for the relay endpoints
// (/ale-events and /ale-decide). It contains no retry logic: event retries
// belong to the outbox, decide failures propagate to the caller.
package relay

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

// Error is a non-success HTTP response from the relay endpoint.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay error (status %d): %s", e.Status, e.Message)
}

// NetworkError is a transport-level failure (refused connection, DNS,
// timeout) before any HTTP status was received.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("relay network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Client talks to the relay endpoints over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a relay client with a bounded request timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// EmitResult is the /ale-events response body.
type EmitResult struct {
	OK          bool   `json:"ok"`
	OutboxID    uint   `json:"outbox_id"`
	CoreEventID string `json:"core_event_id,omitempty"`
	CoreError   string `json:"core_error,omitempty"`
}

// DecideResult is the /ale-decide response body.
type DecideResult struct {
	OK             bool             `json:"ok"`
	DecisionID     types.DecisionID `json:"decision_id"`
	CoreDecisionID string           `json:"core_decision_id"`
	Actions        []types.Action   `json:"actions"`
}

// EmitEvent posts an event to /ale-events.
func (c *Client) EmitEvent(ctx context.Context, event *types.Event) (*EmitResult, error) {
	var result EmitResult
	if err := c.post(ctx, "/ale-events", event, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Send implements the outbox sender over EmitEvent.
func (c *Client) Send(ctx context.Context, event *types.Event) error {
	_, err := c.EmitEvent(ctx, event)
	return err
}

// Decide posts a decide request to /ale-decide and returns the decision.
func (c *Client) Decide(ctx context.Context, req *types.DecideRequest) (*DecideResult, error) {
	var result DecideResult
	if err := c.post(ctx, "/ale-decide", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return &Error{Status: resp.StatusCode, Message: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
