// Package executor turns a decision's action list into concrete local side
// effects: notifications, trusted-circle messages, SOS escalation and
// evidence-capture flags. Every execution attempt, success or failure,
// produces exactly one append-only action log entry.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/aegis/internal/types"
)

const (
	defaultVerificationTimeout = 180 // seconds
	defaultEvidenceInterval    = 60  // seconds
)

// Store is the persistent state the executor mutates.
type Store interface {
	types.ActionLogStore
	types.EscortStore
	types.CircleStore
	types.NotificationStore
}

// Notifier delivers a circle alert over an external channel (telegram).
// Delivery is best-effort; the persisted circle message is the unit of
// guarantee.
type Notifier interface {
	SendCircleAlert(circle *types.TrustCircle, message string) error
}

// Executor dispatches actions by type and logs each outcome.
type Executor struct {
	store           Store
	notifier        Notifier
	trackingBaseURL string
	clock           func() time.Time
}

// Option configures optional behavior on an Executor.
type Option func(*Executor)

// WithNotifier attaches an external delivery channel for circle alerts.
func WithNotifier(n Notifier) Option {
	return func(x *Executor) { x.notifier = n }
}

// WithTrackingBaseURL sets the base for public tracking links.
func WithTrackingBaseURL(url string) Option {
	return func(x *Executor) { x.trackingBaseURL = url }
}

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(x *Executor) { x.clock = clock }
}

// New creates an Executor over the given store.
func New(store Store, opts ...Option) *Executor {
	x := &Executor{
		store:           store,
		trackingBaseURL: "https://track.aegis.app",
		clock:           time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// ExecuteAll runs each action in order, strictly sequentially: later actions
// may depend on state set by earlier ones. A failing action is logged and
// must not prevent subsequent actions from running.
func (x *Executor) ExecuteAll(ctx context.Context, userID types.UserID, decisionID types.DecisionID, actions []types.Action) []*types.ActionLogEntry {
	entries := make([]*types.ActionLogEntry, 0, len(actions))
	for _, action := range actions {
		entries = append(entries, x.Execute(ctx, userID, decisionID, action))
	}
	return entries
}

// Execute runs a single action and appends its action log entry. Panics in
// an action handler are contained and logged as failures.
func (x *Executor) Execute(ctx context.Context, userID types.UserID, decisionID types.DecisionID, action types.Action) *types.ActionLogEntry {
	entry := &types.ActionLogEntry{
		ID:         types.NewActionLogID(),
		UserID:     userID,
		DecisionID: decisionID,
		ActionType: action.Type,
		Payload:    action.Payload,
		CreatedAt:  x.clock().UTC(),
	}

	result, err := x.dispatch(ctx, userID, action)
	if err != nil {
		entry.Status = types.ActionLogFail
		entry.ErrorMessage = err.Error()
	} else if result == nil {
		// Unknown action types degrade gracefully: logged as pending so a
		// future executor can pick them up, never a pipeline failure.
		entry.Status = types.ActionLogPending
		entry.ErrorMessage = fmt.Sprintf("no local executor for action type %q", action.Type)
	} else {
		entry.Status = types.ActionLogOK
		if data, merr := json.Marshal(result); merr == nil {
			entry.Result = data
		}
	}

	if err := x.store.AppendActionLog(ctx, entry); err != nil {
		slog.Error("append action log failed",
			"user_id", string(userID),
			"action_type", string(action.Type),
			"error", err,
		)
	}

	slog.Info("action executed",
		"user_id", string(userID),
		"decision_id", string(decisionID),
		"action_type", string(action.Type),
		"status", string(entry.Status),
	)
	return entry
}

// dispatch routes to the handler for the action type. A nil result with nil
// error means no handler exists for the type.
func (x *Executor) dispatch(ctx context.Context, userID types.UserID, action types.Action) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("action handler panic: %v", r)
		}
	}()

	switch action.Type {
	case types.ActionSilentVerification:
		return x.silentVerification(ctx, userID, action.Payload)
	case types.ActionAlertTrustCircle:
		return x.alertTrustCircle(ctx, userID, action.Payload)
	case types.ActionEscalateFullSOS:
		return x.escalateFullSOS(ctx, userID)
	case types.ActionStartEvidence:
		return x.startEvidenceRecording(ctx, userID, action.Payload)
	case types.ActionStopEscalation:
		return x.stopEscalation(ctx, userID)
	default:
		return nil, nil
	}
}

type verificationPayload struct {
	Message        string `json:"message"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (x *Executor) silentVerification(ctx context.Context, userID types.UserID, payload json.RawMessage) (map[string]any, error) {
	var p verificationPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("parse payload: %w", err)
		}
	}
	if p.Message == "" {
		p.Message = "Are you okay? Please confirm within the next few minutes."
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = defaultVerificationTimeout
	}

	n := &types.Notification{
		UserID:         userID,
		Message:        p.Message,
		TimeoutSeconds: p.TimeoutSeconds,
		Status:         "pending",
		CreatedAt:      x.clock().UTC(),
	}
	if err := x.store.InsertNotification(ctx, n); err != nil {
		return nil, err
	}
	return map[string]any{"notified": true, "timeout_seconds": p.TimeoutSeconds}, nil
}

type alertPayload struct {
	Reason  string `json:"reason"`
	Urgency string `json:"urgency"`
}

func (x *Executor) alertTrustCircle(ctx context.Context, userID types.UserID, payload json.RawMessage) (map[string]any, error) {
	var p alertPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("parse payload: %w", err)
		}
	}
	if p.Reason == "" {
		p.Reason = "A safety check for your contact needs attention."
	}
	if p.Urgency == "" {
		p.Urgency = "high"
	}

	found, err := x.AlertCircle(ctx, userID, p.Reason, p.Urgency)
	if err != nil {
		return nil, err
	}
	return map[string]any{"circle_found": found}, nil
}

// AlertCircle inserts an urgency-marked message into the user's circle
// channel and delivers it over the external notifier when one is attached.
// A user without a circle is a valid state, reported as found=false. The
// scanner's local fallback protocol calls this directly.
func (x *Executor) AlertCircle(ctx context.Context, userID types.UserID, message, urgency string) (bool, error) {
	circle, err := x.store.CircleForUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if circle == nil {
		slog.Warn("no trusted circle for user", "user_id", string(userID))
		return false, nil
	}

	msg := &types.CircleMessage{
		UserID:    userID,
		Message:   message,
		Urgency:   urgency,
		CreatedAt: x.clock().UTC(),
	}
	if err := x.store.InsertCircleMessage(ctx, msg); err != nil {
		return true, err
	}

	if x.notifier != nil {
		if err := x.notifier.SendCircleAlert(circle, message); err != nil {
			slog.Warn("circle alert delivery failed", "user_id", string(userID), "error", err)
		}
	}
	return true, nil
}

// escalateFullSOS is a composite action: it creates the escort session and
// then fans out a critical circle alert carrying the public tracking link.
// Both sub-results are reported in one action log payload.
func (x *Executor) escalateFullSOS(ctx context.Context, userID types.UserID) (map[string]any, error) {
	token := NewTrackingToken()
	sess := &types.EscortSession{
		UserID:    userID,
		Token:     token,
		Active:    true,
		Type:      "sos",
		StartTime: x.clock().UTC(),
	}
	if err := x.store.CreateEscort(ctx, sess); err != nil {
		return nil, fmt.Errorf("create escort session: %w", err)
	}

	trackingURL := fmt.Sprintf("%s/t/%s", x.trackingBaseURL, token)
	message := fmt.Sprintf("EMERGENCY: full SOS activated. Live tracking: %s", trackingURL)
	found, alertErr := x.AlertCircle(ctx, userID, message, "critical")

	result := map[string]any{
		"token":        token,
		"tracking_url": trackingURL,
		"circle_found": found,
	}
	if alertErr != nil {
		result["circle_alert_error"] = alertErr.Error()
	}
	return result, nil
}

type evidencePayload struct {
	IntervalSeconds int `json:"interval_seconds"`
}

// startEvidenceRecording flags that the client device should begin capturing
// audio/location. It records nothing itself; capture is a device concern and
// requires user consent on that side.
func (x *Executor) startEvidenceRecording(ctx context.Context, userID types.UserID, payload json.RawMessage) (map[string]any, error) {
	var p evidencePayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("parse payload: %w", err)
		}
	}
	if p.IntervalSeconds <= 0 {
		p.IntervalSeconds = defaultEvidenceInterval
	}

	n := &types.Notification{
		UserID:         userID,
		Message:        "Evidence capture requested",
		TimeoutSeconds: 0,
		Status:         "evidence_requested",
		CreatedAt:      x.clock().UTC(),
	}
	if err := x.store.InsertNotification(ctx, n); err != nil {
		return nil, err
	}
	return map[string]any{"requested": true, "interval_seconds": p.IntervalSeconds}, nil
}

func (x *Executor) stopEscalation(ctx context.Context, userID types.UserID) (map[string]any, error) {
	n, err := x.store.DeactivateEscorts(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"deactivated": n}, nil
}
