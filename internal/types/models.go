// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// RiskLevel is the single risk classification used across event construction,
// decision context and scanner logic.
type RiskLevel string

const (
	RiskNormal   RiskLevel = "normal"
	RiskAlert    RiskLevel = "alert"
	RiskRisk     RiskLevel = "risk"
	RiskCritical RiskLevel = "critical"
)

// Valid reports whether r is one of the four recognized levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskNormal, RiskAlert, RiskRisk, RiskCritical:
		return true
	}
	return false
}

// EventType identifies a safety-relevant event kind.
type EventType string

const (
	EventCheckinFailed EventType = "checkin_failed"
	EventInactivity    EventType = "inactivity"
	EventDiaryEntry    EventType = "diary_entry"
	EventStateChange   EventType = "state_change"
	EventSOSManual     EventType = "sos_manual"
)

// Valid reports whether t is one of the five recognized event types.
func (t EventType) Valid() bool {
	switch t {
	case EventCheckinFailed, EventInactivity, EventDiaryEntry, EventStateChange, EventSOSManual:
		return true
	}
	return false
}

// Location is an optional lat/lng pair attached to event metadata.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Metadata carries the event-specific fields of an Event.
type Metadata struct {
	Source          string    `json:"source"`
	RiskLevel       RiskLevel `json:"risk_level"`
	Text            string    `json:"text,omitempty"`
	DurationMinutes int       `json:"duration_minutes,omitempty"`
	Location        *Location `json:"location,omitempty"`
}

// Event is the wire entity sent to the relay endpoint. Immutable once built.
type Event struct {
	UserID    UserID    `json:"user_id"`
	EventType EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata"`
}

// ActionType identifies one kind of local side effect a decision can request.
type ActionType string

const (
	ActionSilentVerification ActionType = "send_silent_verification"
	ActionAlertTrustCircle   ActionType = "alert_trust_circle"
	ActionEscalateFullSOS    ActionType = "escalate_full_sos"
	ActionStartEvidence      ActionType = "start_evidence_recording"
	ActionStopEscalation     ActionType = "stop_escalation"
)

// Action is one decision step returned by the Decision Core.
type Action struct {
	Type    ActionType      `json:"action_type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decision is the wire entity returned by the Decision Core.
type Decision struct {
	ID      string   `json:"decision_id"`
	Actions []Action `json:"actions"`
}

// DecideContext is the optional context attached to a decide request.
type DecideContext struct {
	RiskLevel         RiskLevel `json:"current_risk_level"`
	InactivityMinutes int       `json:"inactivity_minutes,omitempty"`
}

// DecideRequest asks the Decision Core for a decision about a prior event.
type DecideRequest struct {
	UserID  UserID         `json:"user_id"`
	EventID string         `json:"event_id"`
	Context *DecideContext `json:"context,omitempty"`
}

// AuditStatus is the relay-side delivery state of an audit row. `failed`
// means the Core rejected the event; `retry` means the Core was unreachable.
type AuditStatus string

const (
	AuditSent   AuditStatus = "sent"
	AuditFailed AuditStatus = "failed"
	AuditRetry  AuditStatus = "retry"
)

// AuditRecord is the relay endpoint's own copy of a received event. It exists
// for operator inspection and cooldown checks, not for delivery guarantees.
type AuditRecord struct {
	ID           uint            `json:"id"`
	UserID       UserID          `json:"user_id"`
	EventType    EventType       `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       AuditStatus     `json:"status"`
	CoreEventID  string          `json:"core_event_id,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DecisionRecord is a persisted decision, keyed by the event that produced it.
type DecisionRecord struct {
	ID             DecisionID `json:"id"`
	UserID         UserID     `json:"user_id"`
	CoreEventID    string     `json:"core_event_id"`
	CoreDecisionID string     `json:"core_decision_id"`
	Actions        []Action   `json:"actions"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ActionLogStatus is the outcome of one action execution attempt.
type ActionLogStatus string

const (
	ActionLogOK      ActionLogStatus = "ok"
	ActionLogFail    ActionLogStatus = "fail"
	ActionLogPending ActionLogStatus = "pending"
)

// ActionLogEntry is an append-only audit record of one executed action.
type ActionLogEntry struct {
	ID           ActionLogID     `json:"id"`
	UserID       UserID          `json:"user_id"`
	DecisionID   DecisionID      `json:"decision_id"`
	ActionType   ActionType      `json:"action_type"`
	Payload      json.RawMessage `json:"action_payload,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Status       ActionLogStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// EscortSession is an active emergency-tracking session. The token is the
// sole identifier used in public tracking links.
type EscortSession struct {
	UserID    UserID     `json:"user_id"`
	Token     string     `json:"token"`
	Active    bool       `json:"active"`
	Type      string     `json:"type"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// TrustCircle is a user's predefined group of contacts eligible for
// automated alerts. ChatID is the telegram group the circle shares.
type TrustCircle struct {
	UserID UserID `json:"user_id"`
	Name   string `json:"name"`
	ChatID int64  `json:"chat_id"`
}

// CircleMessage is one alert inserted into a circle's channel.
type CircleMessage struct {
	UserID    UserID    `json:"user_id"`
	Message   string    `json:"message"`
	Urgency   string    `json:"urgency"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is a pending in-app notification with an answer timeout.
type Notification struct {
	UserID         UserID    `json:"user_id"`
	Message        string    `json:"message"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// UserStatus tracks a user's last activity and current risk classification.
type UserStatus struct {
	UserID         UserID    `json:"user_id"`
	RiskLevel      RiskLevel `json:"risk_level"`
	LastActivityAt time.Time `json:"last_activity_at"`
}
