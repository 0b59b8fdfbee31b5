// internal/types/interfaces.go
package types

import (
	"context"
	"time"
)

type AuditStore interface {
	InsertAudit(ctx context.Context, rec *AuditRecord) error
	UpdateAudit(ctx context.Context, id uint, status AuditStatus, coreEventID, errMsg string) error
	LastEventAt(ctx context.Context, userID UserID, eventType EventType) (time.Time, bool, error)
	RecentAudits(ctx context.Context, limit int) ([]*AuditRecord, error)
}

type DecisionStore interface {
	InsertDecision(ctx context.Context, rec *DecisionRecord) error
	DecisionsForUser(ctx context.Context, userID UserID, limit int) ([]*DecisionRecord, error)
	// LatestActionRequest returns the most recent decision for the user whose
	// action list contains the given action type, or nil if none exists.
	LatestActionRequest(ctx context.Context, userID UserID, action ActionType) (*DecisionRecord, error)
}

type ActionLogStore interface {
	AppendActionLog(ctx context.Context, entry *ActionLogEntry) error
}

type EscortStore interface {
	CreateEscort(ctx context.Context, sess *EscortSession) error
	// DeactivateEscorts marks all of the user's active sessions inactive and
	// stamps their end time. Returns the number of sessions closed.
	DeactivateEscorts(ctx context.Context, userID UserID) (int, error)
}

type CircleStore interface {
	// CircleForUser returns the user's trusted circle, or (nil, nil) if the
	// user has none. Absence of a circle is a valid state, not an error.
	CircleForUser(ctx context.Context, userID UserID) (*TrustCircle, error)
	InsertCircleMessage(ctx context.Context, msg *CircleMessage) error
}

type NotificationStore interface {
	InsertNotification(ctx context.Context, n *Notification) error
}

type ActivityStore interface {
	// InactiveUsers returns users with a non-null risk classification whose
	// last activity is older than the given cutoff.
	InactiveUsers(ctx context.Context, olderThan time.Time) ([]*UserStatus, error)
}
