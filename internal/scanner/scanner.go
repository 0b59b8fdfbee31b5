// Package scanner detects users inactive past escalating thresholds and
// drives them through the event -> decide -> execute pipeline. When the
// Decision Core is unreachable it falls back to a local minimal protocol for
// critically-at-risk, long-inactive users.
package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/aegis/internal/core"
	"github.com/user/aegis/internal/relay"
	"github.com/user/aegis/internal/types"
)

// CoreClient is the Decision Core surface the scanner forwards through.
type CoreClient interface {
	EmitEvent(ctx context.Context, event *types.Event) (string, error)
	Decide(ctx context.Context, req *types.DecideRequest) (*types.Decision, error)
}

// Store is the persistent state the scanner reads and writes.
type Store interface {
	types.ActivityStore
	types.AuditStore
	types.DecisionStore
}

// Executor runs decision actions locally.
type Executor interface {
	Execute(ctx context.Context, userID types.UserID, decisionID types.DecisionID, action types.Action) *types.ActionLogEntry
	ExecuteAll(ctx context.Context, userID types.UserID, decisionID types.DecisionID, actions []types.Action) []*types.ActionLogEntry
}

// Config holds the escalating inactivity thresholds (T1 < T2 < T3) and the
// cooldown between two inactivity events for the same user.
type Config struct {
	T1       time.Duration
	T2       time.Duration
	T3       time.Duration
	Cooldown time.Duration
}

// DefaultConfig returns the standard thresholds: 60/240/1440 minutes with a
// 120 minute cooldown.
func DefaultConfig() Config {
	return Config{
		T1:       60 * time.Minute,
		T2:       240 * time.Minute,
		T3:       1440 * time.Minute,
		Cooldown: 120 * time.Minute,
	}
}

// Outcome classifies one user's scan result.
type Outcome string

const (
	OutcomeSkippedCooldown Outcome = "skipped_cooldown"
	OutcomeTriggered       Outcome = "triggered"
	OutcomeFallback        Outcome = "fallback"
	OutcomeFailed          Outcome = "failed"
)

// Detail is one user's outcome within a scan pass.
type Detail struct {
	UserID           types.UserID `json:"user_id"`
	ThresholdMinutes int          `json:"threshold_minutes"`
	InactiveMinutes  int          `json:"inactive_minutes"`
	Outcome          Outcome      `json:"outcome"`
	Error            string       `json:"error,omitempty"`
}

// Summary aggregates a scan pass for operational visibility.
type Summary struct {
	Scanned   int      `json:"scanned"`
	Triggered int      `json:"triggered"`
	Failed    int      `json:"failed"`
	Details   []Detail `json:"details"`
}

// Scanner runs the periodic inactivity scan.
type Scanner struct {
	store Store
	core  CoreClient
	exec  Executor
	cfg   Config
	clock func() time.Time
}

// Option configures optional behavior on a Scanner.
type Option func(*Scanner)

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scanner) { s.clock = clock }
}

// New creates a Scanner.
func New(store Store, coreClient CoreClient, exec Executor, cfg Config, opts ...Option) *Scanner {
	s := &Scanner{
		store: store,
		core:  coreClient,
		exec:  exec,
		cfg:   cfg,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan runs one pass over all thresholds. Each user is handled at most once
// per pass, at the highest threshold they exceed. A single user's failure is
// counted and must not abort the scan of remaining users.
func (s *Scanner) Scan(ctx context.Context) *Summary {
	now := s.clock().UTC()
	summary := &Summary{}
	seen := make(map[types.UserID]bool)

	for _, threshold := range []time.Duration{s.cfg.T3, s.cfg.T2, s.cfg.T1} {
		users, err := s.store.InactiveUsers(ctx, now.Add(-threshold))
		if err != nil {
			slog.Error("inactivity query failed", "threshold", threshold, "error", err)
			summary.Failed++
			continue
		}
		for _, user := range users {
			if seen[user.UserID] {
				continue
			}
			seen[user.UserID] = true
			summary.Scanned++

			detail := s.scanUser(ctx, user, threshold, now)
			summary.Details = append(summary.Details, detail)
			switch detail.Outcome {
			case OutcomeTriggered, OutcomeFallback:
				summary.Triggered++
			case OutcomeFailed:
				summary.Failed++
			}
		}
	}

	slog.Info("inactivity scan complete",
		"scanned", summary.Scanned,
		"triggered", summary.Triggered,
		"failed", summary.Failed,
	)
	return summary
}

func (s *Scanner) scanUser(ctx context.Context, user *types.UserStatus, threshold time.Duration, now time.Time) Detail {
	inactiveMinutes := int(now.Sub(user.LastActivityAt).Minutes())
	detail := Detail{
		UserID:           user.UserID,
		ThresholdMinutes: int(threshold.Minutes()),
		InactiveMinutes:  inactiveMinutes,
	}

	// Cooldown suppression: one prolonged inactivity period must not fire a
	// new event on every 15 minute pass.
	last, found, err := s.store.LastEventAt(ctx, user.UserID, types.EventInactivity)
	if err != nil {
		detail.Outcome = OutcomeFailed
		detail.Error = err.Error()
		return detail
	}
	if found && now.Sub(last) < s.cfg.Cooldown {
		detail.Outcome = OutcomeSkippedCooldown
		return detail
	}

	event, err := relay.NewInactivityEvent(user.UserID, user.RiskLevel, inactiveMinutes)
	if err != nil {
		detail.Outcome = OutcomeFailed
		detail.Error = err.Error()
		return detail
	}

	payload, _ := json.Marshal(event)
	rec := &types.AuditRecord{
		UserID:    user.UserID,
		EventType: types.EventInactivity,
		Payload:   payload,
		Status:    types.AuditSent,
	}
	if err := s.store.InsertAudit(ctx, rec); err != nil {
		detail.Outcome = OutcomeFailed
		detail.Error = err.Error()
		return detail
	}

	coreEventID, err := s.core.EmitEvent(ctx, event)
	if err != nil {
		status := types.AuditRetry
		if isUpstream(err) {
			status = types.AuditFailed
		}
		if uerr := s.store.UpdateAudit(ctx, rec.ID, status, "", err.Error()); uerr != nil {
			slog.Error("update audit row failed", "outbox_id", rec.ID, "error", uerr)
		}
		return s.maybeFallback(ctx, user, inactiveMinutes, err, detail)
	}
	if err := s.store.UpdateAudit(ctx, rec.ID, types.AuditSent, coreEventID, ""); err != nil {
		slog.Error("update audit row failed", "outbox_id", rec.ID, "error", err)
	}

	decision, err := s.core.Decide(ctx, &types.DecideRequest{
		UserID:  user.UserID,
		EventID: coreEventID,
		Context: &types.DecideContext{
			RiskLevel:         user.RiskLevel,
			InactivityMinutes: inactiveMinutes,
		},
	})
	if err != nil {
		return s.maybeFallback(ctx, user, inactiveMinutes, err, detail)
	}

	decRec := &types.DecisionRecord{
		ID:             types.NewDecisionID(),
		UserID:         user.UserID,
		CoreEventID:    coreEventID,
		CoreDecisionID: decision.ID,
		Actions:        decision.Actions,
	}
	if err := s.store.InsertDecision(ctx, decRec); err != nil {
		detail.Outcome = OutcomeFailed
		detail.Error = err.Error()
		return detail
	}

	s.exec.ExecuteAll(ctx, user.UserID, decRec.ID, decision.Actions)
	detail.Outcome = OutcomeTriggered
	return detail
}

// maybeFallback engages the local fallback protocol: when the Core is
// unreachable (not merely rejecting), the user is classified critical, and
// inactivity has passed T3, the trusted circle is alerted directly. This is
// the system's one Core-independent safety guarantee.
func (s *Scanner) maybeFallback(ctx context.Context, user *types.UserStatus, inactiveMinutes int, cause error, detail Detail) Detail {
	if !isTransport(cause) || user.RiskLevel != types.RiskCritical || inactiveMinutes < int(s.cfg.T3.Minutes()) {
		detail.Outcome = OutcomeFailed
		detail.Error = cause.Error()
		return detail
	}

	payload, _ := json.Marshal(map[string]string{
		"reason": fmt.Sprintf(
			"URGENT: safety service unreachable; user inactive for %d minutes and classified critical. Please check on them now.",
			inactiveMinutes,
		),
		"urgency": "critical",
	})
	entry := s.exec.Execute(ctx, user.UserID, "", types.Action{
		Type:    types.ActionAlertTrustCircle,
		Payload: payload,
	})

	slog.Warn("local fallback engaged",
		"user_id", string(user.UserID),
		"inactive_minutes", inactiveMinutes,
		"status", string(entry.Status),
		"cause", cause,
	)
	detail.Outcome = OutcomeFallback
	detail.Error = cause.Error()
	return detail
}

func isUpstream(err error) bool {
	var ue *core.UpstreamError
	return errors.As(err, &ue)
}

func isTransport(err error) bool {
	var te *core.TransportError
	return errors.As(err, &te)
}
