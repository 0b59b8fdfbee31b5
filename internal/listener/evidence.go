// Package listener polls for pending evidence-capture requests so device
// capture code can react. It only raises a signal; recording itself never
// starts without consent on the device side.
package listener

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/aegis/internal/types"
)

const (
	pollInterval    = 30 * time.Second
	freshnessWindow = 5 * time.Minute
)

// Evidence polls the decision store for the most recent decision containing
// a start_evidence_recording action and raises the callback exactly once per
// fresh request. Requests older than the freshness window are stale: an
// already-handled or abandoned request must not re-trigger the UI.
type Evidence struct {
	decisions types.DecisionStore
	userID    types.UserID
	onRequest func(*types.DecisionRecord)
	clock     func() time.Time
	interval  time.Duration

	signaled map[types.DecisionID]bool
}

// Option configures optional behavior on an Evidence listener.
type Option func(*Evidence)

// WithClock injects a time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Evidence) { e.clock = clock }
}

// WithInterval overrides the poll interval.
func WithInterval(d time.Duration) Option {
	return func(e *Evidence) { e.interval = d }
}

// New creates an Evidence listener for one user.
func New(decisions types.DecisionStore, userID types.UserID, onRequest func(*types.DecisionRecord), opts ...Option) *Evidence {
	e := &Evidence{
		decisions: decisions,
		userID:    userID,
		onRequest: onRequest,
		clock:     time.Now,
		interval:  pollInterval,
		signaled:  make(map[types.DecisionID]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run polls immediately, then on the fixed interval until the context is
// canceled.
func (e *Evidence) Run(ctx context.Context) {
	e.Poll(ctx)
	t := time.NewTicker(e.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.Poll(ctx)
		}
	}
}

// Poll performs one check for a fresh evidence request.
func (e *Evidence) Poll(ctx context.Context) {
	rec, err := e.decisions.LatestActionRequest(ctx, e.userID, types.ActionStartEvidence)
	if err != nil {
		slog.Warn("evidence poll failed", "user_id", string(e.userID), "error", err)
		return
	}
	if rec == nil {
		return
	}
	if e.clock().Sub(rec.CreatedAt) > freshnessWindow {
		return
	}
	if e.signaled[rec.ID] {
		return
	}
	e.signaled[rec.ID] = true

	slog.Info("evidence capture requested", "user_id", string(e.userID), "decision_id", string(rec.ID))
	if e.onRequest != nil {
		e.onRequest(rec)
	}
}
