// Package server exposes the relay endpoints consumed by client devices:
// /ale-events and /ale-decide. The server persists its own audit copy of
// every event, forwards to the Decision Core with the service credentials,
// and reconciles status. Delivery guarantees live in the client outbox, not
// here; the audit row is informational.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/user/aegis/internal/core"
	"github.com/user/aegis/internal/types"
)

// CoreClient is the outbound Decision Core surface the server forwards to.
type CoreClient interface {
	EmitEvent(ctx context.Context, event *types.Event) (string, error)
	Decide(ctx context.Context, req *types.DecideRequest) (*types.Decision, error)
}

// Server handles the relay HTTP surface.
type Server struct {
	audits    types.AuditStore
	decisions types.DecisionStore
	core      CoreClient
	mux       *http.ServeMux
}

// New creates a relay Server over the given stores and Core client.
func New(audits types.AuditStore, decisions types.DecisionStore, coreClient CoreClient) *Server {
	s := &Server{
		audits:    audits,
		decisions: decisions,
		core:      coreClient,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /ale-events", s.handleEvents)
	s.mux.HandleFunc("OPTIONS /ale-events", s.handlePreflight)
	s.mux.HandleFunc("POST /ale-decide", s.handleDecide)
	s.mux.HandleFunc("OPTIONS /ale-decide", s.handlePreflight)
	s.mux.HandleFunc("GET /api/outbox", s.handleAPIOutbox)
	s.mux.HandleFunc("GET /api/decisions/", s.handleAPIDecisions)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	s.mux.ServeHTTP(w, r)
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// eventsResponse is the /ale-events response body. The request is a
// client-visible success as soon as the audit row persisted, even when the
// Core forward failed; core_error carries the upstream failure for the
// client's information.
type eventsResponse struct {
	OK          bool   `json:"ok"`
	OutboxID    uint   `json:"outbox_id"`
	CoreEventID string `json:"core_event_id,omitempty"`
	CoreError   string `json:"core_error,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var event types.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if event.UserID == "" || event.EventType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and event_type are required"})
		return
	}

	payload, err := json.Marshal(&event)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	ctx := r.Context()
	// Optimistic insert: the row starts as sent and is demoted if the
	// forward fails.
	rec := &types.AuditRecord{
		UserID:    event.UserID,
		EventType: event.EventType,
		Payload:   payload,
		Status:    types.AuditSent,
	}
	if err := s.audits.InsertAudit(ctx, rec); err != nil {
		slog.Error("insert audit row failed", "user_id", string(event.UserID), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	resp := eventsResponse{OK: true, OutboxID: rec.ID}

	coreEventID, err := s.core.EmitEvent(ctx, &event)
	switch {
	case err == nil:
		if uerr := s.audits.UpdateAudit(ctx, rec.ID, types.AuditSent, coreEventID, ""); uerr != nil {
			slog.Error("update audit row failed", "outbox_id", rec.ID, "error", uerr)
		}
		resp.CoreEventID = coreEventID
	case isUpstream(err):
		// The Core received and rejected the event.
		if uerr := s.audits.UpdateAudit(ctx, rec.ID, types.AuditFailed, "", err.Error()); uerr != nil {
			slog.Error("update audit row failed", "outbox_id", rec.ID, "error", uerr)
		}
		resp.CoreError = err.Error()
		slog.Warn("core rejected event", "user_id", string(event.UserID), "event_type", string(event.EventType), "error", err)
	default:
		// Infrastructure-level failure: the Core never saw the event.
		if uerr := s.audits.UpdateAudit(ctx, rec.ID, types.AuditRetry, "", err.Error()); uerr != nil {
			slog.Error("update audit row failed", "outbox_id", rec.ID, "error", uerr)
		}
		resp.CoreError = err.Error()
		slog.Warn("core unreachable", "user_id", string(event.UserID), "event_type", string(event.EventType), "error", err)
	}

	writeJSON(w, http.StatusOK, resp)
}

func isUpstream(err error) bool {
	var ue *core.UpstreamError
	return errors.As(err, &ue)
}

// decideResponse is the /ale-decide response body.
type decideResponse struct {
	OK             bool             `json:"ok"`
	DecisionID     types.DecisionID `json:"decision_id"`
	CoreDecisionID string           `json:"core_decision_id"`
	Actions        []types.Action   `json:"actions"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req types.DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.UserID == "" || req.EventID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and event_id are required"})
		return
	}

	ctx := r.Context()
	decision, err := s.core.Decide(ctx, &req)
	if err != nil {
		// Decide failures must be visible immediately: the caller decides
		// whether to engage a local fallback. No retry at this layer.
		status := http.StatusBadGateway
		if !isUpstream(err) {
			status = http.StatusInternalServerError
		}
		slog.Warn("decide failed", "user_id", string(req.UserID), "event_id", req.EventID, "error", err)
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	rec := &types.DecisionRecord{
		ID:             types.NewDecisionID(),
		UserID:         req.UserID,
		CoreEventID:    req.EventID,
		CoreDecisionID: decision.ID,
		Actions:        decision.Actions,
	}
	if err := s.decisions.InsertDecision(ctx, rec); err != nil {
		slog.Error("persist decision failed", "user_id", string(req.UserID), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, decideResponse{
		OK:             true,
		DecisionID:     rec.ID,
		CoreDecisionID: decision.ID,
		Actions:        decision.Actions,
	})
}

func (s *Server) handleAPIOutbox(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	audits, err := s.audits.RecentAudits(r.Context(), limit)
	if err != nil {
		slog.Error("list audits failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if audits == nil {
		audits = []*types.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, audits)
}

func (s *Server) handleAPIDecisions(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimPrefix(r.URL.Path, "/api/decisions/")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user id required"})
		return
	}

	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	decisions, err := s.decisions.DecisionsForUser(r.Context(), types.UserID(userID), limit)
	if err != nil {
		slog.Error("list decisions failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if decisions == nil {
		decisions = []*types.DecisionRecord{}
	}
	writeJSON(w, http.StatusOK, decisions)
}
