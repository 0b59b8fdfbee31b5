package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/user/aegis/internal/core"
	"github.com/user/aegis/internal/types"
)

type mockAuditStore struct {
	nextID  uint
	records []*types.AuditRecord
}

func (m *mockAuditStore) InsertAudit(ctx context.Context, rec *types.AuditRecord) error {
	m.nextID++
	rec.ID = m.nextID
	m.records = append(m.records, rec)
	return nil
}

func (m *mockAuditStore) UpdateAudit(ctx context.Context, id uint, status types.AuditStatus, coreEventID, errMsg string) error {
	for _, rec := range m.records {
		if rec.ID == id {
			rec.Status = status
			rec.CoreEventID = coreEventID
			rec.ErrorMessage = errMsg
			return nil
		}
	}
	return errors.New("not found")
}

func (m *mockAuditStore) LastEventAt(ctx context.Context, userID types.UserID, eventType types.EventType) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (m *mockAuditStore) RecentAudits(ctx context.Context, limit int) ([]*types.AuditRecord, error) {
	if len(m.records) > limit {
		return m.records[:limit], nil
	}
	return m.records, nil
}

type mockDecisionStore struct {
	records []*types.DecisionRecord
	err     error
}

func (m *mockDecisionStore) InsertDecision(ctx context.Context, rec *types.DecisionRecord) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *mockDecisionStore) DecisionsForUser(ctx context.Context, userID types.UserID, limit int) ([]*types.DecisionRecord, error) {
	var out []*types.DecisionRecord
	for _, rec := range m.records {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *mockDecisionStore) LatestActionRequest(ctx context.Context, userID types.UserID, action types.ActionType) (*types.DecisionRecord, error) {
	return nil, nil
}

type mockCore struct {
	eventID  string
	emitErr  error
	decision *types.Decision
	decErr   error
}

func (m *mockCore) EmitEvent(ctx context.Context, event *types.Event) (string, error) {
	return m.eventID, m.emitErr
}

func (m *mockCore) Decide(ctx context.Context, req *types.DecideRequest) (*types.Decision, error) {
	return m.decision, m.decErr
}

func postJSON(t *testing.T, srv *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

const eventBody = `{"user_id":"user1","event_type":"diary_entry","metadata":{"source":"app","risk_level":"alert","text":"x"}}`

func TestHealth(t *testing.T) {
	srv := New(&mockAuditStore{}, &mockDecisionStore{}, &mockCore{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestEventsForwarded(t *testing.T) {
	audits := &mockAuditStore{}
	srv := New(audits, &mockDecisionStore{}, &mockCore{eventID: "evt-9"})

	w := postJSON(t, srv, "/ale-events", eventBody)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["ok"] != true {
		t.Error("expected ok response")
	}
	if resp["core_event_id"] != "evt-9" {
		t.Errorf("expected core_event_id evt-9, got %v", resp["core_event_id"])
	}

	if len(audits.records) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(audits.records))
	}
	rec := audits.records[0]
	if rec.Status != types.AuditSent {
		t.Errorf("expected audit status sent, got %s", rec.Status)
	}
	if rec.CoreEventID != "evt-9" {
		t.Errorf("expected core event id on audit row, got %s", rec.CoreEventID)
	}
}

func TestEventsMissingFields(t *testing.T) {
	srv := New(&mockAuditStore{}, &mockDecisionStore{}, &mockCore{})

	w := postJSON(t, srv, "/ale-events", `{"event_type":"diary_entry"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing user_id, got %d", w.Code)
	}

	w = postJSON(t, srv, "/ale-events", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid JSON, got %d", w.Code)
	}
}

func TestEventsCoreRejection(t *testing.T) {
	audits := &mockAuditStore{}
	coreErr := &core.UpstreamError{Status: 422, Body: "bad risk level"}
	srv := New(audits, &mockDecisionStore{}, &mockCore{emitErr: coreErr})

	w := postJSON(t, srv, "/ale-events", eventBody)
	// Still a client-visible success: the audit copy persisted.
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["core_error"] == nil || resp["core_error"] == "" {
		t.Error("expected core_error in response")
	}
	if audits.records[0].Status != types.AuditFailed {
		t.Errorf("expected audit status failed, got %s", audits.records[0].Status)
	}
}

func TestEventsCoreUnreachable(t *testing.T) {
	audits := &mockAuditStore{}
	coreErr := &core.TransportError{Err: errors.New("dial tcp: refused")}
	srv := New(audits, &mockDecisionStore{}, &mockCore{emitErr: coreErr})

	w := postJSON(t, srv, "/ale-events", eventBody)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if audits.records[0].Status != types.AuditRetry {
		t.Errorf("expected audit status retry, got %s", audits.records[0].Status)
	}
}

func TestDecidePersistsDecision(t *testing.T) {
	decisions := &mockDecisionStore{}
	decision := &types.Decision{
		ID: "core-dec-1",
		Actions: []types.Action{
			{Type: types.ActionSilentVerification},
			{Type: types.ActionAlertTrustCircle},
		},
	}
	srv := New(&mockAuditStore{}, decisions, &mockCore{decision: decision})

	w := postJSON(t, srv, "/ale-decide", `{"user_id":"user1","event_id":"evt-1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		OK             bool           `json:"ok"`
		DecisionID     string         `json:"decision_id"`
		CoreDecisionID string         `json:"core_decision_id"`
		Actions        []types.Action `json:"actions"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK || resp.DecisionID == "" {
		t.Errorf("expected ok with a decision id, got %+v", resp)
	}
	if resp.CoreDecisionID != "core-dec-1" {
		t.Errorf("expected core decision id, got %s", resp.CoreDecisionID)
	}
	if len(resp.Actions) != 2 {
		t.Errorf("expected 2 actions, got %d", len(resp.Actions))
	}

	if len(decisions.records) != 1 {
		t.Fatalf("expected 1 persisted decision, got %d", len(decisions.records))
	}
	if decisions.records[0].CoreEventID != "evt-1" {
		t.Errorf("expected decision keyed by event, got %s", decisions.records[0].CoreEventID)
	}
}

func TestDecideMissingFields(t *testing.T) {
	srv := New(&mockAuditStore{}, &mockDecisionStore{}, &mockCore{})

	w := postJSON(t, srv, "/ale-decide", `{"user_id":"user1"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing event_id, got %d", w.Code)
	}
}

func TestDecideUpstreamFailure(t *testing.T) {
	srv := New(&mockAuditStore{}, &mockDecisionStore{}, &mockCore{
		decErr: &core.UpstreamError{Status: 500, Body: "engine down"},
	})

	w := postJSON(t, srv, "/ale-decide", `{"user_id":"user1","event_id":"evt-1"}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502 for upstream rejection, got %d", w.Code)
	}
}

func TestDecideTransportFailure(t *testing.T) {
	srv := New(&mockAuditStore{}, &mockDecisionStore{}, &mockCore{
		decErr: &core.TransportError{Err: errors.New("timeout")},
	})

	w := postJSON(t, srv, "/ale-decide", `{"user_id":"user1","event_id":"evt-1"}`)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 for transport failure, got %d", w.Code)
	}
}

func TestCORSAndPreflight(t *testing.T) {
	srv := New(&mockAuditStore{}, &mockDecisionStore{}, &mockCore{})

	req := httptest.NewRequest(http.MethodOptions, "/ale-events", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204 for preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("expected CORS origin header, got %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestAPIOutbox(t *testing.T) {
	audits := &mockAuditStore{}
	audits.InsertAudit(context.Background(), &types.AuditRecord{
		UserID:    "user1",
		EventType: types.EventDiaryEntry,
		Status:    types.AuditSent,
	})
	srv := New(audits, &mockDecisionStore{}, &mockCore{})

	req := httptest.NewRequest(http.MethodGet, "/api/outbox?limit=10", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var rows []*types.AuditRecord
	if err := json.NewDecoder(w.Body).Decode(&rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Errorf("expected 1 audit row, got %d", len(rows))
	}
}

func TestAPIDecisionsForUser(t *testing.T) {
	decisions := &mockDecisionStore{records: []*types.DecisionRecord{
		{ID: "d1", UserID: "user1"},
		{ID: "d2", UserID: "user2"},
	}}
	srv := New(&mockAuditStore{}, decisions, &mockCore{})

	req := httptest.NewRequest(http.MethodGet, "/api/decisions/user1", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var rows []*types.DecisionRecord
	if err := json.NewDecoder(w.Body).Decode(&rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != "d1" {
		t.Errorf("expected user1's decision only, got %+v", rows)
	}
}
