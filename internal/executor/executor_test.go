package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/user/aegis/internal/types"
)

type mockStore struct {
	logs          []*types.ActionLogEntry
	escorts       []*types.EscortSession
	circle        *types.TrustCircle
	circleErr     error
	escortErr     error
	messages      []*types.CircleMessage
	notifications []*types.Notification
}

func (m *mockStore) AppendActionLog(ctx context.Context, entry *types.ActionLogEntry) error {
	m.logs = append(m.logs, entry)
	return nil
}

func (m *mockStore) CreateEscort(ctx context.Context, sess *types.EscortSession) error {
	if m.escortErr != nil {
		return m.escortErr
	}
	m.escorts = append(m.escorts, sess)
	return nil
}

func (m *mockStore) DeactivateEscorts(ctx context.Context, userID types.UserID) (int, error) {
	n := 0
	for _, sess := range m.escorts {
		if sess.UserID == userID && sess.Active {
			sess.Active = false
			n++
		}
	}
	return n, nil
}

func (m *mockStore) CircleForUser(ctx context.Context, userID types.UserID) (*types.TrustCircle, error) {
	if m.circleErr != nil {
		return nil, m.circleErr
	}
	return m.circle, nil
}

func (m *mockStore) InsertCircleMessage(ctx context.Context, msg *types.CircleMessage) error {
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockStore) InsertNotification(ctx context.Context, n *types.Notification) error {
	m.notifications = append(m.notifications, n)
	return nil
}

type mockNotifier struct {
	alerts []string
	err    error
}

func (m *mockNotifier) SendCircleAlert(circle *types.TrustCircle, message string) error {
	m.alerts = append(m.alerts, message)
	return m.err
}

func testCircle() *types.TrustCircle {
	return &types.TrustCircle{UserID: "user1", Name: "family", ChatID: -100123}
}

func resultOf(t *testing.T, entry *types.ActionLogEntry) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.Unmarshal(entry.Result, &result); err != nil {
		t.Fatal(err)
	}
	return result
}

func TestSilentVerificationDefaults(t *testing.T) {
	store := &mockStore{}
	x := New(store)

	entry := x.Execute(context.Background(), "user1", "dec-1", types.Action{
		Type: types.ActionSilentVerification,
	})

	if entry.Status != types.ActionLogOK {
		t.Fatalf("expected ok, got %s (%s)", entry.Status, entry.ErrorMessage)
	}
	if len(store.notifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(store.notifications))
	}
	n := store.notifications[0]
	if n.TimeoutSeconds != 180 {
		t.Errorf("expected default 180s timeout, got %d", n.TimeoutSeconds)
	}
	if n.Status != "pending" {
		t.Errorf("expected pending status, got %s", n.Status)
	}
	if n.Message == "" {
		t.Error("expected default message")
	}
}

func TestSilentVerificationCustomPayload(t *testing.T) {
	store := &mockStore{}
	x := New(store)

	entry := x.Execute(context.Background(), "user1", "dec-1", types.Action{
		Type:    types.ActionSilentVerification,
		Payload: json.RawMessage(`{"message":"ping","timeout_seconds":60}`),
	})

	if entry.Status != types.ActionLogOK {
		t.Fatalf("expected ok, got %s", entry.Status)
	}
	if store.notifications[0].Message != "ping" || store.notifications[0].TimeoutSeconds != 60 {
		t.Errorf("expected custom payload applied, got %+v", store.notifications[0])
	}
}

func TestAlertTrustCircle(t *testing.T) {
	store := &mockStore{circle: testCircle()}
	notifier := &mockNotifier{}
	x := New(store, WithNotifier(notifier))

	entry := x.Execute(context.Background(), "user1", "dec-1", types.Action{
		Type:    types.ActionAlertTrustCircle,
		Payload: json.RawMessage(`{"reason":"no response to check-in","urgency":"high"}`),
	})

	if entry.Status != types.ActionLogOK {
		t.Fatalf("expected ok, got %s (%s)", entry.Status, entry.ErrorMessage)
	}
	if resultOf(t, entry)["circle_found"] != true {
		t.Error("expected circle_found true")
	}
	if len(store.messages) != 1 {
		t.Fatalf("expected 1 circle message, got %d", len(store.messages))
	}
	if store.messages[0].Urgency != "high" {
		t.Errorf("expected high urgency, got %s", store.messages[0].Urgency)
	}
	if len(notifier.alerts) != 1 {
		t.Errorf("expected 1 external alert, got %d", len(notifier.alerts))
	}
}

func TestAlertTrustCircleWithoutCircle(t *testing.T) {
	store := &mockStore{}
	x := New(store)

	entry := x.Execute(context.Background(), "user1", "dec-1", types.Action{
		Type: types.ActionAlertTrustCircle,
	})

	// No circle is a valid state, not a failure.
	if entry.Status != types.ActionLogOK {
		t.Fatalf("expected ok, got %s", entry.Status)
	}
	if resultOf(t, entry)["circle_found"] != false {
		t.Error("expected circle_found false")
	}
	if len(store.messages) != 0 {
		t.Errorf("expected no circle messages, got %d", len(store.messages))
	}
}

func TestAlertTrustCircleDeliveryFailureIsNotFatal(t *testing.T) {
	store := &mockStore{circle: testCircle()}
	notifier := &mockNotifier{err: errors.New("telegram down")}
	x := New(store, WithNotifier(notifier))

	entry := x.Execute(context.Background(), "user1", "dec-1", types.Action{
		Type: types.ActionAlertTrustCircle,
	})

	// The persisted circle message is the unit of guarantee.
	if entry.Status != types.ActionLogOK {
		t.Errorf("expected ok despite delivery failure, got %s", entry.Status)
	}
	if len(store.messages) != 1 {
		t.Errorf("expected circle message persisted, got %d", len(store.messages))
	}
}

func TestEscalateFullSOS(t *testing.T) {
	store := &mockStore{circle: testCircle()}
	notifier := &mockNotifier{}
	x := New(store, WithNotifier(notifier), WithTrackingBaseURL("https://track.example.com"))

	entry := x.Execute(context.Background(), "user1", "dec-1", types.Action{
		Type: types.ActionEscalateFullSOS,
	})

	if entry.Status != types.ActionLogOK {
		t.Fatalf("expected ok, got %s (%s)", entry.Status, entry.ErrorMessage)
	}
	if len(store.escorts) != 1 {
		t.Fatalf("expected escort session created, got %d", len(store.escorts))
	}
	sess := store.escorts[0]
	if !sess.Active || sess.Type != "sos" {
		t.Errorf("unexpected session: %+v", sess)
	}

	result := resultOf(t, entry)
	token, _ := result["token"].(string)
	if token != sess.Token {
		t.Errorf("expected session token in result, got %q", token)
	}
	wantURL := "https://track.example.com/t/" + token
	if result["tracking_url"] != wantURL {
		t.Errorf("expected tracking url %s, got %v", wantURL, result["tracking_url"])
	}
	if result["circle_found"] != true {
		t.Error("expected circle_found true")
	}

	if len(store.messages) != 1 {
		t.Fatalf("expected circle alert, got %d messages", len(store.messages))
	}
	if store.messages[0].Urgency != "critical" {
		t.Errorf("expected critical urgency, got %s", store.messages[0].Urgency)
	}
	if !strings.Contains(store.messages[0].Message, wantURL) {
		t.Errorf("expected tracking link in alert, got %q", store.messages[0].Message)
	}
}

func TestEscalateFullSOSEscortFailure(t *testing.T) {
	store := &mockStore{circle: testCircle(), escortErr: errors.New("disk full")}
	x := New(store)

	entry := x.Execute(context.Background(), "user1", "dec-1", types.Action{
		Type: types.ActionEscalateFullSOS,
	})

	if entry.Status != types.ActionLogFail {
		t.Fatalf("expected fail when session cannot be created, got %s", entry.Status)
	}
	if len(store.messages) != 0 {
		t.Errorf("expected no circle alert without a session, got %d", len(store.messages))
	}
}

func TestStartEvidenceRecording(t *testing.T) {
	store := &mockStore{}
	x := New(store)

	entry := x.Execute(context.Background(), "user1", "dec-1", types.Action{
		Type: types.ActionStartEvidence,
	})

	if entry.Status != types.ActionLogOK {
		t.Fatalf("expected ok, got %s", entry.Status)
	}
	if len(store.notifications) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(store.notifications))
	}
	if store.notifications[0].Status != "evidence_requested" {
		t.Errorf("expected evidence_requested status, got %s", store.notifications[0].Status)
	}
	result := resultOf(t, entry)
	if result["interval_seconds"] != float64(60) {
		t.Errorf("expected default 60s interval, got %v", result["interval_seconds"])
	}
}

func TestStopEscalation(t *testing.T) {
	store := &mockStore{escorts: []*types.EscortSession{
		{UserID: "user1", Token: "AAAA2222", Active: true},
		{UserID: "user1", Token: "BBBB3333", Active: true},
		{UserID: "user2", Token: "CCCC4444", Active: true},
	}}
	x := New(store)

	entry := x.Execute(context.Background(), "user1", "dec-1", types.Action{
		Type: types.ActionStopEscalation,
	})

	if entry.Status != types.ActionLogOK {
		t.Fatalf("expected ok, got %s", entry.Status)
	}
	if resultOf(t, entry)["deactivated"] != float64(2) {
		t.Errorf("expected 2 deactivated, got %v", resultOf(t, entry)["deactivated"])
	}
	if !store.escorts[2].Active {
		t.Error("other user's session must stay active")
	}
}

func TestUnknownActionLoggedAsPending(t *testing.T) {
	store := &mockStore{}
	x := New(store)

	entry := x.Execute(context.Background(), "user1", "dec-1", types.Action{
		Type: "future_action",
	})

	if entry.Status != types.ActionLogPending {
		t.Fatalf("expected pending for unknown action, got %s", entry.Status)
	}
	if !strings.Contains(entry.ErrorMessage, "future_action") {
		t.Errorf("expected action type in message, got %q", entry.ErrorMessage)
	}
}

func TestExecuteAllIsolatesFailures(t *testing.T) {
	store := &mockStore{circle: testCircle(), escortErr: errors.New("disk full")}
	x := New(store)

	entries := x.ExecuteAll(context.Background(), "user1", "dec-1", []types.Action{
		{Type: types.ActionAlertTrustCircle},
		{Type: "future_action"},
		{Type: types.ActionEscalateFullSOS},
		{Type: types.ActionSilentVerification},
	})

	if len(entries) != 4 {
		t.Fatalf("expected every action attempted, got %d entries", len(entries))
	}
	want := []types.ActionLogStatus{
		types.ActionLogOK,
		types.ActionLogPending,
		types.ActionLogFail,
		types.ActionLogOK,
	}
	for i, status := range want {
		if entries[i].Status != status {
			t.Errorf("action %d: expected %s, got %s", i, status, entries[i].Status)
		}
	}
	if len(store.logs) != 4 {
		t.Errorf("expected 4 action log rows, got %d", len(store.logs))
	}
}

func TestExecuteRecordsTimestampAndIDs(t *testing.T) {
	store := &mockStore{}
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	x := New(store, WithClock(func() time.Time { return at }))

	entry := x.Execute(context.Background(), "user1", "dec-7", types.Action{
		Type: types.ActionSilentVerification,
	})

	if entry.ID == "" {
		t.Error("expected action log id assigned")
	}
	if entry.DecisionID != "dec-7" {
		t.Errorf("expected decision id carried, got %s", entry.DecisionID)
	}
	if !entry.CreatedAt.Equal(at) {
		t.Errorf("expected injected clock time, got %v", entry.CreatedAt)
	}
}

func TestTrackingTokenShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token := NewTrackingToken()
		if len(token) != 8 {
			t.Fatalf("expected 8 character token, got %q", token)
		}
		for _, r := range token {
			if !strings.ContainsRune("ABCDEFGHJKLMNPQRSTUVWXYZ23456789", r) {
				t.Fatalf("unexpected character %q in token %q", r, token)
			}
		}
		seen[token] = true
	}
	if len(seen) < 95 {
		t.Errorf("expected near-unique tokens, got %d distinct of 100", len(seen))
	}
}
