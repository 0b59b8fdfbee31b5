package notify

import (
	"errors"
	"testing"

	"github.com/user/aegis/internal/types"
)

func TestRegistryRoutesByPrefix(t *testing.T) {
	r := NewRegistry()

	var gotTarget, gotMessage string
	r.Register("telegram:", func(target, message string) error {
		gotTarget = target
		gotMessage = message
		return nil
	})

	if err := r.Deliver("telegram:-100123", "check in please"); err != nil {
		t.Fatal(err)
	}
	if gotTarget != "-100123" {
		t.Errorf("expected prefix stripped, got %q", gotTarget)
	}
	if gotMessage != "check in please" {
		t.Errorf("expected message forwarded, got %q", gotMessage)
	}
}

func TestRegistryUnknownTarget(t *testing.T) {
	r := NewRegistry()
	r.Register("telegram:", func(target, message string) error { return nil })

	if err := r.Deliver("sms:+491701234567", "hello"); err == nil {
		t.Error("expected error for unmatched target")
	}
}

func TestRegistryPropagatesHandlerError(t *testing.T) {
	r := NewRegistry()
	want := errors.New("chat not found")
	r.Register("telegram:", func(target, message string) error { return want })

	if err := r.Deliver("telegram:1", "hi"); !errors.Is(err, want) {
		t.Errorf("expected handler error, got %v", err)
	}
}

func TestCircleNotifierTarget(t *testing.T) {
	r := NewRegistry()
	var gotTarget string
	r.Register("telegram:", func(target, message string) error {
		gotTarget = target
		return nil
	})

	n := NewCircleNotifier(r)
	circle := &types.TrustCircle{UserID: "user1", Name: "family", ChatID: -100987}
	if err := n.SendCircleAlert(circle, "alert"); err != nil {
		t.Fatal(err)
	}
	if gotTarget != "-100987" {
		t.Errorf("expected chat id as target, got %q", gotTarget)
	}
}
