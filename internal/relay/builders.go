package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/user/aegis/internal/types"
)

// ErrValidation marks a malformed event before any network call. Validation
// failures are never retried; the caller must fix the input and resubmit.
var ErrValidation = errors.New("validation error")

// Convenience constructors for each event subtype. These only shape metadata;
// delivery and retry live elsewhere.

func newEvent(userID types.UserID, eventType types.EventType, meta types.Metadata) (*types.Event, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if !meta.RiskLevel.Valid() {
		return nil, fmt.Errorf("%w: unknown risk level %q", ErrValidation, meta.RiskLevel)
	}
	return &types.Event{
		UserID:    userID,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Metadata:  meta,
	}, nil
}

// NewInactivityEvent builds an inactivity event with the computed duration.
func NewInactivityEvent(userID types.UserID, risk types.RiskLevel, durationMinutes int) (*types.Event, error) {
	if durationMinutes <= 0 {
		return nil, fmt.Errorf("%w: duration_minutes must be positive", ErrValidation)
	}
	return newEvent(userID, types.EventInactivity, types.Metadata{
		Source:          "inactivity_scan",
		RiskLevel:       risk,
		DurationMinutes: durationMinutes,
	})
}

// NewDiaryEntryEvent builds a diary-entry event carrying the entry text.
func NewDiaryEntryEvent(userID types.UserID, risk types.RiskLevel, text string) (*types.Event, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text is required", ErrValidation)
	}
	return newEvent(userID, types.EventDiaryEntry, types.Metadata{
		Source:    "app",
		RiskLevel: risk,
		Text:      text,
	})
}

// NewManualSOSEvent builds a manually triggered SOS event with an optional
// location.
func NewManualSOSEvent(userID types.UserID, risk types.RiskLevel, loc *types.Location) (*types.Event, error) {
	return newEvent(userID, types.EventSOSManual, types.Metadata{
		Source:    "app",
		RiskLevel: risk,
		Location:  loc,
	})
}

// NewStateChangeEvent builds a state-change event describing the transition.
func NewStateChangeEvent(userID types.UserID, risk types.RiskLevel, text string) (*types.Event, error) {
	return newEvent(userID, types.EventStateChange, types.Metadata{
		Source:    "app",
		RiskLevel: risk,
		Text:      text,
	})
}

// NewCheckinFailedEvent builds a failed check-in event.
func NewCheckinFailedEvent(userID types.UserID, risk types.RiskLevel) (*types.Event, error) {
	return newEvent(userID, types.EventCheckinFailed, types.Metadata{
		Source:    "app",
		RiskLevel: risk,
	})
}
