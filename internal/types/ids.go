// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type UserID string
type EntryID string
type DecisionID string
type ActionLogID string

func NewEntryID() EntryID {
	return EntryID(uuid.New().String())
}

func NewDecisionID() DecisionID {
	return DecisionID(uuid.New().String())
}

func NewActionLogID() ActionLogID {
	return ActionLogID(uuid.New().String())
}
