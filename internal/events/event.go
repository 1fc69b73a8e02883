// Package events carries backend state changes from pullers and backend
// signals to the callbacks that apply them.
package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/marketplace/internal/callbacks"
	"github.com/smallbiznis/marketplace/internal/scope"
)

// ResourceBackendStateChanged is published whenever the backend object
// behind a resource moves between states.
type ResourceBackendStateChanged struct {
	ID                   string             `json:"id"`
	ResourceID           snowflake.ID       `json:"resource_id"`
	ScopeKind            string             `json:"scope_kind"`
	ScopeID              string             `json:"scope_id"`
	PreviousBackendState scope.BackendState `json:"previous_backend_state"`
	NewBackendState      scope.BackendState `json:"new_backend_state"`
	ErrorMessage         string             `json:"error_message,omitempty"`
	OccurredAt           time.Time          `json:"occurred_at"`
}

// NewResourceBackendStateChanged builds an event from a scope change.
func NewResourceBackendStateChanged(resourceID snowflake.ID, change scope.Change, at time.Time) ResourceBackendStateChanged {
	return ResourceBackendStateChanged{
		ID:                   ulid.Make().String(),
		ResourceID:           resourceID,
		ScopeKind:            change.Ref.Kind,
		ScopeID:              change.Ref.ID,
		PreviousBackendState: change.Previous,
		NewBackendState:      change.Current,
		ErrorMessage:         change.ErrorMessage,
		OccurredAt:           at.UTC(),
	}
}

func (e ResourceBackendStateChanged) stateChange() callbacks.ResourceStateChange {
	return callbacks.ResourceStateChange{
		ResourceID:   e.ResourceID,
		Previous:     e.PreviousBackendState,
		Current:      e.NewBackendState,
		ErrorMessage: e.ErrorMessage,
	}
}
