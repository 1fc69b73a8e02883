// Package scope resolves the backend objects resources point at. Each
// backend registers a Store for its kind; the marketplace only ever holds
// a BackendRef and looks objects up through the Directory.
package scope

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"gorm.io/gorm"
)

// BackendState is the lifecycle state of a backend object.
type BackendState string

const (
	StateCreationScheduled BackendState = "CREATION_SCHEDULED"
	StateCreating          BackendState = "CREATING"
	StateUpdateScheduled   BackendState = "UPDATE_SCHEDULED"
	StateUpdating          BackendState = "UPDATING"
	StateDeletionScheduled BackendState = "DELETION_SCHEDULED"
	StateDeleting          BackendState = "DELETING"
	StateOK                BackendState = "OK"
	StateErred             BackendState = "ERRED"
	StateDeleted           BackendState = "DELETED"
)

// Normalize folds scheduled states into their running counterpart.
func (s BackendState) Normalize() BackendState {
	switch s {
	case StateCreationScheduled:
		return StateCreating
	case StateUpdateScheduled:
		return StateUpdating
	case StateDeletionScheduled:
		return StateDeleting
	default:
		return s
	}
}

// Valid reports whether s is a known backend state.
func (s BackendState) Valid() bool {
	switch s {
	case StateCreationScheduled, StateCreating, StateUpdateScheduled, StateUpdating,
		StateDeletionScheduled, StateDeleting, StateOK, StateErred, StateDeleted:
		return true
	default:
		return false
	}
}

var (
	ErrUnknownKind   = errors.New("unknown_scope_kind")
	ErrDuplicateKind = errors.New("duplicate_scope_kind")
	ErrScopeNotFound = errors.New("scope_not_found")
)

// Object is the backend row a BackendRef resolves to.
type Object struct {
	Ref          resourcedomain.BackendRef
	BackendID    string
	Name         string
	State        BackendState
	RuntimeState string
	ErrorMessage string
	Metadata     map[string]any
	// ProjectID is the owner known to the backend, zero when unknown.
	ProjectID snowflake.ID
}

// Change is a backend state transition observed for one object.
type Change struct {
	Ref          resourcedomain.BackendRef
	Previous     BackendState
	Current      BackendState
	ErrorMessage string
}

// Changed reports whether the state moved.
func (c Change) Changed() bool {
	return c.Previous != c.Current
}

// Store reads and marks scope rows of one kind.
type Store interface {
	Kind() string
	// Get returns nil, nil when the row does not exist.
	Get(ctx context.Context, db *gorm.DB, id string) (*Object, error)
	// SetErred marks the row erred and returns the state it had before.
	SetErred(ctx context.Context, db *gorm.DB, id string, message string) (BackendState, error)
}

// Puller refreshes a scope row from the backend API.
type Puller interface {
	Kind() string
	Pull(ctx context.Context, db *gorm.DB, id string) (Change, error)
}

// Importer discovers backend objects that no resource points at.
type Importer interface {
	Kind() string
	OfferingType() string
	// DiscoverOrphans returns scope objects whose ids are not in linked,
	// creating scope rows for backend objects seen for the first time.
	DiscoverOrphans(ctx context.Context, db *gorm.DB, linked map[string]struct{}) ([]Object, error)
}
