// Package domain contains the marketplace resource model and its state machine.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// State represents lifecycle states for a resource.
type State string

const (
	StateCreating    State = "CREATING"
	StateOK          State = "OK"
	StateUpdating    State = "UPDATING"
	StateTerminating State = "TERMINATING"
	StateTerminated  State = "TERMINATED"
	StateErred       State = "ERRED"
)

// Limits maps a component type to its requested limit.
type Limits map[string]int64

// Clone returns a copy that does not share storage with l.
func (l Limits) Clone() Limits {
	if l == nil {
		return Limits{}
	}
	out := make(Limits, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

// BackendRef is a weak reference to the backend object behind a resource.
type BackendRef struct {
	Kind string `gorm:"column:scope_kind;type:text;not null;default:''"`
	ID   string `gorm:"column:scope_id;type:text;not null;default:''"`
}

// IsZero reports whether the reference points nowhere.
func (r BackendRef) IsZero() bool {
	return strings.TrimSpace(r.Kind) == "" || strings.TrimSpace(r.ID) == ""
}

func (r BackendRef) String() string {
	if r.IsZero() {
		return ""
	}
	return r.Kind + ":" + r.ID
}

// Resource is the marketplace record of a provisioned service instance.
type Resource struct {
	ID              snowflake.ID               `gorm:"primaryKey"`
	Name            string                     `gorm:"type:text;not null"`
	OfferingID      snowflake.ID               `gorm:"not null;index"`
	PlanID          *snowflake.ID              `gorm:"index"`
	ProjectID       snowflake.ID               `gorm:"not null;index"`
	ParentID        *snowflake.ID              `gorm:"index"`
	State           State                      `gorm:"type:text;not null"`
	Scope           BackendRef                 `gorm:"embedded"`
	BackendID       string                     `gorm:"type:text"`
	Limits          datatypes.JSONType[Limits] `gorm:"type:jsonb"`
	Attributes      datatypes.JSONMap          `gorm:"type:jsonb"`
	BackendMetadata datatypes.JSONMap          `gorm:"type:jsonb"`
	CurrentUsages   datatypes.JSONMap          `gorm:"type:jsonb"`
	Cost            decimal.Decimal            `gorm:"type:numeric(22,10);not null;default:0"`
	ErrorMessage    string                     `gorm:"type:text"`
	ErrorTraceback  string                     `gorm:"type:text"`
	EndDate         *time.Time                 `gorm:""`
	CreatedAt       time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time                  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Resource) TableName() string { return "marketplace_resources" }

// CurrentLimits returns the resource limits, never nil.
func (r *Resource) CurrentLimits() Limits {
	return r.Limits.Data().Clone()
}

// SetLimits replaces the resource limits with a copy of limits.
func (r *Resource) SetLimits(limits Limits) {
	r.Limits = datatypes.NewJSONType(limits.Clone())
}

// Transition moves the resource to the target state. Entering OK clears
// the stored error diagnostics; entering TERMINATED stamps the end date.
func (r *Resource) Transition(to State, at time.Time) error {
	if r.State == to {
		return nil
	}
	if !CanTransition(r.State, to) {
		return ErrInvalidTransition
	}

	if to == StateOK {
		r.ErrorMessage = ""
		r.ErrorTraceback = ""
	}
	if to == StateTerminated && r.EndDate == nil {
		end := at
		r.EndDate = &end
	}
	r.State = to
	r.UpdatedAt = at
	return nil
}

// Terminate marks the resource TERMINATED from any live state. It is used
// once the backend object is known to be gone.
func (r *Resource) Terminate(at time.Time) {
	if r.State == StateTerminated {
		return
	}
	if r.EndDate == nil {
		end := at
		r.EndDate = &end
	}
	r.State = StateTerminated
	r.UpdatedAt = at
}

// Fail moves the resource to ERRED and records the failure.
func (r *Resource) Fail(message, traceback string, at time.Time) error {
	if err := r.Transition(StateErred, at); err != nil {
		return err
	}
	r.ErrorMessage = message
	r.ErrorTraceback = traceback
	r.UpdatedAt = at
	return nil
}

// CanTransition reports whether from -> to is a legal resource transition.
func CanTransition(from, to State) bool {
	switch from {
	case StateCreating:
		return to == StateOK || to == StateErred || to == StateTerminating || to == StateTerminated
	case StateOK:
		return to == StateUpdating || to == StateTerminating || to == StateErred || to == StateTerminated
	case StateUpdating:
		return to == StateOK || to == StateErred
	case StateTerminating:
		return to == StateTerminated || to == StateErred || to == StateOK
	case StateErred:
		return to == StateOK || to == StateUpdating || to == StateTerminating || to == StateTerminated
	default:
		return false
	}
}

// ResourcePlanPeriod records which plan a resource was on over time.
type ResourcePlanPeriod struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	ResourceID snowflake.ID `gorm:"not null;index"`
	PlanID     snowflake.ID `gorm:"not null;index"`
	StartAt    time.Time    `gorm:"not null"`
	EndAt      *time.Time   `gorm:""`
}

// TableName sets the database table name.
func (ResourcePlanPeriod) TableName() string { return "marketplace_resource_plan_periods" }

// ComponentUsage records a metered quantity for a resource.
type ComponentUsage struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	ResourceID    snowflake.ID    `gorm:"not null;index"`
	ComponentID   snowflake.ID    `gorm:"not null;index"`
	ComponentType string          `gorm:"type:text;not null"`
	Usage         decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
	Date          time.Time       `gorm:"not null"`
	BillingPeriod time.Time       `gorm:"not null"`
	Description   string          `gorm:"type:text"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ComponentUsage) TableName() string { return "marketplace_component_usages" }
