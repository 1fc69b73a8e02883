// Package domain contains the marketplace order model, its state machine
// and cost estimation.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"gorm.io/datatypes"
)

// Type is the kind of change an order requests.
type Type string

const (
	TypeCreate    Type = "CREATE"
	TypeUpdate    Type = "UPDATE"
	TypeTerminate Type = "TERMINATE"
)

// State represents lifecycle states for an order.
type State string

const (
	StatePendingConsumer State = "PENDING_CONSUMER"
	StatePendingProvider State = "PENDING_PROVIDER"
	StateExecuting       State = "EXECUTING"
	StateDone            State = "DONE"
	StateErred           State = "ERRED"
	StateRejected        State = "REJECTED"
	StateCanceled        State = "CANCELED"
)

// OutstandingStates block any further order on the same resource.
var OutstandingStates = []State{StatePendingConsumer, StatePendingProvider, StateExecuting}

// IsOutstanding reports whether the state is non-terminal.
func (s State) IsOutstanding() bool {
	switch s {
	case StatePendingConsumer, StatePendingProvider, StateExecuting:
		return true
	default:
		return false
	}
}

// IsPending reports whether the order still awaits a review.
func (s State) IsPending() bool {
	return s == StatePendingConsumer || s == StatePendingProvider
}

// Order is a single requested mutation against a resource.
type Order struct {
	ID                 snowflake.ID                              `gorm:"primaryKey"`
	Type               Type                                      `gorm:"type:text;not null"`
	State              State                                     `gorm:"type:text;not null;index"`
	ResourceID         *snowflake.ID                             `gorm:"index"`
	OfferingID         snowflake.ID                              `gorm:"not null;index"`
	PlanID             *snowflake.ID                             `gorm:""`
	OldPlanID          *snowflake.ID                             `gorm:""`
	ProjectID          snowflake.ID                              `gorm:"not null;index"`
	Limits             datatypes.JSONType[resourcedomain.Limits] `gorm:"type:jsonb"`
	Attributes         datatypes.JSONMap                         `gorm:"type:jsonb"`
	Cost               decimal.Decimal                           `gorm:"type:numeric(22,10);not null;default:0"`
	CreatedBy          string                                    `gorm:"type:text;not null"`
	ConsumerReviewedBy string                                    `gorm:"type:text"`
	ConsumerReviewedAt *time.Time                                `gorm:""`
	ProviderReviewedBy string                                    `gorm:"type:text"`
	ProviderReviewedAt *time.Time                                `gorm:""`
	ErrorMessage       string                                    `gorm:"type:text"`
	ErrorTraceback     string                                    `gorm:"type:text"`
	TerminationComment string                                    `gorm:"type:text"`
	ActivatedAt        *time.Time                                `gorm:""`
	DispatchedAt       *time.Time                                `gorm:""`
	CreatedAt          time.Time                                 `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time                                 `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Order) TableName() string { return "marketplace_orders" }

// RequestedLimits returns the limits snapshot taken when the order was created.
func (o *Order) RequestedLimits() resourcedomain.Limits {
	return o.Limits.Data().Clone()
}

// SetLimits stores a copy of limits on the order.
func (o *Order) SetLimits(limits resourcedomain.Limits) {
	o.Limits = datatypes.NewJSONType(limits.Clone())
}

// Transition moves the order to the target state. DONE stamps activated_at.
func (o *Order) Transition(to State, at time.Time) error {
	if o.State == to {
		return nil
	}
	if !CanTransition(o.State, to) {
		return ErrInvalidTransition
	}
	if to == StateDone && o.ActivatedAt == nil {
		activated := at
		o.ActivatedAt = &activated
	}
	o.State = to
	o.UpdatedAt = at
	return nil
}

// Fail moves the order to ERRED and records why.
func (o *Order) Fail(message, traceback string, at time.Time) error {
	if err := o.Transition(StateErred, at); err != nil {
		return err
	}
	o.ErrorMessage = message
	o.ErrorTraceback = traceback
	return nil
}

// CanTransition reports whether from -> to is a legal order transition.
func CanTransition(from, to State) bool {
	switch from {
	case StatePendingConsumer:
		return to == StatePendingProvider || to == StateExecuting || to == StateRejected || to == StateCanceled
	case StatePendingProvider:
		return to == StateExecuting || to == StateRejected || to == StateCanceled
	case StateExecuting:
		return to == StateDone || to == StateErred || to == StateCanceled
	default:
		return false
	}
}
