package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type CreateOrderRequest struct {
	Type       Type             `json:"type" validate:"required,oneof=CREATE UPDATE TERMINATE"`
	OfferingID string           `json:"offering_id" validate:"required_if=Type CREATE"`
	ProjectID  string           `json:"project_id" validate:"required_if=Type CREATE"`
	ResourceID string           `json:"resource_id" validate:"required_unless=Type CREATE"`
	PlanID     string           `json:"plan_id,omitempty"`
	Limits     map[string]int64 `json:"limits,omitempty" validate:"omitempty,dive,gte=0"`
	Attributes map[string]any   `json:"attributes,omitempty"`
	User       string           `json:"-" validate:"required"`
}

type ReviewOrderRequest struct {
	OrderID string `validate:"required"`
	User    string `validate:"required"`
	Comment string
}

// SetStateRequest is a provider resolving an EXECUTING order by hand.
type SetStateRequest struct {
	OrderID      string `validate:"required"`
	User         string `validate:"required"`
	State        State  `validate:"required,oneof=DONE ERRED"`
	ErrorMessage string
}

type Service interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error)
	ApproveByConsumer(ctx context.Context, req ReviewOrderRequest) (Order, error)
	ApproveByProvider(ctx context.Context, req ReviewOrderRequest) (Order, error)
	Reject(ctx context.Context, req ReviewOrderRequest) (Order, error)
	Cancel(ctx context.Context, req ReviewOrderRequest) (Order, error)
	SetState(ctx context.Context, req SetStateRequest) (Order, error)
	Get(ctx context.Context, id string) (Order, error)
	ListByResource(ctx context.Context, resourceID string) ([]Order, error)
}

// Approver decides whether a user's order is implicitly approved.
type Approver interface {
	CanApproveAsConsumer(ctx context.Context, user string, projectID snowflake.ID) (bool, error)
	CanApproveAsProvider(ctx context.Context, user string, customerID snowflake.ID) (bool, error)
}

// StateSyncer finishes an EXECUTING order through the resource callback
// matching its type.
type StateSyncer interface {
	ResolveOrder(ctx context.Context, orderID snowflake.ID, state State, errorMessage string) error
}

// OutstandingOrderIndex is the partial unique index allowing one outstanding
// order per resource.
const OutstandingOrderIndex = "uq_marketplace_orders_outstanding_resource"

var (
	ErrInvalidOrder          = errors.New("invalid_order")
	ErrOrderNotFound         = errors.New("order_not_found")
	ErrMultipleOrders        = errors.New("multiple_executing_orders")
	ErrConflictingOrder      = errors.New("conflicting_order")
	ErrInvalidTransition     = errors.New("invalid_order_transition")
	ErrOrderNotCancelable    = errors.New("order_not_cancelable")
	ErrForbidden             = errors.New("forbidden")
	ErrOfferingNotAvailable  = errors.New("offering_not_available")
	ErrPlanMismatch          = errors.New("plan_offering_mismatch")
	ErrPlanNotActive         = errors.New("plan_not_active")
	ErrNothingToUpdate       = errors.New("nothing_to_update")
	ErrLimitsNotUpdatable    = errors.New("limits_not_updatable")
	ErrLimitOutOfRange       = errors.New("limit_out_of_range")
	ErrUnknownLimitComponent = errors.New("unknown_limit_component")
)
