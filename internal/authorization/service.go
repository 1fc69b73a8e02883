package authorization

import (
	"context"
	"errors"
)

const (
	ObjectOrder = "order"

	ActionOrderApproveConsumer = "order.approve_consumer"
	ActionOrderApproveProvider = "order.approve_provider"
)

const (
	RoleProjectAdmin   = "role:project_admin"
	RoleProjectManager = "role:project_manager"
	RoleProjectMember  = "role:project_member"
	RoleCustomerOwner  = "role:customer_owner"
	RoleServiceManager = "role:service_manager"
	RoleStaff          = "role:staff"
)

// GlobalDomain grants a role across every project and customer.
const GlobalDomain = "*"

// SystemActor is the identity used by the scheduler and reconciliation.
const SystemActor = "system"

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidDomain = errors.New("invalid_domain")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrInvalidRole   = errors.New("invalid_role")
	ErrForbidden     = errors.New("forbidden")
)

type Service interface {
	Authorize(ctx context.Context, actor string, domain string, object string, action string) error
	Grant(ctx context.Context, actor string, role string, domain string) error
	Revoke(ctx context.Context, actor string, role string, domain string) error
}
