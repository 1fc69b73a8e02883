package processing

import (
	"context"
	"errors"

	offeringdomain "github.com/smallbiznis/marketplace/internal/offering/domain"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	"github.com/smallbiznis/marketplace/internal/plugin"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"gorm.io/datatypes"
)

// CreateRequest is handed to a Provisioner once the resource row exists.
type CreateRequest struct {
	Order    *orderdomain.Order
	Offering *offeringdomain.Offering
	Plan     *offeringdomain.Plan
	Resource *resourcedomain.Resource
	User     string
}

// Provisioned describes the backend object a Provisioner started.
type Provisioned struct {
	Scope           resourcedomain.BackendRef
	BackendID       string
	BackendMetadata map[string]any
	Completed       bool
}

type Provisioner interface {
	Provision(ctx context.Context, req CreateRequest) (Provisioned, error)
}

// UpdateRequest is handed to an Updater or LimitUpdater. Plan is the target
// plan, nil when only limits change.
type UpdateRequest struct {
	Order    *orderdomain.Order
	Offering *offeringdomain.Offering
	Plan     *offeringdomain.Plan
	Resource *resourcedomain.Resource
	Limits   resourcedomain.Limits
	User     string
}

// Updater applies a plan or attribute change; true means it already finished.
type Updater interface {
	Update(ctx context.Context, req UpdateRequest) (bool, error)
}

// LimitUpdater is the narrower entry used when only limits change.
type LimitUpdater interface {
	UpdateLimits(ctx context.Context, req UpdateRequest) (bool, error)
}

type DeleteRequest struct {
	Order    *orderdomain.Order
	Offering *offeringdomain.Offering
	Resource *resourcedomain.Resource
	User     string
}

// Deprovisioner starts backend deletion. Returning ErrBackendObjectGone
// reports an object that was already deleted out of band.
type Deprovisioner interface {
	Deprovision(ctx context.Context, req DeleteRequest) (bool, error)
}

// OrderValidator lets a backend add its own checks to a template processor.
type OrderValidator interface {
	ValidateOrder(ctx context.Context, req plugin.Request) error
}

func backendValidate(ctx context.Context, backend any, req plugin.Request) error {
	validator, ok := backend.(OrderValidator)
	if !ok {
		return nil
	}
	if err := validator.ValidateOrder(ctx, req); err != nil {
		if IsValidationError(err) {
			return err
		}
		return &ValidationError{Err: err}
	}
	return nil
}

// CreateProcessor creates the resource row and asks the backend to
// provision it.
type CreateProcessor struct {
	tk      *Toolkit
	backend Provisioner
}

func NewCreateProcessor(tk *Toolkit, backend Provisioner) *CreateProcessor {
	return &CreateProcessor{tk: tk, backend: backend}
}

func (p *CreateProcessor) ValidateOrder(ctx context.Context, req plugin.Request) error {
	if !req.Offering.AcceptsCreate() {
		return Invalid(orderdomain.ErrOfferingNotAvailable, "offering %s is %s", req.Offering.Name, req.Offering.State)
	}
	if _, err := p.tk.validatePlan(ctx, req.Order.PlanID, req.Offering); err != nil {
		return err
	}
	if err := p.tk.validateLimits(ctx, req.Offering.ID, req.Order.RequestedLimits()); err != nil {
		return err
	}
	return backendValidate(ctx, p.backend, req)
}

func (p *CreateProcessor) ProcessOrder(ctx context.Context, req plugin.Request) (plugin.Result, error) {
	resource, err := p.tk.materializeResource(ctx, req.Order)
	if err != nil {
		return plugin.Result{}, err
	}

	var plan *offeringdomain.Plan
	if req.Order.PlanID != nil {
		plan, err = p.tk.offerings.FindPlanByID(ctx, p.tk.db, *req.Order.PlanID)
		if err != nil {
			return plugin.Result{}, err
		}
	}

	out, err := p.backend.Provision(ctx, CreateRequest{
		Order:    req.Order,
		Offering: req.Offering,
		Plan:     plan,
		Resource: resource,
		User:     req.User,
	})
	if err != nil {
		return plugin.Result{}, err
	}

	if !out.Scope.IsZero() || out.BackendID != "" || len(out.BackendMetadata) > 0 {
		_, err = p.tk.updateResource(ctx, resource.ID, func(r *resourcedomain.Resource) error {
			if !out.Scope.IsZero() {
				r.Scope = out.Scope
			}
			if out.BackendID != "" {
				r.BackendID = out.BackendID
			}
			if len(out.BackendMetadata) > 0 {
				r.BackendMetadata = datatypes.JSONMap(out.BackendMetadata)
			}
			return nil
		})
		if err != nil {
			return plugin.Result{}, err
		}
	}
	return plugin.Result{Completed: out.Completed}, nil
}

// UpdateProcessor moves the resource to UPDATING and applies the change.
type UpdateProcessor struct {
	tk      *Toolkit
	backend Updater
}

func NewUpdateProcessor(tk *Toolkit, backend Updater) *UpdateProcessor {
	return &UpdateProcessor{tk: tk, backend: backend}
}

func (p *UpdateProcessor) ValidateOrder(ctx context.Context, req plugin.Request) error {
	if !req.Offering.AcceptsUpdate() {
		return Invalid(orderdomain.ErrOfferingNotAvailable, "offering %s is %s", req.Offering.Name, req.Offering.State)
	}
	resource, err := p.tk.loadResource(ctx, req.Order)
	if err != nil {
		return err
	}
	if resource.State == resourcedomain.StateTerminated {
		return Invalid(resourcedomain.ErrResourceTerminated, "resource %s is terminated", resource.ID.String())
	}

	limits := req.Order.RequestedLimits()
	switchesPlan := planChanges(req.Order, resource)
	if !switchesPlan && len(limits) == 0 {
		return Invalid(orderdomain.ErrNothingToUpdate, "order %s changes neither plan nor limits", req.Order.ID.String())
	}
	if switchesPlan {
		if _, err := p.tk.validatePlan(ctx, req.Order.PlanID, req.Offering); err != nil {
			return err
		}
	}
	if err := p.tk.validateLimits(ctx, req.Offering.ID, limits); err != nil {
		return err
	}
	return backendValidate(ctx, p.backend, req)
}

func (p *UpdateProcessor) ProcessOrder(ctx context.Context, req plugin.Request) (plugin.Result, error) {
	if req.Order.ResourceID == nil {
		return plugin.Result{}, resourcedomain.ErrResourceNotFound
	}
	resource, err := p.tk.updateResource(ctx, *req.Order.ResourceID, func(r *resourcedomain.Resource) error {
		return r.Transition(resourcedomain.StateUpdating, p.tk.clock.Now())
	})
	if err != nil {
		return plugin.Result{}, err
	}

	update := UpdateRequest{
		Order:    req.Order,
		Offering: req.Offering,
		Resource: resource,
		Limits:   req.Order.RequestedLimits(),
		User:     req.User,
	}
	switchesPlan := planChanges(req.Order, resource)
	if switchesPlan {
		update.Plan, err = p.tk.offerings.FindPlanByID(ctx, p.tk.db, *req.Order.PlanID)
		if err != nil {
			return plugin.Result{}, err
		}
	}

	var completed bool
	if limitUpdater, ok := p.backend.(LimitUpdater); ok && !switchesPlan && len(update.Limits) > 0 {
		completed, err = limitUpdater.UpdateLimits(ctx, update)
	} else {
		completed, err = p.backend.Update(ctx, update)
	}
	if err != nil {
		return plugin.Result{}, err
	}
	return plugin.Result{Completed: completed}, nil
}

// DeleteProcessor moves the resource to TERMINATING and asks the backend
// to delete it. A resource without a backend object completes at once.
type DeleteProcessor struct {
	tk      *Toolkit
	backend Deprovisioner
}

func NewDeleteProcessor(tk *Toolkit, backend Deprovisioner) *DeleteProcessor {
	return &DeleteProcessor{tk: tk, backend: backend}
}

func (p *DeleteProcessor) ValidateOrder(ctx context.Context, req plugin.Request) error {
	resource, err := p.tk.loadResource(ctx, req.Order)
	if err != nil {
		return err
	}
	if resource.State == resourcedomain.StateTerminated {
		return Invalid(resourcedomain.ErrResourceTerminated, "resource %s is already terminated", resource.ID.String())
	}
	return backendValidate(ctx, p.backend, req)
}

func (p *DeleteProcessor) ProcessOrder(ctx context.Context, req plugin.Request) (plugin.Result, error) {
	if req.Order.ResourceID == nil {
		return plugin.Result{}, resourcedomain.ErrResourceNotFound
	}
	resource, err := p.tk.updateResource(ctx, *req.Order.ResourceID, func(r *resourcedomain.Resource) error {
		return r.Transition(resourcedomain.StateTerminating, p.tk.clock.Now())
	})
	if err != nil {
		return plugin.Result{}, err
	}
	if resource.Scope.IsZero() {
		return plugin.Result{Completed: true}, nil
	}

	completed, err := p.backend.Deprovision(ctx, DeleteRequest{
		Order:    req.Order,
		Offering: req.Offering,
		Resource: resource,
		User:     req.User,
	})
	if errors.Is(err, ErrBackendObjectGone) {
		return plugin.Result{Completed: true}, nil
	}
	if err != nil {
		return plugin.Result{}, err
	}
	return plugin.Result{Completed: completed}, nil
}

func planChanges(order *orderdomain.Order, resource *resourcedomain.Resource) bool {
	if order.PlanID == nil {
		return false
	}
	return resource.PlanID == nil || *resource.PlanID != *order.PlanID
}
