package processing

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketplace/internal/clock"
	offeringdomain "github.com/smallbiznis/marketplace/internal/offering/domain"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ToolkitParams struct {
	fx.In

	DB        *gorm.DB
	GenID     *snowflake.Node
	Clock     clock.Clock
	Offerings offeringdomain.Repository
	Resources resourcedomain.Repository
	Orders    orderdomain.Repository
}

// Toolkit carries what the template processors share: storage, ids and
// time. Backends build their processors from it.
type Toolkit struct {
	db        *gorm.DB
	genID     *snowflake.Node
	clock     clock.Clock
	offerings offeringdomain.Repository
	resources resourcedomain.Repository
	orders    orderdomain.Repository
}

func NewToolkit(p ToolkitParams) *Toolkit {
	return &Toolkit{
		db:        p.DB,
		genID:     p.GenID,
		clock:     p.Clock,
		offerings: p.Offerings,
		resources: p.Resources,
		orders:    p.Orders,
	}
}

// DB exposes the database for backends that keep their own scope rows.
func (tk *Toolkit) DB() *gorm.DB { return tk.db }

// GenID exposes the id generator for backend scope rows.
func (tk *Toolkit) GenID() *snowflake.Node { return tk.genID }

// Clock exposes the shared clock.
func (tk *Toolkit) Clock() clock.Clock { return tk.clock }

// validatePlan checks the order's plan belongs to the offering and has
// room for one more resource.
func (tk *Toolkit) validatePlan(ctx context.Context, planID *snowflake.ID, offering *offeringdomain.Offering) (*offeringdomain.Plan, error) {
	if planID == nil {
		return nil, nil
	}
	plan, err := tk.offerings.FindPlanByID(ctx, tk.db, *planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, Invalid(offeringdomain.ErrPlanNotFound, "plan %s does not exist", planID.String())
	}
	if plan.OfferingID != offering.ID {
		return nil, Invalid(orderdomain.ErrPlanMismatch, "plan %s does not belong to offering %s", plan.ID.String(), offering.ID.String())
	}
	if plan.Archived {
		return nil, Invalid(orderdomain.ErrPlanNotActive, "plan %s is archived", plan.Name)
	}
	usage, err := tk.resources.CountLiveByPlan(ctx, tk.db, plan.ID)
	if err != nil {
		return nil, err
	}
	if !plan.IsActive(usage) {
		return nil, Invalid(orderdomain.ErrPlanNotActive, "plan %s has reached its limit of %d resources", plan.Name, *plan.MaxAmount)
	}
	return plan, nil
}

// validateLimits checks requested limits against the offering's limit
// components.
func (tk *Toolkit) validateLimits(ctx context.Context, offeringID snowflake.ID, limits resourcedomain.Limits) error {
	if len(limits) == 0 {
		return nil
	}
	components, err := tk.offerings.ListComponents(ctx, tk.db, offeringID)
	if err != nil {
		return err
	}
	for key, value := range limits {
		component, ok := offeringdomain.ComponentByType(components, key)
		if !ok || component.BillingType != offeringdomain.BillingTypeLimit {
			return Invalid(orderdomain.ErrUnknownLimitComponent, "%s is not a limit component", key)
		}
		if component.IsBoolean && value != 0 && value != 1 {
			return Invalid(orderdomain.ErrLimitOutOfRange, "%s must be 0 or 1", key)
		}
		if component.MinValue != nil && value < *component.MinValue {
			return Invalid(orderdomain.ErrLimitOutOfRange, "%s must be at least %d", key, *component.MinValue)
		}
		if component.MaxValue != nil && value > *component.MaxValue {
			return Invalid(orderdomain.ErrLimitOutOfRange, "%s must be at most %d", key, *component.MaxValue)
		}
		if component.MaxAvailableLimit != nil && value > *component.MaxAvailableLimit {
			return Invalid(orderdomain.ErrLimitOutOfRange, "%s exceeds the available limit of %d", key, *component.MaxAvailableLimit)
		}
	}
	return nil
}

func (tk *Toolkit) loadResource(ctx context.Context, order *orderdomain.Order) (*resourcedomain.Resource, error) {
	if order.ResourceID == nil {
		return nil, Invalid(resourcedomain.ErrResourceNotFound, "order %s has no resource", order.ID.String())
	}
	resource, err := tk.resources.FindByID(ctx, tk.db, *order.ResourceID)
	if err != nil {
		return nil, err
	}
	if resource == nil {
		return nil, Invalid(resourcedomain.ErrResourceNotFound, "resource %s does not exist", order.ResourceID.String())
	}
	return resource, nil
}

// materializeResource binds a CREATE order to its resource row, creating
// it in CREATING on first call.
func (tk *Toolkit) materializeResource(ctx context.Context, order *orderdomain.Order) (*resourcedomain.Resource, error) {
	var resource *resourcedomain.Resource
	err := tk.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := tk.orders.FindByIDForUpdate(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return orderdomain.ErrOrderNotFound
		}
		if locked.ResourceID != nil {
			resource, err = tk.resources.FindByID(ctx, tx, *locked.ResourceID)
			if err != nil {
				return err
			}
			if resource == nil {
				return resourcedomain.ErrResourceNotFound
			}
			order.ResourceID = locked.ResourceID
			return nil
		}

		now := tk.clock.Now()
		resource = &resourcedomain.Resource{
			ID:              tk.genID.Generate(),
			Name:            resourceName(locked),
			OfferingID:      locked.OfferingID,
			PlanID:          locked.PlanID,
			ProjectID:       locked.ProjectID,
			State:           resourcedomain.StateCreating,
			Attributes:      cloneAttributes(locked.Attributes),
			BackendMetadata: datatypes.JSONMap{},
			CurrentUsages:   datatypes.JSONMap{},
			Cost:            locked.Cost,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		resource.SetLimits(locked.RequestedLimits())
		if err := tk.resources.Insert(ctx, tx, resource); err != nil {
			return err
		}

		resourceID := resource.ID
		locked.ResourceID = &resourceID
		locked.UpdatedAt = now
		if err := tk.orders.Update(ctx, tx, locked); err != nil {
			return err
		}
		order.ResourceID = &resourceID
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resource, nil
}

// updateResource locks the resource and persists whatever mutate does.
func (tk *Toolkit) updateResource(ctx context.Context, resourceID snowflake.ID, mutate func(resource *resourcedomain.Resource) error) (*resourcedomain.Resource, error) {
	var resource *resourcedomain.Resource
	err := tk.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		resource, err = tk.resources.FindByIDForUpdate(ctx, tx, resourceID)
		if err != nil {
			return err
		}
		if resource == nil {
			return resourcedomain.ErrResourceNotFound
		}
		if err := mutate(resource); err != nil {
			return err
		}
		resource.UpdatedAt = tk.clock.Now()
		return tk.resources.Update(ctx, tx, resource)
	})
	if err != nil {
		return nil, err
	}
	return resource, nil
}

func resourceName(order *orderdomain.Order) string {
	if name, ok := order.Attributes["name"].(string); ok && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	return "resource-" + order.ID.String()
}

func cloneAttributes(attrs datatypes.JSONMap) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
