// Package callbacks translates backend outcomes into resource and order
// state. It is the single place where backend progress joins the order
// state machine.
package callbacks

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/marketplace/internal/clock"
	obsmetrics "github.com/smallbiznis/marketplace/internal/observability/metrics"
	offeringdomain "github.com/smallbiznis/marketplace/internal/offering/domain"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	"github.com/smallbiznis/marketplace/internal/plugin"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	CallbackCreationSucceeded = "resource_creation_succeeded"
	CallbackCreationFailed    = "resource_creation_failed"
	CallbackCreationCanceled  = "resource_creation_canceled"
	CallbackUpdateSucceeded   = "resource_update_succeeded"
	CallbackUpdateFailed      = "resource_update_failed"
	CallbackUpdateCanceled    = "resource_update_canceled"
	CallbackDeletionSucceeded = "resource_deletion_succeeded"
	CallbackDeletionFailed    = "resource_deletion_failed"
	CallbackDeletionCanceled  = "resource_deletion_canceled"
	CallbackSyncResourceState = "sync_resource_state"
)

// Options tune a callback. With Validate set, the resource must have
// exactly one EXECUTING order of the matching type.
type Options struct {
	Validate       bool
	ErrorMessage   string
	ErrorTraceback string
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Registry  *plugin.Registry
	Resources resourcedomain.Repository
	Orders    orderdomain.Repository
	Offerings offeringdomain.Repository
	Hooks     []Hook              `group:"resource_hooks"`
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	registry  *plugin.Registry
	resources resourcedomain.Repository
	orders    orderdomain.Repository
	offerings offeringdomain.Repository
	hooks     []Hook
	metrics   *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("callbacks"),
		genID:     p.GenID,
		clock:     p.Clock,
		registry:  p.Registry,
		resources: p.Resources,
		orders:    p.Orders,
		offerings: p.Offerings,
		hooks:     p.Hooks,
		metrics:   p.Metrics,
	}
}

// applyFunc mutates the locked resource and reports whether it changed.
// order is nil when no EXECUTING order matched.
type applyFunc func(ctx context.Context, tx *gorm.DB, resource *resourcedomain.Resource, order *orderdomain.Order, now time.Time) (bool, error)

func (s *Service) CreationSucceeded(ctx context.Context, resourceID snowflake.ID, opts Options) error {
	return s.run(ctx, CallbackCreationSucceeded, resourceID, orderdomain.TypeCreate, orderdomain.StateDone, opts,
		func(ctx context.Context, tx *gorm.DB, resource *resourcedomain.Resource, _ *orderdomain.Order, now time.Time) (bool, error) {
			if resource.State == resourcedomain.StateOK {
				return false, nil
			}
			if err := resource.Transition(resourcedomain.StateOK, now); err != nil {
				return false, err
			}
			if err := s.ensurePlanPeriod(ctx, tx, resource, now); err != nil {
				return false, err
			}
			return true, nil
		})
}

func (s *Service) CreationFailed(ctx context.Context, resourceID snowflake.ID, opts Options) error {
	return s.run(ctx, CallbackCreationFailed, resourceID, orderdomain.TypeCreate, orderdomain.StateErred, opts, s.failResource(opts))
}

func (s *Service) CreationCanceled(ctx context.Context, resourceID snowflake.ID, opts Options) error {
	return s.run(ctx, CallbackCreationCanceled, resourceID, orderdomain.TypeCreate, orderdomain.StateCanceled, opts,
		func(ctx context.Context, tx *gorm.DB, resource *resourcedomain.Resource, _ *orderdomain.Order, now time.Time) (bool, error) {
			return true, resource.Transition(resourcedomain.StateTerminated, now)
		})
}

// UpdateSucceeded applies the order's plan and limits to the resource and
// returns it to OK.
func (s *Service) UpdateSucceeded(ctx context.Context, resourceID snowflake.ID, opts Options) error {
	return s.run(ctx, CallbackUpdateSucceeded, resourceID, orderdomain.TypeUpdate, orderdomain.StateDone, opts,
		func(ctx context.Context, tx *gorm.DB, resource *resourcedomain.Resource, order *orderdomain.Order, now time.Time) (bool, error) {
			changed := false
			if order != nil {
				applied, err := s.applyOrderChanges(ctx, tx, resource, order, now)
				if err != nil {
					return false, err
				}
				changed = applied
			}
			if resource.State != resourcedomain.StateOK {
				if err := resource.Transition(resourcedomain.StateOK, now); err != nil {
					return false, err
				}
				changed = true
			}
			return changed, nil
		})
}

func (s *Service) UpdateFailed(ctx context.Context, resourceID snowflake.ID, opts Options) error {
	return s.run(ctx, CallbackUpdateFailed, resourceID, orderdomain.TypeUpdate, orderdomain.StateErred, opts, s.failResource(opts))
}

func (s *Service) UpdateCanceled(ctx context.Context, resourceID snowflake.ID, opts Options) error {
	return s.run(ctx, CallbackUpdateCanceled, resourceID, orderdomain.TypeUpdate, orderdomain.StateCanceled, opts, s.restoreResource)
}

func (s *Service) DeletionSucceeded(ctx context.Context, resourceID snowflake.ID, opts Options) error {
	return s.run(ctx, CallbackDeletionSucceeded, resourceID, orderdomain.TypeTerminate, orderdomain.StateDone, opts,
		func(ctx context.Context, tx *gorm.DB, resource *resourcedomain.Resource, _ *orderdomain.Order, now time.Time) (bool, error) {
			resource.Terminate(now)
			if err := s.resources.ClosePlanPeriods(ctx, tx, resource.ID, now); err != nil {
				return false, err
			}
			return true, nil
		})
}

func (s *Service) DeletionFailed(ctx context.Context, resourceID snowflake.ID, opts Options) error {
	return s.run(ctx, CallbackDeletionFailed, resourceID, orderdomain.TypeTerminate, orderdomain.StateErred, opts, s.failResource(opts))
}

func (s *Service) DeletionCanceled(ctx context.Context, resourceID snowflake.ID, opts Options) error {
	return s.run(ctx, CallbackDeletionCanceled, resourceID, orderdomain.TypeTerminate, orderdomain.StateCanceled, opts, s.restoreResource)
}

// Succeeded runs the success callback matching an order type with
// validation on. The engine uses it when a backend completes synchronously.
func (s *Service) Succeeded(ctx context.Context, orderType orderdomain.Type, resourceID snowflake.ID) error {
	opts := Options{Validate: true}
	switch orderType {
	case orderdomain.TypeCreate:
		return s.CreationSucceeded(ctx, resourceID, opts)
	case orderdomain.TypeUpdate:
		return s.UpdateSucceeded(ctx, resourceID, opts)
	case orderdomain.TypeTerminate:
		return s.DeletionSucceeded(ctx, resourceID, opts)
	default:
		return orderdomain.ErrInvalidOrder
	}
}

func (s *Service) run(
	ctx context.Context,
	name string,
	resourceID snowflake.ID,
	orderType orderdomain.Type,
	orderState orderdomain.State,
	opts Options,
	apply applyFunc,
) error {
	var event *Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		resource, err := s.resources.FindByIDForUpdate(ctx, tx, resourceID)
		if err != nil {
			return err
		}
		if resource == nil {
			return resourcedomain.ErrResourceNotFound
		}
		if resource.State == resourcedomain.StateTerminated {
			s.log.Debug("callback skipped for terminated resource",
				zap.String("callback", name),
				zap.String("resource_id", resource.ID.String()),
			)
			return nil
		}

		order, err := s.executingOrder(ctx, tx, resource.ID, orderType, opts)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		orderChanged := false
		if order != nil {
			if err := s.resolveOrder(order, orderState, opts, now); err != nil {
				return err
			}
			if err := s.orders.Update(ctx, tx, order); err != nil {
				return err
			}
			orderChanged = true
		}

		from := resource.State
		resourceChanged, err := apply(ctx, tx, resource, order, now)
		if err != nil {
			return err
		}
		if resourceChanged {
			resource.UpdatedAt = now
			if err := s.resources.Update(ctx, tx, resource); err != nil {
				return err
			}
		}
		if !orderChanged && !resourceChanged {
			return nil
		}

		s.log.Info("resource.state.changed",
			zap.String("callback", name),
			zap.String("resource_id", resource.ID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(resource.State)),
			zap.Bool("order_resolved", orderChanged),
		)
		event = &Event{Callback: name, Resource: *resource, Order: order}
		return nil
	})

	s.record(ctx, name, event, err)
	if err != nil {
		return err
	}
	if event != nil {
		s.notify(ctx, *event)
	}
	return nil
}

func (s *Service) executingOrder(ctx context.Context, tx *gorm.DB, resourceID snowflake.ID, orderType orderdomain.Type, opts Options) (*orderdomain.Order, error) {
	orders, err := s.orders.ListExecutingByResource(ctx, tx, resourceID, orderType)
	if err != nil {
		return nil, err
	}
	switch len(orders) {
	case 1:
		return &orders[0], nil
	case 0:
		if opts.Validate {
			return nil, orderdomain.ErrOrderNotFound
		}
		s.log.Debug("no executing order to sync",
			zap.String("resource_id", resourceID.String()),
			zap.String("order_type", string(orderType)),
		)
		return nil, nil
	default:
		if opts.Validate {
			return nil, orderdomain.ErrMultipleOrders
		}
		s.log.Warn("multiple executing orders, order sync skipped",
			zap.String("resource_id", resourceID.String()),
			zap.String("order_type", string(orderType)),
			zap.Int("count", len(orders)),
		)
		return nil, nil
	}
}

func (s *Service) resolveOrder(order *orderdomain.Order, state orderdomain.State, opts Options, now time.Time) error {
	if state == orderdomain.StateErred {
		return order.Fail(opts.ErrorMessage, opts.ErrorTraceback, now)
	}
	return order.Transition(state, now)
}

func (s *Service) failResource(opts Options) applyFunc {
	return func(ctx context.Context, tx *gorm.DB, resource *resourcedomain.Resource, _ *orderdomain.Order, now time.Time) (bool, error) {
		if resource.State == resourcedomain.StateErred &&
			resource.ErrorMessage == opts.ErrorMessage &&
			resource.ErrorTraceback == opts.ErrorTraceback {
			return false, nil
		}
		return true, resource.Fail(opts.ErrorMessage, opts.ErrorTraceback, now)
	}
}

func (s *Service) restoreResource(ctx context.Context, tx *gorm.DB, resource *resourcedomain.Resource, _ *orderdomain.Order, now time.Time) (bool, error) {
	if resource.State == resourcedomain.StateOK {
		return false, nil
	}
	return true, resource.Transition(resourcedomain.StateOK, now)
}

func (s *Service) applyOrderChanges(ctx context.Context, tx *gorm.DB, resource *resourcedomain.Resource, order *orderdomain.Order, now time.Time) (bool, error) {
	changed := false
	if order.PlanID != nil && (resource.PlanID == nil || *resource.PlanID != *order.PlanID) {
		if err := s.resources.ClosePlanPeriods(ctx, tx, resource.ID, now); err != nil {
			return false, err
		}
		planID := *order.PlanID
		resource.PlanID = &planID
		if err := s.openPlanPeriod(ctx, tx, resource.ID, planID, now); err != nil {
			return false, err
		}
		changed = true
	}
	if limits := order.RequestedLimits(); len(limits) > 0 {
		resource.SetLimits(limits)
		changed = true
	}
	if !changed {
		return false, nil
	}

	cost, err := s.estimate(ctx, tx, resource)
	if err != nil {
		return false, err
	}
	resource.Cost = cost
	return true, nil
}

func (s *Service) estimate(ctx context.Context, tx *gorm.DB, resource *resourcedomain.Resource) (decimal.Decimal, error) {
	if resource.PlanID == nil {
		return resource.Cost, nil
	}
	plan, err := s.offerings.FindPlanByID(ctx, tx, *resource.PlanID)
	if err != nil {
		return resource.Cost, err
	}
	if plan == nil {
		return resource.Cost, offeringdomain.ErrPlanNotFound
	}
	components, err := s.offerings.ListPricedComponents(ctx, tx, plan.ID)
	if err != nil {
		return resource.Cost, err
	}

	var factors map[string]int64
	offering, err := s.offerings.FindOfferingByID(ctx, tx, resource.OfferingID)
	if err != nil {
		return resource.Cost, err
	}
	if offering != nil {
		if set, err := s.registry.Lookup(offering.Type); err == nil {
			factors = set.ComponentFactors()
		}
	}
	return orderdomain.Estimate(*plan, components, resource.CurrentLimits(), factors), nil
}

func (s *Service) ensurePlanPeriod(ctx context.Context, tx *gorm.DB, resource *resourcedomain.Resource, now time.Time) error {
	if resource.PlanID == nil {
		return nil
	}
	open, err := s.resources.FindOpenPlanPeriod(ctx, tx, resource.ID)
	if err != nil {
		return err
	}
	if open != nil {
		return nil
	}
	return s.openPlanPeriod(ctx, tx, resource.ID, *resource.PlanID, now)
}

func (s *Service) openPlanPeriod(ctx context.Context, tx *gorm.DB, resourceID, planID snowflake.ID, now time.Time) error {
	return s.resources.InsertPlanPeriod(ctx, tx, &resourcedomain.ResourcePlanPeriod{
		ID:         s.genID.Generate(),
		ResourceID: resourceID,
		PlanID:     planID,
		StartAt:    now,
	})
}

func (s *Service) record(ctx context.Context, name string, event *Event, err error) {
	result := obsmetrics.CallbackResultApplied
	switch {
	case err != nil:
		result = obsmetrics.CallbackResultError
		if !errors.Is(err, orderdomain.ErrOrderNotFound) {
			s.log.Warn("callback failed", zap.String("callback", name), zap.Error(err))
		}
	case event == nil:
		result = obsmetrics.CallbackResultSkipped
	}
	obsmetrics.Orders().IncCallback(name, result)
	s.metrics.RecordCallback(ctx, name, result)
}
