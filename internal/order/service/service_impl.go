package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/marketplace/internal/clock"
	obsmetrics "github.com/smallbiznis/marketplace/internal/observability/metrics"
	offeringdomain "github.com/smallbiznis/marketplace/internal/offering/domain"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	"github.com/smallbiznis/marketplace/internal/plugin"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"github.com/smallbiznis/marketplace/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Registry  *plugin.Registry
	Approver  orderdomain.Approver
	Repo      orderdomain.Repository
	Resources resourcedomain.Repository
	Offerings offeringdomain.Repository
	Syncer    orderdomain.StateSyncer `optional:"true"`
	Metrics   *obsmetrics.Metrics     `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	registry  *plugin.Registry
	approver  orderdomain.Approver
	repo      orderdomain.Repository
	resources resourcedomain.Repository
	offerings offeringdomain.Repository
	syncer    orderdomain.StateSyncer
	metrics   *obsmetrics.Metrics
	validate  *validator.Validate
}

func NewService(p Params) orderdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("order.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		registry:  p.Registry,
		approver:  p.Approver,
		repo:      p.Repo,
		resources: p.Resources,
		offerings: p.Offerings,
		syncer:    p.Syncer,
		metrics:   p.Metrics,
		validate:  validator.New(),
	}
}

// CreateOrder admits a new order. For UPDATE and TERMINATE the resource row
// stays locked from the outstanding-order check until the insert commits,
// so two concurrent requests cannot both pass the check.
func (s *Service) CreateOrder(ctx context.Context, req orderdomain.CreateOrderRequest) (orderdomain.Order, error) {
	if err := s.validate.Struct(req); err != nil {
		return orderdomain.Order{}, fmt.Errorf("%w: %s", orderdomain.ErrInvalidOrder, err.Error())
	}
	user := strings.TrimSpace(req.User)

	var (
		order    orderdomain.Order
		offering *offeringdomain.Offering
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var (
			resource  *resourcedomain.Resource
			projectID snowflake.ID
			err       error
		)

		if req.Type == orderdomain.TypeCreate {
			offeringID, err := parseID(req.OfferingID)
			if err != nil {
				return err
			}
			projectID, err = parseID(req.ProjectID)
			if err != nil {
				return err
			}
			offering, err = s.offerings.FindOfferingByID(ctx, tx, offeringID)
			if err != nil {
				return err
			}
		} else {
			resourceID, err := parseID(req.ResourceID)
			if err != nil {
				return err
			}
			resource, err = s.resources.FindByIDForUpdate(ctx, tx, resourceID)
			if err != nil {
				return err
			}
			if resource == nil {
				return resourcedomain.ErrResourceNotFound
			}
			if resource.State == resourcedomain.StateTerminated {
				return resourcedomain.ErrResourceTerminated
			}
			outstanding, err := s.repo.ListOutstandingByResource(ctx, tx, resource.ID)
			if err != nil {
				return err
			}
			if len(outstanding) > 0 {
				return orderdomain.ErrConflictingOrder
			}
			projectID = resource.ProjectID
			offering, err = s.offerings.FindOfferingByID(ctx, tx, resource.OfferingID)
			if err != nil {
				return err
			}
		}
		if offering == nil {
			return offeringdomain.ErrOfferingNotFound
		}

		if !s.registry.Supports(offering.Type, req.Type) {
			return fmt.Errorf("%w: %s %s", plugin.ErrUnsupportedOperation, offering.Type, req.Type)
		}
		set, err := s.registry.Lookup(offering.Type)
		if err != nil {
			return err
		}
		if err := checkOfferingState(offering, req.Type); err != nil {
			return err
		}

		plan, err := s.resolvePlan(ctx, tx, req, offering, resource)
		if err != nil {
			return err
		}
		limits := resourcedomain.Limits(req.Limits)
		if req.Type == orderdomain.TypeUpdate {
			switchesPlan := plan != nil && (resource.PlanID == nil || *resource.PlanID != plan.ID)
			if !switchesPlan && len(limits) == 0 {
				return orderdomain.ErrNothingToUpdate
			}
			if len(limits) > 0 && !set.CanUpdateLimits {
				return orderdomain.ErrLimitsNotUpdatable
			}
		}
		if req.Type == orderdomain.TypeTerminate {
			limits = nil
		}

		cost, err := s.initCost(ctx, tx, req.Type, plan, limits, resource, set)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		order = orderdomain.Order{
			ID:         s.genID.Generate(),
			Type:       req.Type,
			OfferingID: offering.ID,
			ProjectID:  projectID,
			Attributes: datatypes.JSONMap(req.Attributes),
			Cost:       cost,
			CreatedBy:  user,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if order.Attributes == nil {
			order.Attributes = datatypes.JSONMap{}
		}
		order.SetLimits(limits)
		if resource != nil {
			resourceID := resource.ID
			order.ResourceID = &resourceID
			order.OldPlanID = resource.PlanID
		}
		if plan != nil {
			planID := plan.ID
			order.PlanID = &planID
		}

		state, err := s.initialState(ctx, user, projectID, offering, set, &order, now)
		if err != nil {
			return err
		}
		order.State = state

		if err := s.repo.Insert(ctx, tx, &order); err != nil {
			if db.ViolatesConstraint(err, orderdomain.OutstandingOrderIndex) {
				return orderdomain.ErrConflictingOrder
			}
			return err
		}
		return nil
	})
	if db.IsLockConflict(err) {
		// Another admission holds the resource row.
		err = orderdomain.ErrConflictingOrder
	}
	if err != nil {
		if errors.Is(err, orderdomain.ErrConflictingOrder) {
			obsmetrics.Orders().IncConflict()
		}
		return orderdomain.Order{}, err
	}

	obsmetrics.Orders().IncAdmitted(string(order.Type), string(order.State))
	s.metrics.RecordOrderAdmitted(ctx, offering.Type, string(order.Type), string(order.State))
	s.log.Info("order.created",
		zap.String("order_id", order.ID.String()),
		zap.String("order_type", string(order.Type)),
		zap.String("state", string(order.State)),
		zap.String("offering_type", offering.Type),
		zap.String("created_by", order.CreatedBy),
	)
	return order, nil
}

func checkOfferingState(offering *offeringdomain.Offering, orderType orderdomain.Type) error {
	switch orderType {
	case orderdomain.TypeCreate:
		if !offering.AcceptsCreate() {
			return orderdomain.ErrOfferingNotAvailable
		}
	case orderdomain.TypeUpdate:
		if !offering.AcceptsUpdate() {
			return orderdomain.ErrOfferingNotAvailable
		}
	}
	return nil
}

func (s *Service) resolvePlan(ctx context.Context, tx *gorm.DB, req orderdomain.CreateOrderRequest, offering *offeringdomain.Offering, resource *resourcedomain.Resource) (*offeringdomain.Plan, error) {
	planIDValue := strings.TrimSpace(req.PlanID)
	if req.Type == orderdomain.TypeTerminate || planIDValue == "" {
		if resource != nil && resource.PlanID != nil && req.Type != orderdomain.TypeCreate {
			return s.offerings.FindPlanByID(ctx, tx, *resource.PlanID)
		}
		return nil, nil
	}

	planID, err := snowflake.ParseString(planIDValue)
	if err != nil || planID == 0 {
		return nil, orderdomain.ErrInvalidOrder
	}
	plan, err := s.offerings.FindPlanByID(ctx, tx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, offeringdomain.ErrPlanNotFound
	}
	if plan.OfferingID != offering.ID {
		return nil, orderdomain.ErrPlanMismatch
	}
	if plan.Archived {
		return nil, orderdomain.ErrPlanNotActive
	}
	return plan, nil
}

func (s *Service) initCost(
	ctx context.Context,
	tx *gorm.DB,
	orderType orderdomain.Type,
	plan *offeringdomain.Plan,
	limits resourcedomain.Limits,
	resource *resourcedomain.Resource,
	set plugin.ProcessorSet,
) (decimal.Decimal, error) {
	if plan == nil || orderType == orderdomain.TypeTerminate {
		return orderdomain.InitCost(orderdomain.CostInput{Type: orderType}), nil
	}
	components, err := s.offerings.ListPricedComponents(ctx, tx, plan.ID)
	if err != nil {
		return decimal.Zero, err
	}
	effective := limits
	if len(effective) == 0 && resource != nil {
		effective = resource.CurrentLimits()
	}
	return orderdomain.InitCost(orderdomain.CostInput{
		Type:       orderType,
		Plan:       plan,
		Components: components,
		Limits:     effective,
		Factors:    set.ComponentFactors(),
	}), nil
}

// initialState applies implicit approval: a caller who may approve on the
// consumer side skips PENDING_CONSUMER, and one who may also approve on the
// provider side (or whose offering needs no provider review) goes straight
// to EXECUTING.
func (s *Service) initialState(
	ctx context.Context,
	user string,
	projectID snowflake.ID,
	offering *offeringdomain.Offering,
	set plugin.ProcessorSet,
	order *orderdomain.Order,
	now time.Time,
) (orderdomain.State, error) {
	consumer, err := s.approver.CanApproveAsConsumer(ctx, user, projectID)
	if err != nil {
		return "", err
	}
	if !consumer {
		return orderdomain.StatePendingConsumer, nil
	}
	order.ConsumerReviewedBy = user
	order.ConsumerReviewedAt = &now

	if !set.ProviderReviewRequired {
		return orderdomain.StateExecuting, nil
	}
	provider, err := s.approver.CanApproveAsProvider(ctx, user, offering.CustomerID)
	if err != nil {
		return "", err
	}
	if !provider {
		return orderdomain.StatePendingProvider, nil
	}
	order.ProviderReviewedBy = user
	order.ProviderReviewedAt = &now
	return orderdomain.StateExecuting, nil
}

func (s *Service) ApproveByConsumer(ctx context.Context, req orderdomain.ReviewOrderRequest) (orderdomain.Order, error) {
	return s.review(ctx, req, "order.approved_by_consumer", func(ctx context.Context, order *orderdomain.Order, offering *offeringdomain.Offering, set plugin.ProcessorSet, now time.Time) error {
		if order.State != orderdomain.StatePendingConsumer {
			return orderdomain.ErrInvalidTransition
		}
		if err := s.requireConsumer(ctx, req.User, order.ProjectID); err != nil {
			return err
		}
		order.ConsumerReviewedBy = req.User
		order.ConsumerReviewedAt = &now

		next := orderdomain.StateExecuting
		if set.ProviderReviewRequired {
			provider, err := s.approver.CanApproveAsProvider(ctx, req.User, offering.CustomerID)
			if err != nil {
				return err
			}
			if provider {
				order.ProviderReviewedBy = req.User
				order.ProviderReviewedAt = &now
			} else {
				next = orderdomain.StatePendingProvider
			}
		}
		return order.Transition(next, now)
	})
}

func (s *Service) ApproveByProvider(ctx context.Context, req orderdomain.ReviewOrderRequest) (orderdomain.Order, error) {
	return s.review(ctx, req, "order.approved_by_provider", func(ctx context.Context, order *orderdomain.Order, offering *offeringdomain.Offering, _ plugin.ProcessorSet, now time.Time) error {
		if order.State != orderdomain.StatePendingProvider {
			return orderdomain.ErrInvalidTransition
		}
		if err := s.requireProvider(ctx, req.User, offering.CustomerID); err != nil {
			return err
		}
		order.ProviderReviewedBy = req.User
		order.ProviderReviewedAt = &now
		return order.Transition(orderdomain.StateExecuting, now)
	})
}

func (s *Service) Reject(ctx context.Context, req orderdomain.ReviewOrderRequest) (orderdomain.Order, error) {
	return s.review(ctx, req, "order.rejected", func(ctx context.Context, order *orderdomain.Order, offering *offeringdomain.Offering, _ plugin.ProcessorSet, now time.Time) error {
		switch order.State {
		case orderdomain.StatePendingConsumer:
			if err := s.requireConsumer(ctx, req.User, order.ProjectID); err != nil {
				return err
			}
			order.ConsumerReviewedBy = req.User
			order.ConsumerReviewedAt = &now
		case orderdomain.StatePendingProvider:
			if err := s.requireProvider(ctx, req.User, offering.CustomerID); err != nil {
				return err
			}
			order.ProviderReviewedBy = req.User
			order.ProviderReviewedAt = &now
		default:
			return orderdomain.ErrInvalidTransition
		}
		return order.Transition(orderdomain.StateRejected, now)
	})
}

// Cancel withdraws a pending order. The creator or a consumer-side
// approver may cancel; EXECUTING orders cannot be canceled.
func (s *Service) Cancel(ctx context.Context, req orderdomain.ReviewOrderRequest) (orderdomain.Order, error) {
	return s.review(ctx, req, "order.canceled", func(ctx context.Context, order *orderdomain.Order, _ *offeringdomain.Offering, _ plugin.ProcessorSet, now time.Time) error {
		if order.State == orderdomain.StateExecuting {
			return orderdomain.ErrOrderNotCancelable
		}
		if !order.State.IsPending() {
			return orderdomain.ErrInvalidTransition
		}
		if order.CreatedBy != req.User {
			if err := s.requireConsumer(ctx, req.User, order.ProjectID); err != nil {
				return err
			}
		}
		if comment := strings.TrimSpace(req.Comment); comment != "" {
			order.TerminationComment = comment
		}
		return order.Transition(orderdomain.StateCanceled, now)
	})
}

// SetState lets a provider-side approver finish an EXECUTING order, for
// backends that report outcomes out of band.
func (s *Service) SetState(ctx context.Context, req orderdomain.SetStateRequest) (orderdomain.Order, error) {
	if err := s.validate.Struct(req); err != nil {
		return orderdomain.Order{}, fmt.Errorf("%w: %s", orderdomain.ErrInvalidOrder, err.Error())
	}
	if s.syncer == nil {
		return orderdomain.Order{}, fmt.Errorf("%w: no state syncer", plugin.ErrUnsupportedOperation)
	}
	orderID, err := parseID(req.OrderID)
	if err != nil {
		return orderdomain.Order{}, err
	}
	user := strings.TrimSpace(req.User)

	order, err := s.repo.FindByID(ctx, s.db, orderID)
	if err != nil {
		return orderdomain.Order{}, err
	}
	if order == nil {
		return orderdomain.Order{}, orderdomain.ErrOrderNotFound
	}
	offering, err := s.offerings.FindOfferingByID(ctx, s.db, order.OfferingID)
	if err != nil {
		return orderdomain.Order{}, err
	}
	if offering == nil {
		return orderdomain.Order{}, offeringdomain.ErrOfferingNotFound
	}
	if err := s.requireProvider(ctx, user, offering.CustomerID); err != nil {
		return orderdomain.Order{}, err
	}

	if err := s.syncer.ResolveOrder(ctx, order.ID, req.State, strings.TrimSpace(req.ErrorMessage)); err != nil {
		return orderdomain.Order{}, err
	}
	s.log.Info("order.state_set",
		zap.String("order_id", order.ID.String()),
		zap.String("to", string(req.State)),
		zap.String("user", user),
	)
	return s.Get(ctx, order.ID.String())
}

type reviewFunc func(ctx context.Context, order *orderdomain.Order, offering *offeringdomain.Offering, set plugin.ProcessorSet, now time.Time) error

func (s *Service) review(ctx context.Context, req orderdomain.ReviewOrderRequest, event string, apply reviewFunc) (orderdomain.Order, error) {
	if err := s.validate.Struct(req); err != nil {
		return orderdomain.Order{}, orderdomain.ErrInvalidOrder
	}
	orderID, err := parseID(req.OrderID)
	if err != nil {
		return orderdomain.Order{}, err
	}
	req.User = strings.TrimSpace(req.User)

	var order *orderdomain.Order
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err = s.repo.FindByIDForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return orderdomain.ErrOrderNotFound
		}
		offering, err := s.offerings.FindOfferingByID(ctx, tx, order.OfferingID)
		if err != nil {
			return err
		}
		if offering == nil {
			return offeringdomain.ErrOfferingNotFound
		}
		set, err := s.registry.Lookup(offering.Type)
		if err != nil {
			return fmt.Errorf("%w: %s", plugin.ErrUnsupportedOperation, err.Error())
		}

		from := order.State
		if err := apply(ctx, order, offering, set, s.clock.Now()); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, tx, order); err != nil {
			return err
		}

		s.log.Info(event,
			zap.String("order_id", order.ID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(order.State)),
			zap.String("user", req.User),
		)
		return nil
	})
	if err != nil {
		return orderdomain.Order{}, err
	}
	return *order, nil
}

func (s *Service) requireConsumer(ctx context.Context, user string, projectID snowflake.ID) error {
	ok, err := s.approver.CanApproveAsConsumer(ctx, user, projectID)
	if err != nil {
		return err
	}
	if !ok {
		return orderdomain.ErrForbidden
	}
	return nil
}

func (s *Service) requireProvider(ctx context.Context, user string, customerID snowflake.ID) error {
	ok, err := s.approver.CanApproveAsProvider(ctx, user, customerID)
	if err != nil {
		return err
	}
	if !ok {
		return orderdomain.ErrForbidden
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (orderdomain.Order, error) {
	orderID, err := parseID(id)
	if err != nil {
		return orderdomain.Order{}, err
	}
	order, err := s.repo.FindByID(ctx, s.db, orderID)
	if err != nil {
		return orderdomain.Order{}, err
	}
	if order == nil {
		return orderdomain.Order{}, orderdomain.ErrOrderNotFound
	}
	return *order, nil
}

func (s *Service) ListByResource(ctx context.Context, resourceID string) ([]orderdomain.Order, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(resourceID))
	if err != nil || id == 0 {
		return nil, resourcedomain.ErrInvalidResource
	}
	resource, err := s.resources.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if resource == nil {
		return nil, resourcedomain.ErrResourceNotFound
	}
	return s.repo.ListByResource(ctx, s.db, id)
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, orderdomain.ErrInvalidOrder
	}
	return id, nil
}
