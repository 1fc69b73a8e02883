package callbacks

import (
	"context"

	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"github.com/smallbiznis/marketplace/internal/scope"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ResourceStateChange is a backend state transition for the object behind
// a resource.
type ResourceStateChange struct {
	ResourceID   snowflake.ID
	Previous     scope.BackendState
	Current      scope.BackendState
	ErrorMessage string
}

// SyncResourceState routes a backend transition to the matching callback.
// Transitions no callback covers are treated as drift and mapped onto the
// nearest resource state.
func (s *Service) SyncResourceState(ctx context.Context, change ResourceStateChange) error {
	previous := change.Previous.Normalize()
	current := change.Current.Normalize()
	failure := Options{ErrorMessage: change.ErrorMessage}

	switch {
	case previous == scope.StateCreating && current == scope.StateOK:
		return s.CreationSucceeded(ctx, change.ResourceID, Options{})
	case previous == scope.StateCreating && current == scope.StateErred:
		return s.CreationFailed(ctx, change.ResourceID, failure)
	case previous == scope.StateUpdating && current == scope.StateOK:
		return s.UpdateSucceeded(ctx, change.ResourceID, Options{})
	case previous == scope.StateUpdating && current == scope.StateErred:
		return s.UpdateFailed(ctx, change.ResourceID, failure)
	case previous == scope.StateDeleting && current == scope.StateErred:
		return s.DeletionFailed(ctx, change.ResourceID, failure)
	case current == scope.StateDeleted:
		return s.DeletionSucceeded(ctx, change.ResourceID, Options{})
	default:
		return s.repairDrift(ctx, change.ResourceID, current, change.ErrorMessage)
	}
}

// nearestResourceState maps a backend state onto the resource state
// machine.
func nearestResourceState(state scope.BackendState) (resourcedomain.State, bool) {
	switch state.Normalize() {
	case scope.StateOK:
		return resourcedomain.StateOK, true
	case scope.StateErred:
		return resourcedomain.StateErred, true
	case scope.StateCreating:
		return resourcedomain.StateCreating, true
	case scope.StateUpdating:
		return resourcedomain.StateUpdating, true
	case scope.StateDeleting:
		return resourcedomain.StateTerminating, true
	default:
		return "", false
	}
}

func (s *Service) repairDrift(ctx context.Context, resourceID snowflake.ID, current scope.BackendState, message string) error {
	target, ok := nearestResourceState(current)
	if !ok {
		s.log.Debug("unmapped backend state ignored",
			zap.String("resource_id", resourceID.String()),
			zap.String("backend_state", string(current)),
		)
		return nil
	}

	var event *Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		resource, err := s.resources.FindByIDForUpdate(ctx, tx, resourceID)
		if err != nil {
			return err
		}
		if resource == nil {
			return resourcedomain.ErrResourceNotFound
		}
		if resource.State == target || resource.State == resourcedomain.StateTerminated {
			return nil
		}

		outstanding, err := s.orders.ListOutstandingByResource(ctx, tx, resource.ID)
		if err != nil {
			return err
		}
		if len(outstanding) > 0 {
			s.log.Debug("drift repair deferred to outstanding order",
				zap.String("resource_id", resource.ID.String()),
				zap.String("order_id", outstanding[0].ID.String()),
			)
			return nil
		}
		if !resourcedomain.CanTransition(resource.State, target) {
			s.log.Debug("drift repair not reachable",
				zap.String("resource_id", resource.ID.String()),
				zap.String("from", string(resource.State)),
				zap.String("to", string(target)),
			)
			return nil
		}

		from := resource.State
		now := s.clock.Now()
		if target == resourcedomain.StateErred {
			err = resource.Fail(message, "", now)
		} else {
			err = resource.Transition(target, now)
		}
		if err != nil {
			return err
		}
		if err := s.resources.Update(ctx, tx, resource); err != nil {
			return err
		}

		s.log.Info("resource.state.changed",
			zap.String("callback", CallbackSyncResourceState),
			zap.String("resource_id", resource.ID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(resource.State)),
		)
		event = &Event{Callback: CallbackSyncResourceState, Resource: *resource}
		return nil
	})

	s.record(ctx, CallbackSyncResourceState, event, err)
	if err != nil {
		return err
	}
	if event != nil {
		s.notify(ctx, *event)
	}
	return nil
}

// SyncOrderState resolves an EXECUTING order to DONE, ERRED or CANCELED
// through the callback matching its type.
func (s *Service) SyncOrderState(ctx context.Context, orderID snowflake.ID, state orderdomain.State, opts Options) error {
	order, err := s.orders.FindByID(ctx, s.db, orderID)
	if err != nil {
		return err
	}
	if order == nil {
		return orderdomain.ErrOrderNotFound
	}
	if order.State != orderdomain.StateExecuting || order.ResourceID == nil {
		return orderdomain.ErrInvalidTransition
	}

	opts.Validate = true
	callback, ok := s.orderCallback(order.Type, state)
	if !ok {
		return orderdomain.ErrInvalidTransition
	}
	return callback(ctx, *order.ResourceID, opts)
}

// ResolveOrder is SyncOrderState for callers outside the engine, such as a
// provider finishing an order by hand.
func (s *Service) ResolveOrder(ctx context.Context, orderID snowflake.ID, state orderdomain.State, errorMessage string) error {
	return s.SyncOrderState(ctx, orderID, state, Options{ErrorMessage: errorMessage})
}

type callbackFunc func(ctx context.Context, resourceID snowflake.ID, opts Options) error

func (s *Service) orderCallback(orderType orderdomain.Type, state orderdomain.State) (callbackFunc, bool) {
	table := map[orderdomain.Type]map[orderdomain.State]callbackFunc{
		orderdomain.TypeCreate: {
			orderdomain.StateDone:     s.CreationSucceeded,
			orderdomain.StateErred:    s.CreationFailed,
			orderdomain.StateCanceled: s.CreationCanceled,
		},
		orderdomain.TypeUpdate: {
			orderdomain.StateDone:     s.UpdateSucceeded,
			orderdomain.StateErred:    s.UpdateFailed,
			orderdomain.StateCanceled: s.UpdateCanceled,
		},
		orderdomain.TypeTerminate: {
			orderdomain.StateDone:     s.DeletionSucceeded,
			orderdomain.StateErred:    s.DeletionFailed,
			orderdomain.StateCanceled: s.DeletionCanceled,
		},
	}
	callback, ok := table[orderType][state]
	return callback, ok
}
