package processing

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketplace/internal/callbacks"
	"github.com/smallbiznis/marketplace/internal/clock"
	obsmetrics "github.com/smallbiznis/marketplace/internal/observability/metrics"
	"github.com/smallbiznis/marketplace/internal/observability/tracing"
	offeringdomain "github.com/smallbiznis/marketplace/internal/offering/domain"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	"github.com/smallbiznis/marketplace/internal/plugin"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Outcome is how a processing attempt ended.
type Outcome string

const (
	OutcomeInFlight         Outcome = obsmetrics.OutcomeInFlight
	OutcomeCompleted        Outcome = obsmetrics.OutcomeCompleted
	OutcomeValidationFailed Outcome = obsmetrics.OutcomeValidationFailed
	OutcomeFailed           Outcome = obsmetrics.OutcomeFailed
)

var ErrOrderNotExecuting = errors.New("order_not_executing")

type EngineParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Registry  *plugin.Registry
	Callbacks *callbacks.Service
	Offerings offeringdomain.Repository
	Orders    orderdomain.Repository
	Resources resourcedomain.Repository
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

// Engine runs EXECUTING orders through their processor. Processor failures
// are persisted on the order and never returned; a returned error means
// the engine itself could not do its job.
type Engine struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	registry  *plugin.Registry
	callbacks *callbacks.Service
	offerings offeringdomain.Repository
	orders    orderdomain.Repository
	resources resourcedomain.Repository
	metrics   *obsmetrics.Metrics
	tracer    trace.Tracer
}

func NewEngine(p EngineParams) *Engine {
	return &Engine{
		db:        p.DB,
		log:       p.Log.Named("processing.engine"),
		clock:     p.Clock,
		registry:  p.Registry,
		callbacks: p.Callbacks,
		offerings: p.Offerings,
		orders:    p.Orders,
		resources: p.Resources,
		metrics:   p.Metrics,
		tracer:    otel.Tracer("marketplace/processing"),
	}
}

func (e *Engine) ProcessOrder(ctx context.Context, orderID snowflake.ID, user string) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "processing.ProcessOrder",
		trace.WithAttributes(attribute.String("order.id", orderID.String())),
	)
	defer span.End()

	started := time.Now()
	order, err := e.orders.FindByID(ctx, e.db, orderID)
	if err != nil {
		return "", e.spanError(span, err)
	}
	if order == nil {
		return "", e.spanError(span, orderdomain.ErrOrderNotFound)
	}
	if order.State != orderdomain.StateExecuting {
		return "", e.spanError(span, fmt.Errorf("%w: %s", ErrOrderNotExecuting, order.State))
	}
	offering, err := e.offerings.FindOfferingByID(ctx, e.db, order.OfferingID)
	if err != nil {
		return "", e.spanError(span, err)
	}
	if offering == nil {
		return "", e.spanError(span, offeringdomain.ErrOfferingNotFound)
	}

	span.SetAttributes(
		attribute.String("order.type", string(order.Type)),
		attribute.String("offering.type", offering.Type),
	)
	log := e.log.With(
		zap.String("order_id", order.ID.String()),
		zap.String("order_type", string(order.Type)),
		zap.String("offering_type", offering.Type),
	)

	outcome, err := e.process(ctx, log, order, offering, user)
	if err != nil {
		return "", e.spanError(span, err)
	}

	span.SetAttributes(attribute.String("outcome", string(outcome)))
	obsmetrics.Orders().IncProcessed(offering.Type, string(order.Type), string(outcome))
	e.metrics.RecordOrderProcessed(ctx, offering.Type, string(order.Type), string(outcome), time.Since(started))
	return outcome, nil
}

func (e *Engine) process(ctx context.Context, log *zap.Logger, order *orderdomain.Order, offering *offeringdomain.Offering, user string) (Outcome, error) {
	processor, err := e.registry.Processor(offering.Type, order.Type)
	if err != nil {
		if err := e.fail(ctx, order.ID, &ValidationError{Err: err}, false); err != nil {
			return "", err
		}
		log.Warn("order.processing.unsupported", zap.Error(err))
		return OutcomeValidationFailed, nil
	}

	req := plugin.Request{Order: order, Offering: offering, User: user}
	if err := e.call(func() error { return processor.ValidateOrder(ctx, req) }); err != nil {
		if !IsValidationError(err) && isContextError(ctx) {
			return "", err
		}
		if err := e.fail(ctx, order.ID, err, false); err != nil {
			return "", err
		}
		log.Info("order.validation.failed", zap.String("error_message", err.Error()))
		return OutcomeValidationFailed, nil
	}

	var result plugin.Result
	err = e.call(func() error {
		var callErr error
		result, callErr = processor.ProcessOrder(ctx, req)
		return callErr
	})
	if err != nil {
		if err := e.fail(ctx, order.ID, err, true); err != nil {
			return "", err
		}
		log.Warn("order.processing.failed", zap.String("error_message", err.Error()))
		return OutcomeFailed, nil
	}

	if !result.Completed {
		log.Info("order.processing.dispatched")
		return OutcomeInFlight, nil
	}

	if order.ResourceID == nil {
		return "", resourcedomain.ErrResourceNotFound
	}
	if err := e.callbacks.Succeeded(ctx, order.Type, *order.ResourceID); err != nil {
		return "", err
	}
	log.Info("order.processing.completed")
	return OutcomeCompleted, nil
}

// call runs a processor method, turning a panic into an error.
func (e *Engine) call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return fn()
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("processor panic: %v", e.value) }

// fail persists a failed attempt. The order goes to ERRED and, when the
// failure came from the backend call, so does its resource, in the same
// transaction.
func (e *Engine) fail(ctx context.Context, orderID snowflake.ID, cause error, failResource bool) error {
	message := cause.Error()
	tb := traceback(cause)
	var pe *panicError
	if errors.As(cause, &pe) {
		tb = tb + "\n" + pe.stack
	}

	// The attempt already happened; record it even if the caller gave up.
	ctx = context.WithoutCancel(ctx)
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := e.orders.FindByIDForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return orderdomain.ErrOrderNotFound
		}
		if order.State != orderdomain.StateExecuting {
			e.log.Warn("order resolved before failure was recorded",
				zap.String("order_id", order.ID.String()),
				zap.String("state", string(order.State)),
			)
			return nil
		}

		now := e.clock.Now()
		if err := order.Fail(message, tb, now); err != nil {
			return err
		}
		if err := e.orders.Update(ctx, tx, order); err != nil {
			return err
		}

		if !failResource || order.ResourceID == nil {
			return nil
		}
		resource, err := e.resources.FindByIDForUpdate(ctx, tx, *order.ResourceID)
		if err != nil {
			return err
		}
		if resource == nil || resource.State == resourcedomain.StateTerminated {
			return nil
		}
		if err := resource.Fail(message, tb, now); err != nil {
			return err
		}
		return e.resources.Update(ctx, tx, resource)
	})
}

func (e *Engine) spanError(span trace.Span, err error) error {
	span.RecordError(tracing.SafeError(err))
	span.SetStatus(codes.Error, "process order failed")
	return err
}

func isContextError(ctx context.Context) bool {
	return ctx.Err() != nil
}
