package events

import (
	"context"
	"errors"

	"github.com/smallbiznis/marketplace/internal/callbacks"
	obsmetrics "github.com/smallbiznis/marketplace/internal/observability/metrics"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	resultApplied = "applied"
	resultDropped = "dropped"
	resultRetry   = "retry"
)

type DispatcherParams struct {
	fx.In

	Log       *zap.Logger
	Callbacks *callbacks.Service
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

// Dispatcher is the one consumer of backend state events.
type Dispatcher struct {
	log       *zap.Logger
	callbacks *callbacks.Service
	metrics   *obsmetrics.Metrics
	transport string
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	return &Dispatcher{
		log:       p.Log.Named("events.dispatcher"),
		callbacks: p.Callbacks,
		metrics:   p.Metrics,
	}
}

// Handle applies one event. Errors that redelivery cannot fix are logged
// and swallowed so the entry gets acknowledged.
func (d *Dispatcher) Handle(ctx context.Context, event ResourceBackendStateChanged) error {
	err := d.callbacks.SyncResourceState(ctx, event.stateChange())
	switch {
	case err == nil:
		d.metrics.RecordBackendEvent(ctx, d.transport, resultApplied)
		return nil
	case permanent(err):
		d.metrics.RecordBackendEvent(ctx, d.transport, resultDropped)
		d.log.Warn("events.dispatch.dropped",
			zap.String("event_id", event.ID),
			zap.String("resource_id", event.ResourceID.String()),
			zap.String("previous", string(event.PreviousBackendState)),
			zap.String("current", string(event.NewBackendState)),
			zap.Error(err),
		)
		return nil
	default:
		d.metrics.RecordBackendEvent(ctx, d.transport, resultRetry)
		return err
	}
}

func permanent(err error) bool {
	return errors.Is(err, resourcedomain.ErrResourceNotFound) ||
		errors.Is(err, resourcedomain.ErrInvalidTransition) ||
		errors.Is(err, orderdomain.ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidEvent)
}
