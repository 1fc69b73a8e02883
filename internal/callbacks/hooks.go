package callbacks

import (
	"context"

	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"go.uber.org/zap"
)

// Event is passed to hooks after a callback committed a change.
type Event struct {
	Callback string
	Resource resourcedomain.Resource
	// Order is the order the callback resolved, nil for drift repairs.
	Order *orderdomain.Order
}

// Hook receives every committed callback. Notification and invoicing
// integrations plug in here through the "resource_hooks" fx group.
type Hook interface {
	OnResourceCallback(ctx context.Context, event Event)
}

func (s *Service) notify(ctx context.Context, event Event) {
	for _, hook := range s.hooks {
		hook.OnResourceCallback(ctx, event)
	}
}

// LogHook writes an audit line per callback.
type LogHook struct {
	log *zap.Logger
}

func NewLogHook(log *zap.Logger) *LogHook {
	return &LogHook{log: log.Named("callbacks.audit")}
}

func (h *LogHook) OnResourceCallback(ctx context.Context, event Event) {
	fields := []zap.Field{
		zap.String("callback", event.Callback),
		zap.String("resource_id", event.Resource.ID.String()),
		zap.String("resource_state", string(event.Resource.State)),
	}
	if event.Order != nil {
		fields = append(fields,
			zap.String("order_id", event.Order.ID.String()),
			zap.String("order_state", string(event.Order.State)),
		)
	}
	h.log.Info("resource.callback.applied", fields...)
}
