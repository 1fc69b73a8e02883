package service

import (
	"context"

	auditdomain "github.com/smallbiznis/marketplace/internal/audit/domain"
	"github.com/smallbiznis/marketplace/internal/audit/masking"
	"github.com/smallbiznis/marketplace/internal/callbacks"
)

// Hook persists one audit entry per committed resource callback.
type Hook struct {
	svc auditdomain.Service
}

func NewHook(svc *Service) *Hook {
	return &Hook{svc: svc}
}

func (h *Hook) OnResourceCallback(ctx context.Context, event callbacks.Event) {
	metadata := map[string]any{
		"resource_state": string(event.Resource.State),
		"offering_id":    event.Resource.OfferingID.String(),
		"project_id":     event.Resource.ProjectID.String(),
	}
	if event.Resource.PlanID != nil {
		metadata["plan_id"] = event.Resource.PlanID.String()
	}
	if event.Resource.ErrorMessage != "" {
		metadata["error_message"] = event.Resource.ErrorMessage
	}

	entry := auditdomain.Entry{
		Action:     "resource." + event.Callback,
		TargetType: auditdomain.TargetTypeResource,
		TargetID:   event.Resource.ID.String(),
		Metadata:   metadata,
	}
	if order := event.Order; order != nil {
		orderID := order.ID
		entry.OrderID = &orderID
		metadata["order_type"] = string(order.Type)
		metadata["order_state"] = string(order.State)
		if attrs := masking.MaskAttributes(map[string]any(order.Attributes)); len(attrs) > 0 {
			metadata["order_attributes"] = attrs
		}
	}

	// Record logs its own failures; the callback is already committed.
	_ = h.svc.Record(ctx, entry)
}
