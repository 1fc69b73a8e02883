// Package plugin holds the process-wide table mapping an offering type to
// the processors that turn its orders into backend calls.
package plugin

import (
	"context"

	offeringdomain "github.com/smallbiznis/marketplace/internal/offering/domain"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
)

// Request is what a processor receives for one order.
type Request struct {
	Order    *orderdomain.Order
	Offering *offeringdomain.Offering
	User     string
}

// Result reports how far a processor got. Completed means the backend
// finished synchronously and the success callback can run right away.
type Result struct {
	Completed bool
}

// Processor translates orders of one type into backend operations.
type Processor interface {
	ValidateOrder(ctx context.Context, req Request) error
	ProcessOrder(ctx context.Context, req Request) (Result, error)
}

// ComponentInfo is static metadata about a billable component a plugin
// understands.
type ComponentInfo struct {
	Type         string
	Name         string
	MeasuredUnit string
	BillingType  offeringdomain.BillingType
	// Factor divides the user-facing limit into the priced unit, e.g. 1024
	// when the limit is in MiB and the price is per GiB.
	Factor int64
}

// ProcessorSet is everything registered for an offering type.
type ProcessorSet struct {
	Create                 Processor
	Update                 Processor
	Delete                 Processor
	Components             []ComponentInfo
	CanUpdateLimits        bool
	ScopeKind              string
	ProviderReviewRequired bool
}

// Processor returns the processor for an order type, nil when unsupported.
func (s ProcessorSet) Processor(orderType orderdomain.Type) Processor {
	switch orderType {
	case orderdomain.TypeCreate:
		return s.Create
	case orderdomain.TypeUpdate:
		return s.Update
	case orderdomain.TypeTerminate:
		return s.Delete
	default:
		return nil
	}
}

// ComponentFactors maps component type to its factor, skipping unset ones.
func (s ProcessorSet) ComponentFactors() map[string]int64 {
	factors := make(map[string]int64, len(s.Components))
	for _, component := range s.Components {
		if component.Factor > 0 {
			factors[component.Type] = component.Factor
		}
	}
	return factors
}

// Registration is contributed by backend modules through the
// "plugin_registrations" fx group.
type Registration struct {
	OfferingType string
	Set          ProcessorSet
}
