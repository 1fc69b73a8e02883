package domain

import (
	"sort"

	"github.com/shopspring/decimal"
	offeringdomain "github.com/smallbiznis/marketplace/internal/offering/domain"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
)

const costPrecision = 10

// CostInput is everything the order cost is derived from.
type CostInput struct {
	Type       Type
	Plan       *offeringdomain.Plan
	Components []offeringdomain.PricedComponent
	Limits     resourcedomain.Limits
	Factors    map[string]int64
}

// InitCost computes the estimated cost of an order. It depends only on its
// input: the plan's recurring estimate, plus one-time prices for CREATE or
// plan-switch prices for UPDATE. TERMINATE orders cost nothing.
func InitCost(in CostInput) decimal.Decimal {
	if in.Plan == nil || in.Type == TypeTerminate {
		return decimal.Zero
	}

	cost := Estimate(*in.Plan, in.Components, in.Limits, in.Factors)
	for _, component := range sortedComponents(in.Components) {
		switch component.BillingType {
		case offeringdomain.BillingTypeOneTime:
			if in.Type == TypeCreate {
				cost = cost.Add(component.Price)
			}
		case offeringdomain.BillingTypeOnPlanSwitch:
			if in.Type == TypeUpdate {
				cost = cost.Add(component.Price)
			}
		}
	}
	return cost.Round(costPrecision)
}

// Estimate returns the recurring price of a plan at the given limits.
func Estimate(plan offeringdomain.Plan, components []offeringdomain.PricedComponent, limits resourcedomain.Limits, factors map[string]int64) decimal.Decimal {
	cost := plan.UnitPrice
	for _, component := range sortedComponents(components) {
		switch component.BillingType {
		case offeringdomain.BillingTypeLimit:
			limit, ok := limits[component.Type]
			if !ok {
				continue
			}
			factor := factors[component.Type]
			if factor <= 0 {
				factor = 1
			}
			cost = cost.Add(component.Price.Mul(decimal.NewFromInt(limit)).Div(decimal.NewFromInt(factor)))
		case offeringdomain.BillingTypeUsage:
			cost = cost.Add(component.Price.Mul(decimal.NewFromInt(component.Amount)))
		}
	}
	return cost.Round(costPrecision)
}

func sortedComponents(components []offeringdomain.PricedComponent) []offeringdomain.PricedComponent {
	sorted := make([]offeringdomain.PricedComponent, len(components))
	copy(sorted, components)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Type != sorted[j].Type {
			return sorted[i].Type < sorted[j].Type
		}
		return sorted[i].BillingType < sorted[j].BillingType
	})
	return sorted
}
