// Package domain contains catalog models: offerings, their billable
// components and the plans that price them.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// OfferingState represents lifecycle states for an offering.
type OfferingState string

const (
	OfferingStateDraft    OfferingState = "DRAFT"
	OfferingStateActive   OfferingState = "ACTIVE"
	OfferingStatePaused   OfferingState = "PAUSED"
	OfferingStateArchived OfferingState = "ARCHIVED"
)

// BillingType describes how a component is charged.
type BillingType string

const (
	BillingTypeFixed        BillingType = "fixed"
	BillingTypeUsage        BillingType = "usage"
	BillingTypeOneTime      BillingType = "one"
	BillingTypeOnPlanSwitch BillingType = "few"
	BillingTypeLimit        BillingType = "limit"
)

// LimitPeriod is the window a limit component resets over.
type LimitPeriod string

const (
	LimitPeriodMonth  LimitPeriod = "month"
	LimitPeriodAnnual LimitPeriod = "annual"
	LimitPeriodTotal  LimitPeriod = "total"
)

// PlanUnit is the billing unit of a plan's unit price.
type PlanUnit string

const (
	PlanUnitHour      PlanUnit = "hour"
	PlanUnitDay       PlanUnit = "day"
	PlanUnitHalfMonth PlanUnit = "half_month"
	PlanUnitMonth     PlanUnit = "month"
	PlanUnitQuarter   PlanUnit = "quarter"
	PlanUnitYear      PlanUnit = "year"
)

// Offering is a purchasable service type owned by a provider organization.
type Offering struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	CustomerID snowflake.ID      `gorm:"not null;index"`
	Name       string            `gorm:"type:text;not null"`
	Type       string            `gorm:"type:text;not null;index"`
	State      OfferingState     `gorm:"type:text;not null"`
	Options    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Offering) TableName() string { return "marketplace_offerings" }

// AcceptsCreate reports whether new resources may be ordered.
func (o Offering) AcceptsCreate() bool {
	return o.State == OfferingStateActive
}

// AcceptsUpdate reports whether existing resources may be changed.
func (o Offering) AcceptsUpdate() bool {
	return o.State == OfferingStateActive || o.State == OfferingStatePaused
}

// OfferingComponent is one billable dimension of an offering.
type OfferingComponent struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	OfferingID        snowflake.ID `gorm:"not null;index"`
	Type              string       `gorm:"type:text;not null"`
	Name              string       `gorm:"type:text;not null"`
	MeasuredUnit      string       `gorm:"type:text"`
	BillingType       BillingType  `gorm:"type:text;not null"`
	LimitPeriod       *LimitPeriod `gorm:"type:text"`
	LimitAmount       *int64       `gorm:""`
	MinValue          *int64       `gorm:""`
	MaxValue          *int64       `gorm:""`
	MaxAvailableLimit *int64       `gorm:""`
	IsBoolean         bool         `gorm:"not null;default:false"`
	CreatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OfferingComponent) TableName() string { return "marketplace_offering_components" }

// Plan is a priced bundle of an offering's components.
type Plan struct {
	ID         snowflake.ID    `gorm:"primaryKey"`
	OfferingID snowflake.ID    `gorm:"not null;index"`
	Name       string          `gorm:"type:text;not null"`
	Unit       PlanUnit        `gorm:"type:text;not null"`
	UnitPrice  decimal.Decimal `gorm:"type:numeric(22,7);not null;default:0"`
	MaxAmount  *int            `gorm:""`
	Archived   bool            `gorm:"not null;default:false"`
	BackendID  string          `gorm:"type:text"`
	CreatedAt  time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "marketplace_plans" }

// IsActive reports whether the plan still has room for a resource given
// the number of live resources already on it.
func (p Plan) IsActive(usage int64) bool {
	if p.MaxAmount == nil {
		return true
	}
	return int64(*p.MaxAmount) > usage
}

// PlanComponent prices a component within a plan.
type PlanComponent struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	PlanID      snowflake.ID    `gorm:"not null;index"`
	ComponentID snowflake.ID    `gorm:"not null;index"`
	Amount      int64           `gorm:"not null;default:0"`
	Price       decimal.Decimal `gorm:"type:numeric(22,10);not null;default:0"`
}

// TableName sets the database table name.
func (PlanComponent) TableName() string { return "marketplace_plan_components" }

// PricedComponent is a plan component joined with its offering component.
type PricedComponent struct {
	Type        string
	BillingType BillingType
	Amount      int64
	Price       decimal.Decimal
}

// ComponentByType finds a component by its type key.
func ComponentByType(components []OfferingComponent, componentType string) (OfferingComponent, bool) {
	componentType = strings.TrimSpace(componentType)
	for _, component := range components {
		if component.Type == componentType {
			return component, true
		}
	}
	return OfferingComponent{}, false
}
