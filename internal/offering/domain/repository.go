package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrOfferingNotFound = errors.New("offering_not_found")
	ErrPlanNotFound     = errors.New("plan_not_found")
)

type Repository interface {
	InsertOffering(ctx context.Context, db *gorm.DB, offering *Offering) error
	InsertComponent(ctx context.Context, db *gorm.DB, component *OfferingComponent) error
	InsertPlan(ctx context.Context, db *gorm.DB, plan *Plan) error
	InsertPlanComponent(ctx context.Context, db *gorm.DB, component *PlanComponent) error
	FindOfferingByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Offering, error)
	FindFirstOfferingByType(ctx context.Context, db *gorm.DB, offeringType string, states []OfferingState) (*Offering, error)
	FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	ListComponents(ctx context.Context, db *gorm.DB, offeringID snowflake.ID) ([]OfferingComponent, error)
	ListPricedComponents(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]PricedComponent, error)
}
