package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, resource *Resource) error
	Update(ctx context.Context, db *gorm.DB, resource *Resource) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Resource, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Resource, error)
	FindByScope(ctx context.Context, db *gorm.DB, ref BackendRef) (*Resource, error)
	ListWithScope(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]Resource, error)
	ListScopeIDs(ctx context.Context, db *gorm.DB, kind string) ([]string, error)
	CountLiveByPlan(ctx context.Context, db *gorm.DB, planID snowflake.ID) (int64, error)
	CountByOfferingTypeAndState(ctx context.Context, db *gorm.DB, offeringType string, state State) (int64, error)

	InsertPlanPeriod(ctx context.Context, db *gorm.DB, period *ResourcePlanPeriod) error
	FindOpenPlanPeriod(ctx context.Context, db *gorm.DB, resourceID snowflake.ID) (*ResourcePlanPeriod, error)
	ClosePlanPeriods(ctx context.Context, db *gorm.DB, resourceID snowflake.ID, at time.Time) error
	ListPlanPeriods(ctx context.Context, db *gorm.DB, resourceID snowflake.ID) ([]ResourcePlanPeriod, error)

	InsertUsage(ctx context.Context, db *gorm.DB, usage *ComponentUsage) error
}
