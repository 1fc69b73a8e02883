package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, order *Order) error
	Update(ctx context.Context, db *gorm.DB, order *Order) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	ListByResource(ctx context.Context, db *gorm.DB, resourceID snowflake.ID) ([]Order, error)
	ListOutstandingByResource(ctx context.Context, db *gorm.DB, resourceID snowflake.ID) ([]Order, error)
	ListExecutingByResource(ctx context.Context, db *gorm.DB, resourceID snowflake.ID, orderType Type) ([]Order, error)

	// ListDispatchable locks EXECUTING orders no worker has claimed yet,
	// leaving out the ids in skip.
	ListDispatchable(ctx context.Context, db *gorm.DB, limit int, skip []snowflake.ID) ([]Order, error)
	// MarkDispatched claims an order; false means another worker won.
	MarkDispatched(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	// ListStale locks EXECUTING orders of the given types not modified since
	// before.
	ListStale(ctx context.Context, db *gorm.DB, types []Type, before time.Time, limit int) ([]Order, error)
}
