package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	"gorm.io/gorm"
)

const orderColumns = `id, type, state, resource_id, offering_id, plan_id, old_plan_id, project_id, limits,
	 attributes, cost, created_by, consumer_reviewed_by, consumer_reviewed_at, provider_reviewed_by,
	 provider_reviewed_at, error_message, error_traceback, termination_comment, activated_at,
	 dispatched_at, created_at, updated_at`

type repo struct{}

func Provide() orderdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, order *orderdomain.Order) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO marketplace_orders (
			id, type, state, resource_id, offering_id, plan_id, old_plan_id, project_id, limits,
			attributes, cost, created_by, consumer_reviewed_by, consumer_reviewed_at, provider_reviewed_by,
			provider_reviewed_at, error_message, error_traceback, termination_comment, activated_at,
			dispatched_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.Type,
		order.State,
		order.ResourceID,
		order.OfferingID,
		order.PlanID,
		order.OldPlanID,
		order.ProjectID,
		order.Limits,
		order.Attributes,
		order.Cost,
		order.CreatedBy,
		order.ConsumerReviewedBy,
		order.ConsumerReviewedAt,
		order.ProviderReviewedBy,
		order.ProviderReviewedAt,
		order.ErrorMessage,
		order.ErrorTraceback,
		order.TerminationComment,
		order.ActivatedAt,
		order.DispatchedAt,
		order.CreatedAt,
		order.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, order *orderdomain.Order) error {
	return db.WithContext(ctx).Exec(
		`UPDATE marketplace_orders
		 SET state = ?, resource_id = ?, consumer_reviewed_by = ?, consumer_reviewed_at = ?,
		     provider_reviewed_by = ?, provider_reviewed_at = ?, error_message = ?, error_traceback = ?,
		     termination_comment = ?, activated_at = ?, dispatched_at = ?, updated_at = ?
		 WHERE id = ?`,
		order.State,
		order.ResourceID,
		order.ConsumerReviewedBy,
		order.ConsumerReviewedAt,
		order.ProviderReviewedBy,
		order.ProviderReviewedAt,
		order.ErrorMessage,
		order.ErrorTraceback,
		order.TerminationComment,
		order.ActivatedAt,
		order.DispatchedAt,
		order.UpdatedAt,
		order.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*orderdomain.Order, error) {
	var order orderdomain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM marketplace_orders WHERE id = ?`,
		id,
	).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, nil
	}
	return &order, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*orderdomain.Order, error) {
	var order orderdomain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM marketplace_orders WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, nil
	}
	return &order, nil
}

func (r *repo) ListByResource(ctx context.Context, db *gorm.DB, resourceID snowflake.ID) ([]orderdomain.Order, error) {
	var orders []orderdomain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM marketplace_orders
		 WHERE resource_id = ?
		 ORDER BY created_at ASC, id ASC`,
		resourceID,
	).Scan(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repo) ListOutstandingByResource(ctx context.Context, db *gorm.DB, resourceID snowflake.ID) ([]orderdomain.Order, error) {
	var orders []orderdomain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM marketplace_orders
		 WHERE resource_id = ? AND state IN ?
		 ORDER BY created_at ASC, id ASC`,
		resourceID,
		orderdomain.OutstandingStates,
	).Scan(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repo) ListExecutingByResource(ctx context.Context, db *gorm.DB, resourceID snowflake.ID, orderType orderdomain.Type) ([]orderdomain.Order, error) {
	var orders []orderdomain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM marketplace_orders
		 WHERE resource_id = ? AND type = ? AND state = ?
		 ORDER BY created_at ASC, id ASC
		 FOR UPDATE`,
		resourceID,
		orderType,
		orderdomain.StateExecuting,
	).Scan(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repo) ListDispatchable(ctx context.Context, db *gorm.DB, limit int, skip []snowflake.ID) ([]orderdomain.Order, error) {
	query := `SELECT ` + orderColumns + `
		 FROM marketplace_orders
		 WHERE state = ? AND dispatched_at IS NULL`
	args := []any{orderdomain.StateExecuting}
	if len(skip) > 0 {
		query += ` AND id NOT IN ?`
		args = append(args, skip)
	}
	query += `
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`
	args = append(args, limit)

	var orders []orderdomain.Order
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repo) MarkDispatched(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE marketplace_orders
		 SET dispatched_at = ?
		 WHERE id = ? AND state = ? AND dispatched_at IS NULL`,
		at,
		id,
		orderdomain.StateExecuting,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, types []orderdomain.Type, before time.Time, limit int) ([]orderdomain.Order, error) {
	var orders []orderdomain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+`
		 FROM marketplace_orders
		 WHERE state = ? AND type IN ? AND updated_at < ?
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED`,
		orderdomain.StateExecuting,
		types,
		before,
		limit,
	).Scan(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}
