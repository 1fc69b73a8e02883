package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"gorm.io/gorm"
)

const resourceColumns = `id, name, offering_id, plan_id, project_id, parent_id, state, scope_kind, scope_id,
	 backend_id, limits, attributes, backend_metadata, current_usages, cost, error_message,
	 error_traceback, end_date, created_at, updated_at`

type repo struct{}

func Provide() resourcedomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, resource *resourcedomain.Resource) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO marketplace_resources (
			id, name, offering_id, plan_id, project_id, parent_id, state, scope_kind, scope_id,
			backend_id, limits, attributes, backend_metadata, current_usages, cost, error_message,
			error_traceback, end_date, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		resource.ID,
		resource.Name,
		resource.OfferingID,
		resource.PlanID,
		resource.ProjectID,
		resource.ParentID,
		resource.State,
		resource.Scope.Kind,
		resource.Scope.ID,
		resource.BackendID,
		resource.Limits,
		resource.Attributes,
		resource.BackendMetadata,
		resource.CurrentUsages,
		resource.Cost,
		resource.ErrorMessage,
		resource.ErrorTraceback,
		resource.EndDate,
		resource.CreatedAt,
		resource.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, resource *resourcedomain.Resource) error {
	return db.WithContext(ctx).Exec(
		`UPDATE marketplace_resources
		 SET name = ?, plan_id = ?, state = ?, scope_kind = ?, scope_id = ?, backend_id = ?,
		     limits = ?, attributes = ?, backend_metadata = ?, current_usages = ?, cost = ?,
		     error_message = ?, error_traceback = ?, end_date = ?, updated_at = ?
		 WHERE id = ?`,
		resource.Name,
		resource.PlanID,
		resource.State,
		resource.Scope.Kind,
		resource.Scope.ID,
		resource.BackendID,
		resource.Limits,
		resource.Attributes,
		resource.BackendMetadata,
		resource.CurrentUsages,
		resource.Cost,
		resource.ErrorMessage,
		resource.ErrorTraceback,
		resource.EndDate,
		resource.UpdatedAt,
		resource.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*resourcedomain.Resource, error) {
	var resource resourcedomain.Resource
	err := db.WithContext(ctx).Raw(
		`SELECT `+resourceColumns+`
		 FROM marketplace_resources WHERE id = ?`,
		id,
	).Scan(&resource).Error
	if err != nil {
		return nil, err
	}
	if resource.ID == 0 {
		return nil, nil
	}
	return &resource, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*resourcedomain.Resource, error) {
	var resource resourcedomain.Resource
	err := db.WithContext(ctx).Raw(
		`SELECT `+resourceColumns+`
		 FROM marketplace_resources WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&resource).Error
	if err != nil {
		return nil, err
	}
	if resource.ID == 0 {
		return nil, nil
	}
	return &resource, nil
}

func (r *repo) FindByScope(ctx context.Context, db *gorm.DB, ref resourcedomain.BackendRef) (*resourcedomain.Resource, error) {
	if ref.IsZero() {
		return nil, nil
	}
	var resource resourcedomain.Resource
	err := db.WithContext(ctx).Raw(
		`SELECT `+resourceColumns+`
		 FROM marketplace_resources
		 WHERE scope_kind = ? AND scope_id = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		ref.Kind,
		ref.ID,
	).Scan(&resource).Error
	if err != nil {
		return nil, err
	}
	if resource.ID == 0 {
		return nil, nil
	}
	return &resource, nil
}

func (r *repo) ListWithScope(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]resourcedomain.Resource, error) {
	var resources []resourcedomain.Resource
	err := db.WithContext(ctx).Raw(
		`SELECT `+resourceColumns+`
		 FROM marketplace_resources
		 WHERE id > ? AND state <> ? AND scope_kind <> '' AND scope_id <> ''
		 ORDER BY id ASC
		 LIMIT ?`,
		afterID,
		resourcedomain.StateTerminated,
		limit,
	).Scan(&resources).Error
	if err != nil {
		return nil, err
	}
	return resources, nil
}

func (r *repo) ListScopeIDs(ctx context.Context, db *gorm.DB, kind string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Raw(
		`SELECT scope_id FROM marketplace_resources WHERE scope_kind = ? AND scope_id <> ''`,
		kind,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) CountLiveByPlan(ctx context.Context, db *gorm.DB, planID snowflake.ID) (int64, error) {
	var count int64
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM marketplace_resources WHERE plan_id = ? AND state <> ?`,
		planID,
		resourcedomain.StateTerminated,
	).Scan(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repo) CountByOfferingTypeAndState(ctx context.Context, db *gorm.DB, offeringType string, state resourcedomain.State) (int64, error) {
	var count int64
	if err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM marketplace_resources r
		 JOIN marketplace_offerings o ON o.id = r.offering_id
		 WHERE o.type = ? AND r.state = ?`,
		offeringType,
		state,
	).Scan(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repo) InsertPlanPeriod(ctx context.Context, db *gorm.DB, period *resourcedomain.ResourcePlanPeriod) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO marketplace_resource_plan_periods (id, resource_id, plan_id, start_at, end_at)
		 VALUES (?, ?, ?, ?, ?)`,
		period.ID,
		period.ResourceID,
		period.PlanID,
		period.StartAt,
		period.EndAt,
	).Error
}

func (r *repo) FindOpenPlanPeriod(ctx context.Context, db *gorm.DB, resourceID snowflake.ID) (*resourcedomain.ResourcePlanPeriod, error) {
	var period resourcedomain.ResourcePlanPeriod
	err := db.WithContext(ctx).Raw(
		`SELECT id, resource_id, plan_id, start_at, end_at
		 FROM marketplace_resource_plan_periods
		 WHERE resource_id = ? AND end_at IS NULL
		 ORDER BY start_at DESC
		 LIMIT 1`,
		resourceID,
	).Scan(&period).Error
	if err != nil {
		return nil, err
	}
	if period.ID == 0 {
		return nil, nil
	}
	return &period, nil
}

func (r *repo) ClosePlanPeriods(ctx context.Context, db *gorm.DB, resourceID snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE marketplace_resource_plan_periods SET end_at = ? WHERE resource_id = ? AND end_at IS NULL`,
		at,
		resourceID,
	).Error
}

func (r *repo) ListPlanPeriods(ctx context.Context, db *gorm.DB, resourceID snowflake.ID) ([]resourcedomain.ResourcePlanPeriod, error) {
	var periods []resourcedomain.ResourcePlanPeriod
	err := db.WithContext(ctx).Raw(
		`SELECT id, resource_id, plan_id, start_at, end_at
		 FROM marketplace_resource_plan_periods
		 WHERE resource_id = ?
		 ORDER BY start_at ASC, id ASC`,
		resourceID,
	).Scan(&periods).Error
	if err != nil {
		return nil, err
	}
	return periods, nil
}

func (r *repo) InsertUsage(ctx context.Context, db *gorm.DB, usage *resourcedomain.ComponentUsage) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO marketplace_component_usages (
			id, resource_id, component_id, component_type, usage, date, billing_period, description, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		usage.ID,
		usage.ResourceID,
		usage.ComponentID,
		usage.ComponentType,
		usage.Usage,
		usage.Date,
		usage.BillingPeriod,
		usage.Description,
		usage.CreatedAt,
	).Error
}
