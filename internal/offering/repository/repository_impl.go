package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	offeringdomain "github.com/smallbiznis/marketplace/internal/offering/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() offeringdomain.Repository {
	return &repo{}
}

func (r *repo) InsertOffering(ctx context.Context, db *gorm.DB, offering *offeringdomain.Offering) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO marketplace_offerings (
			id, customer_id, name, type, state, options, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		offering.ID,
		offering.CustomerID,
		offering.Name,
		offering.Type,
		offering.State,
		offering.Options,
		offering.CreatedAt,
		offering.UpdatedAt,
	).Error
}

func (r *repo) InsertComponent(ctx context.Context, db *gorm.DB, component *offeringdomain.OfferingComponent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO marketplace_offering_components (
			id, offering_id, type, name, measured_unit, billing_type, limit_period,
			limit_amount, min_value, max_value, max_available_limit, is_boolean, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		component.ID,
		component.OfferingID,
		component.Type,
		component.Name,
		component.MeasuredUnit,
		component.BillingType,
		component.LimitPeriod,
		component.LimitAmount,
		component.MinValue,
		component.MaxValue,
		component.MaxAvailableLimit,
		component.IsBoolean,
		component.CreatedAt,
	).Error
}

func (r *repo) InsertPlan(ctx context.Context, db *gorm.DB, plan *offeringdomain.Plan) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO marketplace_plans (
			id, offering_id, name, unit, unit_price, max_amount, archived, backend_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID,
		plan.OfferingID,
		plan.Name,
		plan.Unit,
		plan.UnitPrice,
		plan.MaxAmount,
		plan.Archived,
		plan.BackendID,
		plan.CreatedAt,
		plan.UpdatedAt,
	).Error
}

func (r *repo) InsertPlanComponent(ctx context.Context, db *gorm.DB, component *offeringdomain.PlanComponent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO marketplace_plan_components (id, plan_id, component_id, amount, price)
		 VALUES (?, ?, ?, ?, ?)`,
		component.ID,
		component.PlanID,
		component.ComponentID,
		component.Amount,
		component.Price,
	).Error
}

func (r *repo) FindOfferingByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*offeringdomain.Offering, error) {
	var offering offeringdomain.Offering
	err := db.WithContext(ctx).Raw(
		`SELECT id, customer_id, name, type, state, options, created_at, updated_at
		 FROM marketplace_offerings WHERE id = ?`,
		id,
	).Scan(&offering).Error
	if err != nil {
		return nil, err
	}
	if offering.ID == 0 {
		return nil, nil
	}
	return &offering, nil
}

func (r *repo) FindFirstOfferingByType(ctx context.Context, db *gorm.DB, offeringType string, states []offeringdomain.OfferingState) (*offeringdomain.Offering, error) {
	var offering offeringdomain.Offering
	err := db.WithContext(ctx).Raw(
		`SELECT id, customer_id, name, type, state, options, created_at, updated_at
		 FROM marketplace_offerings
		 WHERE type = ? AND state IN ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`,
		offeringType,
		states,
	).Scan(&offering).Error
	if err != nil {
		return nil, err
	}
	if offering.ID == 0 {
		return nil, nil
	}
	return &offering, nil
}

func (r *repo) FindPlanByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*offeringdomain.Plan, error) {
	var plan offeringdomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, offering_id, name, unit, unit_price, max_amount, archived, backend_id, created_at, updated_at
		 FROM marketplace_plans WHERE id = ?`,
		id,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) ListComponents(ctx context.Context, db *gorm.DB, offeringID snowflake.ID) ([]offeringdomain.OfferingComponent, error) {
	var components []offeringdomain.OfferingComponent
	err := db.WithContext(ctx).Raw(
		`SELECT id, offering_id, type, name, measured_unit, billing_type, limit_period,
		 limit_amount, min_value, max_value, max_available_limit, is_boolean, created_at
		 FROM marketplace_offering_components
		 WHERE offering_id = ?
		 ORDER BY type ASC`,
		offeringID,
	).Scan(&components).Error
	if err != nil {
		return nil, err
	}
	return components, nil
}

type pricedComponentRow struct {
	Type        string
	BillingType string
	Amount      int64
	Price       decimal.Decimal
}

func (r *repo) ListPricedComponents(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]offeringdomain.PricedComponent, error) {
	var rows []pricedComponentRow
	err := db.WithContext(ctx).Raw(
		`SELECT oc.type AS type, oc.billing_type AS billing_type, pc.amount AS amount, pc.price AS price
		 FROM marketplace_plan_components pc
		 JOIN marketplace_offering_components oc ON oc.id = pc.component_id
		 WHERE pc.plan_id = ?
		 ORDER BY oc.type ASC`,
		planID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	components := make([]offeringdomain.PricedComponent, 0, len(rows))
	for _, row := range rows {
		components = append(components, offeringdomain.PricedComponent{
			Type:        row.Type,
			BillingType: offeringdomain.BillingType(row.BillingType),
			Amount:      row.Amount,
			Price:       row.Price,
		})
	}
	return components, nil
}
