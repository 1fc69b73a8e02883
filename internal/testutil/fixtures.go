package testutil

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	offeringdomain "github.com/smallbiznis/marketplace/internal/offering/domain"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Epoch is the fixed instant fixtures and fake clocks start from.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Fixtures inserts catalog and inventory rows directly through gorm.
type Fixtures struct {
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewFixtures(t *testing.T, db *gorm.DB) *Fixtures {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("failed to create snowflake node: %v", err)
	}
	return &Fixtures{DB: db, Node: node}
}

func (f *Fixtures) create(t *testing.T, value any) {
	t.Helper()
	if err := f.DB.Create(value).Error; err != nil {
		t.Fatalf("failed to insert %T: %v", value, err)
	}
}

func (f *Fixtures) Offering(t *testing.T, offeringType string, mutate ...func(*offeringdomain.Offering)) offeringdomain.Offering {
	t.Helper()
	offering := offeringdomain.Offering{
		ID:         f.Node.Generate(),
		CustomerID: f.Node.Generate(),
		Name:       offeringType + " offering",
		Type:       offeringType,
		State:      offeringdomain.OfferingStateActive,
		Options:    datatypes.JSONMap{},
		CreatedAt:  Epoch,
		UpdatedAt:  Epoch,
	}
	for _, fn := range mutate {
		fn(&offering)
	}
	f.create(t, &offering)
	return offering
}

func (f *Fixtures) Component(t *testing.T, offeringID snowflake.ID, componentType string, billingType offeringdomain.BillingType, mutate ...func(*offeringdomain.OfferingComponent)) offeringdomain.OfferingComponent {
	t.Helper()
	component := offeringdomain.OfferingComponent{
		ID:           f.Node.Generate(),
		OfferingID:   offeringID,
		Type:         componentType,
		Name:         componentType,
		MeasuredUnit: "unit",
		BillingType:  billingType,
		CreatedAt:    Epoch,
	}
	for _, fn := range mutate {
		fn(&component)
	}
	f.create(t, &component)
	return component
}

func (f *Fixtures) Plan(t *testing.T, offeringID snowflake.ID, unitPrice string, mutate ...func(*offeringdomain.Plan)) offeringdomain.Plan {
	t.Helper()
	plan := offeringdomain.Plan{
		ID:         f.Node.Generate(),
		OfferingID: offeringID,
		Name:       "plan",
		Unit:       offeringdomain.PlanUnitMonth,
		UnitPrice:  decimal.RequireFromString(unitPrice),
		CreatedAt:  Epoch,
		UpdatedAt:  Epoch,
	}
	for _, fn := range mutate {
		fn(&plan)
	}
	f.create(t, &plan)
	return plan
}

func (f *Fixtures) PlanComponent(t *testing.T, planID, componentID snowflake.ID, amount int64, price string) offeringdomain.PlanComponent {
	t.Helper()
	component := offeringdomain.PlanComponent{
		ID:          f.Node.Generate(),
		PlanID:      planID,
		ComponentID: componentID,
		Amount:      amount,
		Price:       decimal.RequireFromString(price),
	}
	f.create(t, &component)
	return component
}

func (f *Fixtures) Resource(t *testing.T, offering offeringdomain.Offering, state resourcedomain.State, mutate ...func(*resourcedomain.Resource)) resourcedomain.Resource {
	t.Helper()
	resource := resourcedomain.Resource{
		ID:              f.Node.Generate(),
		Name:            "resource",
		OfferingID:      offering.ID,
		ProjectID:       f.Node.Generate(),
		State:           state,
		Attributes:      datatypes.JSONMap{},
		BackendMetadata: datatypes.JSONMap{},
		CurrentUsages:   datatypes.JSONMap{},
		Cost:            decimal.Zero,
		CreatedAt:       Epoch,
		UpdatedAt:       Epoch,
	}
	resource.SetLimits(nil)
	for _, fn := range mutate {
		fn(&resource)
	}
	f.create(t, &resource)
	return resource
}

func (f *Fixtures) Order(t *testing.T, orderType orderdomain.Type, state orderdomain.State, resource resourcedomain.Resource, mutate ...func(*orderdomain.Order)) orderdomain.Order {
	t.Helper()
	resourceID := resource.ID
	order := orderdomain.Order{
		ID:         f.Node.Generate(),
		Type:       orderType,
		State:      state,
		ResourceID: &resourceID,
		OfferingID: resource.OfferingID,
		PlanID:     resource.PlanID,
		ProjectID:  resource.ProjectID,
		Attributes: datatypes.JSONMap{},
		Cost:       decimal.Zero,
		CreatedBy:  "alice",
		CreatedAt:  Epoch,
		UpdatedAt:  Epoch,
	}
	order.SetLimits(nil)
	for _, fn := range mutate {
		fn(&order)
	}
	f.create(t, &order)
	return order
}

// ReloadResource reads a resource back by primary key.
func (f *Fixtures) ReloadResource(t *testing.T, id snowflake.ID) resourcedomain.Resource {
	t.Helper()
	var resource resourcedomain.Resource
	if err := f.DB.First(&resource, "id = ?", id).Error; err != nil {
		t.Fatalf("failed to load resource %s: %v", id, err)
	}
	return resource
}

// ReloadOrder reads an order back by primary key.
func (f *Fixtures) ReloadOrder(t *testing.T, id snowflake.ID) orderdomain.Order {
	t.Helper()
	var order orderdomain.Order
	if err := f.DB.First(&order, "id = ?", id).Error; err != nil {
		t.Fatalf("failed to load order %s: %v", id, err)
	}
	return order
}

// CreateOrder inserts a CREATE order that has not materialized a resource.
func (f *Fixtures) CreateOrder(t *testing.T, offering offeringdomain.Offering, state orderdomain.State, mutate ...func(*orderdomain.Order)) orderdomain.Order {
	t.Helper()
	order := orderdomain.Order{
		ID:         f.Node.Generate(),
		Type:       orderdomain.TypeCreate,
		State:      state,
		OfferingID: offering.ID,
		ProjectID:  f.Node.Generate(),
		Attributes: datatypes.JSONMap{"name": "vm-1"},
		Cost:       decimal.Zero,
		CreatedBy:  "alice",
		CreatedAt:  Epoch,
		UpdatedAt:  Epoch,
	}
	order.SetLimits(nil)
	for _, fn := range mutate {
		fn(&order)
	}
	f.create(t, &order)
	return order
}

// PlanPeriods lists a resource's plan periods oldest first.
func (f *Fixtures) PlanPeriods(t *testing.T, resourceID snowflake.ID) []resourcedomain.ResourcePlanPeriod {
	t.Helper()
	var periods []resourcedomain.ResourcePlanPeriod
	if err := f.DB.Where("resource_id = ?", resourceID).Order("start_at ASC, id ASC").Find(&periods).Error; err != nil {
		t.Fatalf("failed to list plan periods: %v", err)
	}
	return periods
}
