package processing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/marketplace/internal/callbacks"
	"github.com/smallbiznis/marketplace/internal/clock"
	offeringdomain "github.com/smallbiznis/marketplace/internal/offering/domain"
	offeringrepo "github.com/smallbiznis/marketplace/internal/offering/repository"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	orderrepo "github.com/smallbiznis/marketplace/internal/order/repository"
	"github.com/smallbiznis/marketplace/internal/plugin"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	resourcerepo "github.com/smallbiznis/marketplace/internal/resource/repository"
	"github.com/smallbiznis/marketplace/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testOfferingType = "Test.Instance"

type fakeBackend struct {
	completed bool
	err       error
	panicWith any
	calls     int
}

func (b *fakeBackend) run() (bool, error) {
	b.calls++
	if b.panicWith != nil {
		panic(b.panicWith)
	}
	return b.completed, b.err
}

func (b *fakeBackend) Provision(_ context.Context, req CreateRequest) (Provisioned, error) {
	completed, err := b.run()
	if err != nil {
		return Provisioned{}, err
	}
	return Provisioned{
		Scope:     resourcedomain.BackendRef{Kind: "test.vm", ID: "vm-" + req.Resource.ID.String()},
		BackendID: "backend-1",
		Completed: completed,
	}, nil
}

func (b *fakeBackend) Update(context.Context, UpdateRequest) (bool, error) { return b.run() }

func (b *fakeBackend) Deprovision(context.Context, DeleteRequest) (bool, error) { return b.run() }

type engineHarness struct {
	engine    *Engine
	callbacks *callbacks.Service
	fixtures  *testutil.Fixtures
	clock     *clock.FakeClock
}

func newEngineHarness(t *testing.T, backend *fakeBackend) engineHarness {
	t.Helper()

	db := testutil.OpenDB(t)
	fixtures := testutil.NewFixtures(t, db)
	fakeClock := clock.NewFakeClock(testutil.Epoch)
	offerings := offeringrepo.Provide()
	orders := orderrepo.Provide()
	resources := resourcerepo.Provide()

	tk := NewToolkit(ToolkitParams{
		DB:        db,
		GenID:     fixtures.Node,
		Clock:     fakeClock,
		Offerings: offerings,
		Resources: resources,
		Orders:    orders,
	})

	builder := plugin.NewBuilder()
	require.NoError(t, builder.Register(testOfferingType, plugin.ProcessorSet{
		Create:          NewCreateProcessor(tk, backend),
		Update:          NewUpdateProcessor(tk, backend),
		Delete:          NewDeleteProcessor(tk, backend),
		CanUpdateLimits: true,
		ScopeKind:       "test.vm",
	}))
	registry := builder.Build()

	cb := callbacks.NewService(callbacks.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     fixtures.Node,
		Clock:     fakeClock,
		Registry:  registry,
		Resources: resources,
		Orders:    orders,
		Offerings: offerings,
	})

	engine := NewEngine(EngineParams{
		DB:        db,
		Log:       zap.NewNop(),
		Clock:     fakeClock,
		Registry:  registry,
		Callbacks: cb,
		Offerings: offerings,
		Orders:    orders,
		Resources: resources,
	})

	return engineHarness{engine: engine, callbacks: cb, fixtures: fixtures, clock: fakeClock}
}

func TestProcessCreateCompletesSynchronously(t *testing.T) {
	h := newEngineHarness(t, &fakeBackend{completed: true})
	offering := h.fixtures.Offering(t, testOfferingType)
	plan := h.fixtures.Plan(t, offering.ID, "10")
	order := h.fixtures.CreateOrder(t, offering, orderdomain.StateExecuting, func(o *orderdomain.Order) {
		o.PlanID = &plan.ID
	})

	h.clock.Advance(time.Minute)
	outcome, err := h.engine.ProcessOrder(context.Background(), order.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	stored := h.fixtures.ReloadOrder(t, order.ID)
	assert.Equal(t, orderdomain.StateDone, stored.State)
	require.NotNil(t, stored.ActivatedAt)
	require.NotNil(t, stored.ResourceID)

	resource := h.fixtures.ReloadResource(t, *stored.ResourceID)
	assert.Equal(t, resourcedomain.StateOK, resource.State)
	assert.Equal(t, "vm-1", resource.Name)
	assert.Equal(t, resourcedomain.BackendRef{Kind: "test.vm", ID: "vm-" + resource.ID.String()}, resource.Scope)
	assert.Equal(t, "backend-1", resource.BackendID)

	periods := h.fixtures.PlanPeriods(t, resource.ID)
	require.Len(t, periods, 1)
	assert.Equal(t, plan.ID, periods[0].PlanID)
	assert.Nil(t, periods[0].EndAt)
}

func TestProcessCreateInFlightThenCallbackIsIdempotent(t *testing.T) {
	h := newEngineHarness(t, &fakeBackend{completed: false})
	offering := h.fixtures.Offering(t, testOfferingType)
	plan := h.fixtures.Plan(t, offering.ID, "10")
	order := h.fixtures.CreateOrder(t, offering, orderdomain.StateExecuting, func(o *orderdomain.Order) {
		o.PlanID = &plan.ID
	})
	ctx := context.Background()

	outcome, err := h.engine.ProcessOrder(ctx, order.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInFlight, outcome)

	stored := h.fixtures.ReloadOrder(t, order.ID)
	assert.Equal(t, orderdomain.StateExecuting, stored.State)
	require.NotNil(t, stored.ResourceID)
	resourceID := *stored.ResourceID
	assert.Equal(t, resourcedomain.StateCreating, h.fixtures.ReloadResource(t, resourceID).State)

	h.clock.Advance(time.Minute)
	require.NoError(t, h.callbacks.CreationSucceeded(ctx, resourceID, callbacks.Options{}))
	first := h.fixtures.ReloadResource(t, resourceID)
	assert.Equal(t, resourcedomain.StateOK, first.State)
	assert.Equal(t, orderdomain.StateDone, h.fixtures.ReloadOrder(t, order.ID).State)

	h.clock.Advance(time.Minute)
	require.NoError(t, h.callbacks.CreationSucceeded(ctx, resourceID, callbacks.Options{}))
	second := h.fixtures.ReloadResource(t, resourceID)
	assert.Equal(t, first.State, second.State)
	assert.True(t, first.UpdatedAt.Equal(second.UpdatedAt))
	assert.Len(t, h.fixtures.PlanPeriods(t, resourceID), 1)

	err = h.callbacks.CreationSucceeded(ctx, resourceID, callbacks.Options{Validate: true})
	assert.ErrorIs(t, err, orderdomain.ErrOrderNotFound)
}

func TestProcessBackendFailureErrsOrderAndResource(t *testing.T) {
	h := newEngineHarness(t, &fakeBackend{err: errors.New("backend down")})
	offering := h.fixtures.Offering(t, testOfferingType)
	order := h.fixtures.CreateOrder(t, offering, orderdomain.StateExecuting)

	outcome, err := h.engine.ProcessOrder(context.Background(), order.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	stored := h.fixtures.ReloadOrder(t, order.ID)
	assert.Equal(t, orderdomain.StateErred, stored.State)
	assert.Equal(t, "backend down", stored.ErrorMessage)
	assert.Contains(t, stored.ErrorTraceback, "backend down")
	require.NotNil(t, stored.ResourceID)

	resource := h.fixtures.ReloadResource(t, *stored.ResourceID)
	assert.Equal(t, resourcedomain.StateErred, resource.State)
	assert.Equal(t, "backend down", resource.ErrorMessage)
}

func TestProcessRecoversProcessorPanic(t *testing.T) {
	h := newEngineHarness(t, &fakeBackend{panicWith: "boom"})
	offering := h.fixtures.Offering(t, testOfferingType)
	order := h.fixtures.CreateOrder(t, offering, orderdomain.StateExecuting)

	outcome, err := h.engine.ProcessOrder(context.Background(), order.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	stored := h.fixtures.ReloadOrder(t, order.ID)
	assert.Equal(t, orderdomain.StateErred, stored.State)
	assert.Equal(t, "processor panic: boom", stored.ErrorMessage)
	assert.Contains(t, stored.ErrorTraceback, "goroutine")
}

func TestProcessPlanLimitReachedLeavesResourcesUntouched(t *testing.T) {
	backend := &fakeBackend{completed: true}
	h := newEngineHarness(t, backend)
	offering := h.fixtures.Offering(t, testOfferingType)
	maxAmount := 1
	plan := h.fixtures.Plan(t, offering.ID, "10", func(p *offeringdomain.Plan) { p.MaxAmount = &maxAmount })
	existing := h.fixtures.Resource(t, offering, resourcedomain.StateOK, func(r *resourcedomain.Resource) {
		r.PlanID = &plan.ID
	})
	order := h.fixtures.CreateOrder(t, offering, orderdomain.StateExecuting, func(o *orderdomain.Order) {
		o.PlanID = &plan.ID
	})

	outcome, err := h.engine.ProcessOrder(context.Background(), order.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeValidationFailed, outcome)
	assert.Zero(t, backend.calls)

	stored := h.fixtures.ReloadOrder(t, order.ID)
	assert.Equal(t, orderdomain.StateErred, stored.State)
	assert.Contains(t, stored.ErrorMessage, "reached its limit")
	assert.Nil(t, stored.ResourceID)

	after := h.fixtures.ReloadResource(t, existing.ID)
	assert.Equal(t, resourcedomain.StateOK, after.State)
	assert.True(t, existing.UpdatedAt.Equal(after.UpdatedAt))
}

func TestProcessSwitchPlan(t *testing.T) {
	h := newEngineHarness(t, &fakeBackend{completed: true})
	offering := h.fixtures.Offering(t, testOfferingType)
	small := h.fixtures.Plan(t, offering.ID, "5")
	large := h.fixtures.Plan(t, offering.ID, "20")
	cpu := h.fixtures.Component(t, offering.ID, "cpu", offeringdomain.BillingTypeLimit)
	h.fixtures.PlanComponent(t, large.ID, cpu.ID, 0, "1.5")

	resource := h.fixtures.Resource(t, offering, resourcedomain.StateOK, func(r *resourcedomain.Resource) {
		r.PlanID = &small.ID
		r.Cost = decimal.NewFromInt(5)
		r.SetLimits(resourcedomain.Limits{"cpu": 2})
	})
	require.NoError(t, h.fixtures.DB.Create(&resourcedomain.ResourcePlanPeriod{
		ID:         h.fixtures.Node.Generate(),
		ResourceID: resource.ID,
		PlanID:     small.ID,
		StartAt:    testutil.Epoch,
	}).Error)
	order := h.fixtures.Order(t, orderdomain.TypeUpdate, orderdomain.StateExecuting, resource, func(o *orderdomain.Order) {
		o.PlanID = &large.ID
		o.OldPlanID = &small.ID
	})

	h.clock.Advance(time.Hour)
	outcome, err := h.engine.ProcessOrder(context.Background(), order.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)

	after := h.fixtures.ReloadResource(t, resource.ID)
	assert.Equal(t, resourcedomain.StateOK, after.State)
	require.NotNil(t, after.PlanID)
	assert.Equal(t, large.ID, *after.PlanID)
	assert.True(t, decimal.NewFromInt(23).Equal(after.Cost), "cost was %s", after.Cost)
	assert.Equal(t, orderdomain.StateDone, h.fixtures.ReloadOrder(t, order.ID).State)

	periods := h.fixtures.PlanPeriods(t, resource.ID)
	require.Len(t, periods, 2)
	assert.Equal(t, small.ID, periods[0].PlanID)
	require.NotNil(t, periods[0].EndAt)
	assert.True(t, periods[0].EndAt.Equal(testutil.Epoch.Add(time.Hour)))
	assert.Equal(t, large.ID, periods[1].PlanID)
	assert.Nil(t, periods[1].EndAt)
}

func TestProcessTerminateWithoutBackendObject(t *testing.T) {
	backend := &fakeBackend{}
	h := newEngineHarness(t, backend)
	offering := h.fixtures.Offering(t, testOfferingType)
	resource := h.fixtures.Resource(t, offering, resourcedomain.StateOK)
	order := h.fixtures.Order(t, orderdomain.TypeTerminate, orderdomain.StateExecuting, resource)

	outcome, err := h.engine.ProcessOrder(context.Background(), order.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Zero(t, backend.calls)

	after := h.fixtures.ReloadResource(t, resource.ID)
	assert.Equal(t, resourcedomain.StateTerminated, after.State)
	assert.NotNil(t, after.EndDate)
}

func TestProcessTerminateOfVanishedBackendObject(t *testing.T) {
	h := newEngineHarness(t, &fakeBackend{err: ErrBackendObjectGone})
	offering := h.fixtures.Offering(t, testOfferingType)
	resource := h.fixtures.Resource(t, offering, resourcedomain.StateErred, func(r *resourcedomain.Resource) {
		r.Scope = resourcedomain.BackendRef{Kind: "test.vm", ID: "vm-gone"}
	})
	order := h.fixtures.Order(t, orderdomain.TypeTerminate, orderdomain.StateExecuting, resource)

	outcome, err := h.engine.ProcessOrder(context.Background(), order.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, resourcedomain.StateTerminated, h.fixtures.ReloadResource(t, resource.ID).State)
}

func TestProcessRejectsOrderThatIsNotExecuting(t *testing.T) {
	h := newEngineHarness(t, &fakeBackend{completed: true})
	offering := h.fixtures.Offering(t, testOfferingType)
	order := h.fixtures.CreateOrder(t, offering, orderdomain.StatePendingConsumer)

	_, err := h.engine.ProcessOrder(context.Background(), order.ID, "alice")
	assert.ErrorIs(t, err, ErrOrderNotExecuting)
}
