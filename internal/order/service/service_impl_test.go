package service

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
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

const offeringType = "Marketplace.Test"

type stubProcessor struct{}

func (stubProcessor) ValidateOrder(context.Context, plugin.Request) error { return nil }

func (stubProcessor) ProcessOrder(context.Context, plugin.Request) (plugin.Result, error) {
	return plugin.Result{Completed: true}, nil
}

// fakeApprover grants consumer rights to users in consumers and provider
// rights to users in providers, regardless of project or customer.
type fakeApprover struct {
	consumers map[string]bool
	providers map[string]bool
}

func (a fakeApprover) CanApproveAsConsumer(_ context.Context, user string, _ snowflake.ID) (bool, error) {
	return a.consumers[user], nil
}

func (a fakeApprover) CanApproveAsProvider(_ context.Context, user string, _ snowflake.ID) (bool, error) {
	return a.providers[user], nil
}

type harness struct {
	svc      *Service
	fixtures *testutil.Fixtures
}

func newHarness(t *testing.T, set plugin.ProcessorSet, approver fakeApprover) harness {
	t.Helper()

	db := testutil.OpenDB(t)
	fixtures := testutil.NewFixtures(t, db)

	builder := plugin.NewBuilder()
	require.NoError(t, builder.Register(offeringType, set))

	svc := NewService(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     fixtures.Node,
		Clock:     clock.NewFakeClock(testutil.Epoch),
		Registry:  builder.Build(),
		Approver:  approver,
		Repo:      orderrepo.Provide(),
		Resources: resourcerepo.Provide(),
		Offerings: offeringrepo.Provide(),
	}).(*Service)

	return harness{svc: svc, fixtures: fixtures}
}

func fullSet() plugin.ProcessorSet {
	return plugin.ProcessorSet{
		Create:          stubProcessor{},
		Update:          stubProcessor{},
		Delete:          stubProcessor{},
		CanUpdateLimits: true,
	}
}

func TestCreateOrderComputesCostAndApprovesImplicitly(t *testing.T) {
	h := newHarness(t, fullSet(), fakeApprover{consumers: map[string]bool{"alice": true}})

	offering := h.fixtures.Offering(t, offeringType)
	cpu := h.fixtures.Component(t, offering.ID, "cpu", offeringdomain.BillingTypeLimit)
	setup := h.fixtures.Component(t, offering.ID, "setup", offeringdomain.BillingTypeOneTime)
	plan := h.fixtures.Plan(t, offering.ID, "10")
	h.fixtures.PlanComponent(t, plan.ID, cpu.ID, 0, "2.5")
	h.fixtures.PlanComponent(t, plan.ID, setup.ID, 0, "5")

	order, err := h.svc.CreateOrder(context.Background(), orderdomain.CreateOrderRequest{
		Type:       orderdomain.TypeCreate,
		OfferingID: offering.ID.String(),
		ProjectID:  h.fixtures.Node.Generate().String(),
		PlanID:     plan.ID.String(),
		Limits:     map[string]int64{"cpu": 4},
		User:       "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, orderdomain.StateExecuting, order.State)
	assert.Equal(t, "alice", order.ConsumerReviewedBy)
	assert.NotNil(t, order.ConsumerReviewedAt)
	assert.Nil(t, order.ResourceID)
	assert.True(t, decimal.NewFromInt(25).Equal(order.Cost), "cost was %s", order.Cost)

	stored := h.fixtures.ReloadOrder(t, order.ID)
	assert.Equal(t, orderdomain.StateExecuting, stored.State)
	assert.Equal(t, int64(4), stored.RequestedLimits()["cpu"])
}

func TestCreateOrderWaitsForReviews(t *testing.T) {
	set := fullSet()
	set.ProviderReviewRequired = true

	tests := []struct {
		name     string
		approver fakeApprover
		want     orderdomain.State
	}{
		{name: "no rights", approver: fakeApprover{}, want: orderdomain.StatePendingConsumer},
		{name: "consumer only", approver: fakeApprover{consumers: map[string]bool{"alice": true}}, want: orderdomain.StatePendingProvider},
		{
			name:     "consumer and provider",
			approver: fakeApprover{consumers: map[string]bool{"alice": true}, providers: map[string]bool{"alice": true}},
			want:     orderdomain.StateExecuting,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, set, tt.approver)
			offering := h.fixtures.Offering(t, offeringType)

			order, err := h.svc.CreateOrder(context.Background(), orderdomain.CreateOrderRequest{
				Type:       orderdomain.TypeCreate,
				OfferingID: offering.ID.String(),
				ProjectID:  h.fixtures.Node.Generate().String(),
				User:       "alice",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, order.State)
		})
	}
}

func TestCreateOrderValidation(t *testing.T) {
	h := newHarness(t, plugin.ProcessorSet{Create: stubProcessor{}}, fakeApprover{})
	ctx := context.Background()

	active := h.fixtures.Offering(t, offeringType)
	paused := h.fixtures.Offering(t, offeringType, func(o *offeringdomain.Offering) {
		o.State = offeringdomain.OfferingStatePaused
	})
	other := h.fixtures.Offering(t, offeringType)
	foreignPlan := h.fixtures.Plan(t, other.ID, "1")
	archivedPlan := h.fixtures.Plan(t, active.ID, "1", func(p *offeringdomain.Plan) { p.Archived = true })
	resource := h.fixtures.Resource(t, active, resourcedomain.StateOK)
	terminated := h.fixtures.Resource(t, active, resourcedomain.StateTerminated)
	project := h.fixtures.Node.Generate().String()

	tests := []struct {
		name    string
		req     orderdomain.CreateOrderRequest
		wantErr error
	}{
		{
			name:    "missing user",
			req:     orderdomain.CreateOrderRequest{Type: orderdomain.TypeCreate, OfferingID: active.ID.String(), ProjectID: project},
			wantErr: orderdomain.ErrInvalidOrder,
		},
		{
			name:    "create without offering",
			req:     orderdomain.CreateOrderRequest{Type: orderdomain.TypeCreate, ProjectID: project, User: "alice"},
			wantErr: orderdomain.ErrInvalidOrder,
		},
		{
			name:    "update without resource",
			req:     orderdomain.CreateOrderRequest{Type: orderdomain.TypeUpdate, User: "alice"},
			wantErr: orderdomain.ErrInvalidOrder,
		},
		{
			name:    "negative limit",
			req:     orderdomain.CreateOrderRequest{Type: orderdomain.TypeCreate, OfferingID: active.ID.String(), ProjectID: project, Limits: map[string]int64{"cpu": -1}, User: "alice"},
			wantErr: orderdomain.ErrInvalidOrder,
		},
		{
			name:    "paused offering",
			req:     orderdomain.CreateOrderRequest{Type: orderdomain.TypeCreate, OfferingID: paused.ID.String(), ProjectID: project, User: "alice"},
			wantErr: orderdomain.ErrOfferingNotAvailable,
		},
		{
			name:    "plan of another offering",
			req:     orderdomain.CreateOrderRequest{Type: orderdomain.TypeCreate, OfferingID: active.ID.String(), ProjectID: project, PlanID: foreignPlan.ID.String(), User: "alice"},
			wantErr: orderdomain.ErrPlanMismatch,
		},
		{
			name:    "archived plan",
			req:     orderdomain.CreateOrderRequest{Type: orderdomain.TypeCreate, OfferingID: active.ID.String(), ProjectID: project, PlanID: archivedPlan.ID.String(), User: "alice"},
			wantErr: orderdomain.ErrPlanNotActive,
		},
		{
			name:    "update unsupported by plugin",
			req:     orderdomain.CreateOrderRequest{Type: orderdomain.TypeUpdate, ResourceID: resource.ID.String(), Limits: map[string]int64{"cpu": 1}, User: "alice"},
			wantErr: plugin.ErrUnsupportedOperation,
		},
		{
			name:    "terminated resource",
			req:     orderdomain.CreateOrderRequest{Type: orderdomain.TypeTerminate, ResourceID: terminated.ID.String(), User: "alice"},
			wantErr: resourcedomain.ErrResourceTerminated,
		},
		{
			name:    "unknown resource",
			req:     orderdomain.CreateOrderRequest{Type: orderdomain.TypeTerminate, ResourceID: h.fixtures.Node.Generate().String(), User: "alice"},
			wantErr: resourcedomain.ErrResourceNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.CreateOrder(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestCreateOrderUpdateRules(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing to update", func(t *testing.T) {
		h := newHarness(t, fullSet(), fakeApprover{})
		offering := h.fixtures.Offering(t, offeringType)
		plan := h.fixtures.Plan(t, offering.ID, "1")
		resource := h.fixtures.Resource(t, offering, resourcedomain.StateOK, func(r *resourcedomain.Resource) {
			r.PlanID = &plan.ID
		})

		_, err := h.svc.CreateOrder(ctx, orderdomain.CreateOrderRequest{
			Type:       orderdomain.TypeUpdate,
			ResourceID: resource.ID.String(),
			PlanID:     plan.ID.String(),
			User:       "alice",
		})
		assert.ErrorIs(t, err, orderdomain.ErrNothingToUpdate)
	})

	t.Run("limits not updatable", func(t *testing.T) {
		set := fullSet()
		set.CanUpdateLimits = false
		h := newHarness(t, set, fakeApprover{})
		offering := h.fixtures.Offering(t, offeringType)
		resource := h.fixtures.Resource(t, offering, resourcedomain.StateOK)

		_, err := h.svc.CreateOrder(ctx, orderdomain.CreateOrderRequest{
			Type:       orderdomain.TypeUpdate,
			ResourceID: resource.ID.String(),
			Limits:     map[string]int64{"cpu": 2},
			User:       "alice",
		})
		assert.ErrorIs(t, err, orderdomain.ErrLimitsNotUpdatable)
	})

	t.Run("plan switch on paused offering", func(t *testing.T) {
		h := newHarness(t, fullSet(), fakeApprover{consumers: map[string]bool{"alice": true}})
		offering := h.fixtures.Offering(t, offeringType, func(o *offeringdomain.Offering) {
			o.State = offeringdomain.OfferingStatePaused
		})
		small := h.fixtures.Plan(t, offering.ID, "5")
		large := h.fixtures.Plan(t, offering.ID, "20")
		switchFee := h.fixtures.Component(t, offering.ID, "switch", offeringdomain.BillingTypeOnPlanSwitch)
		h.fixtures.PlanComponent(t, large.ID, switchFee.ID, 0, "3")
		resource := h.fixtures.Resource(t, offering, resourcedomain.StateOK, func(r *resourcedomain.Resource) {
			r.PlanID = &small.ID
		})

		order, err := h.svc.CreateOrder(ctx, orderdomain.CreateOrderRequest{
			Type:       orderdomain.TypeUpdate,
			ResourceID: resource.ID.String(),
			PlanID:     large.ID.String(),
			User:       "alice",
		})
		require.NoError(t, err)
		require.NotNil(t, order.OldPlanID)
		assert.Equal(t, small.ID, *order.OldPlanID)
		assert.Equal(t, large.ID, *order.PlanID)
		assert.True(t, decimal.NewFromInt(23).Equal(order.Cost), "cost was %s", order.Cost)
	})
}

func TestCreateOrderTerminateCostsNothing(t *testing.T) {
	h := newHarness(t, fullSet(), fakeApprover{})
	offering := h.fixtures.Offering(t, offeringType, func(o *offeringdomain.Offering) {
		o.State = offeringdomain.OfferingStateArchived
	})
	plan := h.fixtures.Plan(t, offering.ID, "10")
	resource := h.fixtures.Resource(t, offering, resourcedomain.StateOK, func(r *resourcedomain.Resource) {
		r.PlanID = &plan.ID
	})

	order, err := h.svc.CreateOrder(context.Background(), orderdomain.CreateOrderRequest{
		Type:       orderdomain.TypeTerminate,
		ResourceID: resource.ID.String(),
		User:       "alice",
	})
	require.NoError(t, err)
	assert.True(t, order.Cost.IsZero())
	assert.Equal(t, plan.ID, *order.PlanID)
	assert.Equal(t, orderdomain.StatePendingConsumer, order.State)
}

func TestCreateOrderRejectsWhileAnotherIsPending(t *testing.T) {
	h := newHarness(t, fullSet(), fakeApprover{})
	offering := h.fixtures.Offering(t, offeringType)
	resource := h.fixtures.Resource(t, offering, resourcedomain.StateOK)
	pending := h.fixtures.Order(t, orderdomain.TypeUpdate, orderdomain.StatePendingConsumer, resource)

	_, err := h.svc.CreateOrder(context.Background(), orderdomain.CreateOrderRequest{
		Type:       orderdomain.TypeTerminate,
		ResourceID: resource.ID.String(),
		User:       "alice",
	})
	assert.ErrorIs(t, err, orderdomain.ErrConflictingOrder)

	orders, err := h.svc.ListByResource(context.Background(), resource.ID.String())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, pending.ID, orders[0].ID)
}

func TestConcurrentCreateOrderAdmitsExactlyOne(t *testing.T) {
	h := newHarness(t, fullSet(), fakeApprover{consumers: map[string]bool{"alice": true}})
	offering := h.fixtures.Offering(t, offeringType)
	resource := h.fixtures.Resource(t, offering, resourcedomain.StateOK)

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		admitted  int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.CreateOrder(context.Background(), orderdomain.CreateOrderRequest{
				Type:       orderdomain.TypeTerminate,
				ResourceID: resource.ID.String(),
				User:       "alice",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case assert.ErrorIs(t, err, orderdomain.ErrConflictingOrder):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admitted)
	assert.Equal(t, attempts-1, conflicts)
}

func TestReviewFlow(t *testing.T) {
	set := fullSet()
	set.ProviderReviewRequired = true
	h := newHarness(t, set, fakeApprover{
		consumers: map[string]bool{"manager": true},
		providers: map[string]bool{"owner": true},
	})
	ctx := context.Background()
	offering := h.fixtures.Offering(t, offeringType)

	order, err := h.svc.CreateOrder(ctx, orderdomain.CreateOrderRequest{
		Type:       orderdomain.TypeCreate,
		OfferingID: offering.ID.String(),
		ProjectID:  h.fixtures.Node.Generate().String(),
		User:       "alice",
	})
	require.NoError(t, err)
	require.Equal(t, orderdomain.StatePendingConsumer, order.State)

	_, err = h.svc.ApproveByConsumer(ctx, orderdomain.ReviewOrderRequest{OrderID: order.ID.String(), User: "alice"})
	assert.ErrorIs(t, err, orderdomain.ErrForbidden)

	_, err = h.svc.ApproveByProvider(ctx, orderdomain.ReviewOrderRequest{OrderID: order.ID.String(), User: "owner"})
	assert.ErrorIs(t, err, orderdomain.ErrInvalidTransition)

	order, err = h.svc.ApproveByConsumer(ctx, orderdomain.ReviewOrderRequest{OrderID: order.ID.String(), User: "manager"})
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatePendingProvider, order.State)
	assert.Equal(t, "manager", order.ConsumerReviewedBy)

	order, err = h.svc.ApproveByProvider(ctx, orderdomain.ReviewOrderRequest{OrderID: order.ID.String(), User: "owner"})
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StateExecuting, order.State)
	assert.Equal(t, "owner", order.ProviderReviewedBy)

	_, err = h.svc.Cancel(ctx, orderdomain.ReviewOrderRequest{OrderID: order.ID.String(), User: "alice"})
	assert.ErrorIs(t, err, orderdomain.ErrOrderNotCancelable)
}

func TestRejectAndCancel(t *testing.T) {
	h := newHarness(t, fullSet(), fakeApprover{consumers: map[string]bool{"manager": true}})
	ctx := context.Background()
	offering := h.fixtures.Offering(t, offeringType)
	resource := h.fixtures.Resource(t, offering, resourcedomain.StateOK)

	rejected := h.fixtures.Order(t, orderdomain.TypeTerminate, orderdomain.StatePendingConsumer, resource)
	order, err := h.svc.Reject(ctx, orderdomain.ReviewOrderRequest{OrderID: rejected.ID.String(), User: "manager"})
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StateRejected, order.State)

	_, err = h.svc.Reject(ctx, orderdomain.ReviewOrderRequest{OrderID: rejected.ID.String(), User: "manager"})
	assert.ErrorIs(t, err, orderdomain.ErrInvalidTransition)

	canceled := h.fixtures.Order(t, orderdomain.TypeTerminate, orderdomain.StatePendingConsumer, resource)
	_, err = h.svc.Cancel(ctx, orderdomain.ReviewOrderRequest{OrderID: canceled.ID.String(), User: "mallory"})
	assert.ErrorIs(t, err, orderdomain.ErrForbidden)

	order, err = h.svc.Cancel(ctx, orderdomain.ReviewOrderRequest{OrderID: canceled.ID.String(), User: "alice", Comment: "changed my mind"})
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StateCanceled, order.State)
	assert.Equal(t, "changed my mind", h.fixtures.ReloadOrder(t, canceled.ID).TerminationComment)
}

func TestGetUnknownOrder(t *testing.T) {
	h := newHarness(t, fullSet(), fakeApprover{})

	_, err := h.svc.Get(context.Background(), h.fixtures.Node.Generate().String())
	assert.ErrorIs(t, err, orderdomain.ErrOrderNotFound)

	_, err = h.svc.Get(context.Background(), "not-an-id")
	assert.ErrorIs(t, err, orderdomain.ErrInvalidOrder)
}

type recordingSyncer struct {
	db    *testutil.Fixtures
	calls []string
}

func (r *recordingSyncer) ResolveOrder(_ context.Context, orderID snowflake.ID, state orderdomain.State, errorMessage string) error {
	r.calls = append(r.calls, orderID.String()+":"+string(state)+":"+errorMessage)
	return r.db.DB.Model(&orderdomain.Order{}).Where("id = ?", orderID).Update("state", state).Error
}

func TestSetStateRequiresProvider(t *testing.T) {
	h := newHarness(t, fullSet(), fakeApprover{providers: map[string]bool{"owner": true}})
	syncer := &recordingSyncer{db: h.fixtures}
	h.svc.syncer = syncer
	ctx := context.Background()

	offering := h.fixtures.Offering(t, offeringType)
	resource := h.fixtures.Resource(t, offering, resourcedomain.StateUpdating)
	order := h.fixtures.Order(t, orderdomain.TypeUpdate, orderdomain.StateExecuting, resource)

	_, err := h.svc.SetState(ctx, orderdomain.SetStateRequest{OrderID: order.ID.String(), User: "mallory", State: orderdomain.StateDone})
	require.ErrorIs(t, err, orderdomain.ErrForbidden)
	assert.Empty(t, syncer.calls)

	_, err = h.svc.SetState(ctx, orderdomain.SetStateRequest{OrderID: order.ID.String(), User: "owner", State: orderdomain.StateCanceled})
	require.ErrorIs(t, err, orderdomain.ErrInvalidOrder)
	_, err = h.svc.SetState(ctx, orderdomain.SetStateRequest{OrderID: "42", User: "owner", State: orderdomain.StateDone})
	require.ErrorIs(t, err, orderdomain.ErrOrderNotFound)

	got, err := h.svc.SetState(ctx, orderdomain.SetStateRequest{
		OrderID:      order.ID.String(),
		User:         "owner",
		State:        orderdomain.StateErred,
		ErrorMessage: " backend gone ",
	})
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StateErred, got.State)
	assert.Equal(t, []string{order.ID.String() + ":ERRED:backend gone"}, syncer.calls)
}
