package events

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketplace/internal/callbacks"
	"github.com/smallbiznis/marketplace/internal/clock"
	offeringrepo "github.com/smallbiznis/marketplace/internal/offering/repository"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	orderrepo "github.com/smallbiznis/marketplace/internal/order/repository"
	"github.com/smallbiznis/marketplace/internal/plugin"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	resourcerepo "github.com/smallbiznis/marketplace/internal/resource/repository"
	"github.com/smallbiznis/marketplace/internal/scope"
	"github.com/smallbiznis/marketplace/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newDispatcher(t *testing.T) (*Dispatcher, *testutil.Fixtures) {
	t.Helper()

	db := testutil.OpenDB(t)
	fixtures := testutil.NewFixtures(t, db)
	svc := callbacks.NewService(callbacks.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     fixtures.Node,
		Clock:     clock.NewFakeClock(testutil.Epoch),
		Registry:  plugin.NewBuilder().Build(),
		Resources: resourcerepo.Provide(),
		Orders:    orderrepo.Provide(),
		Offerings: offeringrepo.Provide(),
	})
	return NewDispatcher(DispatcherParams{Log: zap.NewNop(), Callbacks: svc}), fixtures
}

func TestInProcessBusAppliesCallbackBeforePublishReturns(t *testing.T) {
	ctx := context.Background()
	dispatcher, fixtures := newDispatcher(t)
	offering := fixtures.Offering(t, "Test.Instance")
	resource := fixtures.Resource(t, offering, resourcedomain.StateCreating)
	order := fixtures.Order(t, orderdomain.TypeCreate, orderdomain.StateExecuting, resource)

	bus := NewInProcessBus()
	require.NoError(t, bus.Subscribe(dispatcher.Handle))

	change := scope.Change{
		Ref:      resourcedomain.BackendRef{Kind: "test", ID: "vm-1"},
		Previous: scope.StateCreating,
		Current:  scope.StateOK,
	}
	require.NoError(t, bus.Publish(ctx, NewResourceBackendStateChanged(resource.ID, change, testutil.Epoch)))

	assert.Equal(t, resourcedomain.StateOK, fixtures.ReloadResource(t, resource.ID).State)
	assert.Equal(t, orderdomain.StateDone, fixtures.ReloadOrder(t, order.ID).State)
}

func TestDispatcherDropsEventsThatCannotApply(t *testing.T) {
	ctx := context.Background()
	dispatcher, _ := newDispatcher(t)

	err := dispatcher.Handle(ctx, ResourceBackendStateChanged{
		ID:                   "evt-1",
		ResourceID:           snowflake.ID(424242),
		PreviousBackendState: scope.StateCreating,
		NewBackendState:      scope.StateOK,
	})
	assert.NoError(t, err)
}

func TestInProcessBusRejectsMisuse(t *testing.T) {
	ctx := context.Background()
	bus := NewInProcessBus()
	event := ResourceBackendStateChanged{ID: "evt-1", ResourceID: 1, NewBackendState: scope.StateOK}

	assert.ErrorIs(t, bus.Publish(ctx, event), ErrNoHandler)

	noop := func(context.Context, ResourceBackendStateChanged) error { return nil }
	require.NoError(t, bus.Subscribe(noop))
	assert.ErrorIs(t, bus.Subscribe(noop), ErrHandlerExists)
	assert.ErrorIs(t, bus.Publish(ctx, ResourceBackendStateChanged{ID: "evt-2"}), ErrInvalidEvent)
	assert.NoError(t, bus.Publish(ctx, event))
}
