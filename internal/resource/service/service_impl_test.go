package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/marketplace/internal/clock"
	offeringdomain "github.com/smallbiznis/marketplace/internal/offering/domain"
	offeringrepo "github.com/smallbiznis/marketplace/internal/offering/repository"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"github.com/smallbiznis/marketplace/internal/resource/repository"
	"github.com/smallbiznis/marketplace/internal/scope"
	"github.com/smallbiznis/marketplace/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type resourceHarness struct {
	svc      resourcedomain.Service
	fixtures *testutil.Fixtures
	offering offeringdomain.Offering
}

func newResourceHarness(t *testing.T) resourceHarness {
	t.Helper()
	db := testutil.OpenDB(t)
	fixtures := testutil.NewFixtures(t, db)
	offering := fixtures.Offering(t, "Marketplace.Basic")
	fixtures.Component(t, offering.ID, "storage", offeringdomain.BillingTypeUsage)
	fixtures.Component(t, offering.ID, "cores", offeringdomain.BillingTypeFixed)

	svc := NewService(Params{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        fixtures.Node,
		Clock:        clock.NewFakeClock(testutil.Epoch),
		Repo:         repository.Provide(),
		OfferingRepo: offeringrepo.Provide(),
	})
	return resourceHarness{svc: svc, fixtures: fixtures, offering: offering}
}

func TestReportUsageKeepsLatestValue(t *testing.T) {
	h := newResourceHarness(t)
	resource := h.fixtures.Resource(t, h.offering, resourcedomain.StateOK)
	ctx := context.Background()

	first, err := h.svc.ReportUsage(ctx, resourcedomain.ReportUsageRequest{
		ResourceID:    resource.ID.String(),
		ComponentType: "storage",
		Usage:         "3.5",
	})
	require.NoError(t, err)
	assert.Equal(t, testutil.Epoch, first.Date)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), first.BillingPeriod)

	backdated := time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC)
	second, err := h.svc.ReportUsage(ctx, resourcedomain.ReportUsageRequest{
		ResourceID:    resource.ID.String(),
		ComponentType: "storage",
		Usage:         "7",
		Date:          &backdated,
		Description:   " nightly ",
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), second.BillingPeriod)
	assert.Equal(t, "nightly", second.Description)

	reloaded := h.fixtures.ReloadResource(t, resource.ID)
	assert.Equal(t, "7", reloaded.CurrentUsages["storage"])
}

func TestReportUsageRejects(t *testing.T) {
	h := newResourceHarness(t)
	resource := h.fixtures.Resource(t, h.offering, resourcedomain.StateOK)
	terminated := h.fixtures.Resource(t, h.offering, resourcedomain.StateTerminated)
	ctx := context.Background()

	cases := []struct {
		name string
		req  resourcedomain.ReportUsageRequest
		err  error
	}{
		{"missing type", resourcedomain.ReportUsageRequest{ResourceID: resource.ID.String(), Usage: "1"}, resourcedomain.ErrInvalidUsage},
		{"negative", resourcedomain.ReportUsageRequest{ResourceID: resource.ID.String(), ComponentType: "storage", Usage: "-1"}, resourcedomain.ErrInvalidUsage},
		{"not a number", resourcedomain.ReportUsageRequest{ResourceID: resource.ID.String(), ComponentType: "storage", Usage: "lots"}, resourcedomain.ErrInvalidUsage},
		{"fixed component", resourcedomain.ReportUsageRequest{ResourceID: resource.ID.String(), ComponentType: "cores", Usage: "1"}, resourcedomain.ErrInvalidComponent},
		{"unknown component", resourcedomain.ReportUsageRequest{ResourceID: resource.ID.String(), ComponentType: "gpu", Usage: "1"}, resourcedomain.ErrInvalidComponent},
		{"bad id", resourcedomain.ReportUsageRequest{ResourceID: "abc", ComponentType: "storage", Usage: "1"}, resourcedomain.ErrInvalidResource},
		{"missing resource", resourcedomain.ReportUsageRequest{ResourceID: "42", ComponentType: "storage", Usage: "1"}, resourcedomain.ErrResourceNotFound},
		{"terminated", resourcedomain.ReportUsageRequest{ResourceID: terminated.ID.String(), ComponentType: "storage", Usage: "1"}, resourcedomain.ErrResourceTerminated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.ReportUsage(ctx, tc.req)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestGetAndListPlanPeriods(t *testing.T) {
	h := newResourceHarness(t)
	plan := h.fixtures.Plan(t, h.offering.ID, "10")
	resource := h.fixtures.Resource(t, h.offering, resourcedomain.StateOK, func(r *resourcedomain.Resource) {
		r.PlanID = &plan.ID
	})
	require.NoError(t, h.fixtures.DB.Create(&resourcedomain.ResourcePlanPeriod{
		ID:         h.fixtures.Node.Generate(),
		ResourceID: resource.ID,
		PlanID:     plan.ID,
		StartAt:    testutil.Epoch,
	}).Error)
	ctx := context.Background()

	got, err := h.svc.Get(ctx, " "+resource.ID.String()+" ")
	require.NoError(t, err)
	assert.Equal(t, resource.ID, got.ID)

	periods, err := h.svc.ListPlanPeriods(ctx, resource.ID.String())
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, plan.ID, periods[0].PlanID)
	assert.Nil(t, periods[0].EndAt)

	_, err = h.svc.Get(ctx, "42")
	require.ErrorIs(t, err, resourcedomain.ErrResourceNotFound)
	_, err = h.svc.ListPlanPeriods(ctx, "0")
	require.ErrorIs(t, err, resourcedomain.ErrInvalidResource)
}

type vmStore map[string]*scope.Object

func (vmStore) Kind() string { return "test.vm" }

func (s vmStore) Get(_ context.Context, _ *gorm.DB, id string) (*scope.Object, error) {
	return s[id], nil
}

func (vmStore) SetErred(context.Context, *gorm.DB, string, string) (scope.BackendState, error) {
	return scope.StateOK, nil
}

func TestFindByScope(t *testing.T) {
	h := newResourceHarness(t)
	ref := resourcedomain.BackendRef{Kind: "test.vm", ID: "7"}
	resource := h.fixtures.Resource(t, h.offering, resourcedomain.StateOK, func(r *resourcedomain.Resource) {
		r.Scope = ref
	})
	dir, err := scope.NewDirectory(scope.DirectoryParams{Stores: []scope.Store{vmStore{
		"7": {Ref: ref, State: scope.StateOK},
		"8": {State: scope.StateOK},
	}}})
	require.NoError(t, err)

	svc := NewService(Params{
		DB:           h.fixtures.DB,
		Log:          zap.NewNop(),
		GenID:        h.fixtures.Node,
		Clock:        clock.NewFakeClock(testutil.Epoch),
		Repo:         repository.Provide(),
		OfferingRepo: offeringrepo.Provide(),
		Scopes:       dir,
	})
	ctx := context.Background()

	got, err := svc.FindByScope(ctx, resourcedomain.BackendRef{Kind: " test.vm ", ID: "7"})
	require.NoError(t, err)
	assert.Equal(t, resource.ID, got.ID)

	_, err = svc.FindByScope(ctx, resourcedomain.BackendRef{Kind: "test.vm", ID: "8"})
	require.ErrorIs(t, err, resourcedomain.ErrResourceNotFound)
	_, err = svc.FindByScope(ctx, resourcedomain.BackendRef{Kind: "test.vm", ID: "9"})
	require.ErrorIs(t, err, scope.ErrScopeNotFound)
	_, err = svc.FindByScope(ctx, resourcedomain.BackendRef{Kind: "test.volume", ID: "7"})
	require.ErrorIs(t, err, scope.ErrUnknownKind)
	_, err = svc.FindByScope(ctx, resourcedomain.BackendRef{Kind: "test.vm"})
	require.ErrorIs(t, err, resourcedomain.ErrInvalidResource)

	// Without a directory only the back-reference is checked.
	got, err = h.svc.FindByScope(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, resource.ID, got.ID)
}
