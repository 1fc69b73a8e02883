package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/marketplace/internal/audit/domain"
	"github.com/smallbiznis/marketplace/internal/clock"
	"github.com/smallbiznis/marketplace/internal/config"
	"github.com/smallbiznis/marketplace/internal/events"
	orderdomain "github.com/smallbiznis/marketplace/internal/order/domain"
	"github.com/smallbiznis/marketplace/internal/ratelimit"
	resourcedomain "github.com/smallbiznis/marketplace/internal/resource/domain"
	"github.com/smallbiznis/marketplace/internal/scheduler"
	"github.com/smallbiznis/marketplace/internal/scope"
	"github.com/smallbiznis/marketplace/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeOrderService struct {
	created  []orderdomain.CreateOrderRequest
	reviews  []string
	states   []orderdomain.SetStateRequest
	err      error
	reviewed orderdomain.State
}

func (f *fakeOrderService) order(state orderdomain.State) orderdomain.Order {
	return orderdomain.Order{
		ID:         snowflake.ID(10),
		Type:       orderdomain.TypeCreate,
		State:      state,
		OfferingID: snowflake.ID(20),
		ProjectID:  snowflake.ID(30),
		Cost:       decimal.RequireFromString("12.5"),
		CreatedBy:  "alice",
		CreatedAt:  testutil.Epoch,
		UpdatedAt:  testutil.Epoch,
	}
}

func (f *fakeOrderService) CreateOrder(_ context.Context, req orderdomain.CreateOrderRequest) (orderdomain.Order, error) {
	f.created = append(f.created, req)
	if f.err != nil {
		return orderdomain.Order{}, f.err
	}
	return f.order(orderdomain.StatePendingConsumer), nil
}

func (f *fakeOrderService) review(kind string, req orderdomain.ReviewOrderRequest) (orderdomain.Order, error) {
	f.reviews = append(f.reviews, fmt.Sprintf("%s:%s:%s:%s", kind, req.OrderID, req.User, req.Comment))
	if f.err != nil {
		return orderdomain.Order{}, f.err
	}
	return f.order(f.reviewed), nil
}

func (f *fakeOrderService) ApproveByConsumer(_ context.Context, req orderdomain.ReviewOrderRequest) (orderdomain.Order, error) {
	return f.review("consumer", req)
}

func (f *fakeOrderService) ApproveByProvider(_ context.Context, req orderdomain.ReviewOrderRequest) (orderdomain.Order, error) {
	return f.review("provider", req)
}

func (f *fakeOrderService) Reject(_ context.Context, req orderdomain.ReviewOrderRequest) (orderdomain.Order, error) {
	return f.review("reject", req)
}

func (f *fakeOrderService) Cancel(_ context.Context, req orderdomain.ReviewOrderRequest) (orderdomain.Order, error) {
	return f.review("cancel", req)
}

func (f *fakeOrderService) SetState(_ context.Context, req orderdomain.SetStateRequest) (orderdomain.Order, error) {
	f.states = append(f.states, req)
	if f.err != nil {
		return orderdomain.Order{}, f.err
	}
	order := f.order(req.State)
	order.ErrorMessage = req.ErrorMessage
	return order, nil
}

func (f *fakeOrderService) Get(_ context.Context, id string) (orderdomain.Order, error) {
	if id != "10" {
		return orderdomain.Order{}, orderdomain.ErrOrderNotFound
	}
	return f.order(orderdomain.StateExecuting), nil
}

func (f *fakeOrderService) ListByResource(_ context.Context, _ string) ([]orderdomain.Order, error) {
	return []orderdomain.Order{f.order(orderdomain.StateDone)}, nil
}

type fakeAuditService struct{}

func (fakeAuditService) Record(context.Context, auditdomain.Entry) error { return nil }

func (fakeAuditService) ListForResource(_ context.Context, id string) ([]auditdomain.AuditLog, error) {
	if id != "40" {
		return nil, resourcedomain.ErrResourceNotFound
	}
	orderID := snowflake.ID(10)
	return []auditdomain.AuditLog{{
		ID:        snowflake.ID(90),
		ActorType: auditdomain.ActorTypeUser,
		ActorID:   "alice",
		Action:    "resource.resource_creation_succeeded",
		OrderID:   &orderID,
		CreatedAt: testutil.Epoch,
	}}, nil
}

type fakeResourceService struct {
	usage []resourcedomain.ReportUsageRequest
}

func (f *fakeResourceService) Get(_ context.Context, id string) (resourcedomain.Resource, error) {
	if id != "40" {
		return resourcedomain.Resource{}, resourcedomain.ErrResourceNotFound
	}
	resource := resourcedomain.Resource{
		ID:         snowflake.ID(40),
		Name:       "vm-1",
		State:      resourcedomain.StateOK,
		OfferingID: snowflake.ID(20),
		ProjectID:  snowflake.ID(30),
		Scope:      resourcedomain.BackendRef{Kind: "openstack.instance", ID: "77"},
		Cost:       decimal.Zero,
	}
	resource.SetLimits(resourcedomain.Limits{"cores": 2})
	return resource, nil
}

func (f *fakeResourceService) FindByScope(ctx context.Context, ref resourcedomain.BackendRef) (resourcedomain.Resource, error) {
	switch {
	case ref == resourcedomain.BackendRef{Kind: "openstack.instance", ID: "77"}:
		return f.Get(ctx, "40")
	case ref.Kind != "openstack.instance":
		return resourcedomain.Resource{}, fmt.Errorf("%w: %s", scope.ErrUnknownKind, ref.Kind)
	default:
		return resourcedomain.Resource{}, resourcedomain.ErrResourceNotFound
	}
}

func (f *fakeResourceService) ListPlanPeriods(_ context.Context, _ string) ([]resourcedomain.ResourcePlanPeriod, error) {
	return []resourcedomain.ResourcePlanPeriod{{ID: 1, PlanID: 2, StartAt: testutil.Epoch}}, nil
}

func (f *fakeResourceService) ReportUsage(_ context.Context, req resourcedomain.ReportUsageRequest) (resourcedomain.ComponentUsage, error) {
	f.usage = append(f.usage, req)
	if req.Usage == "-1" {
		return resourcedomain.ComponentUsage{}, resourcedomain.ErrInvalidUsage
	}
	return resourcedomain.ComponentUsage{ID: 5, ResourceID: 40, ComponentType: req.ComponentType, Usage: decimal.RequireFromString(req.Usage)}, nil
}

type fakeJobs struct {
	ran []string
	err error
}

func (f *fakeJobs) RunJob(_ context.Context, name string) error {
	f.ran = append(f.ran, name)
	return f.err
}

type serverHarness struct {
	router    *gin.Engine
	orders    *fakeOrderService
	resources *fakeResourceService
	jobs      *fakeJobs
	published []events.ResourceBackendStateChanged
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := &serverHarness{
		orders:    &fakeOrderService{reviewed: orderdomain.StateExecuting},
		resources: &fakeResourceService{},
		jobs:      &fakeJobs{},
	}
	bus := events.NewInProcessBus()
	require.NoError(t, bus.Subscribe(func(_ context.Context, event events.ResourceBackendStateChanged) error {
		h.published = append(h.published, event)
		return nil
	}))

	srv := NewServer(ServerParams{
		Gin:         NewEngine(zap.NewNop()),
		Clock:       clock.NewFakeClock(testutil.Epoch),
		OrderSvc:    h.orders,
		ResourceSvc: h.resources,
		Bus:         bus,
		AuditSvc:    fakeAuditService{},
	})
	srv.jobs = h.jobs
	h.router = srv.Engine()
	return h
}

func (h *serverHarness) do(t *testing.T, method, path, body string, user string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body == "" {
		reader = &bytes.Buffer{}
	} else {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	resp := httptest.NewRecorder()
	h.router.ServeHTTP(resp, req)
	return resp
}

func decode(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	h := newServerHarness(t)
	resp := h.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestOrderRoutesRequireUser(t *testing.T) {
	h := newServerHarness(t)
	resp := h.do(t, http.MethodGet, "/v1/orders/10", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestCreateOrder(t *testing.T) {
	h := newServerHarness(t)
	resp := h.do(t, http.MethodPost, "/v1/orders",
		`{"type":"create","offering_id":"20","project_id":"30","plan_id":"2","limits":{"cores":2},"attributes":{"name":"vm-1"}}`,
		"alice",
	)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	require.Len(t, h.orders.created, 1)
	req := h.orders.created[0]
	assert.Equal(t, orderdomain.TypeCreate, req.Type)
	assert.Equal(t, "alice", req.User)
	assert.Equal(t, map[string]int64{"cores": 2}, req.Limits)
	assert.Equal(t, "vm-1", req.Attributes["name"])

	data := decode(t, resp)["data"].(map[string]any)
	assert.Equal(t, "10", data["id"])
	assert.Equal(t, string(orderdomain.StatePendingConsumer), data["state"])
	assert.Equal(t, "12.5", data["cost"])
}

func TestCreateOrderMapsDomainErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"conflicting order", orderdomain.ErrConflictingOrder, http.StatusConflict},
		{"invalid order", fmt.Errorf("%w: plan_id is required", orderdomain.ErrInvalidOrder), http.StatusBadRequest},
		{"offering paused", fmt.Errorf("%w: offering is PAUSED", orderdomain.ErrOfferingNotAvailable), http.StatusBadRequest},
		{"forbidden", orderdomain.ErrForbidden, http.StatusForbidden},
		{"missing resource", resourcedomain.ErrResourceNotFound, http.StatusNotFound},
		{"terminated resource", resourcedomain.ErrResourceTerminated, http.StatusConflict},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newServerHarness(t)
			h.orders.err = tc.err
			resp := h.do(t, http.MethodPost, "/v1/orders", `{"type":"TERMINATE","resource_id":"40"}`, "alice")
			assert.Equal(t, tc.status, resp.Code, resp.Body.String())
		})
	}
}

func TestConflictReportsSentinel(t *testing.T) {
	h := newServerHarness(t)
	h.orders.err = orderdomain.ErrConflictingOrder
	resp := h.do(t, http.MethodPost, "/v1/orders", `{"type":"UPDATE","resource_id":"40","plan_id":"3"}`, "alice")
	require.Equal(t, http.StatusConflict, resp.Code)
	payload := decode(t, resp)["error"].(map[string]any)
	assert.Equal(t, "conflict", payload["type"])
	assert.Equal(t, "conflicting_order", payload["message"])
}

func TestReviewRoutes(t *testing.T) {
	h := newServerHarness(t)

	for _, path := range []string{"approve_by_consumer", "approve_by_provider", "reject"} {
		resp := h.do(t, http.MethodPost, "/v1/orders/10/"+path, "", "bob")
		assert.Equal(t, http.StatusOK, resp.Code, path)
	}
	resp := h.do(t, http.MethodPost, "/v1/orders/10/cancel", `{"comment":"no longer needed"}`, "bob")
	assert.Equal(t, http.StatusOK, resp.Code)

	assert.Equal(t, []string{
		"consumer:10:bob:",
		"provider:10:bob:",
		"reject:10:bob:",
		"cancel:10:bob:no longer needed",
	}, h.orders.reviews)
}

func TestCancelExecutingOrderIsConflict(t *testing.T) {
	h := newServerHarness(t)
	h.orders.err = orderdomain.ErrOrderNotCancelable
	resp := h.do(t, http.MethodPost, "/v1/orders/10/cancel", "", "bob")
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestSetOrderStateRoutes(t *testing.T) {
	h := newServerHarness(t)

	resp := h.do(t, http.MethodPost, "/v1/orders/10/set_state_done", `{"error_message":"ignored"}`, "owner")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, string(orderdomain.StateDone), decode(t, resp)["data"].(map[string]any)["state"])

	resp = h.do(t, http.MethodPost, "/v1/orders/10/set_state_erred", `{"error_message":" backend gone "}`, "owner")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	data := decode(t, resp)["data"].(map[string]any)
	assert.Equal(t, string(orderdomain.StateErred), data["state"])
	assert.Equal(t, "backend gone", data["error_message"])

	resp = h.do(t, http.MethodPost, "/v1/orders/10/set_state_erred", "", "owner")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	assert.Equal(t, []orderdomain.SetStateRequest{
		{OrderID: "10", User: "owner", State: orderdomain.StateDone},
		{OrderID: "10", User: "owner", State: orderdomain.StateErred, ErrorMessage: "backend gone"},
		{OrderID: "10", User: "owner", State: orderdomain.StateErred},
	}, h.orders.states)
}

func TestSetOrderStateMapsErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not a provider", orderdomain.ErrForbidden, http.StatusForbidden},
		{"not executing", orderdomain.ErrInvalidTransition, http.StatusConflict},
		{"missing order", orderdomain.ErrOrderNotFound, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newServerHarness(t)
			h.orders.err = tc.err
			resp := h.do(t, http.MethodPost, "/v1/orders/10/set_state_done", "", "mallory")
			assert.Equal(t, tc.status, resp.Code, resp.Body.String())
		})
	}

	h := newServerHarness(t)
	resp := h.do(t, http.MethodPost, "/v1/orders/10/set_state_done", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Empty(t, h.orders.states)
}

func TestGetOrderNotFound(t *testing.T) {
	h := newServerHarness(t)
	resp := h.do(t, http.MethodGet, "/v1/orders/99", "", "alice")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestResourceRoutes(t *testing.T) {
	h := newServerHarness(t)

	resp := h.do(t, http.MethodGet, "/v1/resources/40", "", "alice")
	require.Equal(t, http.StatusOK, resp.Code)
	data := decode(t, resp)["data"].(map[string]any)
	assert.Equal(t, "openstack.instance", data["scope_kind"])
	assert.Equal(t, map[string]any{"cores": float64(2)}, data["limits"])

	resp = h.do(t, http.MethodGet, "/v1/resources/40/orders", "", "alice")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, decode(t, resp)["data"], 1)

	resp = h.do(t, http.MethodGet, "/v1/resources/40/plan_periods", "", "alice")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, decode(t, resp)["data"], 1)

	resp = h.do(t, http.MethodPost, "/v1/resources/40/usages", `{"type":"storage","amount":"3.5"}`, "alice")
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	require.Len(t, h.resources.usage, 1)
	assert.Equal(t, "40", h.resources.usage[0].ResourceID)
	assert.Equal(t, "storage", h.resources.usage[0].ComponentType)

	resp = h.do(t, http.MethodPost, "/v1/resources/40/usages", `{"type":"storage","amount":"-1"}`, "alice")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = h.do(t, http.MethodGet, "/v1/resources/40/audit_logs", "", "alice")
	require.Equal(t, http.StatusOK, resp.Code)
	logs := decode(t, resp)["data"].([]any)
	require.Len(t, logs, 1)
	entry := logs[0].(map[string]any)
	assert.Equal(t, "resource.resource_creation_succeeded", entry["action"])
	assert.Equal(t, "10", entry["order_id"])

	resp = h.do(t, http.MethodGet, "/v1/resources/41/audit_logs", "", "alice")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestPublishBackendEvent(t *testing.T) {
	h := newServerHarness(t)

	resp := h.do(t, http.MethodPost, "/v1/backend-events",
		`{"resource_id":"40","scope_kind":"openstack.instance","scope_id":"77","previous_backend_state":"creating","new_backend_state":"OK"}`,
		"",
	)
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	require.Len(t, h.published, 1)
	event := h.published[0]
	assert.Equal(t, snowflake.ID(40), event.ResourceID)
	assert.Equal(t, scope.StateCreating, event.PreviousBackendState)
	assert.Equal(t, scope.StateOK, event.NewBackendState)
	assert.Equal(t, testutil.Epoch, event.OccurredAt)
	assert.NotEmpty(t, event.ID)

	resp = h.do(t, http.MethodPost, "/v1/backend-events",
		`{"resource_id":"40","previous_backend_state":"CREATING","new_backend_state":"RUNNING"}`,
		"",
	)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = h.do(t, http.MethodPost, "/v1/backend-events", `{"resource_id":"abc","previous_backend_state":"OK","new_backend_state":"OK"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Len(t, h.published, 1)
}

func TestPublishBackendEventResolvesResourceFromScope(t *testing.T) {
	h := newServerHarness(t)

	resp := h.do(t, http.MethodPost, "/v1/backend-events",
		`{"scope_kind":"openstack.instance","scope_id":"77","previous_backend_state":"UPDATING","new_backend_state":"ERRED","error_message":"quota"}`,
		"",
	)
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	assert.Equal(t, "40", decode(t, resp)["data"].(map[string]any)["resource_id"])
	require.Len(t, h.published, 1)
	assert.Equal(t, snowflake.ID(40), h.published[0].ResourceID)
	assert.Equal(t, "quota", h.published[0].ErrorMessage)
}

func TestPublishBackendEventRejectsScopeMismatch(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"other resource", `{"resource_id":"41","scope_kind":"openstack.instance","scope_id":"77","previous_backend_state":"OK","new_backend_state":"ERRED"}`, http.StatusConflict},
		{"unlinked scope", `{"scope_kind":"openstack.instance","scope_id":"78","previous_backend_state":"OK","new_backend_state":"ERRED"}`, http.StatusNotFound},
		{"unknown kind", `{"scope_kind":"aws.instance","scope_id":"77","previous_backend_state":"OK","new_backend_state":"ERRED"}`, http.StatusBadRequest},
		{"half a scope", `{"resource_id":"40","scope_kind":"openstack.instance","previous_backend_state":"OK","new_backend_state":"ERRED"}`, http.StatusBadRequest},
		{"nothing to match", `{"previous_backend_state":"OK","new_backend_state":"ERRED"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newServerHarness(t)
			resp := h.do(t, http.MethodPost, "/v1/backend-events", tc.body, "")
			assert.Equal(t, tc.status, resp.Code, resp.Body.String())
			assert.Empty(t, h.published)
		})
	}
}

func TestRunReconcileJob(t *testing.T) {
	h := newServerHarness(t)

	resp := h.do(t, http.MethodPost, "/v1/reconcile/pull_resources", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, []string{"pull_resources"}, h.jobs.ran)

	h.jobs.err = fmt.Errorf("%w: nope", scheduler.ErrUnknownJob)
	resp = h.do(t, http.MethodPost, "/v1/reconcile/nope", "", "")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestRunReconcileJobWithoutScheduler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewServer(ServerParams{
		Gin:         NewEngine(zap.NewNop()),
		Clock:       clock.NewFakeClock(testutil.Epoch),
		OrderSvc:    &fakeOrderService{},
		ResourceSvc: &fakeResourceService{},
		Bus:         events.NewInProcessBus(),
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/reconcile/pull_resources", nil)
	resp := httptest.NewRecorder()
	srv.Engine().ServeHTTP(resp, req)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestCreateOrderIsRateLimitedPerUser(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := ratelimit.NewOrderSubmissionLimiter(ratelimit.Params{
		Config: config.Config{RateLimit: config.RateLimitConfig{
			Enabled:              true,
			OrderSubmissionRate:  0.01,
			OrderSubmissionBurst: 1,
		}},
		Log:   zap.NewNop(),
		Redis: client,
	})
	orders := &fakeOrderService{}
	srv := NewServer(ServerParams{
		Gin:         NewEngine(zap.NewNop()),
		Clock:       clock.NewFakeClock(testutil.Epoch),
		OrderSvc:    orders,
		ResourceSvc: &fakeResourceService{},
		Bus:         events.NewInProcessBus(),
		Limiter:     limiter,
	})

	submit := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/orders",
			bytes.NewBufferString(`{"type":"CREATE","offering_id":"20","project_id":"30","plan_id":"2"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderUserID, user)
		resp := httptest.NewRecorder()
		srv.Engine().ServeHTTP(resp, req)
		return resp
	}

	require.Equal(t, http.StatusCreated, submit("alice").Code)

	limited := submit("alice")
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode(t, limited)["error"].(map[string]any)["type"])

	require.Equal(t, http.StatusCreated, submit("bob").Code)
	assert.Len(t, orders.created, 2)
}
