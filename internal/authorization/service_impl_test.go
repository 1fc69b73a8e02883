package authorization

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketplace/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) *ServiceImpl {
	t.Helper()
	enforcer, err := NewEnforcer(testutil.OpenDB(t))
	require.NoError(t, err)
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer})
}

func TestConsumerApprovalFollowsProjectRole(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	project := snowflake.ID(7)

	ok, err := svc.CanApproveAsConsumer(ctx, "alice", project)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.Grant(ctx, "alice", RoleProjectManager, ProjectDomain(project)))
	ok, err = svc.CanApproveAsConsumer(ctx, "alice", project)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.CanApproveAsConsumer(ctx, "alice", snowflake.ID(8))
	require.NoError(t, err)
	assert.False(t, ok, "role is scoped to its project")

	ok, err = svc.CanApproveAsProvider(ctx, "alice", snowflake.ID(9))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.Revoke(ctx, "alice", RoleProjectManager, ProjectDomain(project)))
	ok, err = svc.CanApproveAsConsumer(ctx, "alice", project)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGlobalStaffApprovesEverywhere(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Grant(ctx, "root", RoleStaff, GlobalDomain))
	require.NoError(t, svc.Grant(ctx, "root", RoleStaff, GlobalDomain))

	ok, err := svc.CanApproveAsConsumer(ctx, "root", snowflake.ID(1))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.CanApproveAsProvider(ctx, "root", snowflake.ID(2))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSystemActorIsAlwaysAllowed(t *testing.T) {
	svc := newTestService(t)

	require.NoError(t, svc.Authorize(context.Background(), SystemActor, CustomerDomain(1), ObjectOrder, ActionOrderApproveProvider))
	require.ErrorIs(t, svc.Grant(context.Background(), SystemActor, RoleStaff, GlobalDomain), ErrInvalidActor)
}

func TestAuthorizeValidatesInput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	require.ErrorIs(t, svc.Authorize(ctx, "", "d", "o", "a"), ErrInvalidActor)
	require.ErrorIs(t, svc.Authorize(ctx, "alice", " ", "o", "a"), ErrInvalidDomain)
	require.ErrorIs(t, svc.Authorize(ctx, "alice", "d", "", "a"), ErrInvalidObject)
	require.ErrorIs(t, svc.Authorize(ctx, "alice", "d", "o", ""), ErrInvalidAction)
	require.ErrorIs(t, svc.Authorize(ctx, "alice", "d", ObjectOrder, ActionOrderApproveConsumer), ErrForbidden)
	require.ErrorIs(t, svc.Grant(ctx, "alice", "project_admin", "d"), ErrInvalidRole)
}
