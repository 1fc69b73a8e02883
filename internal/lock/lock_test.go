package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client), mr
}

func TestTryLockIsExclusive(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	lease, ok, err := locker.TryLock(ctx, "reconcile:pull", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, lease.Token)

	_, ok, err = locker.TryLock(ctx, "reconcile:pull", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, lease))
	assert.False(t, mr.Exists(keyPrefix+"reconcile:pull"))

	_, ok, err = locker.TryLock(ctx, "reconcile:pull", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseIgnoresForeignToken(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "reconcile:expire", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, locker.Release(ctx, Lease{Key: "reconcile:expire", Token: "someone-else"}))
	assert.True(t, mr.Exists(keyPrefix+"reconcile:expire"))
}

func TestLeaseExpires(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "reconcile:import", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = locker.TryLock(ctx, "reconcile:import", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithLock(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	boom := errors.New("boom")
	ran, err := locker.WithLock(ctx, "job", time.Minute, func(context.Context) error {
		assert.True(t, mr.Exists(keyPrefix+"job"))
		return boom
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(keyPrefix+"job"))

	held, ok, err := locker.TryLock(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ran, err = locker.WithLock(ctx, "job", time.Minute, func(context.Context) error {
		t.Fatal("must not run while held")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, ran)
	require.NoError(t, locker.Release(ctx, held))
}

func TestNilLockerGrantsEverything(t *testing.T) {
	var locker *Locker

	ran, err := locker.WithLock(context.Background(), "job", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)

	_, _, err = locker.TryLock(context.Background(), "", time.Minute)
	assert.ErrorIs(t, err, ErrEmptyKey)
}
