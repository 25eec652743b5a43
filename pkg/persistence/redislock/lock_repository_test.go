package redislock

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence/memory"
)

func newTestRepository(t *testing.T) (*LockRepository, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewLockRepository(client, slog.New(slog.NewTextHandler(os.Stdout, nil))), server
}

func TestLockRepository_AcquireAndContention(t *testing.T) {
	repo, server := newTestRepository(t)
	ctx := t.Context()
	key := models.InstanceLockKey(42)

	acquired, err := repo.AcquireLock(ctx, key, "engine-a", models.LockTypeInstance, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Contention is an outcome, not an error.
	acquired, err = repo.AcquireLock(ctx, key, "engine-b", models.LockTypeInstance, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)

	// The holder can always re-acquire its own lease.
	acquired, err = repo.AcquireLock(ctx, key, "engine-a", models.LockTypeInstance, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	lock, err := repo.CheckLock(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, key, lock.Key)
	assert.Equal(t, "engine-a", lock.Owner)
	assert.Equal(t, models.LockTypeInstance, lock.Type)
	assert.True(t, lock.ExpiresAt.After(lock.AcquiredAt))

	assert.Equal(t, 30*time.Second, server.TTL(key))
}

func TestLockRepository_RenewAndRelease(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := t.Context()
	key := models.WorkflowLockKey("def-1")

	acquired, err := repo.AcquireLock(ctx, key, "engine-a", models.LockTypeWorkflow, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	before, err := repo.CheckLock(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, before)

	renewed, err := repo.RenewLock(ctx, key, "engine-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed, "renew must fail for a non-owner")

	renewed, err = repo.RenewLock(ctx, key, "engine-a", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed)

	after, err := repo.CheckLock(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.True(t, after.ExpiresAt.After(before.ExpiresAt))
	assert.Equal(t, before.AcquiredAt, after.AcquiredAt)

	released, err := repo.ReleaseLock(ctx, key, "engine-b")
	require.NoError(t, err)
	assert.False(t, released, "release must fail for a non-owner")

	released, err = repo.ReleaseLock(ctx, key, "engine-a")
	require.NoError(t, err)
	assert.True(t, released)

	lock, err := repo.CheckLock(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestLockRepository_ExpiredLeaseIsFree(t *testing.T) {
	repo, server := newTestRepository(t)
	ctx := t.Context()
	key := models.InstanceLockKey(7)

	acquired, err := repo.AcquireLock(ctx, key, "engine-a", models.LockTypeInstance, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	server.FastForward(150 * time.Millisecond)

	lock, err := repo.CheckLock(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, lock, "redis drops the lease at TTL")

	acquired, err = repo.AcquireLock(ctx, key, "engine-b", models.LockTypeInstance, 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestLockRepository_RenewMissingLock(t *testing.T) {
	repo, _ := newTestRepository(t)

	renewed, err := repo.RenewLock(t.Context(), models.InstanceLockKey(1), "engine-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed)
}

func TestLockRepository_ForceReleaseAndCleanup(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := t.Context()
	key := models.InstanceLockKey(9)

	acquired, err := repo.AcquireLock(ctx, key, "engine-a", models.LockTypeInstance, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, repo.ForceReleaseLock(ctx, key))

	lock, err := repo.CheckLock(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, lock)

	// TTLs already handle expiry, so there is never anything to sweep.
	removed, err := repo.CleanupExpiredLocks(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestWrap_RoutesLeasesToRedis(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	base := memory.NewPersistence()
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	wrapped := Wrap(base, client, slog.New(slog.NewTextHandler(os.Stdout, nil)))

	ctx := t.Context()
	key := models.InstanceLockKey(11)

	acquired, err := wrapped.Locks().AcquireLock(ctx, key, "engine-a", models.LockTypeInstance, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	assert.True(t, server.Exists(key), "lease lives in redis")

	baseLock, err := base.Locks().CheckLock(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, baseLock, "base backend never sees the lease")

	require.NoError(t, wrapped.Close(ctx))
	assert.Error(t, client.Ping(ctx).Err(), "close tears down the redis client")
}
