package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestTryLockMutualExclusion(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	a := NewOutboxWorkerLock(client, "replica-a", time.Minute)
	b := NewOutboxWorkerLock(client, "replica-b", time.Minute)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// 持有者重复加锁视为续期
	ok, err = a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnlockOnlyReleasesOwnLock(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	a := NewOutboxWorkerLock(client, "replica-a", time.Minute)
	b := NewOutboxWorkerLock(client, "replica-b", time.Minute)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Unlock(ctx))
	assert.True(t, mr.Exists("outbox:worker:lock"))

	require.NoError(t, a.Unlock(ctx))
	assert.False(t, mr.Exists("outbox:worker:lock"))

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockExpires(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	a := NewOutboxWorkerLock(client, "replica-a", time.Second)
	b := NewOutboxWorkerLock(client, "replica-b", time.Second)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockGivesUpAfterRetries(t *testing.T) {
	_, client := newClient(t)
	ctx := context.Background()

	a := NewOutboxWorkerLock(client, "replica-a", time.Minute)
	b := NewOutboxWorkerLock(client, "replica-b", time.Minute)

	require.NoError(t, a.Lock(ctx, time.Millisecond, 1))
	err := b.Lock(ctx, time.Millisecond, 3)
	assert.ErrorIs(t, err, ErrLockFailed)
}
