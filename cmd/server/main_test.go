package main

import (
	"context"
	"testing"
	"time"

	"predictapi/internal/config"
	"predictapi/internal/infrastructure/lock"
	"predictapi/internal/job"
	"predictapi/internal/model"
	"predictapi/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()

	for _, name := range []string{"serve", "worker", "cleanup", "migrate"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}

	worker, _, err := root.Find([]string{"worker"})
	require.NoError(t, err)
	assert.NotNil(t, worker.Flags().Lookup("once"))

	flag := root.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "config/config.yaml", flag.DefValue)
}

func TestDrainOnceWaitsForLock(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	require.NoError(t, db.Create(&model.OutboxEvent{
		Topic:   model.TopicRequestCompleted,
		Payload: datatypes.JSON(`{"request_id":"R1"}`),
	}).Error)

	handlers := job.NewHandlerRegistry()
	handlers.SetDefault(job.NewLogHandler(nil))
	worker := job.NewOutboxWorker(db, handlers, config.OutboxConfig{BatchSize: 10}, nil)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	holder := lock.NewOutboxWorkerLock(client, "replica-a", time.Minute)
	ok, err := holder.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mine := lock.NewOutboxWorkerLock(client, "cli", time.Minute)
	_, err = drainOnce(ctx, worker, mine, time.Millisecond, 3)
	assert.ErrorIs(t, err, lock.ErrLockFailed)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = holder.Unlock(ctx)
	}()
	res, err := drainOnce(ctx, worker, mine, 10*time.Millisecond, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)

	// 执行完释放锁
	ok, err = holder.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDrainOnceWithoutLock(t *testing.T) {
	handlers := job.NewHandlerRegistry()
	handlers.SetDefault(job.NewLogHandler(nil))
	worker := job.NewOutboxWorker(testutil.NewDB(t), handlers, config.OutboxConfig{BatchSize: 10}, nil)

	res, err := drainOnce(context.Background(), worker, nil, time.Millisecond, 1)
	require.NoError(t, err)
	assert.Equal(t, job.BatchResult{}, res)
}
