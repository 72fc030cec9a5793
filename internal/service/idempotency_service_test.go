package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"predictapi/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyCheckAbsent(t *testing.T) {
	h := newHarness(t)
	check, err := h.idempotency.Check(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, check.Exists)
	assert.Nil(t, check.CachedResponse)
}

func TestIdempotencyStoredResponseUntilExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.idempotency.Create(ctx, "k1", "REQ1", time.Hour))
	stored, err := h.idempotency.StoreResponse(ctx, "k1", map[string]int{"result": 42})
	require.NoError(t, err)
	assert.True(t, stored)

	for i := 0; i < 3; i++ {
		check, err := h.idempotency.Check(ctx, "k1")
		require.NoError(t, err)
		require.True(t, check.Exists)
		assert.JSONEq(t, `{"result":42}`, string(check.CachedResponse))
		assert.Equal(t, "REQ1", check.RequestID)
		h.clock.Advance(20 * time.Minute)
	}

	// 恰好到 expires_at 仍然有效
	h.clock.Set(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	check, err := h.idempotency.Check(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, check.Exists)

	h.clock.Advance(time.Second)
	check, err = h.idempotency.Check(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, check.Exists)

	var n int64
	require.NoError(t, h.db.Model(&model.IdempotencyKey{}).Count(&n).Error)
	assert.Zero(t, n, "expired row purged lazily")
}

func TestIdempotencyStoreResponseIsImmutable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	stored, err := h.idempotency.StoreResponse(ctx, "missing", map[string]int{"a": 1})
	require.NoError(t, err)
	assert.False(t, stored, "unknown key is not an error")

	require.NoError(t, h.idempotency.Create(ctx, "k1", "", 0))
	stored, err = h.idempotency.StoreResponse(ctx, "k1", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = h.idempotency.StoreResponse(ctx, "k1", []byte(`{"a":2}`))
	require.NoError(t, err)
	assert.False(t, stored)

	// 重新登记只更新 request_id
	require.NoError(t, h.idempotency.Create(ctx, "k1", "REQ2", 0))
	check, err := h.idempotency.Check(ctx, "k1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(check.CachedResponse))
	assert.Equal(t, "REQ2", check.RequestID)
}

func TestIdempotencyDefaultTTL(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.idempotency.Create(ctx, "k1", "", 0))
	var rec model.IdempotencyKey
	require.NoError(t, h.db.Take(&rec).Error)
	assert.Equal(t, 24*time.Hour, rec.ExpiresAt.Sub(rec.CreatedAt))
}

func TestIdempotencyInvalidKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.idempotency.Check(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidIdempotencyKey)
	err = h.idempotency.Create(ctx, strings.Repeat("x", 17), "", 0)
	assert.ErrorIs(t, err, ErrInvalidIdempotencyKey)
}

func TestIdempotencyCleanupExpired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, h.idempotency.Create(ctx, k, "", time.Minute))
	}
	require.NoError(t, h.idempotency.Create(ctx, "live", "", 2*time.Hour))

	h.clock.Advance(time.Hour)
	n, err := h.idempotency.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	check, err := h.idempotency.Check(ctx, "live")
	require.NoError(t, err)
	assert.True(t, check.Exists)

	require.NoError(t, h.idempotency.Delete(ctx, "live"))
	check, err = h.idempotency.Check(ctx, "live")
	require.NoError(t, err)
	assert.False(t, check.Exists)
}
