package service

import (
	"context"
	"testing"

	"predictapi/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handle 模拟请求处理层：受理 -> 业务 -> 完成
func handle(t *testing.T, h *harness, key string, executions *int) *Admission {
	t.Helper()
	ctx := context.Background()

	adm, err := h.admission.Begin(ctx, AdmissionRequest{IdempotencyKey: key})
	require.NoError(t, err)
	if adm.IsDuplicate {
		return adm
	}

	*executions++
	_, err = h.ledger.UpdateStatus(ctx, nil, adm.RequestID, StatusUpdate{Status: model.RequestStatusProcessing})
	require.NoError(t, err)
	_, err = h.ledger.UpdateStatus(ctx, nil, adm.RequestID, StatusUpdate{Status: model.RequestStatusCompleted})
	require.NoError(t, err)
	h.admission.Complete(ctx, adm, map[string]int{"result": 42})
	return adm
}

func TestAdmissionDuplicateReturnsCachedResponse(t *testing.T) {
	h := newHarness(t)
	executions := 0

	first := handle(t, h, "abc123", &executions)
	assert.False(t, first.IsDuplicate)
	require.True(t, first.Tracked())
	assert.Equal(t, model.RequestStatusCompleted, h.request(t, first.RequestID).Status)

	second := handle(t, h, "abc123", &executions)
	assert.True(t, second.IsDuplicate)
	assert.JSONEq(t, `{"result":42}`, string(second.CachedResponse))
	assert.Equal(t, first.RequestID, second.RequestID)
	assert.Equal(t, 1, executions, "business logic not re-executed")
}

func TestAdmissionWithoutKeyAlwaysExecutes(t *testing.T) {
	h := newHarness(t)
	executions := 0

	a := handle(t, h, "", &executions)
	b := handle(t, h, "", &executions)
	assert.Equal(t, 2, executions)
	assert.NotEqual(t, a.RequestID, b.RequestID)
}

func TestAdmissionUnresolvedKeyIsNotDeduplicated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	first, err := h.admission.Begin(ctx, AdmissionRequest{IdempotencyKey: "k"})
	require.NoError(t, err)

	// 第一次尚未写入结果，同 key 的请求照常受理
	second, err := h.admission.Begin(ctx, AdmissionRequest{IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.False(t, second.IsDuplicate)
	assert.NotEqual(t, first.RequestID, second.RequestID)

	check, err := h.idempotency.Check(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, second.RequestID, check.RequestID)
}

func TestAdmissionInvalidKey(t *testing.T) {
	h := newHarness(t)
	_, err := h.admission.Begin(context.Background(), AdmissionRequest{IdempotencyKey: "this-key-is-way-too-long"})
	assert.ErrorIs(t, err, ErrInvalidIdempotencyKey)
}

func TestAdmissionAbsorbsBookkeepingFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.db.Migrator().DropTable(&model.Request{}, &model.IdempotencyKey{}))

	adm, err := h.admission.Begin(ctx, AdmissionRequest{IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.False(t, adm.IsDuplicate)
	assert.False(t, adm.Tracked(), "proceeds unprotected")

	h.admission.Complete(ctx, adm, map[string]int{"result": 1})
}
