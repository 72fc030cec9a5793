package service

import (
	"context"
	"testing"
	"time"

	"predictapi/internal/config"
	"predictapi/internal/model"
	"predictapi/internal/testutil"
	"predictapi/pkg/clock"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type harness struct {
	db          *gorm.DB
	clock       *clock.Fake
	idempotency *IdempotencyService
	ledger      *LedgerService
	outbox      *OutboxService
	admission   *AdmissionService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	clk := clock.NewFake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	cfg := config.IdempotencyConfig{
		TTL:              24 * time.Hour,
		MaxKeyLength:     16,
		CleanupInterval:  time.Hour,
		CleanupBatchSize: 2,
	}

	h := &harness{db: db, clock: clk}
	h.idempotency = NewIdempotencyService(db, cfg, clk, nil)
	h.ledger = NewLedgerService(db, clk, nil)
	h.outbox = NewOutboxService(db, clk)
	h.admission = NewAdmissionService(h.idempotency, h.ledger, nil)
	return h
}

func (h *harness) events(t *testing.T, topic string) []*model.OutboxEvent {
	t.Helper()
	var events []*model.OutboxEvent
	require.NoError(t, h.db.Where("topic = ?", topic).Order("id ASC").Find(&events).Error)
	return events
}

func (h *harness) request(t *testing.T, id string) *model.Request {
	t.Helper()
	req, err := h.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return req
}
