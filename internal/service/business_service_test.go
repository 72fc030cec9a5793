package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"predictapi/internal/circuitbreaker"
	"predictapi/internal/model"
	"predictapi/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOdds struct {
	calls int
	odds  *provider.Odds
	err   error
}

func (f *fakeOdds) GetOdds(_ context.Context, eventID string) (*provider.Odds, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	o := *f.odds
	o.EventID = eventID
	return &o, nil
}

type fakeBookmaker struct {
	calls  int
	failAt map[int]error
}

func (f *fakeBookmaker) PlaceBet(_ context.Context, bet provider.BetRequest) (*provider.BetReceipt, error) {
	f.calls++
	if err, ok := f.failAt[f.calls]; ok {
		return nil, err
	}
	return &provider.BetReceipt{TicketID: "T-" + bet.BetNo, Status: "ACCEPTED"}, nil
}

func TestPredictCompletesAndReplays(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	odds := &fakeOdds{odds: &provider.Odds{Home: 1.5, Draw: 4.0, Away: 6.0}}
	svc := NewPredictionService(h.db, h.admission, h.ledger, h.outbox, odds, nil)

	req := &PredictionRequest{IdempotencyKey: "p-1", UserID: 3, EventID: "ev-9"}
	res, err := svc.Predict(ctx, req)
	require.NoError(t, err)
	require.False(t, res.Replayed)
	assert.Equal(t, "home", res.Data.Predicted)
	p := res.Data.Probabilities
	assert.InDelta(t, 1.0, p.Home+p.Draw+p.Away, 0.001)

	ledger := h.request(t, res.RequestID)
	assert.Equal(t, model.RequestStatusCompleted, ledger.Status)
	assert.Equal(t, "home", ledger.Metadata["predicted"])

	events := h.events(t, model.TopicPredictionCompleted)
	require.Len(t, events, 1)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, res.RequestID, payload["request_id"])
	assert.Equal(t, "ev-9", payload["event_id"])
	assert.Len(t, h.events(t, model.TopicRequestCompleted), 1)

	again, err := svc.Predict(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Nil(t, again.Data)
	cached, _ := json.Marshal(res.Data)
	assert.JSONEq(t, string(cached), string(again.CachedResponse))
	assert.Equal(t, 1, odds.calls)
	assert.Len(t, h.events(t, model.TopicPredictionCompleted), 1, "no duplicate side effects")
}

func TestPredictCircuitOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	odds := &fakeOdds{err: &circuitbreaker.OpenError{Name: "odds", State: circuitbreaker.StateOpen}}
	svc := NewPredictionService(h.db, h.admission, h.ledger, h.outbox, odds, nil)

	_, err := svc.Predict(ctx, &PredictionRequest{IdempotencyKey: "p-2", UserID: 3, EventID: "ev-9"})
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)

	ledger, err := h.ledger.GetByKey(ctx, "p-2")
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusFailed, ledger.Status)
	assert.NotNil(t, ledger.CompletedAt)
	assert.Empty(t, h.events(t, model.TopicPredictionCompleted))
	assert.Len(t, h.events(t, model.TopicRequestCompleted), 1)

	// 失败结果不缓存，同 key 可以重试
	odds.err = nil
	odds.odds = &provider.Odds{Home: 3, Draw: 3, Away: 2}
	res, err := svc.Predict(ctx, &PredictionRequest{IdempotencyKey: "p-2", UserID: 3, EventID: "ev-9"})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, "away", res.Data.Predicted)
}

func TestPredictRejectedEvent(t *testing.T) {
	h := newHarness(t)
	odds := &fakeOdds{err: &provider.RejectedError{StatusCode: 404, Message: "unknown event"}}
	svc := NewPredictionService(h.db, h.admission, h.ledger, h.outbox, odds, nil)

	_, err := svc.Predict(context.Background(), &PredictionRequest{UserID: 1, EventID: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.NotErrorIs(t, err, ErrProviderUnavailable)
}

func selections(n int) []Selection {
	out := make([]Selection, n)
	for i := range out {
		out[i] = Selection{EventID: fmt.Sprintf("ev-%d", i), Selection: "home", Stake: 100, Odds: 2.5}
	}
	return out
}

func TestPlaceBetsOutcomes(t *testing.T) {
	cases := []struct {
		name       string
		failAt     map[int]error
		wantStatus string
		wantPlaced int
	}{
		{"all placed", nil, model.RequestStatusCompleted, 3},
		{"partial", map[int]error{2: provider.ErrUpstream}, model.RequestStatusPartial, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			bm := &fakeBookmaker{failAt: tc.failAt}
			svc := NewBetService(h.db, h.admission, h.ledger, h.outbox, bm, nil)

			res, err := svc.PlaceBets(ctx, &BetSlipRequest{IdempotencyKey: "slip", UserID: 5, Selections: selections(3)})
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, res.Data.Status)
			assert.Equal(t, tc.wantPlaced, res.Data.Placed)
			assert.Len(t, res.Data.Bets, 3)

			ledger := h.request(t, res.RequestID)
			assert.Equal(t, tc.wantStatus, ledger.Status)
			assert.Equal(t, tc.wantStatus == model.RequestStatusCompleted, ledger.CompletedAt != nil)
			assert.Len(t, h.events(t, model.TopicBetPlaced), tc.wantPlaced)

			again, err := svc.PlaceBets(ctx, &BetSlipRequest{IdempotencyKey: "slip", UserID: 5, Selections: selections(3)})
			require.NoError(t, err)
			assert.True(t, again.Replayed)
			assert.Equal(t, 3, bm.calls)
		})
	}
}

func TestPlaceBetsAllFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	open := &circuitbreaker.OpenError{Name: "bookmaker", State: circuitbreaker.StateOpen}
	bm := &fakeBookmaker{failAt: map[int]error{1: provider.ErrUpstream, 2: open}}
	svc := NewBetService(h.db, h.admission, h.ledger, h.outbox, bm, nil)

	_, err := svc.PlaceBets(ctx, &BetSlipRequest{IdempotencyKey: "slip", UserID: 5, Selections: selections(2)})
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	req, err := h.ledger.GetByKey(ctx, "slip")
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusFailed, req.Status)
	assert.Empty(t, h.events(t, model.TopicBetPlaced))

	bm = &fakeBookmaker{failAt: map[int]error{1: provider.ErrUpstream}}
	svc = NewBetService(h.db, h.admission, h.ledger, h.outbox, bm, nil)
	_, err = svc.PlaceBets(ctx, &BetSlipRequest{UserID: 5, Selections: selections(1)})
	assert.ErrorIs(t, err, ErrNoBetPlaced)
	assert.True(t, errors.Is(err, provider.ErrUpstream))
}
