package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"predictapi/internal/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBreaker(threshold int) *circuitbreaker.Breaker {
	return circuitbreaker.New("test", circuitbreaker.Config{
		FailureThreshold: threshold,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	}, nil, nil, nil)
}

func TestOddsClientGetOdds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events/ev-1/odds", r.URL.Path)
		_, _ = w.Write([]byte(`{"event_id":"ev-1","home":2.0,"draw":3.5,"away":4.0}`))
	}))
	defer srv.Close()

	client := NewOddsClient(srv.URL+"/", time.Second, newBreaker(3))
	odds, err := client.GetOdds(context.Background(), "ev-1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, odds.Home)
	assert.Equal(t, 4.0, odds.Away)
}

func TestOddsClientTripsBreakerOnServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewOddsClient(srv.URL, time.Second, newBreaker(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.GetOdds(ctx, "ev-1")
		assert.ErrorIs(t, err, ErrUpstream)
	}
	_, err := client.GetOdds(ctx, "ev-1")
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits), "open breaker does not reach the server")
}

func TestRejectionDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown event", http.StatusNotFound)
	}))
	defer srv.Close()

	br := newBreaker(1)
	client := NewOddsClient(srv.URL, time.Second, br)

	for i := 0; i < 3; i++ {
		_, err := client.GetOdds(context.Background(), "nope")
		var rejected *RejectedError
		require.ErrorAs(t, err, &rejected)
		assert.Equal(t, http.StatusNotFound, rejected.StatusCode)
	}
	state, err := br.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, state)
}

func TestBookmakerPlaceBet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/bets", r.URL.Path)

		var bet BetRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&bet))
		if bet.Stake > 1000 {
			http.Error(w, "stake limit", http.StatusUnprocessableEntity)
			return
		}
		_ = json.NewEncoder(w).Encode(BetReceipt{TicketID: "T-" + bet.BetNo, Status: "ACCEPTED"})
	}))
	defer srv.Close()

	client := NewBookmakerClient(srv.URL, time.Second, newBreaker(3))

	receipt, err := client.PlaceBet(context.Background(), BetRequest{BetNo: "B1", Stake: 100})
	require.NoError(t, err)
	assert.Equal(t, "T-B1", receipt.TicketID)

	_, err = client.PlaceBet(context.Background(), BetRequest{BetNo: "B2", Stake: 5000})
	assert.ErrorIs(t, err, ErrRejected)
}
