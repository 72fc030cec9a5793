package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"predictapi/internal/circuitbreaker"
)

const BreakerBookmaker = "bookmaker"

type BetRequest struct {
	BetNo     string  `json:"bet_no"`
	UserID    int64   `json:"user_id"`
	EventID   string  `json:"event_id"`
	Selection string  `json:"selection"`
	Stake     int64   `json:"stake"`
	Odds      float64 `json:"odds"`
}

type BetReceipt struct {
	TicketID string `json:"ticket_id"`
	Status   string `json:"status"`
}

// BookmakerClient 下注服务客户端，所有调用经过熔断器
type BookmakerClient struct {
	http    httpClient
	breaker *circuitbreaker.Breaker
}

func NewBookmakerClient(baseURL string, timeout time.Duration, breaker *circuitbreaker.Breaker) *BookmakerClient {
	return &BookmakerClient{
		http:    newHTTPClient(baseURL, timeout),
		breaker: breaker,
	}
}

// PlaceBet 提交单注，bet_no 作为下游的幂等号
func (c *BookmakerClient) PlaceBet(ctx context.Context, bet BetRequest) (*BetReceipt, error) {
	body, err := json.Marshal(bet)
	if err != nil {
		return nil, err
	}

	var receipt BetReceipt
	var rejected error
	err = c.breaker.Call(ctx, func(ctx context.Context) error {
		err := c.http.do(ctx, http.MethodPost, "/bets", bytes.NewReader(body), &receipt)
		if errors.Is(err, ErrRejected) {
			rejected = err
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		return nil, rejected
	}
	return &receipt, nil
}
