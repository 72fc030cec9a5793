package provider

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"predictapi/internal/circuitbreaker"
)

const BreakerOdds = "odds"

// Odds 一场比赛的欧赔
type Odds struct {
	EventID string  `json:"event_id"`
	Home    float64 `json:"home"`
	Draw    float64 `json:"draw"`
	Away    float64 `json:"away"`
}

// OddsClient 赔率服务客户端，所有调用经过熔断器
type OddsClient struct {
	http    httpClient
	breaker *circuitbreaker.Breaker
}

func NewOddsClient(baseURL string, timeout time.Duration, breaker *circuitbreaker.Breaker) *OddsClient {
	return &OddsClient{
		http:    newHTTPClient(baseURL, timeout),
		breaker: breaker,
	}
}

// GetOdds 查询赔率
// 熔断打开时返回 circuitbreaker.ErrCircuitOpen；4xx（比如比赛不存在）返回 ErrRejected，不计入熔断
func (c *OddsClient) GetOdds(ctx context.Context, eventID string) (*Odds, error) {
	var odds Odds
	var rejected error
	err := c.breaker.Call(ctx, func(ctx context.Context) error {
		err := c.http.do(ctx, http.MethodGet, "/events/"+url.PathEscape(eventID)+"/odds", nil, &odds)
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
	if odds.EventID == "" {
		odds.EventID = eventID
	}
	return &odds, nil
}
