package handler

import (
	"errors"
	"strconv"
	"time"

	"predictapi/internal/circuitbreaker"
	"predictapi/internal/infrastructure/logger"
	"predictapi/internal/model"
	"predictapi/internal/provider"
	"predictapi/internal/repository"
	"predictapi/internal/service"
	"predictapi/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// IdempotencyKeyHeader 客户端幂等键
const IdempotencyKeyHeader = "Idempotency-Key"

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	predictions *service.PredictionService
	bets        *service.BetService
	ledger      *service.LedgerService
	outbox      *service.OutboxService
	breakers    *circuitbreaker.Registry
	logger      *zap.Logger
}

func NewHandler(predictions *service.PredictionService, bets *service.BetService, ledger *service.LedgerService, outbox *service.OutboxService, breakers *circuitbreaker.Registry, log *zap.Logger) *Handler {
	return &Handler{
		predictions: predictions,
		bets:        bets,
		ledger:      ledger,
		outbox:      outbox,
		breakers:    breakers,
		logger:      logger.OrNop(log).With(zap.String("component", "handler")),
	}
}

// fail 错误到响应码的映射
func (h *Handler) fail(c *gin.Context, err error) {
	var openErr *circuitbreaker.OpenError
	switch {
	case errors.Is(err, service.ErrProviderUnavailable):
		if errors.As(err, &openErr) && openErr.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(openErr.RetryAfter.Seconds())+1))
		}
		response.ErrorWithStatus(c, 503, response.CodeProviderUnavailable, "下游服务暂时不可用，请稍后重试")
	case errors.Is(err, service.ErrInvalidIdempotencyKey):
		response.BusinessError(c, response.CodeInvalidIdempotencyKey, err.Error())
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, provider.ErrRejected):
		response.BusinessError(c, response.CodeRequestRejected, err.Error())
	case errors.Is(err, service.ErrNoBetPlaced):
		response.BusinessError(c, response.CodeNoBetPlaced, err.Error())
	case errors.Is(err, provider.ErrUpstream):
		response.BusinessError(c, response.CodeUpstreamError, "下游服务调用失败")
	case errors.Is(err, model.ErrInvalidTransition):
		h.logger.Warn("请求状态冲突", zap.String("path", c.Request.URL.Path), zap.Error(err))
		response.BusinessError(c, response.CodeInvalidTransition, "请求状态冲突")
	default:
		_ = c.Error(err)
		h.logger.Error("请求处理失败", zap.String("path", c.Request.URL.Path), zap.Error(err))
		response.ServerError(c, "服务器内部错误")
	}
}

// ============================================================
// 业务接口
// ============================================================

// CreatePrediction 赛果预测
// POST /api/v1/predictions  Header: Idempotency-Key
func (h *Handler) CreatePrediction(c *gin.Context) {
	var req service.PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.IdempotencyKey = c.GetHeader(IdempotencyKeyHeader)

	res, err := h.predictions.Predict(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	if res.Replayed {
		response.Replay(c, res.CachedResponse)
		return
	}
	response.Success(c, res.Data)
}

// PlaceBets 提交注单
// POST /api/v1/bets  Header: Idempotency-Key
func (h *Handler) PlaceBets(c *gin.Context) {
	var req service.BetSlipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	req.IdempotencyKey = c.GetHeader(IdempotencyKeyHeader)

	res, err := h.bets.PlaceBets(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	if res.Replayed {
		response.Replay(c, res.CachedResponse)
		return
	}
	response.Success(c, res.Data)
}

// ============================================================
// 台账查询
// ============================================================

// GetRequest GET /api/v1/requests/:id
func (h *Handler) GetRequest(c *gin.Context) {
	req, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrRequestNotFound) {
			response.BusinessError(c, response.CodeRequestNotFound, "请求不存在")
			return
		}
		h.fail(c, err)
		return
	}
	response.Success(c, req)
}

// GetRequestByKey GET /api/v1/requests/by-key/:key
func (h *Handler) GetRequestByKey(c *gin.Context) {
	req, err := h.ledger.GetByKey(c.Request.Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, repository.ErrRequestNotFound) {
			response.BusinessError(c, response.CodeRequestNotFound, "请求不存在")
			return
		}
		h.fail(c, err)
		return
	}
	response.Success(c, req)
}

// ListRequests 审计查询
// GET /api/v1/requests?user_id=&event_id=&status=&from=&to=&page=1&page_size=20
// from / to 为 RFC3339 时间，区间左闭右开
func (h *Handler) ListRequests(c *gin.Context) {
	var filter repository.RequestFilter

	if s := c.Query("user_id"); s != "" {
		userID, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			response.ParamError(c, "user_id 参数错误")
			return
		}
		filter.UserID = &userID
	}

	filter.Status = c.Query("status")
	if filter.Status != "" && !model.IsValidStatus(filter.Status) {
		response.ParamError(c, "status 参数错误")
		return
	}
	filter.EventID = c.Query("event_id")

	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		s := c.Query(name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			response.ParamError(c, name+" 参数错误")
			return
		}
		t = t.UTC()
		*dst = &t
	}

	var ok bool
	if filter.Page, ok = queryInt(c, "page", 1); !ok {
		return
	}
	if filter.PageSize, ok = queryInt(c, "page_size", 20); !ok {
		return
	}
	if filter.PageSize > 100 {
		filter.PageSize = 100
	}

	list, total, err := h.ledger.Search(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      list,
		"total":     total,
		"page":      filter.Page,
		"page_size": filter.PageSize,
	})
}

// queryInt 读取正整数参数，缺省或非正数取默认值；不是数字时直接返回参数错误
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	s := c.Query(name)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		response.ParamError(c, name+" 参数错误")
		return 0, false
	}
	if n < 1 {
		n = def
	}
	return n, true
}

// ============================================================
// 发件箱
// ============================================================

// ListOutboxEvents 排查投递情况
// GET /api/v1/outbox/events?topic=&limit=50
func (h *Handler) ListOutboxEvents(c *gin.Context) {
	topic := c.Query("topic")
	if topic == "" {
		response.ParamError(c, "topic 不能为空")
		return
	}
	limit, ok := queryInt(c, "limit", 50)
	if !ok {
		return
	}
	if limit > 200 {
		limit = 200
	}

	events, err := h.outbox.ListByTopic(c.Request.Context(), topic, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	backlog, err := h.outbox.Backlog(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":    events,
		"backlog": backlog,
	})
}

// ============================================================
// 熔断器
// ============================================================

// ListBreakers GET /api/v1/breakers
func (h *Handler) ListBreakers(c *gin.Context) {
	snapshots, err := h.breakers.Snapshots(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, snapshots)
}

// ResetBreaker POST /api/v1/breakers/:name/reset
func (h *Handler) ResetBreaker(c *gin.Context) {
	name := c.Param("name")
	b, ok := h.breakers.Lookup(name)
	if !ok {
		response.BusinessError(c, response.CodeBreakerNotFound, "熔断器不存在")
		return
	}
	if err := b.Reset(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("熔断器已手动重置", zap.String("breaker", name), zap.String("client_ip", c.ClientIP()))

	snap, err := b.Snapshot(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, snap)
}
