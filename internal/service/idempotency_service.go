package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"predictapi/internal/config"
	"predictapi/internal/repository"
	"predictapi/pkg/clock"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// IdempotencyService 幂等键存储
//
// 只对“已经有结果”的 key 去重：两个同 key 的请求在结果写入之前并发到达时，
// 两者都会执行业务逻辑。这里不加分布式锁。
type IdempotencyService struct {
	repo   *repository.IdempotencyRepository
	cfg    config.IdempotencyConfig
	clock  clock.Clock
	logger *zap.Logger
}

func NewIdempotencyService(db *gorm.DB, cfg config.IdempotencyConfig, clk clock.Clock, logger *zap.Logger) *IdempotencyService {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdempotencyService{
		repo:   repository.NewIdempotencyRepository(db),
		cfg:    cfg,
		clock:  clk,
		logger: logger.With(zap.String("component", "idempotency")),
	}
}

// IdempotencyCheck 查询结果，Exists=false 时其余字段为零值
type IdempotencyCheck struct {
	Exists         bool
	CachedResponse json.RawMessage
	CreatedAt      time.Time
	RequestID      string
}

// HasResponse key 存在且已缓存结果
func (c *IdempotencyCheck) HasResponse() bool {
	return c.Exists && len(c.CachedResponse) > 0
}

func (s *IdempotencyService) validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: 不能为空", ErrInvalidIdempotencyKey)
	}
	if s.cfg.MaxKeyLength > 0 && len(key) > s.cfg.MaxKeyLength {
		return fmt.Errorf("%w: 长度超过 %d", ErrInvalidIdempotencyKey, s.cfg.MaxKeyLength)
	}
	return nil
}

// Check 查询幂等键
// 已过期的记录视为不存在，顺手删除（失败只记日志）
func (s *IdempotencyService) Check(ctx context.Context, key string) (*IdempotencyCheck, error) {
	if err := s.validateKey(key); err != nil {
		return nil, err
	}

	rec, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("查询幂等键失败: %w", err)
	}
	if rec == nil {
		return &IdempotencyCheck{}, nil
	}

	now := s.clock.Now()
	if rec.IsExpired(now) {
		if err := s.repo.DeleteIfExpired(ctx, key, now); err != nil {
			s.logger.Warn("清理过期幂等键失败", zap.String("key", key), zap.Error(err))
		}
		return &IdempotencyCheck{}, nil
	}

	check := &IdempotencyCheck{
		Exists:    true,
		CreatedAt: rec.CreatedAt,
	}
	if len(rec.ResponseData) > 0 {
		check.CachedResponse = json.RawMessage(rec.ResponseData)
	}
	if rec.RequestID != nil {
		check.RequestID = *rec.RequestID
	}
	return check, nil
}

// Create 登记幂等键，ttl<=0 使用配置的默认值
// key 已存在且未过期时只更新 request_id，不会覆盖已缓存的响应
func (s *IdempotencyService) Create(ctx context.Context, key, requestID string, ttl time.Duration) error {
	if err := s.validateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}

	var rid *string
	if requestID != "" {
		rid = &requestID
	}

	now := s.clock.Now()
	if err := s.repo.Upsert(ctx, key, rid, now, now.Add(ttl)); err != nil {
		return fmt.Errorf("写入幂等键失败: %w", err)
	}
	return nil
}

// StoreResponse 缓存响应
// key 不存在、已过期或已有响应时返回 false，不视为错误
func (s *IdempotencyService) StoreResponse(ctx context.Context, key string, payload interface{}) (bool, error) {
	var data []byte
	switch v := payload.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return false, fmt.Errorf("序列化响应失败: %w", err)
		}
		data = b
	}
	if !json.Valid(data) {
		return false, fmt.Errorf("响应不是合法 JSON: key=%s", key)
	}

	stored, err := s.repo.AttachResponse(ctx, key, data, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("缓存响应失败: %w", err)
	}
	if !stored {
		s.logger.Debug("幂等键不存在或已有响应，跳过缓存", zap.String("key", key))
	}
	return stored, nil
}

func (s *IdempotencyService) Delete(ctx context.Context, key string) error {
	if err := s.repo.Delete(ctx, key); err != nil {
		return fmt.Errorf("删除幂等键失败: %w", err)
	}
	return nil
}

// CleanupExpired 分批清理过期记录，直到没有剩余
func (s *IdempotencyService) CleanupExpired(ctx context.Context) (int64, error) {
	batch := s.cfg.CleanupBatchSize
	if batch <= 0 {
		batch = 500
	}
	now := s.clock.Now()

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.repo.DeleteExpired(ctx, now, batch)
		total += n
		if err != nil {
			return total, fmt.Errorf("清理过期幂等键失败: %w", err)
		}
		if n < int64(batch) {
			return total, nil
		}
	}
}
