package job

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Cleaner 过期数据清理
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// IdempotencyCleanupJob 定期清理过期幂等键
// 过期记录在读取时已视为不存在，这里只负责回收空间
type IdempotencyCleanupJob struct {
	cleaner  Cleaner
	interval time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewIdempotencyCleanupJob(cleaner Cleaner, interval time.Duration, logger *zap.Logger) *IdempotencyCleanupJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &IdempotencyCleanupJob{
		cleaner:  cleaner,
		interval: interval,
		logger:   logger.With(zap.String("component", "idempotency_cleanup")),
		stopCh:   make(chan struct{}),
	}
}

func (j *IdempotencyCleanupJob) Start(ctx context.Context) {
	j.logger.Info("幂等键清理任务启动", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.logger.Info("任务停止")
			return
		case <-ticker.C:
			_, _ = j.RunOnce(ctx)
		}
	}
}

// Stop 可重复调用
func (j *IdempotencyCleanupJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// RunOnce 清理一次，返回删除条数
func (j *IdempotencyCleanupJob) RunOnce(ctx context.Context) (int64, error) {
	n, err := j.cleaner.CleanupExpired(ctx)
	if err != nil {
		j.logger.Error("清理过期幂等键失败", zap.Int64("deleted", n), zap.Error(err))
		return n, err
	}
	if n > 0 {
		j.logger.Info("已清理过期幂等键", zap.Int64("deleted", n))
	}
	return n, nil
}
