package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"predictapi/internal/config"
	"predictapi/internal/model"
	"predictapi/internal/repository"
	"predictapi/pkg/clock"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ============================================================================
// 发件箱投递
// ============================================================================
//
// 单个 goroutine 轮询未投递事件：
//   - 没有事件：等待 PollIntervalEmpty（默认 30s）
//   - 有事件：逐条投递后等待 PollIntervalWithEvents（默认 5s），尽快清空积压
//   - 查询失败：同样按短间隔重试
//
// 投递失败的事件保持未投递，下一轮继续重试，没有死信；
// attempts 达到 AlertAfterAttempts 后每次失败都打 error 日志，供告警使用。
//
// 停止是协作式的：每轮开始前检查一次，正在处理的批次会完整执行完。
//
// ============================================================================

// Locker 多副本部署时保证同一时刻只有一个副本在投递
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

type SleepFunc func(ctx context.Context, d time.Duration)

type BatchResult struct {
	Fetched   int
	Published int
	Failed    int
	// Skipped 锁被其他副本持有，本轮未执行
	Skipped bool
}

type OutboxWorker struct {
	outboxRepo *repository.OutboxRepository
	handlers   *HandlerRegistry
	cfg        config.OutboxConfig
	clock      clock.Clock
	lock       Locker
	sleep      SleepFunc
	logger     *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

type Option func(*OutboxWorker)

func WithClock(c clock.Clock) Option {
	return func(w *OutboxWorker) { w.clock = c }
}

func WithLock(l Locker) Option {
	return func(w *OutboxWorker) { w.lock = l }
}

func WithSleep(fn SleepFunc) Option {
	return func(w *OutboxWorker) { w.sleep = fn }
}

func NewOutboxWorker(db *gorm.DB, handlers *HandlerRegistry, cfg config.OutboxConfig, logger *zap.Logger, opts ...Option) *OutboxWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &OutboxWorker{
		outboxRepo: repository.NewOutboxRepository(db),
		handlers:   handlers,
		cfg:        cfg,
		clock:      clock.Real(),
		logger:     logger.With(zap.String("component", "outbox_worker")),
		stopCh:     make(chan struct{}),
	}
	w.sleep = w.wait
	for _, opt := range opts {
		opt(w)
	}
	if w.cfg.BatchSize <= 0 {
		w.cfg.BatchSize = 100
	}
	if w.cfg.PollIntervalEmpty <= 0 {
		w.cfg.PollIntervalEmpty = 30 * time.Second
	}
	if w.cfg.PollIntervalWithEvents <= 0 {
		w.cfg.PollIntervalWithEvents = 5 * time.Second
	}
	return w
}

// Start 阻塞运行，直到 ctx 取消或调用 Stop
func (w *OutboxWorker) Start(ctx context.Context) {
	w.logger.Info("发件箱投递任务启动",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Duration("poll_interval_empty", w.cfg.PollIntervalEmpty),
		zap.Duration("poll_interval_with_events", w.cfg.PollIntervalWithEvents))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("收到停止信号，任务退出")
			return
		case <-w.stopCh:
			w.logger.Info("任务停止")
			return
		default:
		}

		// 批次不受 ctx 取消影响，保证已取出的事件处理完
		res, err := w.RunOnce(context.WithoutCancel(ctx))
		w.sleep(ctx, w.nextInterval(res, err))
	}
}

func (w *OutboxWorker) nextInterval(res BatchResult, err error) time.Duration {
	if err != nil {
		w.logger.Error("查询待投递事件失败", zap.Error(err))
		return w.cfg.PollIntervalWithEvents
	}
	if res.Fetched == 0 {
		return w.cfg.PollIntervalEmpty
	}
	return w.cfg.PollIntervalWithEvents
}

func (w *OutboxWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *OutboxWorker) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-w.stopCh:
	}
}

// RunOnce 取一批事件并投递
func (w *OutboxWorker) RunOnce(ctx context.Context) (BatchResult, error) {
	if w.lock != nil {
		ok, err := w.lock.TryLock(ctx)
		if err != nil {
			return BatchResult{}, fmt.Errorf("获取投递锁失败: %w", err)
		}
		if !ok {
			return BatchResult{Skipped: true}, nil
		}
		defer func() {
			if err := w.lock.Unlock(ctx); err != nil {
				w.logger.Warn("释放投递锁失败", zap.Error(err))
			}
		}()
	}

	events, err := w.outboxRepo.GetUnpublished(ctx, w.cfg.BatchSize)
	if err != nil {
		return BatchResult{}, err
	}

	res := BatchResult{Fetched: len(events)}
	for _, evt := range events {
		if w.deliver(ctx, evt) {
			res.Published++
		} else {
			res.Failed++
		}
	}

	if res.Fetched > 0 {
		w.logger.Info("本轮投递完成",
			zap.Int("fetched", res.Fetched),
			zap.Int("published", res.Published),
			zap.Int("failed", res.Failed))
	}
	return res, nil
}

func (w *OutboxWorker) deliver(ctx context.Context, evt *model.OutboxEvent) bool {
	err := w.dispatch(ctx, evt)
	if err != nil {
		w.recordFailure(ctx, evt, err)
		return false
	}

	marked, err := w.outboxRepo.MarkPublished(ctx, evt.ID, w.clock.Now())
	if err != nil {
		// 下一轮会重复投递，至少一次语义允许
		w.logger.Error("标记事件已投递失败", zap.Int64("id", evt.ID), zap.Error(err))
		return false
	}
	if !marked {
		w.logger.Warn("事件已被标记为投递", zap.Int64("id", evt.ID))
	}
	return true
}

func (w *OutboxWorker) dispatch(ctx context.Context, evt *model.OutboxEvent) (err error) {
	h, ok := w.handlers.Lookup(evt.Topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, evt.Topic)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("处理器 panic: %v", r)
		}
	}()
	return h.Handle(ctx, evt)
}

func (w *OutboxWorker) recordFailure(ctx context.Context, evt *model.OutboxEvent, cause error) {
	if err := w.outboxRepo.RecordFailure(ctx, evt.ID, cause.Error()); err != nil {
		w.logger.Error("记录投递失败次数失败", zap.Int64("id", evt.ID), zap.Error(err))
	}

	attempts := evt.Attempts + 1
	fields := []zap.Field{
		zap.Int64("id", evt.ID),
		zap.String("topic", evt.Topic),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	}
	if w.cfg.AlertAfterAttempts > 0 && attempts >= w.cfg.AlertAfterAttempts {
		w.logger.Error("事件多次投递失败，需要人工处理", fields...)
		return
	}
	w.logger.Warn("事件投递失败，下一轮重试", fields...)
}
