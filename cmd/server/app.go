package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"predictapi/internal/circuitbreaker"
	"predictapi/internal/config"
	"predictapi/internal/handler"
	"predictapi/internal/infrastructure/cache"
	"predictapi/internal/infrastructure/database"
	"predictapi/internal/infrastructure/lock"
	"predictapi/internal/infrastructure/logger"
	"predictapi/internal/infrastructure/mq"
	"predictapi/internal/job"
	"predictapi/internal/provider"
	"predictapi/internal/service"
	"predictapi/pkg/clock"
	"predictapi/pkg/idgen"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app 进程内共享的依赖，由各个子命令按需组装
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	db      *gorm.DB
	redis   *redis.Client
	clock   clock.Clock
	closers []func()
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(&cfg.Log)
	if err != nil {
		return nil, err
	}

	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return nil, fmt.Errorf("初始化 ID 生成器失败: %w", err)
	}

	a := &app{cfg: cfg, logger: log, clock: clock.Real()}
	a.closers = append(a.closers, func() { _ = log.Sync() })

	a.db, err = database.Open(&cfg.Database)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	log.Info("数据库连接成功", zap.String("driver", cfg.Database.Driver), zap.String("host", cfg.Database.Host))

	if cfg.Redis.Enabled() {
		a.redis, err = cache.NewRedis(ctx, &cfg.Redis)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = a.redis.Close() })
		log.Info("Redis 连接成功", zap.String("host", cfg.Redis.Host))
	}
	return a, nil
}

// close 按创建的逆序释放资源
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) breakerRegistry() *circuitbreaker.Registry {
	var store circuitbreaker.StateStore = circuitbreaker.NewMemoryStore()
	if a.cfg.Breaker.Store == config.BreakerStoreRedis {
		store = circuitbreaker.NewRedisStore(a.redis, a.cfg.Breaker.KeyPrefix)
	}

	reg := circuitbreaker.NewRegistry(store, func(name string) circuitbreaker.Config {
		return circuitbreaker.FromParams(a.cfg.BreakerParams(name))
	}, a.clock, a.logger)

	reg.OnStateChange(func(name string, from, to circuitbreaker.State) {
		if to == circuitbreaker.StateOpen {
			a.logger.Warn("熔断器打开", zap.String("breaker", name), zap.String("from", string(from)))
		}
	})
	return reg
}

func (a *app) idempotencyService() *service.IdempotencyService {
	return service.NewIdempotencyService(a.db, a.cfg.Idempotency, a.clock, a.logger)
}

func (a *app) router(breakers *circuitbreaker.Registry) *gin.Engine {
	idem := a.idempotencyService()
	ledger := service.NewLedgerService(a.db, a.clock, a.logger)
	outbox := service.NewOutboxService(a.db, a.clock)
	admission := service.NewAdmissionService(idem, ledger, a.logger)

	p := a.cfg.Providers
	odds := provider.NewOddsClient(p.OddsBaseURL, p.Timeout, breakers.Get(provider.BreakerOdds))
	bookmaker := provider.NewBookmakerClient(p.BookmakerBaseURL, p.Timeout, breakers.Get(provider.BreakerBookmaker))

	predictions := service.NewPredictionService(a.db, admission, ledger, outbox, odds, a.logger)
	bets := service.NewBetService(a.db, admission, ledger, outbox, bookmaker, a.logger)

	return handler.SetupRouter(handler.NewHandler(predictions, bets, ledger, outbox, breakers, a.logger), a.logger)
}

// outboxHandlers 按 outbox.broker 选择投递通道
func (a *app) outboxHandlers() (*job.HandlerRegistry, error) {
	reg := job.NewHandlerRegistry()

	switch a.cfg.Outbox.Broker {
	case config.BrokerKafka:
		producer, err := mq.NewKafkaProducer(&a.cfg.Kafka)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = producer.Close() })
		reg.SetDefault(job.NewKafkaHandler(producer, a.cfg.Kafka.TopicPrefix, a.logger))
	case config.BrokerRabbitMQ:
		rmq, err := mq.DialRabbitMQ(&a.cfg.RabbitMQ, 5, 2*time.Second, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rmq.Close)
		reg.SetDefault(job.NewRabbitMQHandler(rmq.Channel, rmq.Exchange))
	default:
		reg.SetDefault(job.NewLogHandler(a.logger))
	}
	return reg, nil
}

// outboxWorker perIterationLock 为 true 时每轮自行抢锁，抢不到就跳过本轮
func (a *app) outboxWorker(perIterationLock bool) (*job.OutboxWorker, error) {
	handlers, err := a.outboxHandlers()
	if err != nil {
		return nil, err
	}

	opts := []job.Option{job.WithClock(a.clock)}
	if perIterationLock {
		opts = append(opts, job.WithLock(a.outboxLock()))
	}
	return job.NewOutboxWorker(a.db, handlers, a.cfg.Outbox, a.logger, opts...), nil
}

func (a *app) outboxLock() *lock.DistributedLock {
	return lock.NewOutboxWorkerLock(a.redis, instanceID(), a.cfg.Outbox.LockTTL)
}

// blockingLocker 阻塞式获取的锁
type blockingLocker interface {
	Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error
	Unlock(ctx context.Context) error
}

// drainOnce 等到投递锁后执行一批，用于 worker --once
// 常驻 worker 每轮只持锁很短时间，这里重试等待而不是直接跳过
func drainOnce(ctx context.Context, w *job.OutboxWorker, l blockingLocker, retryInterval time.Duration, maxRetries int) (job.BatchResult, error) {
	if l != nil {
		if err := l.Lock(ctx, retryInterval, maxRetries); err != nil {
			return job.BatchResult{}, fmt.Errorf("等待投递锁失败: %w", err)
		}
		defer func() { _ = l.Unlock(context.WithoutCancel(ctx)) }()
	}
	return w.RunOnce(ctx)
}

// instanceID 锁持有者标识
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + "-" + uuid.NewString()
}
