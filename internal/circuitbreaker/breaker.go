package circuitbreaker

import (
	"context"
	"time"

	"predictapi/internal/config"
	"predictapi/pkg/clock"

	"go.uber.org/zap"
)

// ============================================================================
// 熔断器
// ============================================================================
//
// CLOSED    正常放行，连续失败达到 FailureThreshold 进入 OPEN
// OPEN      全部拒绝；冷却 RecoveryTimeout 后，下一次尝试时才转为 HALF_OPEN（无后台定时器）
// HALF_OPEN 最多 HalfOpenMaxCalls 个并发试探；成功数达到 HalfOpenMaxCalls 回到 CLOSED，任一失败回到 OPEN
//
// 试探名额在调用结束时归还。只调用 CanAttempt 而不 Record 的调用方会占住名额。
// 每次状态变化 Generation 加一，Call 只结算放行时那一代的结果。
// 长期没有流量的 OPEN 熔断器会一直保持 OPEN。
//
// ============================================================================

type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// FromParams 由配置文件参数构造
func FromParams(p config.BreakerParamConfig) Config {
	return Config{
		FailureThreshold: p.FailureThreshold,
		RecoveryTimeout:  p.RecoveryTimeout(),
		HalfOpenMaxCalls: p.HalfOpenMaxCalls,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	return c
}

// StateChangeFunc 状态变化回调
type StateChangeFunc func(name string, from, to State)

type Breaker struct {
	name          string
	cfg           Config
	store         StateStore
	clock         clock.Clock
	logger        *zap.Logger
	onStateChange StateChangeFunc
}

func New(name string, cfg Config, store StateStore, clk clock.Clock, logger *zap.Logger) *Breaker {
	if store == nil {
		store = NewMemoryStore()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		store:  store,
		clock:  clk,
		logger: logger.With(zap.String("component", "circuit_breaker"), zap.String("breaker", name)),
	}
}

func (b *Breaker) Name() string {
	return b.name
}

func (b *Breaker) Config() Config {
	return b.cfg
}

// update 包一层状态变化日志；状态变化时代数加一
func (b *Breaker) update(ctx context.Context, fn func(*Snapshot)) (Snapshot, error) {
	var from State
	snap, err := b.store.Update(ctx, b.name, func(s *Snapshot) error {
		from = s.State
		gen := s.Generation
		fn(s)
		if s.State != from && s.Generation == gen {
			s.Generation++
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	if from != snap.State {
		b.logger.Info("熔断器状态变化",
			zap.String("from", string(from)),
			zap.String("to", string(snap.State)),
			zap.Int("failure_count", snap.FailureCount),
			zap.Uint64("generation", snap.Generation))
		if b.onStateChange != nil {
			b.onStateChange(b.name, from, snap.State)
		}
	}
	return snap, nil
}

// ticket 一次放行的凭据：放行时的状态代数，以及是否占用了试探名额
// 代数变化后的结果一律忽略，只归还自己占用的名额
type ticket struct {
	generation uint64
	halfOpen   bool
	untracked  bool // 存储故障时放行，无法比对代数
}

// acquire 申请一次调用，拒绝时返回可重试时间
func (b *Breaker) acquire(ctx context.Context) (ticket, bool, *OpenError) {
	current, err := b.store.Load(ctx, b.name)
	if err != nil {
		b.logger.Warn("读取熔断状态失败，放行本次调用", zap.Error(err))
		return ticket{untracked: true}, true, nil
	}
	if current.State == StateClosed {
		return ticket{generation: current.Generation}, true, nil
	}

	allowed := false
	halfOpen := false
	var rejected *OpenError
	snap, err := b.update(ctx, func(s *Snapshot) {
		allowed = false
		halfOpen = false
		rejected = nil
		now := b.clock.Now()
		switch s.State {
		case StateOpen:
			elapsed := now.Sub(s.LastFailureTime)
			if elapsed < b.cfg.RecoveryTimeout {
				rejected = &OpenError{Name: b.name, State: StateOpen, RetryAfter: b.cfg.RecoveryTimeout - elapsed}
				return
			}
			s.State = StateHalfOpen
			s.SuccessCount = 0
			s.HalfOpenInFlight = 0
			fallthrough
		case StateHalfOpen:
			if s.HalfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
				rejected = &OpenError{Name: b.name, State: StateHalfOpen}
				return
			}
			s.HalfOpenInFlight++
			allowed = true
			halfOpen = true
		default:
			allowed = true
		}
	})
	if err != nil {
		b.logger.Warn("更新熔断状态失败，放行本次调用", zap.Error(err))
		return ticket{untracked: true}, true, nil
	}
	return ticket{generation: snap.Generation, halfOpen: halfOpen}, allowed, rejected
}

// CanAttempt 调用前检查；HALF_OPEN 下放行会占用一个试探名额
// 之后必须调用 RecordSuccess 或 RecordFailure，否则名额一直被占住
func (b *Breaker) CanAttempt(ctx context.Context) bool {
	_, allowed, _ := b.acquire(ctx)
	return allowed
}

// RecordSuccess 记录一次成功，配合 CanAttempt 使用
// 不携带凭据，按当前状态计数
func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.finish(ctx, nil, true)
}

// RecordFailure 记录一次失败，配合 CanAttempt 使用
func (b *Breaker) RecordFailure(ctx context.Context) {
	b.finish(ctx, nil, false)
}

// finish 结算一次调用；t 为 nil 时不做代数校验
func (b *Breaker) finish(ctx context.Context, t *ticket, success bool) {
	if t != nil && t.untracked {
		t = nil
	}
	_, err := b.update(ctx, func(s *Snapshot) {
		if t != nil && t.generation != s.Generation {
			return
		}
		if success {
			b.applySuccess(s, t)
		} else {
			b.applyFailure(s)
		}
	})
	if err != nil {
		if success {
			b.logger.Warn("记录成功失败", zap.Error(err))
		} else {
			b.logger.Warn("记录失败失败", zap.Error(err))
		}
	}
}

func (b *Breaker) applySuccess(s *Snapshot, t *ticket) {
	switch s.State {
	case StateHalfOpen:
		if t != nil && !t.halfOpen {
			return
		}
		if s.HalfOpenInFlight > 0 {
			s.HalfOpenInFlight--
		}
		s.SuccessCount++
		if s.SuccessCount >= b.cfg.HalfOpenMaxCalls {
			*s = Snapshot{State: StateClosed, Generation: s.Generation}
		}
	case StateClosed:
		s.FailureCount = 0
	}
}

func (b *Breaker) applyFailure(s *Snapshot) {
	s.FailureCount++
	s.LastFailureTime = b.clock.Now()
	switch s.State {
	case StateHalfOpen:
		s.State = StateOpen
		s.SuccessCount = 0
		s.HalfOpenInFlight = 0
	case StateClosed:
		if s.FailureCount >= b.cfg.FailureThreshold {
			s.State = StateOpen
		}
	}
}

// Call 通过熔断器执行 fn
// 被拒绝时返回 *OpenError（errors.Is(err, ErrCircuitOpen)）；fn 的错误原样返回；
// fn panic 时记一次失败后继续向上 panic。
// 结果只计入放行时的那一代状态：CLOSED 时放行、熔断后才返回的调用不影响试探计数
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	t, allowed, rejected := b.acquire(ctx)
	if !allowed {
		if rejected == nil {
			rejected = &OpenError{Name: b.name, State: StateOpen}
		}
		return rejected
	}

	finished := false
	defer func() {
		if !finished {
			b.finish(ctx, &t, false)
		}
	}()

	err := fn(ctx)
	finished = true
	if err != nil {
		b.finish(ctx, &t, false)
		return err
	}
	b.finish(ctx, &t, true)
	return nil
}

// Do Call 的泛型版本
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Call(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

func (b *Breaker) Snapshot(ctx context.Context) (Snapshot, error) {
	return b.store.Load(ctx, b.name)
}

func (b *Breaker) State(ctx context.Context) (State, error) {
	snap, err := b.store.Load(ctx, b.name)
	if err != nil {
		return "", err
	}
	return snap.State, nil
}

// Reset 人工恢复到 CLOSED，计数清零；进行中调用的结果不再计入
func (b *Breaker) Reset(ctx context.Context) error {
	_, err := b.update(ctx, func(s *Snapshot) {
		*s = Snapshot{State: StateClosed, Generation: s.Generation + 1}
	})
	return err
}
