package circuitbreaker

import (
	"context"
	"sort"
	"sync"

	"predictapi/pkg/clock"

	"go.uber.org/zap"
)

// ConfigFunc 按下游名称给出熔断参数
type ConfigFunc func(name string) Config

// Registry 按下游名称持有熔断器，由启动代码创建后注入，不使用全局变量
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	store     StateStore
	configFor ConfigFunc
	clock     clock.Clock
	logger    *zap.Logger
	listeners []StateChangeFunc
}

func NewRegistry(store StateStore, configFor ConfigFunc, clk clock.Clock, logger *zap.Logger) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	if configFor == nil {
		configFor = func(string) Config { return Config{} }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		breakers:  make(map[string]*Breaker),
		store:     store,
		configFor: configFor,
		clock:     clk,
		logger:    logger,
	}
}

// OnStateChange 注册状态变化监听，只对之后创建的熔断器生效
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Get 取熔断器，不存在时创建
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.configFor(name), r.store, r.clock, r.logger)
	listeners := append([]StateChangeFunc(nil), r.listeners...)
	b.onStateChange = func(name string, from, to State) {
		for _, fn := range listeners {
			fn(name, from, to)
		}
	}
	r.breakers[name] = b
	return b
}

// Lookup 只查不建
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Snapshots 所有熔断器的当前状态
func (r *Registry) Snapshots(ctx context.Context) (map[string]Snapshot, error) {
	result := make(map[string]Snapshot)
	for _, name := range r.Names() {
		b, _ := r.Lookup(name)
		snap, err := b.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		result[name] = snap
	}
	return result, nil
}
