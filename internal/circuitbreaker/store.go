package circuitbreaker

import (
	"context"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Snapshot 单个熔断器的计数状态
type Snapshot struct {
	State            State     `json:"state"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int       `json:"success_count"`
	LastFailureTime  time.Time `json:"last_failure_time"`
	HalfOpenInFlight int       `json:"half_open_in_flight"`
	Generation       uint64    `json:"generation"`
}

func (s *Snapshot) normalize() {
	if s.State == "" {
		s.State = StateClosed
	}
}

// StateStore 熔断状态存储
// Update 必须是原子的读-改-写：fn 看到的是最新状态，返回 nil 时写回
type StateStore interface {
	Load(ctx context.Context, name string) (Snapshot, error)
	Update(ctx context.Context, name string, fn func(*Snapshot) error) (Snapshot, error)
}

// MemoryStore 进程内存储，每个副本独立计数，重启后归零
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]Snapshot)}
}

func (m *MemoryStore) Load(_ context.Context, name string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.states[name]
	snap.normalize()
	return snap, nil
}

func (m *MemoryStore) Update(_ context.Context, name string, fn func(*Snapshot) error) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.states[name]
	snap.normalize()
	if err := fn(&snap); err != nil {
		return Snapshot{}, err
	}
	m.states[name] = snap
	return snap, nil
}
