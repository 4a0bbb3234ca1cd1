package agent

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// StateStore 保存 agent 的策略配置与上次执行时间。
type StateStore interface {
	LoadConfig(ctx context.Context, agent common.Address, id common.Hash) (StrategyConfig, bool, error)
	SaveConfig(ctx context.Context, agent common.Address, id common.Hash, cfg StrategyConfig) error
	LastExecution(ctx context.Context, agent common.Address, id common.Hash) (time.Time, bool, error)
	SetLastExecution(ctx context.Context, agent common.Address, id common.Hash, at time.Time) error
}

type stateKey struct {
	agent common.Address
	id    common.Hash
}

// MemoryStateStore 是基于内存的 StateStore。
type MemoryStateStore struct {
	mu      sync.RWMutex
	configs map[stateKey]StrategyConfig
	last    map[stateKey]time.Time
}

// NewMemoryStateStore 创建 MemoryStateStore。
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		configs: make(map[stateKey]StrategyConfig),
		last:    make(map[stateKey]time.Time),
	}
}

// LoadConfig 实现 StateStore 接口。
func (m *MemoryStateStore) LoadConfig(_ context.Context, agent common.Address, id common.Hash) (StrategyConfig, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[stateKey{agent, id}]
	return cfg, ok, nil
}

// SaveConfig 实现 StateStore 接口。
func (m *MemoryStateStore) SaveConfig(_ context.Context, agent common.Address, id common.Hash, cfg StrategyConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[stateKey{agent, id}] = cfg
	return nil
}

// LastExecution 实现 StateStore 接口。
func (m *MemoryStateStore) LastExecution(_ context.Context, agent common.Address, id common.Hash) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.last[stateKey{agent, id}]
	return at, ok, nil
}

// SetLastExecution 实现 StateStore 接口。
func (m *MemoryStateStore) SetLastExecution(_ context.Context, agent common.Address, id common.Hash, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[stateKey{agent, id}] = at
	return nil
}

var _ StateStore = (*MemoryStateStore)(nil)
