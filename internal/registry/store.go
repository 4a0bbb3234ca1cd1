package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Store 持久化策略登记记录。
type Store interface {
	// Create 写入新记录，编号已存在时返回 ErrStrategyExists。
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, id common.Hash) (*Record, error)
	// Modify 在同一临界区内读取、校验并写回记录，fn 返回错误时不做修改。
	Modify(ctx context.Context, id common.Hash, fn func(record *Record) error) (*Record, error)
	ListByOwner(ctx context.Context, owner common.Address) ([]*Record, error)
	Close() error
}

// MemoryStore 是基于内存的 Store 实现。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[common.Hash]*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[common.Hash]*Record)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; ok {
		return ErrStrategyExists
	}
	m.records[record.ID] = record.Clone()
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, id common.Hash) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrStrategyNotFound
	}
	return record.Clone(), nil
}

// Modify 实现 Store 接口。
func (m *MemoryStore) Modify(_ context.Context, id common.Hash, fn func(record *Record) error) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[id]
	if !ok {
		return nil, ErrStrategyNotFound
	}
	draft := current.Clone()
	if err := fn(draft); err != nil {
		return nil, err
	}
	m.records[id] = draft
	return draft.Clone(), nil
}

// ListByOwner 实现 Store 接口，按登记时间升序返回。
func (m *MemoryStore) ListByOwner(_ context.Context, owner common.Address) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, record := range m.records {
		if record.Owner == owner {
			out = append(out, record.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID.Hex() < out[j].ID.Hex()
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
