package escrow

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type balanceKey struct {
	owner common.Address
	asset common.Address
}

type grantKey struct {
	owner common.Address
	agent common.Address
}

// MemoryStore 以内存方式保存 escrow 状态。WithTx 持有写锁运行整个事务，
// 修改先写入 overlay，fn 成功后一次性提交。
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[balanceKey]*big.Int
	grants   map[grantKey]bool
	globals  map[common.Address]bool
	orders   []*Order
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[balanceKey]*big.Int),
		grants:   make(map[grantKey]bool),
		globals:  make(map[common.Address]bool),
	}
}

// WithTx 实现 Store 接口。
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		store:    m,
		balances: make(map[balanceKey]*big.Int),
		grants:   make(map[grantKey]bool),
		globals:  make(map[common.Address]bool),
		statuses: make(map[uint64]statusChange),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Balance 实现 Reader 接口。
func (m *MemoryStore) Balance(_ context.Context, owner, asset common.Address) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneAmount(m.balances[balanceKey{owner, asset}]), nil
}

// AgentAllowed 实现 Reader 接口。
func (m *MemoryStore) AgentAllowed(_ context.Context, owner, agent common.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grants[grantKey{owner, agent}], nil
}

// GlobalAgent 实现 Reader 接口。
func (m *MemoryStore) GlobalAgent(_ context.Context, agent common.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globals[agent], nil
}

// Order 实现 Reader 接口。
func (m *MemoryStore) Order(_ context.Context, id uint64) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id >= uint64(len(m.orders)) {
		return nil, ErrOrderNotFound
	}
	return m.orders[id].Clone(), nil
}

// OrderCount 实现 Reader 接口。
func (m *MemoryStore) OrderCount(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.orders)), nil
}

// ListOrders 按 ID 倒序返回匹配的订单。
func (m *MemoryStore) ListOrders(_ context.Context, filter OrderFilter) ([]*Order, error) {
	filter.applyDefaults()
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Order, 0, filter.Limit)
	skipped := 0
	for i := len(m.orders) - 1; i >= 0 && len(results) < filter.Limit; i-- {
		order := m.orders[i]
		if !filter.matches(order) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		results = append(results, order.Clone())
	}
	return results, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

type statusChange struct {
	status    OrderStatus
	updatedAt int64
}

type memoryTx struct {
	store    *MemoryStore
	balances map[balanceKey]*big.Int
	grants   map[grantKey]bool
	globals  map[common.Address]bool
	appended []*Order
	statuses map[uint64]statusChange
}

func (t *memoryTx) Balance(_ context.Context, owner, asset common.Address) (*big.Int, error) {
	key := balanceKey{owner, asset}
	if pending, ok := t.balances[key]; ok {
		return cloneAmount(pending), nil
	}
	return cloneAmount(t.store.balances[key]), nil
}

func (t *memoryTx) SetBalance(_ context.Context, owner, asset common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	t.balances[balanceKey{owner, asset}] = cloneAmount(amount)
	return nil
}

func (t *memoryTx) AgentAllowed(_ context.Context, owner, agent common.Address) (bool, error) {
	key := grantKey{owner, agent}
	if pending, ok := t.grants[key]; ok {
		return pending, nil
	}
	return t.store.grants[key], nil
}

func (t *memoryTx) SetAgentAllowed(_ context.Context, owner, agent common.Address, allowed bool) error {
	t.grants[grantKey{owner, agent}] = allowed
	return nil
}

func (t *memoryTx) GlobalAgent(_ context.Context, agent common.Address) (bool, error) {
	if pending, ok := t.globals[agent]; ok {
		return pending, nil
	}
	return t.store.globals[agent], nil
}

func (t *memoryTx) SetGlobalAgent(_ context.Context, agent common.Address, allowed bool) error {
	t.globals[agent] = allowed
	return nil
}

func (t *memoryTx) AppendOrder(_ context.Context, order *Order) (uint64, error) {
	id := uint64(len(t.store.orders) + len(t.appended))
	clone := order.Clone()
	clone.ID = id
	t.appended = append(t.appended, clone)
	return id, nil
}

func (t *memoryTx) Order(_ context.Context, id uint64) (*Order, error) {
	var order *Order
	committed := uint64(len(t.store.orders))
	switch {
	case id < committed:
		order = t.store.orders[id].Clone()
	case id-committed < uint64(len(t.appended)):
		order = t.appended[id-committed].Clone()
	default:
		return nil, ErrOrderNotFound
	}
	if change, ok := t.statuses[id]; ok {
		order.Status = change.status
		order.UpdatedAt = change.updatedAt
	}
	return order, nil
}

func (t *memoryTx) UpdateOrderStatus(ctx context.Context, id uint64, from, to OrderStatus, updatedAt int64) error {
	order, err := t.Order(ctx, id)
	if err != nil {
		return err
	}
	if order.Status != from {
		return ErrNotPending
	}
	t.statuses[id] = statusChange{status: to, updatedAt: updatedAt}
	return nil
}

func (t *memoryTx) commit() {
	s := t.store
	for key, amount := range t.balances {
		s.balances[key] = amount
	}
	for key, allowed := range t.grants {
		s.grants[key] = allowed
	}
	for agent, allowed := range t.globals {
		s.globals[agent] = allowed
	}
	s.orders = append(s.orders, t.appended...)
	for id, change := range t.statuses {
		s.orders[id].Status = change.status
		s.orders[id].UpdatedAt = change.updatedAt
	}
}

func cloneAmount(amount *big.Int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(amount)
}

var _ Store = (*MemoryStore)(nil)
