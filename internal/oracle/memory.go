package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"X402-Chain/internal/journal"
)

// MemoryOracle 在内存中模拟链上价格预言机，每条更新收取固定费用。
type MemoryOracle struct {
	mu        sync.RWMutex
	prices    map[common.Hash]Price
	perUpdate *big.Int
	collected *big.Int
	clock     func() time.Time
}

// NewMemoryOracle 创建 MemoryOracle。clock 为 nil 时使用 time.Now。
func NewMemoryOracle(perUpdate *big.Int, clock func() time.Time) *MemoryOracle {
	if perUpdate == nil {
		perUpdate = new(big.Int)
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryOracle{
		prices:    make(map[common.Hash]Price),
		perUpdate: new(big.Int).Set(perUpdate),
		collected: new(big.Int),
		clock:     clock,
	}
}

// SetPrice 直接写入价格。
func (m *MemoryOracle) SetPrice(feedID common.Hash, p Price) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[feedID] = p
}

// SetFee 调整单条更新的费用。
func (m *MemoryOracle) SetFee(perUpdate *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perUpdate = new(big.Int).Set(perUpdate)
}

// Collected 返回已收取的费用总额。
func (m *MemoryOracle) Collected() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.collected)
}

// UpdateFee 实现 Oracle 接口。
func (m *MemoryOracle) UpdateFee(_ context.Context, updates [][]byte) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return feeFor(updates, m.perUpdate), nil
}

// UpdatePriceFeeds 实现 Oracle 接口。只接受比现有价格更新的数据。
func (m *MemoryOracle) UpdatePriceFeeds(ctx context.Context, _ common.Address, updates [][]byte, fee *big.Int) error {
	decoded := make(map[common.Hash]Price, len(updates))
	for _, update := range updates {
		id, p, err := DecodeUpdate(update)
		if err != nil {
			return err
		}
		decoded[id] = p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	required := feeFor(updates, m.perUpdate)
	if fee == nil || fee.Cmp(required) < 0 {
		return ErrInsufficientFee
	}
	replaced := make(map[common.Hash]*Price)
	for id, p := range decoded {
		current, ok := m.prices[id]
		if ok && current.PublishTime >= p.PublishTime {
			continue
		}
		if ok {
			previous := current
			replaced[id] = &previous
		} else {
			replaced[id] = nil
		}
		m.prices[id] = p
	}
	paid := new(big.Int).Set(fee)
	m.collected.Add(m.collected, paid)

	journal.Record(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		for id, previous := range replaced {
			if m.prices[id] != decoded[id] {
				continue
			}
			if previous == nil {
				delete(m.prices, id)
			} else {
				m.prices[id] = *previous
			}
		}
		m.collected.Sub(m.collected, paid)
		return nil
	})
	return nil
}

// Price 返回当前存储的价格，不做时效检查。
func (m *MemoryOracle) Price(feedID common.Hash) (Price, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[feedID]
	return p, ok
}

// PriceNoOlderThan 实现 Oracle 接口。
func (m *MemoryOracle) PriceNoOlderThan(_ context.Context, feedID common.Hash, maxAge time.Duration) (Price, error) {
	m.mu.RLock()
	p, ok := m.prices[feedID]
	m.mu.RUnlock()
	if !ok {
		return Price{}, ErrPriceNotFound
	}
	age := m.clock().Unix() - p.PublishTime
	if age > int64(maxAge/time.Second) {
		return Price{}, ErrPriceTooStale
	}
	return p, nil
}

var _ Oracle = (*MemoryOracle)(nil)
