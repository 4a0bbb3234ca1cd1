package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Store 抽象了 escrow 的持久化。所有写操作必须在 WithTx 内完成，
// fn 返回错误时整笔事务回滚，保证订单状态与余额同时生效或同时失效。
type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// Reader 提供事务外的只读查询。
type Reader interface {
	Balance(ctx context.Context, owner, asset common.Address) (*big.Int, error)
	AgentAllowed(ctx context.Context, owner, agent common.Address) (bool, error)
	GlobalAgent(ctx context.Context, agent common.Address) (bool, error)
	Order(ctx context.Context, id uint64) (*Order, error)
	OrderCount(ctx context.Context) (uint64, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error)
}

// Tx 是事务内的读写视图。Balance 与 Order 会锁定对应记录直到事务结束。
type Tx interface {
	Balance(ctx context.Context, owner, asset common.Address) (*big.Int, error)
	SetBalance(ctx context.Context, owner, asset common.Address, amount *big.Int) error
	AgentAllowed(ctx context.Context, owner, agent common.Address) (bool, error)
	SetAgentAllowed(ctx context.Context, owner, agent common.Address, allowed bool) error
	GlobalAgent(ctx context.Context, agent common.Address) (bool, error)
	SetGlobalAgent(ctx context.Context, agent common.Address, allowed bool) error
	AppendOrder(ctx context.Context, order *Order) (uint64, error)
	Order(ctx context.Context, id uint64) (*Order, error)
	// UpdateOrderStatus 仅当当前状态等于 from 时写入 to，否则返回 ErrNotPending。
	UpdateOrderStatus(ctx context.Context, id uint64, from, to OrderStatus, updatedAt int64) error
}

// OrderFilter 控制订单列表查询。
type OrderFilter struct {
	Owner  common.Address
	Agent  common.Address
	Status OrderStatus
	Limit  int
	Offset int
}

func (f *OrderFilter) applyDefaults() {
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

func (f OrderFilter) matches(order *Order) bool {
	if f.Owner != (common.Address{}) && order.Owner != f.Owner {
		return false
	}
	if f.Agent != (common.Address{}) && order.Agent != f.Agent {
		return false
	}
	if f.Status != "" && order.Status != f.Status {
		return false
	}
	return true
}
