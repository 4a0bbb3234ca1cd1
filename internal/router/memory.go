package router

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"X402-Chain/internal/token"
)

type pair struct {
	in  common.Address
	out common.Address
}

type rate struct {
	num *big.Int
	den *big.Int
}

// FixedRateRouter 以固定汇率在账本上完成兑换，产出资产来自路由自身的库存。
type FixedRateRouter struct {
	mu        sync.RWMutex
	ledger    token.Ledger
	self      common.Address
	rates     map[pair]rate
	shortfall *big.Int
}

// NewFixedRateRouter 创建固定汇率路由。
func NewFixedRateRouter(ledger token.Ledger, self common.Address) *FixedRateRouter {
	return &FixedRateRouter{
		ledger:    ledger,
		self:      self,
		rates:     make(map[pair]rate),
		shortfall: new(big.Int),
	}
}

// Address 实现 Router 接口。
func (r *FixedRateRouter) Address() common.Address { return r.self }

// SetRate 设置 1 单位 in 兑换 num/den 单位 out。
func (r *FixedRateRouter) SetRate(in, out common.Address, num, den int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates[pair{in, out}] = rate{num: big.NewInt(num), den: big.NewInt(den)}
}

// SetShortfall 让路由少交付 amount，但仍按完整数额报告返回值。
func (r *FixedRateRouter) SetShortfall(amount *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shortfall = new(big.Int).Set(amount)
}

// Quote 返回 amount 按当前汇率可兑换的数量。
func (r *FixedRateRouter) Quote(in, out common.Address, amount *big.Int) (*big.Int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.rates[pair{in, out}]
	if !ok {
		return nil, ErrUnsupportedPair
	}
	quoted := new(big.Int).Mul(amount, rt.num)
	return quoted.Quo(quoted, rt.den), nil
}

// Swap 实现 Router 接口。
func (r *FixedRateRouter) Swap(ctx context.Context, caller, _ common.Address, desc SwapDescription, _ []byte) (*big.Int, *big.Int, error) {
	if !token.IsPositive(desc.Amount) {
		return nil, nil, token.ErrInvalidTransfer
	}
	returned, err := r.Quote(desc.SrcToken, desc.DstToken, desc.Amount)
	if err != nil {
		return nil, nil, err
	}
	if desc.MinReturnAmount != nil && returned.Cmp(desc.MinReturnAmount) < 0 {
		return nil, nil, ErrReturnTooLow
	}

	r.mu.RLock()
	delivered := new(big.Int).Sub(returned, r.shortfall)
	r.mu.RUnlock()
	if delivered.Sign() < 0 {
		delivered.SetInt64(0)
	}

	if err := r.ledger.TransferFrom(ctx, desc.SrcToken, r.self, caller, r.self, desc.Amount); err != nil {
		return nil, nil, err
	}
	if err := r.ledger.Transfer(ctx, desc.DstToken, r.self, desc.DstReceiver, delivered); err != nil {
		return nil, nil, err
	}
	return returned, new(big.Int).Set(desc.Amount), nil
}

var _ Router = (*FixedRateRouter)(nil)
