package token

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"X402-Chain/internal/journal"
)

type holding struct {
	asset  common.Address
	holder common.Address
}

type approval struct {
	asset   common.Address
	owner   common.Address
	spender common.Address
}

// MemoryLedger 在内存中模拟多个 ERC20 合约，主要用于测试与单机演示。
type MemoryLedger struct {
	mu         sync.RWMutex
	balances   map[holding]*big.Int
	allowances map[approval]*big.Int
}

// NewMemoryLedger 创建一个空账本。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:   make(map[holding]*big.Int),
		allowances: make(map[approval]*big.Int),
	}
}

// Mint 为持有人凭空增发资产。
func (l *MemoryLedger) Mint(asset, to common.Address, amount *big.Int) error {
	if !IsPositive(amount) || to == (common.Address{}) {
		return ErrInvalidTransfer
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(holding{asset, to}, amount)
	return nil
}

// BalanceOf 实现 Ledger 接口。
func (l *MemoryLedger) BalanceOf(_ context.Context, asset, holder common.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Copy(l.balances[holding{asset, holder}]), nil
}

// Allowance 实现 Ledger 接口。
func (l *MemoryLedger) Allowance(_ context.Context, asset, owner, spender common.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Copy(l.allowances[approval{asset, owner, spender}]), nil
}

// Approve 覆盖写入授权额度。
func (l *MemoryLedger) Approve(ctx context.Context, asset, owner, spender common.Address, amount *big.Int) error {
	if !IsNonNegative(amount) || spender == (common.Address{}) {
		return ErrInvalidTransfer
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := approval{asset, owner, spender}
	previous := Copy(l.allowances[key])
	l.allowances[key] = Copy(amount)
	journal.Record(ctx, func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.allowances[key] = previous
		return nil
	})
	return nil
}

// Transfer 从 from 直接转出资产。
func (l *MemoryLedger) Transfer(ctx context.Context, asset, from, to common.Address, amount *big.Int) error {
	if !IsNonNegative(amount) || to == (common.Address{}) {
		return ErrInvalidTransfer
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.move(asset, from, to, amount); err != nil {
		return err
	}
	l.recordMove(ctx, asset, from, to, amount, nil)
	return nil
}

// TransferFrom 由 spender 消耗 from 的授权额度完成转账。
func (l *MemoryLedger) TransferFrom(ctx context.Context, asset, spender, from, to common.Address, amount *big.Int) error {
	if !IsNonNegative(amount) || to == (common.Address{}) {
		return ErrInvalidTransfer
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	key := approval{asset, from, spender}
	allowed := Copy(l.allowances[key])
	if allowed.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := l.move(asset, from, to, amount); err != nil {
		return err
	}
	l.allowances[key] = allowed.Sub(allowed, amount)
	l.recordMove(ctx, asset, from, to, amount, &key)
	return nil
}

// recordMove 登记一次转账的增量回退：资产从 to 退回 from，必要时恢复被消耗的授权。
func (l *MemoryLedger) recordMove(ctx context.Context, asset, from, to common.Address, amount *big.Int, spent *approval) {
	if amount.Sign() == 0 {
		return
	}
	amount = Copy(amount)
	journal.Record(ctx, func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if err := l.move(asset, to, from, amount); err != nil {
			return err
		}
		if spent != nil {
			allowed := Copy(l.allowances[*spent])
			l.allowances[*spent] = allowed.Add(allowed, amount)
		}
		return nil
	})
}

func (l *MemoryLedger) move(asset, from, to common.Address, amount *big.Int) error {
	src := holding{asset, from}
	balance := Copy(l.balances[src])
	if balance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	l.balances[src] = balance.Sub(balance, amount)
	l.credit(holding{asset, to}, amount)
	return nil
}

func (l *MemoryLedger) credit(key holding, amount *big.Int) {
	current := Copy(l.balances[key])
	l.balances[key] = current.Add(current, amount)
}

var _ Ledger = (*MemoryLedger)(nil)
