package token

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Custodian 代表一个托管方地址在账本上收付资产。
type Custodian struct {
	ledger Ledger
	self   common.Address
}

// NewCustodian 绑定账本与托管地址。
func NewCustodian(ledger Ledger, self common.Address) *Custodian {
	return &Custodian{ledger: ledger, self: self}
}

// Address 返回托管地址。
func (c *Custodian) Address() common.Address { return c.self }

// Receive 消耗 from 对托管方的授权，把资产拉入托管地址。
func (c *Custodian) Receive(ctx context.Context, asset, from common.Address, amount *big.Int) error {
	return c.ledger.TransferFrom(ctx, asset, c.self, from, c.self, amount)
}

// Send 把托管地址持有的资产转给 to。
func (c *Custodian) Send(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	return c.ledger.Transfer(ctx, asset, c.self, to, amount)
}

// Holdings 返回托管地址当前持有的某资产数量。
func (c *Custodian) Holdings(ctx context.Context, asset common.Address) (*big.Int, error) {
	return c.ledger.BalanceOf(ctx, asset, c.self)
}
