package escrow

import (
	"github.com/ethereum/go-ethereum/common"
)

// Treasury 是管理全局 agent 名单的能力对象。它在构造 Escrow 时注入且之后不可替换，
// 测试可以注入不同的管理员。
type Treasury struct {
	address common.Address
}

// NewTreasury 创建 treasury 能力，零地址非法。
func NewTreasury(address common.Address) (*Treasury, error) {
	if address == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	return &Treasury{address: address}, nil
}

// Address 返回 treasury 地址。
func (t *Treasury) Address() common.Address {
	if t == nil {
		return common.Address{}
	}
	return t.address
}

// Authorize 校验调用方是否为 treasury。
func (t *Treasury) Authorize(caller common.Address) error {
	if t == nil || caller != t.address {
		return ErrNotTreasury
	}
	return nil
}
