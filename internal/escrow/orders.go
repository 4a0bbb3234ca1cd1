package escrow

import (
	"context"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"X402-Chain/internal/observability/metrics"
)

// CreateOrder 锁定 caller 的 tokenIn 余额并追加一个 pending 订单，返回订单编号。
//
// agent 必须由 caller 显式授权；全局 agent 标记只在执行阶段生效。
func (e *Escrow) CreateOrder(ctx context.Context, caller common.Address, req OrderRequest) (id uint64, err error) {
	defer func() { metrics.RecordOperation(eventSource, "create_order", err) }()

	if err := requireAddresses(caller, req.Agent, req.TokenIn, req.TokenOut); err != nil {
		return 0, err
	}
	if !positive(req.AmountIn) {
		return 0, ErrInvalidAmount
	}
	minOut := cloneAmount(req.MinAmountOut)
	if minOut.Sign() < 0 {
		return 0, ErrInvalidAmount
	}

	now := e.now()
	order := &Order{
		Owner:        caller,
		Agent:        req.Agent,
		TokenIn:      req.TokenIn,
		TokenOut:     req.TokenOut,
		AmountIn:     new(big.Int).Set(req.AmountIn),
		MinAmountOut: minOut,
		StrategyRef:  req.StrategyRef,
		Status:       OrderPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var remaining *big.Int
	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		allowed, err := tx.AgentAllowed(ctx, caller, req.Agent)
		if err != nil {
			return err
		}
		if !allowed {
			return ErrAgentNotAuthorised
		}
		balance, err := tx.Balance(ctx, caller, req.TokenIn)
		if err != nil {
			return err
		}
		if balance.Cmp(req.AmountIn) < 0 {
			return ErrInsufficientBalance
		}
		remaining = new(big.Int).Sub(balance, req.AmountIn)
		if err := tx.SetBalance(ctx, caller, req.TokenIn, remaining); err != nil {
			return err
		}
		id, err = tx.AppendOrder(ctx, order)
		return err
	})
	if err != nil {
		return 0, err
	}

	e.emit(ctx, "OrderCreated",
		"order_id", strconv.FormatUint(id, 10),
		"owner", caller.Hex(),
		"agent", req.Agent.Hex(),
		"token_in", req.TokenIn.Hex(),
		"token_out", req.TokenOut.Hex(),
		"amount_in", req.AmountIn.String(),
		"min_amount_out", minOut.String(),
		"strategy_ref", req.StrategyRef.Hex(),
	)
	return id, nil
}

// CancelOrder 由订单 owner 取消 pending 订单，amountIn 原样退回可用余额。
func (e *Escrow) CancelOrder(ctx context.Context, caller common.Address, id uint64) (err error) {
	defer func() { metrics.RecordOperation(eventSource, "cancel_order", err) }()

	var order *Order
	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		order, err = tx.Order(ctx, id)
		if err != nil {
			return err
		}
		if order.Owner != caller {
			return ErrNotOwner
		}
		if order.Status != OrderPending {
			return ErrNotPending
		}
		if err := tx.UpdateOrderStatus(ctx, id, OrderPending, OrderCancelled, e.now()); err != nil {
			return err
		}
		balance, err := tx.Balance(ctx, order.Owner, order.TokenIn)
		if err != nil {
			return err
		}
		return tx.SetBalance(ctx, order.Owner, order.TokenIn, new(big.Int).Add(balance, order.AmountIn))
	})
	if err != nil {
		return err
	}

	e.emit(ctx, "OrderCancelled",
		"order_id", strconv.FormatUint(id, 10),
		"owner", order.Owner.Hex(),
		"token_in", order.TokenIn.Hex(),
		"amount_in", order.AmountIn.String(),
	)
	return nil
}

// ExecuteOrder 由订单指定 agent 或全局 agent 结算订单。
//
// amountIn 的 tokenIn 转给 recipient；amountOut 超出 amountIn 的部分以 tokenOut
// 从 caller 拉取并记入 owner 的可用余额。amountOut 由 agent 自行申报，不做链上验证。
func (e *Escrow) ExecuteOrder(ctx context.Context, caller common.Address, id uint64, recipient common.Address, amountOut *big.Int) (settled *Settlement, err error) {
	defer func() { metrics.RecordOperation(eventSource, "execute_order", err) }()

	if amountOut == nil || amountOut.Sign() < 0 {
		return nil, ErrInvalidAmount
	}

	err = e.settle(ctx, func(ctx context.Context, tx Tx, s *settlement) error {
		order, err := tx.Order(ctx, id)
		if err != nil {
			return err
		}
		if order.Agent != caller {
			global, err := tx.GlobalAgent(ctx, caller)
			if err != nil {
				return err
			}
			if !global {
				return ErrNotAgent
			}
		}
		if order.Status != OrderPending {
			return ErrNotPending
		}
		if recipient == (common.Address{}) {
			return ErrRecipientRequired
		}
		if amountOut.Cmp(order.MinAmountOut) < 0 {
			return ErrSlippageExceeded
		}

		now := e.now()
		if err := tx.UpdateOrderStatus(ctx, id, OrderPending, OrderExecuted, now); err != nil {
			return err
		}

		surplus := new(big.Int).Sub(amountOut, order.AmountIn)
		if surplus.Sign() < 0 {
			surplus.SetInt64(0)
		}
		if surplus.Sign() > 0 {
			if err := s.pull(ctx, order.TokenOut, caller, surplus); err != nil {
				return err
			}
			balance, err := tx.Balance(ctx, order.Owner, order.TokenOut)
			if err != nil {
				return err
			}
			if err := tx.SetBalance(ctx, order.Owner, order.TokenOut, new(big.Int).Add(balance, surplus)); err != nil {
				return err
			}
		}
		if err := s.push(ctx, order.TokenIn, recipient, order.AmountIn); err != nil {
			return err
		}

		order.Status = OrderExecuted
		order.UpdatedAt = now
		settled = &Settlement{
			Order:     order,
			Recipient: recipient,
			AmountOut: new(big.Int).Set(amountOut),
			Surplus:   surplus,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.emit(ctx, "OrderExecuted",
		"order_id", strconv.FormatUint(id, 10),
		"owner", settled.Order.Owner.Hex(),
		"agent", caller.Hex(),
		"recipient", recipient.Hex(),
		"amount_in", settled.Order.AmountIn.String(),
		"amount_out", amountOut.String(),
		"surplus", settled.Surplus.String(),
	)
	return settled, nil
}

// Order 返回订单快照。
func (e *Escrow) Order(ctx context.Context, id uint64) (*Order, error) {
	return e.store.Order(ctx, id)
}

// OrderCount 返回已创建的订单数量，即下一个订单编号。
func (e *Escrow) OrderCount(ctx context.Context) (uint64, error) {
	return e.store.OrderCount(ctx)
}

// Orders 按条件列出订单，新订单在前。
func (e *Escrow) Orders(ctx context.Context, filter OrderFilter) ([]*Order, error) {
	return e.store.ListOrders(ctx, filter)
}
