// Package escrow 实现托管账本、agent 授权与条件订单状态机。
//
// 所有写操作都在 Store 事务内完成检查与修改，资产收付通过 Vault 进行，
// 事务提交后才发布事件与写入审计日志。
package escrow

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"X402-Chain/internal/events"
	"X402-Chain/internal/observability/metrics"
	"X402-Chain/pkg/logger"
)

const eventSource = "escrow"

// Escrow 是托管服务的入口。
type Escrow struct {
	store     Store
	vault     Vault
	treasury  *Treasury
	publisher events.Publisher
	clock     func() time.Time
	log       *slog.Logger
}

// Option 配置 Escrow。
type Option func(*Escrow)

// WithPublisher 指定事件发布器，默认写入审计日志。
func WithPublisher(publisher events.Publisher) Option {
	return func(e *Escrow) {
		if publisher != nil {
			e.publisher = publisher
		}
	}
}

// WithClock 覆盖时间来源，主要用于测试。
func WithClock(clock func() time.Time) Option {
	return func(e *Escrow) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger 覆盖组件日志。
func WithLogger(log *slog.Logger) Option {
	return func(e *Escrow) {
		if log != nil {
			e.log = log
		}
	}
}

// New 创建 Escrow。treasury 在此注入后不可替换。
func New(store Store, vault Vault, treasury *Treasury, opts ...Option) (*Escrow, error) {
	if store == nil {
		return nil, errors.New("escrow store is required")
	}
	if vault == nil {
		return nil, errors.New("escrow vault is required")
	}
	if treasury == nil {
		return nil, errors.New("escrow treasury is required")
	}
	e := &Escrow{
		store:     store,
		vault:     vault,
		treasury:  treasury,
		publisher: events.LogPublisher{},
		clock:     time.Now,
		log:       logger.Named("escrow"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Treasury 返回注入的 treasury 能力。
func (e *Escrow) Treasury() *Treasury {
	return e.treasury
}

// Deposit 从 caller 拉取资产并记入其托管余额。
func (e *Escrow) Deposit(ctx context.Context, caller, asset common.Address, amount *big.Int) (err error) {
	defer func() { metrics.RecordOperation(eventSource, "deposit", err) }()

	if err := requireAddresses(caller, asset); err != nil {
		return err
	}
	if !positive(amount) {
		return ErrInvalidAmount
	}

	var balance *big.Int
	err = e.settle(ctx, func(ctx context.Context, tx Tx, s *settlement) error {
		current, err := tx.Balance(ctx, caller, asset)
		if err != nil {
			return err
		}
		if err := s.pull(ctx, asset, caller, amount); err != nil {
			return err
		}
		balance = new(big.Int).Add(current, amount)
		return tx.SetBalance(ctx, caller, asset, balance)
	})
	if err != nil {
		return err
	}

	e.emit(ctx, "Deposited",
		"owner", caller.Hex(),
		"token", asset.Hex(),
		"amount", amount.String(),
		"balance", balance.String(),
	)
	return nil
}

// Withdraw 扣减托管余额并把资产转回 caller。
func (e *Escrow) Withdraw(ctx context.Context, caller, asset common.Address, amount *big.Int) (err error) {
	defer func() { metrics.RecordOperation(eventSource, "withdraw", err) }()

	if err := requireAddresses(caller, asset); err != nil {
		return err
	}
	if !positive(amount) {
		return ErrInvalidAmount
	}

	var balance *big.Int
	err = e.settle(ctx, func(ctx context.Context, tx Tx, s *settlement) error {
		current, err := tx.Balance(ctx, caller, asset)
		if err != nil {
			return err
		}
		if current.Cmp(amount) < 0 {
			return ErrInsufficientBalance
		}
		balance = new(big.Int).Sub(current, amount)
		if err := tx.SetBalance(ctx, caller, asset, balance); err != nil {
			return err
		}
		return s.push(ctx, asset, caller, amount)
	})
	if err != nil {
		return err
	}

	e.emit(ctx, "Withdrawn",
		"owner", caller.Hex(),
		"token", asset.Hex(),
		"amount", amount.String(),
		"balance", balance.String(),
	)
	return nil
}

// SetAgent 设置 caller 对 agent 的授权，重复设置相同值不会出错。
func (e *Escrow) SetAgent(ctx context.Context, caller, agent common.Address, allowed bool) (err error) {
	defer func() { metrics.RecordOperation(eventSource, "set_agent", err) }()

	if err := requireAddresses(caller, agent); err != nil {
		return err
	}
	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SetAgentAllowed(ctx, caller, agent, allowed)
	})
	if err != nil {
		return err
	}

	e.emit(ctx, "AgentSet",
		"owner", caller.Hex(),
		"agent", agent.Hex(),
		"allowed", formatBool(allowed),
	)
	return nil
}

// SetGlobalAgent 由 treasury 设置全局 agent 标记。
func (e *Escrow) SetGlobalAgent(ctx context.Context, caller, agent common.Address, allowed bool) (err error) {
	defer func() { metrics.RecordOperation(eventSource, "set_global_agent", err) }()

	if err := e.treasury.Authorize(caller); err != nil {
		return err
	}
	if agent == (common.Address{}) {
		return ErrInvalidAddress
	}
	err = e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SetGlobalAgent(ctx, agent, allowed)
	})
	if err != nil {
		return err
	}

	e.emit(ctx, "GlobalAgentSet",
		"agent", agent.Hex(),
		"allowed", formatBool(allowed),
	)
	return nil
}

// Balance 返回 owner 在某资产上的可用托管余额。
func (e *Escrow) Balance(ctx context.Context, owner, asset common.Address) (*big.Int, error) {
	return e.store.Balance(ctx, owner, asset)
}

// IsAgent 判断 owner 是否显式授权了 agent。
func (e *Escrow) IsAgent(ctx context.Context, owner, agent common.Address) (bool, error) {
	return e.store.AgentAllowed(ctx, owner, agent)
}

// IsGlobalAgent 判断 agent 是否处于全局名单。
func (e *Escrow) IsGlobalAgent(ctx context.Context, agent common.Address) (bool, error) {
	return e.store.GlobalAgent(ctx, agent)
}

// settle 在一个事务内运行 fn，fn 失败或提交失败时退还已拉入的资产。
func (e *Escrow) settle(ctx context.Context, fn func(ctx context.Context, tx Tx, s *settlement) error) error {
	s := &settlement{vault: e.vault}
	err := e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, tx, s)
	})
	if err != nil {
		s.unwind(context.WithoutCancel(ctx), err)
		return err
	}
	return nil
}

func (e *Escrow) emit(ctx context.Context, name string, fields ...string) {
	event := events.New(eventSource, name, fields...)
	event.OccurredAt = e.clock().UTC()
	e.log.Debug("escrow 状态已提交", slog.String("event", name))
	events.Emit(ctx, e.publisher, event)
}

func (e *Escrow) now() int64 {
	return e.clock().Unix()
}

func requireAddresses(addrs ...common.Address) error {
	for _, addr := range addrs {
		if addr == (common.Address{}) {
			return ErrInvalidAddress
		}
	}
	return nil
}

func positive(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}

func formatBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
