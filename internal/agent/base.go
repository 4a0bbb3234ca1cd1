package agent

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"X402-Chain/internal/events"
	"X402-Chain/internal/observability/metrics"
	"X402-Chain/internal/token"
	"X402-Chain/pkg/logger"
)

const eventSource = "agent"

type options struct {
	publisher events.Publisher
	clock     func() time.Time
	log       *slog.Logger
	state     StateStore
}

// Option 配置 agent。
type Option func(*options)

// WithPublisher 指定事件发布器。
func WithPublisher(publisher events.Publisher) Option {
	return func(o *options) {
		if publisher != nil {
			o.publisher = publisher
		}
	}
}

// WithClock 覆盖时间来源。
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger 覆盖组件日志。
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithStateStore 指定策略状态存储，默认使用内存。
func WithStateStore(state StateStore) Option {
	return func(o *options) {
		if state != nil {
			o.state = state
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		publisher: events.LogPublisher{},
		clock:     time.Now,
		log:       logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.state == nil {
		o.state = NewMemoryStateStore()
	}
	return o
}

// BaseAgent 是自托管 agent 的公共部分：固定 owner、执行者名单、紧急暂停与资金取回。
// 所有入口共用一把互斥锁，调用之间严格串行。
type BaseAgent struct {
	mu        sync.Mutex
	self      common.Address
	owner     common.Address
	ledger    token.Ledger
	executors map[common.Address]bool
	paused    bool
	opts      options
}

// NewBaseAgent 创建 BaseAgent。self 是 agent 在账本上的托管地址。
func NewBaseAgent(self, owner common.Address, ledger token.Ledger, opts ...Option) (*BaseAgent, error) {
	if self == (common.Address{}) || owner == (common.Address{}) {
		return nil, errors.New("agent address and owner are required")
	}
	if ledger == nil {
		return nil, errors.New("agent ledger is required")
	}
	return &BaseAgent{
		self:      self,
		owner:     owner,
		ledger:    ledger,
		executors: make(map[common.Address]bool),
		opts:      buildOptions(opts),
	}, nil
}

// Address 返回 agent 的托管地址。
func (a *BaseAgent) Address() common.Address { return a.self }

// Owner 返回 owner。
func (a *BaseAgent) Owner() common.Address { return a.owner }

// SetExecutor 由 owner 授予或撤销执行者。
func (a *BaseAgent) SetExecutor(ctx context.Context, caller, executor common.Address, allowed bool) (err error) {
	defer func() { metrics.RecordOperation(eventSource, "set_executor", err) }()

	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.owner {
		return ErrNotOwner
	}
	if executor == (common.Address{}) {
		return invalidParams(ReasonInvalidExecutor)
	}
	if allowed {
		a.executors[executor] = true
	} else {
		delete(a.executors, executor)
	}
	a.emit(ctx, "ExecutorSet", "executor", executor.Hex(), "allowed", formatBool(allowed))
	return nil
}

// IsExecutor 判断地址是否在执行者名单中。
func (a *BaseAgent) IsExecutor(addr common.Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.executors[addr]
}

// EmergencyStop 暂停执行，仅限 owner。
func (a *BaseAgent) EmergencyStop(ctx context.Context, caller common.Address) error {
	return a.setPaused(ctx, caller, true)
}

// Resume 解除暂停，仅限 owner。
func (a *BaseAgent) Resume(ctx context.Context, caller common.Address) error {
	return a.setPaused(ctx, caller, false)
}

// Paused 返回暂停状态。
func (a *BaseAgent) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

func (a *BaseAgent) setPaused(ctx context.Context, caller common.Address, paused bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.owner {
		return ErrNotOwner
	}
	a.paused = paused
	name := "Resumed"
	if paused {
		name = "EmergencyStopped"
		a.opts.log.Warn("agent 已紧急暂停", slog.String("agent", a.self.Hex()))
	}
	a.emit(ctx, name)
	return nil
}

// Withdraw 由 owner 把 agent 持有的资产转出。暂停状态下同样可用。
func (a *BaseAgent) Withdraw(ctx context.Context, caller, asset, to common.Address, amount *big.Int) (err error) {
	defer func() { metrics.RecordOperation(eventSource, "withdraw", err) }()

	a.mu.Lock()
	defer a.mu.Unlock()
	if caller != a.owner {
		return ErrNotOwner
	}
	if to == (common.Address{}) || !token.IsPositive(amount) {
		return invalidParams("invalid withdrawal")
	}
	if err := a.ledger.Transfer(ctx, asset, a.self, to, amount); err != nil {
		return err
	}
	a.emit(ctx, "Withdrawn", "token", asset.Hex(), "to", to.Hex(), "amount", amount.String())
	return nil
}

// authorize 要求调用方为 owner 或执行者且 agent 未暂停。调用方需持有 a.mu。
func (a *BaseAgent) authorize(caller common.Address) error {
	if caller != a.owner && !a.executors[caller] {
		return ErrNotExecutor
	}
	if a.paused {
		return ErrPaused
	}
	return nil
}

func (a *BaseAgent) emit(ctx context.Context, name string, fields ...string) {
	fields = append([]string{"agent", a.self.Hex()}, fields...)
	event := events.New(eventSource, name, fields...)
	event.OccurredAt = a.opts.clock().UTC()
	events.Emit(ctx, a.opts.publisher, event)
}

func formatBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
