// Package registry 维护策略编号到链下内容指针的登记表，与资金托管无关。
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"X402-Chain/internal/events"
	"X402-Chain/internal/observability/metrics"
)

const eventSource = "registry"

// Registry 提供策略登记、更新与停用。
type Registry struct {
	store     Store
	publisher events.Publisher
	clock     func() time.Time
}

// Option 配置 Registry。
type Option func(*Registry)

// WithPublisher 指定事件发布器。
func WithPublisher(publisher events.Publisher) Option {
	return func(r *Registry) {
		if publisher != nil {
			r.publisher = publisher
		}
	}
}

// WithClock 覆盖时间来源。
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// New 创建 Registry。
func New(store Store, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, errors.New("registry store is required")
	}
	r := &Registry{
		store:     store,
		publisher: events.LogPublisher{},
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Register 登记新策略。编号一旦登记即永久归属 caller，重复登记返回 ErrStrategyExists。
func (r *Registry) Register(ctx context.Context, caller common.Address, id common.Hash, contentPointer, pairLabel string) (record *Record, err error) {
	defer func() { metrics.RecordOperation(eventSource, "register", err) }()

	if id == (common.Hash{}) {
		return nil, ErrInvalidID
	}
	if caller == (common.Address{}) {
		return nil, ErrInvalidCaller
	}
	now := r.clock().Unix()
	record = &Record{
		ID:             id,
		Owner:          caller,
		ContentPointer: contentPointer,
		PairLabel:      pairLabel,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.Create(ctx, record); err != nil {
		return nil, err
	}
	r.emit(ctx, "StrategyRegistered",
		"id", id.Hex(),
		"owner", caller.Hex(),
		"content_pointer", contentPointer,
		"pair_label", pairLabel,
	)
	return record.Clone(), nil
}

// Update 替换内容指针，仅限 owner。
func (r *Registry) Update(ctx context.Context, caller common.Address, id common.Hash, contentPointer string) (record *Record, err error) {
	defer func() { metrics.RecordOperation(eventSource, "update", err) }()

	record, err = r.store.Modify(ctx, id, func(current *Record) error {
		if current.Owner != caller {
			return ErrNotOwner
		}
		current.ContentPointer = contentPointer
		current.UpdatedAt = r.clock().Unix()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.emit(ctx, "StrategyUpdated",
		"id", id.Hex(),
		"owner", caller.Hex(),
		"content_pointer", contentPointer,
	)
	return record, nil
}

// Deactivate 永久停用策略，仅限 owner，重复调用返回 ErrStrategyInactive。
func (r *Registry) Deactivate(ctx context.Context, caller common.Address, id common.Hash) (err error) {
	defer func() { metrics.RecordOperation(eventSource, "deactivate", err) }()

	_, err = r.store.Modify(ctx, id, func(current *Record) error {
		if current.Owner != caller {
			return ErrNotOwner
		}
		if !current.Active {
			return ErrStrategyInactive
		}
		current.Active = false
		current.UpdatedAt = r.clock().Unix()
		return nil
	})
	if err != nil {
		return err
	}
	r.emit(ctx, "StrategyDeactivated",
		"id", id.Hex(),
		"owner", caller.Hex(),
	)
	return nil
}

// Get 返回策略记录。
func (r *Registry) Get(ctx context.Context, id common.Hash) (*Record, error) {
	return r.store.Get(ctx, id)
}

// List 返回 owner 登记的全部策略。
func (r *Registry) List(ctx context.Context, owner common.Address) ([]*Record, error) {
	return r.store.ListByOwner(ctx, owner)
}

func (r *Registry) emit(ctx context.Context, name string, fields ...string) {
	event := events.New(eventSource, name, fields...)
	event.OccurredAt = r.clock().UTC()
	events.Emit(ctx, r.publisher, event)
}
