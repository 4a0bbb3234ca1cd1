// Package events 负责把 escrow、agent 与 registry 的状态变更广播给外部订阅方。
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"X402-Chain/pkg/logger"
)

// Event 是一次已提交状态变更的结构化记录。
type Event struct {
	Name       string            `json:"name"`
	Source     string            `json:"source"`
	Fields     map[string]string `json:"fields"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Field 读取事件字段。
func (e Event) Field(key string) string {
	return e.Fields[key]
}

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// New 构造事件，fields 以 key/value 成对传入。
func New(source, name string, fields ...string) Event {
	event := Event{
		Name:       name,
		Source:     source,
		Fields:     make(map[string]string, len(fields)/2),
		OccurredAt: time.Now().UTC(),
	}
	for i := 0; i+1 < len(fields); i += 2 {
		event.Fields[fields[i]] = fields[i+1]
	}
	return event
}

// Emit 投递事件，失败只记录日志，不影响已提交的状态。
func Emit(ctx context.Context, publisher Publisher, event Event) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil {
		logger.L().Warn("事件投递失败",
			slog.String("event", event.Name),
			slog.String("source", event.Source),
			slog.Any("error", err),
		)
	}
}

// Recorder 在内存中记录事件，主要用于测试。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder 创建 Recorder。
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish 实现 Publisher 接口。
func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events 返回已记录事件的副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named 返回指定名称的事件。
func (r *Recorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, event := range r.events {
		if event.Name == name {
			out = append(out, event)
		}
	}
	return out
}

// LogPublisher 把事件写入审计日志。
type LogPublisher struct{}

// Publish 实现 Publisher 接口。
func (LogPublisher) Publish(_ context.Context, event Event) error {
	attrs := make([]any, 0, len(event.Fields)+2)
	attrs = append(attrs, slog.String("source", event.Source), slog.Time("occurred_at", event.OccurredAt))
	for key, value := range event.Fields {
		attrs = append(attrs, slog.String(key, value))
	}
	logger.Audit().Info(event.Name, attrs...)
	return nil
}

// Fanout 把事件依次投递给多个 Publisher。
type Fanout []Publisher

// Publish 实现 Publisher 接口。
func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, publisher := range f {
		if publisher == nil {
			continue
		}
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", publisher, err))
		}
	}
	return errors.Join(errs...)
}
