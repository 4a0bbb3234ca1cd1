package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	xerrors "X402-Chain/internal/errors"
	"X402-Chain/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	Category   xerrors.Category  `json:"category"`
	JobID      string            `json:"job_id,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把告警写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入审计日志。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("category", string(event.Category)),
		slog.String("job_id", event.JobID),
		slog.String("kind", event.Kind),
		slog.Int("attempts", event.Attempts),
		slog.Int("max_retries", event.MaxRetries),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.Audit().Error(event.Message, attrs...)
	return nil
}

// WebhookNotifier 以 JSON 形式把告警 POST 到指定地址。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送告警。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("job_id", event.JobID))
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}
