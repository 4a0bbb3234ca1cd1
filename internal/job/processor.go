package job

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/observability/alerting"
	"X402-Chain/internal/observability/metrics"
	"X402-Chain/pkg/logger"
)

// Executor 执行单个任务并返回可序列化的结果。
type Executor interface {
	Execute(ctx context.Context, job *Job) (json.RawMessage, error)
}

// Processor 负责从队列消费任务并交给 Executor 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	backoff     time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRetryBackoff 设置重投前的等待时间。
func WithRetryBackoff(backoff time.Duration) ProcessorOption {
	return func(p *Processor) {
		if backoff >= 0 {
			p.backoff = backoff
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("job"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 取消或消费者出错。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 领取并执行一个任务。
func (p *Processor) Handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) ||
			stdErrors.Is(err, ErrJobExhausted) || stdErrors.Is(err, ErrJobConflict) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}
	metrics.RecordJob(string(job.Kind), "claimed")

	result, execErr := p.executor.Execute(ctx, job)
	if execErr != nil {
		return p.handleFailure(ctx, job, execErr)
	}

	if err := p.store.MarkSucceeded(ctx, job.ID, result); err != nil {
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID))
		// 执行已生效，不能重投，只能告警人工核对。
		p.emitAlert(ctx, job, xerrors.CodeStorageFailure, err, "record_success")
		return nil
	}
	metrics.RecordJob(string(job.Kind), "succeeded")
	logger.Audit().Info("任务执行成功",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Int("attempts", job.Attempts),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, job *Job, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := !retryable || job.Attempts >= job.MaxRetries

	if storeErr := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	attrs := append([]any{
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Bool("terminal", terminal),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	}, xerrors.LogAttrs(execErr)...)
	logger.Audit().Warn("任务执行失败", attrs...)

	if terminal {
		stage := "terminal"
		if !retryable {
			stage = "non_retryable"
		}
		metrics.RecordJob(string(job.Kind), stage)
		if retryable || xerrors.ShouldAlert(execErr) {
			p.emitAlert(ctx, job, code, execErr, stage)
		}
		return nil
	}

	metrics.RecordJob(string(job.Kind), "retry")
	if p.backoff > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff):
		}
	}
	if pubErr := p.producer.Publish(ctx, job.ID); pubErr != nil {
		return xerrors.Wrap(CodeJobPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", job.ID))
	}
	p.logger.Debug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		Category:   xerrors.CategoryOf(cause),
		JobID:      job.ID,
		Kind:       string(job.Kind),
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
