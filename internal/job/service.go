package job

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/observability/metrics"
	"X402-Chain/pkg/logger"
)

// Request 描述一次任务提交。ID 非空时作为幂等键。
type Request struct {
	ID       string            `json:"id,omitempty"`
	Kind     Kind              `json:"kind"`
	Payload  json.RawMessage   `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewRequest 把结构化参数编码为任务请求。
func NewRequest(kind Kind, payload any) (Request, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Request{}, xerrors.Wrap(CodeJobValidation, err, "编码任务参数失败")
	}
	return Request{Kind: kind, Payload: raw}, nil
}

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务。maxRetries 不大于 0 时取 DefaultMaxRetries。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的任务并推送到队列。相同 ID 的重复提交返回已有任务。
func (s *Service) Submit(ctx context.Context, req Request) (*Job, error) {
	if !IsValidKind(req.Kind) {
		return nil, xerrors.New(CodeJobValidation, "未知的任务类型", xerrors.WithMetadata("kind", string(req.Kind)))
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		return nil, xerrors.New(CodeJobValidation, "任务参数必须是合法 JSON")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	jobID := strings.TrimSpace(req.ID)
	if jobID != "" {
		existing, err := s.store.Get(ctx, jobID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}

	job := &Job{
		ID:         jobID,
		Kind:       req.Kind,
		Payload:    req.Payload,
		Metadata:   cloneMetadata(req.Metadata),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			if existing, getErr := s.store.Get(ctx, jobID); getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, jobID, CodeJobPublish, wrapped.Error(), true)
		metrics.RecordJob(string(job.Kind), "publish_failed")
		return nil, wrapped
	}
	metrics.RecordJob(string(job.Kind), "submitted")
	logger.Audit().Info("任务入队成功",
		slog.String("job_id", jobID),
		slog.String("kind", string(job.Kind)),
		slog.Int("max_retries", job.MaxRetries),
	)
	return job, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询直到任务进入成功或终态失败。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status == StatusSucceeded || job.Status == StatusFailed {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
