package job

import (
	"context"
	"encoding/json"

	xerrors "X402-Chain/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
//
// Claim 只领取 pending 状态且未耗尽次数的任务；MarkFailed 在 terminal 为 false 时
// 把任务放回 pending 等待重投。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, result json.RawMessage) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}

// Stats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *Stats) add(job *Job) {
	s.Total++
	switch job.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	}
	if job.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = job.UpdatedAt
	}
	if s.OldestUpdatedAt == 0 || (job.UpdatedAt != 0 && job.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = job.UpdatedAt
	}
}
