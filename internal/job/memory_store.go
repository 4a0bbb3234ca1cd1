package job

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	xerrors "X402-Chain/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	clock func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job), clock: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if job.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrJobConflict
	}
	now := m.clock().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// Claim 将任务状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	switch job.Status {
	case StatusSucceeded:
		return cloneJob(job), ErrJobCompleted
	case StatusRunning:
		return cloneJob(job), ErrJobConflict
	case StatusFailed:
		return cloneJob(job), ErrJobExhausted
	}
	if job.Attempts >= job.MaxRetries {
		return cloneJob(job), ErrJobExhausted
	}
	job.Status = StatusRunning
	job.Attempts++
	job.UpdatedAt = m.clock().Unix()
	return cloneJob(job), nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusSucceeded
	job.Result = append(json.RawMessage(nil), result...)
	job.LastError = ""
	job.ErrorCode = ""
	job.UpdatedAt = m.clock().Unix()
	return nil
}

// MarkFailed 记录失败；非终态失败回到 pending。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusPending
	if terminal {
		job.Status = StatusFailed
	}
	job.LastError = lastError
	job.ErrorCode = string(code)
	job.UpdatedAt = m.clock().Unix()
	return nil
}

// List 返回符合条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()

	m.mu.RLock()
	results := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if opts.matches(job) {
			results = append(results, cloneJob(job))
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID > b.ID
	})

	if opts.Offset >= len(results) {
		return []*Job{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{}
	for _, job := range m.jobs {
		if opts.matches(job) {
			stats.add(job)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
