package job

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "X402-Chain/internal/errors"
	redisstore "X402-Chain/internal/storage/redis"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	redisstore.Config
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现任务队列。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	client, err := redisstore.Open(ctx, cfg.Config)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 队列失败")
	}
	return NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait), nil
}

// NewRedisQueueWithClient 复用已有连接创建队列。
func NewRedisQueueWithClient(client *redis.Client, queue string, wait time.Duration) *RedisQueue {
	if queue == "" {
		queue = "x402:jobs"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.queue, jobID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取任务。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				if handlerErr := handler(ctx, values[1]); handlerErr != nil {
					// 处理器本身出错时放回队尾。
					_ = q.client.RPush(ctx, q.queue, values[1]).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
