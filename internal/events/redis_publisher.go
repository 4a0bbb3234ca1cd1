package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	redisstore "X402-Chain/internal/storage/redis"
)

// RedisConfig 描述 Redis 发布通道。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisPublisher 通过 Redis PUBLISH 广播事件，频道名为 <prefix>:<source>。
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher 建立 Redis 连接。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	client, err := redisstore.Open(ctx, redisstore.Config{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		return nil, err
	}
	return NewRedisPublisherWithClient(client, cfg.Channel), nil
}

// NewRedisPublisherWithClient 复用已有的 Redis 客户端。
func NewRedisPublisherWithClient(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "x402:events"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel 返回某个来源对应的频道名。
func (p *RedisPublisher) Channel(source string) string {
	return p.prefix + ":" + source
}

// Publish 实现 Publisher 接口。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(event.Source), payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
