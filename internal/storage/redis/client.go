package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address     string        `json:"address"`
	Password    string        `json:"password"`
	DB          int           `json:"db"`
	DialTimeout time.Duration `json:"-"`
}

// Open 建立连接并执行 PING。
func Open(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	opts := &goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}
