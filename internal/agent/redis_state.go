package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	xerrors "X402-Chain/internal/errors"
)

// RedisStateStore 把每个 agent 的状态保存在两个 hash 中：
// <prefix>:<agent>:configs 与 <prefix>:<agent>:last，field 为策略编号。
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStateStore 使用已建立的 Redis 连接创建状态存储。
func NewRedisStateStore(client *redis.Client, prefix string) (*RedisStateStore, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 客户端不能为空")
	}
	if prefix == "" {
		prefix = "x402:agent"
	}
	return &RedisStateStore{client: client, prefix: prefix}, nil
}

func (s *RedisStateStore) key(agent common.Address, kind string) string {
	return s.prefix + ":" + agent.Hex() + ":" + kind
}

// LoadConfig 实现 StateStore 接口。
func (s *RedisStateStore) LoadConfig(ctx context.Context, agent common.Address, id common.Hash) (StrategyConfig, bool, error) {
	raw, err := s.client.HGet(ctx, s.key(agent, "configs"), id.Hex()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return StrategyConfig{}, false, nil
		}
		return StrategyConfig{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取策略配置失败")
	}
	var cfg StrategyConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return StrategyConfig{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析策略配置失败")
	}
	return cfg, true, nil
}

// SaveConfig 实现 StateStore 接口。
func (s *RedisStateStore) SaveConfig(ctx context.Context, agent common.Address, id common.Hash, cfg StrategyConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化策略配置失败")
	}
	if err := s.client.HSet(ctx, s.key(agent, "configs"), id.Hex(), raw).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入策略配置失败")
	}
	return nil
}

// LastExecution 实现 StateStore 接口。
func (s *RedisStateStore) LastExecution(ctx context.Context, agent common.Address, id common.Hash) (time.Time, bool, error) {
	raw, err := s.client.HGet(ctx, s.key(agent, "last"), id.Hex()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取上次执行时间失败")
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析上次执行时间失败")
	}
	return time.Unix(unix, 0), true, nil
}

// SetLastExecution 实现 StateStore 接口。
func (s *RedisStateStore) SetLastExecution(ctx context.Context, agent common.Address, id common.Hash, at time.Time) error {
	if err := s.client.HSet(ctx, s.key(agent, "last"), id.Hex(), at.Unix()).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入上次执行时间失败")
	}
	return nil
}

var _ StateStore = (*RedisStateStore)(nil)
