package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	goredis "github.com/redis/go-redis/v9"

	"X402-Chain/internal/agent"
	"X402-Chain/internal/config"
	"X402-Chain/internal/escrow"
	"X402-Chain/internal/events"
	"X402-Chain/internal/job"
	"X402-Chain/internal/registry"
	"X402-Chain/internal/scheduler"
	"X402-Chain/internal/storage/mysql"
	redisstore "X402-Chain/internal/storage/redis"
	"X402-Chain/internal/token"
	"X402-Chain/internal/web3/provider"
	"X402-Chain/internal/web3/x402"
	"X402-Chain/pkg/logger"
)

// infra 持有进程内共享的外部连接。
type infra struct {
	db    *sql.DB
	redis *goredis.Client
}

func openInfra(ctx context.Context, cfg *config.Config) (*infra, error) {
	out := &infra{}
	if cfg.Storage.Driver == "mysql" {
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: seconds(cfg.Storage.MySQL.ConnMaxLifetimeSeconds),
			ConnMaxIdleTime: seconds(cfg.Storage.MySQL.ConnMaxIdleTimeSeconds),
		})
		if err != nil {
			return nil, err
		}
		out.db = db
	}
	if cfg.Events.Driver == "redis" || cfg.Agent.StateDriver == "redis" {
		client, err := redisstore.Open(ctx, redisConfig(cfg.Storage.Redis))
		if err != nil {
			out.Close()
			return nil, err
		}
		out.redis = client
	}
	return out, nil
}

func (i *infra) Close() {
	if i.redis != nil {
		_ = i.redis.Close()
	}
	if i.db != nil {
		_ = i.db.Close()
	}
}

func redisConfig(cfg config.RedisConfig) redisstore.Config {
	return redisstore.Config{Address: cfg.Address, Password: cfg.Password, DB: cfg.DB}
}

func buildPublisher(cfg *config.Config, in *infra) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "log":
		return events.LogPublisher{}, nil
	case "redis":
		return events.Fanout{
			events.LogPublisher{},
			events.NewRedisPublisherWithClient(in.redis, cfg.Events.ChannelPrefix),
		}, nil
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
}

func buildEscrowStore(cfg *config.Config, in *infra) (escrow.Store, error) {
	if in.db == nil {
		return escrow.NewMemoryStore(), nil
	}
	return escrow.NewMySQLStore(in.db)
}

func buildRegistryStore(cfg *config.Config, in *infra) (registry.Store, error) {
	if in.db == nil {
		return registry.NewMemoryStore(), nil
	}
	return registry.NewMySQLStore(in.db)
}

func buildJobStore(cfg *config.Config, in *infra) (job.Store, error) {
	if in.db == nil {
		return job.NewMemoryStore(), nil
	}
	return job.NewMySQLStore(in.db)
}

func buildAgentState(cfg *config.Config, in *infra) (agent.StateStore, error) {
	if cfg.Agent.StateDriver == "redis" {
		return agent.NewRedisStateStore(in.redis, cfg.Agent.StatePrefix)
	}
	return agent.NewMemoryStateStore(), nil
}

func buildQueue(ctx context.Context, cfg *config.Config, _ *infra) (job.Queue, error) {
	queueCfg := cfg.Jobs.Queue
	switch queueCfg.Driver {
	case "memory":
		return job.NewMemoryQueue(queueCfg.Size), nil
	case "redis":
		return job.NewRedisQueue(ctx, job.RedisQueueConfig{
			Config:    redisConfig(cfg.Storage.Redis),
			Queue:     queueCfg.Redis.Queue,
			BlockWait: seconds(queueCfg.Redis.BlockWaitSeconds),
		})
	case "rabbitmq":
		return job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:        queueCfg.RabbitMQ.URL,
			Queue:      queueCfg.RabbitMQ.Queue,
			Prefetch:   queueCfg.RabbitMQ.Prefetch,
			Durable:    queueCfg.RabbitMQ.Durable,
			AutoDelete: queueCfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", queueCfg.Driver)
	}
}

// identities 汇总守护进程使用的各个地址。
type identities struct {
	treasury common.Address
	custody  common.Address
	agent    common.Address
	owner    common.Address
	operator common.Address
	router   common.Address
}

func resolveIdentities(cfg *config.Config) (identities, error) {
	var (
		ids identities
		err error
	)
	if ids.treasury, err = parseAddress("escrow.treasury", cfg.Escrow.Treasury); err != nil {
		return ids, err
	}
	if ids.custody, err = parseAddress("escrow.custody", cfg.Escrow.Custody); err != nil {
		return ids, err
	}
	if ids.agent, err = parseAddress("agent.address", cfg.Agent.Address); err != nil {
		return ids, err
	}
	if ids.owner, err = parseAddress("agent.owner", cfg.Agent.Owner); err != nil {
		return ids, err
	}
	ids.operator = ids.owner
	if cfg.Agent.Operator != "" {
		if ids.operator, err = parseAddress("agent.operator", cfg.Agent.Operator); err != nil {
			return ids, err
		}
	}
	if ids.router, err = parseAddress("router.address", cfg.Router.Address); err != nil {
		return ids, err
	}
	return ids, nil
}

func parseAddress(field, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s 不是有效地址: %q", field, value)
	}
	addr := common.HexToAddress(value)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s 不能为零地址", field)
	}
	return addr, nil
}

// parseAmount 解析十进制或 0x 前缀的十六进制整数。
func parseAmount(field, value string, allowZero bool) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" && allowZero {
		return new(big.Int), nil
	}
	amount, ok := new(big.Int).SetString(value, 0)
	if !ok || amount.Sign() < 0 || (!allowZero && amount.Sign() == 0) {
		return nil, fmt.Errorf("%s 不是有效数量: %q", field, value)
	}
	return amount, nil
}

// strategyID 接受 32 字节十六进制编号，其他字符串取 keccak256。
func strategyID(value string) (common.Hash, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return common.Hash{}, fmt.Errorf("策略编号不能为空")
	}
	if strings.HasPrefix(value, "0x") && len(value) == 66 {
		return common.HexToHash(value), nil
	}
	return crypto.Keccak256Hash([]byte(value)), nil
}

// seedBalances 为模拟盘账本注入初始余额，并为托管地址授权全部余额。
func seedBalances(ctx context.Context, ledger *token.MemoryLedger, seeds []config.BalanceSeed, custody common.Address) error {
	for i, seed := range seeds {
		holder, err := parseAddress(fmt.Sprintf("runtime.balances[%d].holder", i), seed.Holder)
		if err != nil {
			return err
		}
		asset, err := parseAddress(fmt.Sprintf("runtime.balances[%d].token", i), seed.Token)
		if err != nil {
			return err
		}
		amount, err := parseAmount(fmt.Sprintf("runtime.balances[%d].amount", i), seed.Amount, false)
		if err != nil {
			return err
		}
		if err := ledger.Mint(asset, holder, amount); err != nil {
			return err
		}
		if err := ledger.Approve(ctx, asset, holder, custody, amount); err != nil {
			return err
		}
	}
	return nil
}

func configureStrategies(ctx context.Context, dca *agent.DCAAgent, owner common.Address, strategies []config.StrategyConfig) error {
	for i, item := range strategies {
		id, err := strategyID(item.ID)
		if err != nil {
			return err
		}
		tokenIn, err := parseAddress(fmt.Sprintf("agent.strategies[%d].token_in", i), item.TokenIn)
		if err != nil {
			return err
		}
		tokenOut, err := parseAddress(fmt.Sprintf("agent.strategies[%d].token_out", i), item.TokenOut)
		if err != nil {
			return err
		}
		cfg := agent.StrategyConfig{
			TokenIn:        tokenIn,
			TokenOut:       tokenOut,
			PriceFeedID:    common.HexToHash(item.PriceFeedID),
			MinInterval:    time.Duration(item.MinIntervalSeconds) * time.Second,
			MaxStaleness:   time.Duration(item.MaxStalenessSeconds) * time.Second,
			MaxSlippageBps: item.MaxSlippageBps,
			Active:         item.Active,
		}
		if err := dca.ConfigureStrategy(ctx, owner, id, cfg); err != nil {
			return fmt.Errorf("配置策略 %s 失败: %w", item.ID, err)
		}
	}
	return nil
}

func addSchedules(sched *scheduler.Scheduler, entries []config.ScheduleEntry) error {
	for i, item := range entries {
		id, err := strategyID(item.StrategyID)
		if err != nil {
			return err
		}
		amount, err := parseAmount(fmt.Sprintf("scheduler.entries[%d].amount", i), item.Amount, false)
		if err != nil {
			return err
		}
		if _, err := sched.Add(scheduler.Entry{
			Name:        item.Name,
			Spec:        item.Spec,
			StrategyID:  id,
			Amount:      amount,
			SlippageBps: item.SlippageBps,
		}); err != nil {
			return err
		}
	}
	return nil
}

// startChainWatcher 在配置了链与托管合约地址时，把合约事件转发到事件发布器。
func startChainWatcher(ctx context.Context, cfg *config.Config, publisher events.Publisher) (func(), error) {
	noop := func() {}
	if cfg.Web3.ChainConfig == "" && cfg.Web3.RPCURL == "" {
		return noop, nil
	}
	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return noop, err
	}
	lg := logger.Named("x402d")
	client, err := chains.DefaultClient()
	if err != nil {
		chains.Close()
		return noop, err
	}
	if snapshot, err := client.FetchChainSnapshot(ctx); err != nil {
		lg.Warn("获取链状态失败", slog.Any("error", err))
	} else {
		lg.Info("已连接区块链",
			slog.String("chain", chains.DefaultChain()),
			slog.String("chain_id", snapshot.ChainID),
			slog.String("block", snapshot.BlockNumber),
		)
	}

	def, _ := chains.Definition(chains.DefaultChain())
	escrowAddr, ok := def.Contracts.EscrowAddress()
	if !ok {
		return chains.Close, nil
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := x402.NewWatcher(client, escrowAddr, publisher).Run(watchCtx); err != nil && watchCtx.Err() == nil {
			lg.Error("托管合约事件监听退出", slog.Any("error", err))
		}
	}()
	return func() {
		cancel()
		<-done
		chains.Close()
	}, nil
}
