package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"X402-Chain/internal/agent"
	"X402-Chain/internal/api"
	"X402-Chain/internal/auth"
	"X402-Chain/internal/config"
	"X402-Chain/internal/escrow"
	"X402-Chain/internal/job"
	"X402-Chain/internal/observability/alerting"
	"X402-Chain/internal/observability/metrics"
	"X402-Chain/internal/oracle/hermes"
	"X402-Chain/internal/planner"
	"X402-Chain/internal/registry"
	"X402-Chain/internal/router/oneinch"
	"X402-Chain/internal/scheduler"
	"X402-Chain/internal/token"
	"X402-Chain/pkg/logger"
)

// main 是 x402d 守护进程的入口。
func main() {
	// .env 可选，不存在时直接使用进程环境变量。
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("加载 .env 失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("x402d 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return err
	}
	if err := logger.Init(loggerConfig(cfg.Logging)); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("x402d")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	infra, err := openInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer infra.Close()

	publisher, err := buildPublisher(cfg, infra)
	if err != nil {
		return err
	}

	ids, err := resolveIdentities(cfg)
	if err != nil {
		return err
	}

	// 模拟盘账本：钱包余额由配置注入，兑换按 1inch 报价结算。
	ledger := token.NewMemoryLedger()
	if err := seedBalances(ctx, ledger, cfg.Runtime.Balances, ids.custody); err != nil {
		return err
	}

	escrowStore, err := buildEscrowStore(cfg, infra)
	if err != nil {
		return err
	}
	treasury, err := escrow.NewTreasury(ids.treasury)
	if err != nil {
		return err
	}
	escrowSvc, err := escrow.New(escrowStore, token.NewCustodian(ledger, ids.custody), treasury, escrow.WithPublisher(publisher))
	if err != nil {
		return err
	}

	registryStore, err := buildRegistryStore(cfg, infra)
	if err != nil {
		return err
	}
	registrySvc, err := registry.New(registryStore, registry.WithPublisher(publisher))
	if err != nil {
		return err
	}

	hermesClient, err := hermes.NewClient(hermes.Config{
		Endpoint:          cfg.Oracle.Endpoint,
		APIKey:            cfg.Oracle.APIKey,
		Timeout:           seconds(cfg.Oracle.TimeoutSeconds),
		RequestsPerSecond: cfg.Oracle.RequestsPerSecond,
		Burst:             cfg.Oracle.Burst,
	})
	if err != nil {
		return err
	}
	updateFee, err := parseAmount("oracle.fee_per_update", cfg.Oracle.FeePerUpdate, true)
	if err != nil {
		return err
	}
	priceOracle := hermes.NewOracle(hermesClient, updateFee, time.Now)

	oneinchClient, err := oneinch.NewClient(oneinch.Config{
		APIBase:           cfg.Router.APIBase,
		ChainID:           cfg.Router.ChainID,
		APIKey:            cfg.Router.APIKey,
		Timeout:           seconds(cfg.Router.TimeoutSeconds),
		RequestsPerSecond: cfg.Router.RequestsPerSecond,
	})
	if err != nil {
		return err
	}
	swapRouter := oneinch.NewPaperRouter(oneinchClient, ledger, ids.router)

	state, err := buildAgentState(cfg, infra)
	if err != nil {
		return err
	}
	dca, err := agent.NewDCAAgent(ids.agent, ids.owner, ledger, priceOracle, swapRouter,
		agent.WithPublisher(publisher),
		agent.WithStateStore(state),
	)
	if err != nil {
		return err
	}
	if ids.operator != ids.owner {
		if err := dca.SetExecutor(ctx, ids.owner, ids.operator, true); err != nil {
			return err
		}
	}
	if err := configureStrategies(ctx, dca, ids.owner, cfg.Agent.Strategies); err != nil {
		return err
	}

	jobStore, err := buildJobStore(cfg, infra)
	if err != nil {
		return err
	}
	queue, err := buildQueue(ctx, cfg, infra)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Warn("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	jobService := job.NewService(jobStore, queue, cfg.Jobs.MaxRetries)
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	processor := job.NewProcessor(job.NewOperator(ids.operator, escrowSvc, dca), jobStore, queue, queue,
		job.WithWorkerCount(cfg.Jobs.Workers),
		job.WithRetryBackoff(seconds(cfg.Jobs.RetryBackoffSeconds)),
		job.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Scheduler.Enabled {
		swapPlanner, err := planner.New(ids.agent, hermesClient, oneinchClient, priceOracle)
		if err != nil {
			return err
		}
		sched, err := scheduler.New(ids.operator, dca, swapPlanner, jobService)
		if err != nil {
			return err
		}
		if err := addSchedules(sched, cfg.Scheduler.Entries); err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	stopWatcher, err := startChainWatcher(ctx, cfg, publisher)
	if err != nil {
		return err
	}
	defer stopWatcher()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	authStore, err := auth.NewMemoryStore(authSeeds(cfg.Auth.Seeds))
	if err != nil {
		return err
	}
	authSvc, err := auth.NewService(auth.Config{
		Mode: auth.Mode(cfg.Auth.Mode),
		JWT: auth.JWTOptions{
			Secret:     cfg.Auth.JWT.Secret,
			Issuer:     cfg.Auth.JWT.Issuer,
			Audience:   cfg.Auth.JWT.Audience,
			AccessTTL:  cfg.Auth.JWT.AccessTTLSeconds,
			RefreshTTL: cfg.Auth.JWT.RefreshTTLSeconds,
		},
	}, authStore)
	if err != nil {
		return err
	}

	lg.Info("x402d 已启动",
		slog.String("address", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Jobs.Queue.Driver),
		slog.String("agent", ids.agent.Hex()),
		slog.String("operator", ids.operator.Hex()),
	)

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Escrow:   escrowSvc,
		Registry: registrySvc,
		Jobs:     jobService,
		Auth:     authSvc,
	})
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("API 服务退出: %w", err)
	}
	return nil
}

func loggerConfig(cfg config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: cfg.OutputPaths,
		Service:     "x402d",
		AddSource:   cfg.AddSource,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Audit.Enabled,
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
			Compress:   cfg.Audit.Compress,
		},
	}
}

func authSeeds(seeds []config.SeedConfig) []auth.Seed {
	out := make([]auth.Seed, 0, len(seeds))
	for _, seed := range seeds {
		out = append(out, auth.Seed{
			Username:    seed.Username,
			Password:    seed.Password,
			Address:     seed.Address,
			Roles:       seed.Roles,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		})
	}
	return out
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
