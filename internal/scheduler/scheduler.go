// Package scheduler 按 cron 表达式定期为 DCA 策略生成执行参数并提交 execute_strategy 任务。
package scheduler

import (
	"context"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/robfig/cron/v3"

	"X402-Chain/internal/agent"
	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/job"
	"X402-Chain/internal/observability/metrics"
	"X402-Chain/internal/planner"
	"X402-Chain/pkg/logger"
)

// Entry 是一条定投计划。Spec 支持标准五段式 cron 表达式和 @every 描述符。
type Entry struct {
	Name        string
	Spec        string
	StrategyID  common.Hash
	Amount      *big.Int
	SlippageBps uint32
}

// ConfigSource 读取策略配置，*agent.DCAAgent 满足该接口。
type ConfigSource interface {
	Strategy(ctx context.Context, id common.Hash) (agent.StrategyConfig, bool, error)
}

// Planner 生成执行参数。
type Planner interface {
	Plan(ctx context.Context, req planner.Request) (*planner.Plan, error)
}

// Submitter 提交任务，*job.Service 满足该接口。
type Submitter interface {
	Submit(ctx context.Context, req job.Request) (*job.Job, error)
}

// Scheduler 管理 cron 条目。
type Scheduler struct {
	cron      *cron.Cron
	caller    common.Address
	configs   ConfigSource
	planner   Planner
	submitter Submitter
	log       *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
}

// New 创建调度器，caller 为提交任务时使用的运营方身份。
func New(caller common.Address, configs ConfigSource, p Planner, submitter Submitter) (*Scheduler, error) {
	if configs == nil || p == nil || submitter == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "调度器依赖不能为空")
	}
	return &Scheduler{
		cron:      cron.New(),
		caller:    caller,
		configs:   configs,
		planner:   p,
		submitter: submitter,
		log:       logger.Named("scheduler"),
		baseCtx:   context.Background(),
	}, nil
}

// Add 注册一条计划。
func (s *Scheduler) Add(entry Entry) (cron.EntryID, error) {
	if entry.StrategyID == (common.Hash{}) {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "策略编号不能为空")
	}
	if entry.Amount == nil || entry.Amount.Sign() <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "定投数量必须大于零")
	}
	if entry.Name == "" {
		entry.Name = entry.StrategyID.Hex()
	}
	id, err := s.cron.AddFunc(entry.Spec, func() {
		s.mu.Lock()
		ctx := s.baseCtx
		s.mu.Unlock()
		if _, err := s.RunOnce(ctx, entry); err != nil {
			s.log.Warn("定投计划执行失败",
				slog.String("schedule", entry.Name),
				slog.String("code", string(xerrors.CodeOf(err))),
				slog.Any("error", err),
			)
		}
	})
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "cron 表达式无效: "+entry.Spec)
	}
	s.log.Info("定投计划已注册", slog.String("schedule", entry.Name), slog.String("spec", entry.Spec))
	return id, nil
}

// Start 启动调度，ctx 取消后停止并等待正在运行的条目结束。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.log.Info("调度器已启动", slog.Int("entries", len(s.cron.Entries())))
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop 停止调度并等待运行中的条目完成。
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("调度器已停止")
}

// RunOnce 执行一次计划：策略未启用时跳过并返回 nil。
func (s *Scheduler) RunOnce(ctx context.Context, entry Entry) (submitted *job.Job, err error) {
	defer func() { metrics.RecordOperation("scheduler", "run", err) }()

	cfg, ok, err := s.configs.Strategy(ctx, entry.StrategyID)
	if err != nil {
		return nil, err
	}
	if !ok || !cfg.Active {
		s.log.Info("策略未启用，跳过本次定投", slog.String("schedule", entry.Name))
		return nil, nil
	}

	plan, err := s.planner.Plan(ctx, planner.Request{
		StrategyID:  entry.StrategyID,
		Config:      cfg,
		Amount:      entry.Amount,
		SlippageBps: entry.SlippageBps,
	})
	if err != nil {
		return nil, err
	}

	req, err := job.NewRequest(job.KindExecuteStrategy, job.StrategyPayload{
		Caller:     s.caller.Hex(),
		StrategyID: entry.StrategyID.Hex(),
		Params:     hexutil.Encode(plan.Encoded),
	})
	if err != nil {
		return nil, err
	}
	req.Metadata = map[string]string{
		"schedule":   entry.Name,
		"min_return": plan.MinReturn.String(),
	}
	submitted, err = s.submitter.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	s.log.Info("定投任务已提交",
		slog.String("schedule", entry.Name),
		slog.String("job_id", submitted.ID),
	)
	return submitted, nil
}
