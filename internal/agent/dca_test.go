package agent

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/events"
	"X402-Chain/internal/oracle"
	"X402-Chain/internal/router"
	"X402-Chain/internal/token"
)

var (
	weth       = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	usdc       = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	agentAddr  = common.HexToAddress("0x000000000000000000000000000000000000a9e1")
	ownerAddr  = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	executor   = common.HexToAddress("0x000000000000000000000000000000000000e8ec")
	stranger   = common.HexToAddress("0x0000000000000000000000000000000000000bad")
	routerAddr = common.HexToAddress("0x0000000000000000000000000000000000001111")
	ethFeed    = common.HexToHash("0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace")
	strategyID = common.HexToHash("0x0dca")
)

type fixture struct {
	agent    *DCAAgent
	ledger   *token.MemoryLedger
	oracle   *oracle.MemoryOracle
	router   *router.FixedRateRouter
	recorder *events.Recorder
	now      *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	ledger := token.NewMemoryLedger()
	require.NoError(t, ledger.Mint(weth, agentAddr, big.NewInt(10)))
	require.NoError(t, ledger.Mint(usdc, routerAddr, big.NewInt(1_000_000)))

	swap := router.NewFixedRateRouter(ledger, routerAddr)
	swap.SetRate(weth, usdc, 3000, 1)
	prices := oracle.NewMemoryOracle(big.NewInt(1), clock)
	recorder := events.NewRecorder()

	agent, err := NewDCAAgent(agentAddr, ownerAddr, ledger, prices, swap,
		WithClock(clock),
		WithPublisher(recorder),
	)
	require.NoError(t, err)
	require.NoError(t, agent.ConfigureStrategy(context.Background(), ownerAddr, strategyID, StrategyConfig{
		TokenIn:        weth,
		TokenOut:       usdc,
		PriceFeedID:    ethFeed,
		MinInterval:    time.Hour,
		MaxStaleness:   time.Minute,
		MaxSlippageBps: 100,
		Active:         true,
	}))
	return &fixture{agent: agent, ledger: ledger, oracle: prices, router: swap, recorder: recorder, now: &now}
}

func (f *fixture) advance(d time.Duration) {
	*f.now = f.now.Add(d)
}

// ethPrice 返回 18 位小数的 ETH 价格。
func ethPrice(usd int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(usd), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func (f *fixture) params(t *testing.T) Params {
	t.Helper()
	update, err := oracle.EncodeUpdate(ethFeed, oracle.Price{Value: 300_000_000_000, Expo: -8, PublishTime: f.now.Unix()})
	require.NoError(t, err)
	return Params{
		TokenIn:  weth,
		TokenOut: usdc,
		Executor: executor,
		Desc: router.SwapDescription{
			SrcToken:        weth,
			DstToken:        usdc,
			SrcReceiver:     agentAddr,
			DstReceiver:     agentAddr,
			Amount:          big.NewInt(2),
			MinReturnAmount: big.NewInt(5_900),
			Flags:           new(big.Int),
		},
		ExecutionData:   []byte{0x12, 0xaa},
		PriceUpdateData: [][]byte{update},
		MaxUpdateFee:    big.NewInt(10),
		ReferencePrice:  ethPrice(3_010),
	}
}

// holdings 记录一次执行可能触及的全部状态，金额以十进制字符串比较。
type holdings struct {
	AgentIn, AgentOut   string
	RouterIn, RouterOut string
	Allowance           string
	FeeCollected        string
	Price               oracle.Price
	Priced              bool
}

func (f *fixture) holdings(t *testing.T) holdings {
	t.Helper()
	ctx := context.Background()
	read := func(asset, holder common.Address) string {
		amount, err := f.ledger.BalanceOf(ctx, asset, holder)
		require.NoError(t, err)
		return amount.String()
	}
	allowance, err := f.ledger.Allowance(ctx, weth, agentAddr, routerAddr)
	require.NoError(t, err)
	price, priced := f.oracle.Price(ethFeed)
	return holdings{
		AgentIn:      read(weth, agentAddr),
		AgentOut:     read(usdc, agentAddr),
		RouterIn:     read(weth, routerAddr),
		RouterOut:    read(usdc, routerAddr),
		Allowance:    allowance.String(),
		FeeCollected: f.oracle.Collected().String(),
		Price:        price,
		Priced:       priced,
	}
}

// requireUntouched 断言执行失败后没有留下任何状态变更。
func (f *fixture) requireUntouched(t *testing.T, before holdings) {
	t.Helper()
	assert.Equal(t, before, f.holdings(t))
	_, ok, err := f.agent.LastExecution(context.Background(), strategyID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.recorder.Named("StrategyExecuted"))
}

func encode(t *testing.T, p Params) []byte {
	t.Helper()
	data, err := EncodeParams(p)
	require.NoError(t, err)
	return data
}

func TestParamsRoundTrip(t *testing.T) {
	f := newFixture(t)
	p := f.params(t)
	decoded, err := DecodeParams(encode(t, p))
	require.NoError(t, err)
	assert.Equal(t, p.TokenIn, decoded.TokenIn)
	assert.Equal(t, p.Executor, decoded.Executor)
	assert.Equal(t, p.Desc.DstReceiver, decoded.Desc.DstReceiver)
	assert.Equal(t, 0, p.Desc.Amount.Cmp(decoded.Desc.Amount))
	assert.Equal(t, 0, p.ReferencePrice.Cmp(decoded.ReferencePrice))
	assert.Equal(t, p.ExecutionData, decoded.ExecutionData)
	assert.Equal(t, p.PriceUpdateData, decoded.PriceUpdateData)

	_, err = DecodeParams([]byte{0xde, 0xad})
	assert.Equal(t, CodeInvalidParams, xerrors.CodeOf(err))
}

func TestInactiveStrategyAlwaysFailsValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cfg, ok, err := f.agent.Strategy(ctx, strategyID)
	require.NoError(t, err)
	require.True(t, ok)
	cfg.Active = false
	require.NoError(t, f.agent.ConfigureStrategy(ctx, ownerAddr, strategyID, cfg))

	valid := encode(t, f.params(t))
	for _, data := range [][]byte{valid, nil, {0x01}} {
		ok, reason := f.agent.ValidateExecution(ctx, strategyID, data)
		assert.False(t, ok)
		assert.Equal(t, ReasonStrategyInactive, reason)
	}

	ok, reason := f.agent.ValidateExecution(ctx, common.HexToHash("0x404"), valid)
	assert.False(t, ok)
	assert.Equal(t, ReasonStrategyInactive, reason)
}

func TestValidationReasons(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := []struct {
		name   string
		mutate func(p *Params)
		reason string
	}{
		{"pair", func(p *Params) { p.TokenOut = stranger }, ReasonPairMismatch},
		{"desc pair", func(p *Params) { p.Desc.DstToken = stranger }, ReasonPairMismatch},
		{"executor", func(p *Params) { p.Executor = common.Address{} }, ReasonInvalidExecutor},
		{"amount", func(p *Params) { p.Desc.Amount = big.NewInt(0) }, ReasonInvalidAmount},
		{"src receiver", func(p *Params) { p.Desc.SrcReceiver = stranger }, ReasonInvalidReceiver},
		{"dst receiver", func(p *Params) { p.Desc.DstReceiver = stranger }, ReasonInvalidReceiver},
		{"execution data", func(p *Params) { p.ExecutionData = nil }, ReasonEmptyExecutionData},
		{"price update", func(p *Params) { p.PriceUpdateData = nil }, ReasonEmptyPriceUpdate},
		{"balance", func(p *Params) { p.Desc.Amount = big.NewInt(11) }, ReasonInsufficientBalance},
		{"reference", func(p *Params) { p.ReferencePrice = nil }, ReasonReferencePriceNeeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := f.params(t)
			tc.mutate(&p)
			ok, reason := f.agent.ValidateExecution(ctx, strategyID, encode(t, p))
			assert.False(t, ok)
			assert.Equal(t, tc.reason, reason)
		})
	}

	ok, reason := f.agent.ValidateExecution(ctx, strategyID, []byte{0x01})
	assert.False(t, ok)
	assert.Equal(t, ReasonInvalidParams, reason)

	ok, reason = f.agent.ValidateExecution(ctx, strategyID, encode(t, f.params(t)))
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestExecuteStrategySuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	record, err := f.agent.ExecuteStrategy(ctx, ownerAddr, strategyID, encode(t, f.params(t)))
	require.NoError(t, err)
	assert.Equal(t, int64(6_000), record.AmountOut.Int64())
	assert.Equal(t, int64(2), record.AmountIn.Int64())
	assert.Equal(t, int64(1), record.FeePaid.Int64())
	assert.Equal(t, 0, ethPrice(3_000).Cmp(record.ExecutedPrice))

	held, err := f.ledger.BalanceOf(ctx, usdc, agentAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(6_000), held.Int64())

	last, ok, err := f.agent.LastExecution(ctx, strategyID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, f.now.Unix(), last)

	executed := f.recorder.Named("StrategyExecuted")
	require.Len(t, executed, 1)
	assert.Equal(t, "6000", executed[0].Field("amount_out"))
}

func TestExecuteStrategyRespectsInterval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.agent.ExecuteStrategy(ctx, ownerAddr, strategyID, encode(t, f.params(t)))
	require.NoError(t, err)

	f.advance(30 * time.Minute)
	_, err = f.agent.ExecuteStrategy(ctx, ownerAddr, strategyID, encode(t, f.params(t)))
	assert.True(t, errors.Is(err, ErrIntervalNotElapsed))
	assert.Equal(t, xerrors.CategoryState, xerrors.CategoryOf(err))

	f.advance(30 * time.Minute)
	_, err = f.agent.ExecuteStrategy(ctx, ownerAddr, strategyID, encode(t, f.params(t)))
	require.NoError(t, err)
}

func TestExecuteStrategyAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := encode(t, f.params(t))

	_, err := f.agent.ExecuteStrategy(ctx, stranger, strategyID, data)
	assert.True(t, errors.Is(err, ErrNotExecutor))

	assert.True(t, errors.Is(f.agent.SetExecutor(ctx, stranger, executor, true), ErrNotOwner))
	require.NoError(t, f.agent.SetExecutor(ctx, ownerAddr, executor, true))
	assert.True(t, f.agent.IsExecutor(executor))

	assert.True(t, errors.Is(f.agent.EmergencyStop(ctx, executor), ErrNotOwner))
	require.NoError(t, f.agent.EmergencyStop(ctx, ownerAddr))
	_, err = f.agent.ExecuteStrategy(ctx, executor, strategyID, data)
	assert.True(t, errors.Is(err, ErrPaused))

	require.NoError(t, f.agent.Resume(ctx, ownerAddr))
	_, err = f.agent.ExecuteStrategy(ctx, executor, strategyID, data)
	require.NoError(t, err)
}

func TestExecuteStrategyFeeCap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.oracle.SetFee(big.NewInt(20))
	before := f.holdings(t)

	_, err := f.agent.ExecuteStrategy(ctx, ownerAddr, strategyID, encode(t, f.params(t)))
	assert.True(t, errors.Is(err, ErrFeeExceedsCap))
	assert.Equal(t, xerrors.CategoryEconomic, xerrors.CategoryOf(err))
	f.requireUntouched(t, before)

	p := f.params(t)
	p.MaxUpdateFee = big.NewInt(0)
	_, err = f.agent.ExecuteStrategy(ctx, ownerAddr, strategyID, encode(t, p))
	require.NoError(t, err)
	assert.Equal(t, int64(20), f.oracle.Collected().Int64())
}

func TestExecuteStrategyStalePrice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.params(t)
	update, err := oracle.EncodeUpdate(ethFeed, oracle.Price{Value: 300_000_000_000, Expo: -8, PublishTime: f.now.Unix() - 120})
	require.NoError(t, err)
	p.PriceUpdateData = [][]byte{update}
	before := f.holdings(t)

	_, err = f.agent.ExecuteStrategy(ctx, ownerAddr, strategyID, encode(t, p))
	assert.True(t, errors.Is(err, oracle.ErrPriceTooStale))
	f.requireUntouched(t, before)
}

func TestExecuteStrategySlippage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.params(t)
	p.ReferencePrice = ethPrice(3_100)
	before := f.holdings(t)

	_, err := f.agent.ExecuteStrategy(ctx, ownerAddr, strategyID, encode(t, p))
	assert.True(t, errors.Is(err, ErrSlippageExceeded))
	f.requireUntouched(t, before)
	assert.False(t, before.Priced)
}

func TestExecuteStrategySkipsSlippageWithoutBound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.agent.ConfigureStrategy(ctx, ownerAddr, strategyID, StrategyConfig{
		TokenIn:      weth,
		TokenOut:     usdc,
		PriceFeedID:  ethFeed,
		MinInterval:  time.Hour,
		MaxStaleness: time.Minute,
		Active:       true,
	}))

	p := f.params(t)
	p.ReferencePrice = ethPrice(9_000)
	record, err := f.agent.ExecuteStrategy(ctx, ownerAddr, strategyID, encode(t, p))
	require.NoError(t, err)
	assert.Equal(t, int64(6_000), record.AmountOut.Int64())

	f.advance(time.Hour)
	p = f.params(t)
	p.ReferencePrice = new(big.Int)
	_, err = f.agent.ExecuteStrategy(ctx, ownerAddr, strategyID, encode(t, p))
	require.NoError(t, err)
}

func TestExecuteStrategyMeasuresOutputByBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.router.SetShortfall(big.NewInt(200))
	before := f.holdings(t)

	_, err := f.agent.ExecuteStrategy(ctx, ownerAddr, strategyID, encode(t, f.params(t)))
	assert.True(t, errors.Is(err, ErrInsufficientOutput))
	f.requireUntouched(t, before)
	assert.Equal(t, "10", f.holdings(t).AgentIn)
	assert.Equal(t, "0", f.holdings(t).AgentOut)
	assert.Equal(t, "0", f.holdings(t).FeeCollected)

	// 回退后重试不会重复花费。
	f.router.SetShortfall(new(big.Int))
	record, err := f.agent.ExecuteStrategy(ctx, ownerAddr, strategyID, encode(t, f.params(t)))
	require.NoError(t, err)
	assert.Equal(t, int64(6_000), record.AmountOut.Int64())
	assert.Equal(t, "8", f.holdings(t).AgentIn)
}

// reconfiguringRouter 在兑换过程中改写策略配置，模拟自托管约束被破坏。
type reconfiguringRouter struct {
	*router.FixedRateRouter
	state *MemoryStateStore
}

func (r *reconfiguringRouter) Swap(ctx context.Context, caller, exec common.Address, desc router.SwapDescription, data []byte) (*big.Int, *big.Int, error) {
	returned, spent, err := r.FixedRateRouter.Swap(ctx, caller, exec, desc, data)
	if err != nil {
		return nil, nil, err
	}
	cfg, _, err := r.state.LoadConfig(ctx, caller, strategyID)
	if err != nil {
		return nil, nil, err
	}
	cfg.Active = false
	if err := r.state.SaveConfig(ctx, caller, strategyID, cfg); err != nil {
		return nil, nil, err
	}
	return returned, spent, nil
}

func TestExecuteStrategyCustodyViolationReverts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	state := NewMemoryStateStore()
	swap := &reconfiguringRouter{FixedRateRouter: f.router, state: state}
	agent, err := NewDCAAgent(agentAddr, ownerAddr, f.ledger, f.oracle, swap,
		WithClock(func() time.Time { return *f.now }),
		WithPublisher(f.recorder),
		WithStateStore(state),
	)
	require.NoError(t, err)
	require.NoError(t, agent.ConfigureStrategy(ctx, ownerAddr, strategyID, StrategyConfig{
		TokenIn:        weth,
		TokenOut:       usdc,
		PriceFeedID:    ethFeed,
		MinInterval:    time.Hour,
		MaxStaleness:   time.Minute,
		MaxSlippageBps: 100,
		Active:         true,
	}))
	f.agent = agent
	before := f.holdings(t)

	_, err = agent.ExecuteStrategy(ctx, ownerAddr, strategyID, encode(t, f.params(t)))
	assert.True(t, errors.Is(err, ErrCustodyViolation))
	f.requireUntouched(t, before)
}

func TestConfigureStrategyValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := StrategyConfig{
		TokenIn: weth, TokenOut: usdc, PriceFeedID: ethFeed,
		MinInterval: time.Minute, MaxStaleness: time.Minute, MaxSlippageBps: MaxSlippageBps, Active: true,
	}
	require.NoError(t, f.agent.ConfigureStrategy(ctx, ownerAddr, strategyID, base))

	assert.True(t, errors.Is(f.agent.ConfigureStrategy(ctx, stranger, strategyID, base), ErrNotOwner))

	mutations := []func(c *StrategyConfig){
		func(c *StrategyConfig) { c.MaxSlippageBps = MaxSlippageBps + 1 },
		func(c *StrategyConfig) { c.MinInterval = 0 },
		func(c *StrategyConfig) { c.MaxStaleness = 0 },
		func(c *StrategyConfig) { c.TokenIn = common.Address{} },
		func(c *StrategyConfig) { c.TokenOut = weth },
		func(c *StrategyConfig) { c.PriceFeedID = common.Hash{} },
	}
	for i, mutate := range mutations {
		cfg := base
		mutate(&cfg)
		err := f.agent.ConfigureStrategy(ctx, ownerAddr, strategyID, cfg)
		assert.Equal(t, CodeInvalidConfig, xerrors.CodeOf(err), "mutation %d", i)
	}
}

func TestOwnerWithdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	assert.True(t, errors.Is(f.agent.Withdraw(ctx, stranger, weth, stranger, big.NewInt(1)), ErrNotOwner))
	require.NoError(t, f.agent.EmergencyStop(ctx, ownerAddr))
	require.NoError(t, f.agent.Withdraw(ctx, ownerAddr, weth, ownerAddr, big.NewInt(4)))

	held, err := f.ledger.BalanceOf(ctx, weth, ownerAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(4), held.Int64())
}

func TestWithinSlippage(t *testing.T) {
	assert.True(t, withinSlippage(big.NewInt(10_000), big.NewInt(10_100), 100))
	assert.True(t, withinSlippage(big.NewInt(10_000), big.NewInt(9_900), 100))
	assert.False(t, withinSlippage(big.NewInt(10_000), big.NewInt(9_899), 100))
	assert.True(t, withinSlippage(big.NewInt(10_000), big.NewInt(0), MaxSlippageBps))
}
