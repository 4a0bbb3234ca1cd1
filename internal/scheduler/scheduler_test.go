package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"X402-Chain/internal/agent"
	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/job"
	"X402-Chain/internal/planner"
)

var (
	operator   = common.HexToAddress("0x000000000000000000000000000000000000e8ec")
	strategyID = common.HexToHash("0x0dca")
)

type staticConfigs struct {
	cfg agent.StrategyConfig
	ok  bool
}

func (s staticConfigs) Strategy(context.Context, common.Hash) (agent.StrategyConfig, bool, error) {
	return s.cfg, s.ok, nil
}

type stubPlanner struct {
	mu       sync.Mutex
	requests []planner.Request
	err      error
}

func (p *stubPlanner) Plan(_ context.Context, req planner.Request) (*planner.Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	return &planner.Plan{StrategyID: req.StrategyID, Encoded: []byte{0xde, 0xad}, MinReturn: big.NewInt(5940)}, nil
}

func (p *stubPlanner) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func newJobService() (*job.Service, *job.MemoryStore) {
	store := job.NewMemoryStore()
	return job.NewService(store, job.NewMemoryQueue(16), job.DefaultMaxRetries), store
}

func entry() Entry {
	return Entry{Name: "eth-weekly", Spec: "@every 1s", StrategyID: strategyID, Amount: big.NewInt(2), SlippageBps: 50}
}

func TestRunOnceSubmitsStrategyJob(t *testing.T) {
	ctx := context.Background()
	svc, _ := newJobService()
	plans := &stubPlanner{}
	sched, err := New(operator, staticConfigs{cfg: agent.StrategyConfig{Active: true, MaxSlippageBps: 100}, ok: true}, plans, svc)
	require.NoError(t, err)

	submitted, err := sched.RunOnce(ctx, entry())
	require.NoError(t, err)
	require.NotNil(t, submitted)
	assert.Equal(t, job.KindExecuteStrategy, submitted.Kind)
	assert.Equal(t, "eth-weekly", submitted.Metadata["schedule"])
	assert.Equal(t, "5940", submitted.Metadata["min_return"])

	var payload job.StrategyPayload
	require.NoError(t, json.Unmarshal(submitted.Payload, &payload))
	assert.Equal(t, operator.Hex(), payload.Caller)
	assert.Equal(t, strategyID.Hex(), payload.StrategyID)
	assert.Equal(t, hexutil.Encode([]byte{0xde, 0xad}), payload.Params)

	require.Len(t, plans.requests, 1)
	assert.Equal(t, uint32(50), plans.requests[0].SlippageBps)
	assert.Equal(t, "2", plans.requests[0].Amount.String())
}

func TestRunOnceSkipsInactiveStrategy(t *testing.T) {
	svc, store := newJobService()
	plans := &stubPlanner{}
	sched, err := New(operator, staticConfigs{cfg: agent.StrategyConfig{Active: false}, ok: true}, plans, svc)
	require.NoError(t, err)

	submitted, err := sched.RunOnce(context.Background(), entry())
	require.NoError(t, err)
	assert.Nil(t, submitted)
	assert.Zero(t, plans.calls())

	stats, err := store.Stats(context.Background(), job.ListOptions{})
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestRunOncePropagatesPlanningErrors(t *testing.T) {
	svc, _ := newJobService()
	plans := &stubPlanner{err: xerrors.New(xerrors.CodeTimeout, "hermes timeout")}
	sched, err := New(operator, staticConfigs{cfg: agent.StrategyConfig{Active: true}, ok: true}, plans, svc)
	require.NoError(t, err)

	_, err = sched.RunOnce(context.Background(), entry())
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
}

func TestAddValidatesEntries(t *testing.T) {
	svc, _ := newJobService()
	sched, err := New(operator, staticConfigs{}, &stubPlanner{}, svc)
	require.NoError(t, err)

	bad := entry()
	bad.Spec = "not a cron"
	_, err = sched.Add(bad)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	bad = entry()
	bad.Amount = big.NewInt(0)
	_, err = sched.Add(bad)
	assert.Error(t, err)

	bad = entry()
	bad.StrategyID = common.Hash{}
	_, err = sched.Add(bad)
	assert.Error(t, err)

	_, err = New(operator, nil, &stubPlanner{}, svc)
	assert.True(t, errors.Is(err, xerrors.New(xerrors.CodeInvalidArgument, "")))
}

func TestStartTriggersEntries(t *testing.T) {
	svc, store := newJobService()
	plans := &stubPlanner{}
	sched, err := New(operator, staticConfigs{cfg: agent.StrategyConfig{Active: true}, ok: true}, plans, svc)
	require.NoError(t, err)
	_, err = sched.Add(entry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	defer cancel()

	require.Eventually(t, func() bool {
		stats, err := store.Stats(context.Background(), job.ListOptions{})
		return err == nil && stats.Total > 0
	}, 5*time.Second, 50*time.Millisecond)
}
