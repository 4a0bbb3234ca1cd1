package main

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"X402-Chain/internal/config"
	"X402-Chain/internal/events"
	"X402-Chain/internal/token"
)

func TestParseAmount(t *testing.T) {
	amount, err := parseAmount("x", "0x10", false)
	require.NoError(t, err)
	assert.Equal(t, int64(16), amount.Int64())

	amount, err = parseAmount("x", "", true)
	require.NoError(t, err)
	assert.Zero(t, amount.Sign())

	for _, bad := range []string{"", "0", "-3", "abc"} {
		_, err := parseAmount("x", bad, false)
		assert.Error(t, err, bad)
	}
}

func TestStrategyID(t *testing.T) {
	raw := "0x00000000000000000000000000000000000000000000000000000000000000aa"
	id, err := strategyID(raw)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash(raw), id)

	id, err = strategyID("eth-usdc-dca")
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash([]byte("eth-usdc-dca")), id)

	_, err = strategyID(" ")
	assert.Error(t, err)
}

func TestSeedBalancesApprovesCustody(t *testing.T) {
	ctx := context.Background()
	ledger := token.NewMemoryLedger()
	custody := common.HexToAddress("0xe5c0")
	holder := common.HexToAddress("0xa11")
	asset := common.HexToAddress("0xa1")

	err := seedBalances(ctx, ledger, []config.BalanceSeed{{Holder: holder.Hex(), Token: asset.Hex(), Amount: "1000"}}, custody)
	require.NoError(t, err)

	balance, err := ledger.BalanceOf(ctx, asset, holder)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1000), balance)
	allowance, err := ledger.Allowance(ctx, asset, holder, custody)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1000), allowance)

	err = seedBalances(ctx, ledger, []config.BalanceSeed{{Holder: "nope", Token: asset.Hex(), Amount: "1"}}, custody)
	assert.Error(t, err)
}

func TestResolveIdentitiesDefaultsOperatorToOwner(t *testing.T) {
	cfg := &config.Config{}
	cfg.Escrow.Treasury = "0x0000000000000000000000000000000000007e5a"
	cfg.Escrow.Custody = "0x000000000000000000000000000000000000e5c0"
	cfg.Agent.Address = "0x000000000000000000000000000000000000a9e1"
	cfg.Agent.Owner = "0x0000000000000000000000000000000000000a11"
	cfg.Router.Address = "0x00000000000000000000000000000000000001f1"

	ids, err := resolveIdentities(cfg)
	require.NoError(t, err)
	assert.Equal(t, ids.owner, ids.operator)

	cfg.Escrow.Treasury = "0x0000000000000000000000000000000000000000"
	_, err = resolveIdentities(cfg)
	assert.Error(t, err)
}

func TestBuildersUseMemoryByDefault(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{}
	cfg.Jobs.Queue.Driver = "memory"
	cfg.Jobs.Queue.Size = 4
	cfg.Events.Driver = "log"
	cfg.Agent.StateDriver = "memory"

	in := &infra{}
	queue, err := buildQueue(ctx, cfg, in)
	require.NoError(t, err)
	require.NoError(t, queue.Close())

	publisher, err := buildPublisher(cfg, in)
	require.NoError(t, err)
	assert.IsType(t, events.LogPublisher{}, publisher)

	_, err = buildJobStore(cfg, in)
	require.NoError(t, err)
	_, err = buildAgentState(cfg, in)
	require.NoError(t, err)

	cfg.Jobs.Queue.Driver = "kafka"
	_, err = buildQueue(ctx, cfg, in)
	assert.Error(t, err)
}

func TestChainWatcherDisabledWithoutWeb3(t *testing.T) {
	stop, err := startChainWatcher(context.Background(), &config.Config{}, events.LogPublisher{})
	require.NoError(t, err)
	stop()
}
