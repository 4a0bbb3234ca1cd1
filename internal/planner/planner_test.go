package planner

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"X402-Chain/internal/agent"
	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/oracle"
	"X402-Chain/internal/oracle/hermes"
	"X402-Chain/internal/router"
	"X402-Chain/internal/router/oneinch"
	"X402-Chain/internal/token"
)

var (
	weth       = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	usdc       = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	agentAddr  = common.HexToAddress("0x000000000000000000000000000000000000a9e1")
	ownerAddr  = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	routerAddr = common.HexToAddress("0x0000000000000000000000000000000000001111")
	ethFeed    = common.HexToHash("0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace")
	strategyID = common.HexToHash("0x0dca")
	now        = time.Unix(1_700_000_000, 0)
)

func strategyConfig() agent.StrategyConfig {
	return agent.StrategyConfig{
		TokenIn:        weth,
		TokenOut:       usdc,
		PriceFeedID:    ethFeed,
		MinInterval:    time.Hour,
		MaxStaleness:   time.Minute,
		MaxSlippageBps: 100,
		Active:         true,
	}
}

// upstream 模拟 Hermes 与 1inch 两个接口。
func upstream(t *testing.T) (*hermes.Client, *oneinch.Client) {
	t.Helper()
	update, err := oracle.EncodeUpdate(ethFeed, oracle.Price{Value: 300_000_000_000, Expo: -8, PublishTime: now.Unix()})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/hermes/api/latest_price_feeds", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, hermes.NormalizeFeedID(ethFeed.Hex()), r.URL.Query().Get("ids[]"))
		fmt.Fprintf(w, `[{"id":"%s","price":{"price":"300000000000","conf":"150000000","expo":-8,"publish_time":%d}}]`,
			hermes.NormalizeFeedID(ethFeed.Hex()), now.Unix())
	})
	mux.HandleFunc("/hermes/v2/updates/price/latest", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"binary":{"encoding":"hex","data":["%s"]}}`, hex.EncodeToString(update))
	})
	mux.HandleFunc("/1inch/1/quote", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("amount"))
		_, _ = w.Write([]byte(`{"fromTokenAmount":"2","toTokenAmount":"6000","estimatedGas":150000}`))
	})
	mux.HandleFunc("/1inch/1/swap", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, agentAddr.Hex(), r.URL.Query().Get("fromAddress"))
		fmt.Fprintf(w, `{"tx":{"to":"%s","data":"0x12aa3caf","value":"0","gas":210000}}`, routerAddr.Hex())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	prices, err := hermes.NewClient(hermes.Config{Endpoint: srv.URL + "/hermes", RequestsPerSecond: 100, Burst: 10})
	require.NoError(t, err)
	swaps, err := oneinch.NewClient(oneinch.Config{APIBase: srv.URL + "/1inch", ChainID: 1, RequestsPerSecond: 100})
	require.NoError(t, err)
	return prices, swaps
}

func TestMinReturn(t *testing.T) {
	assert.Equal(t, "5940", MinReturn(big.NewInt(6000), 100).String())
	assert.Equal(t, "6000", MinReturn(big.NewInt(6000), 0).String())
	assert.Equal(t, "0", MinReturn(big.NewInt(6000), 10_000).String())
	assert.Equal(t, "9", MinReturn(big.NewInt(10), 50).String())
	assert.Equal(t, "0", MinReturn(nil, 100).String())
}

func TestPlanBuildsExecutableParams(t *testing.T) {
	ctx := context.Background()
	prices, swaps := upstream(t)
	feeOracle := oracle.NewMemoryOracle(big.NewInt(1), func() time.Time { return now })

	planner, err := New(agentAddr, prices, swaps, feeOracle)
	require.NoError(t, err)
	plan, err := planner.Plan(ctx, Request{StrategyID: strategyID, Config: strategyConfig(), Amount: big.NewInt(2)})
	require.NoError(t, err)

	assert.Equal(t, "6000", plan.QuotedOut.String())
	assert.Equal(t, "5940", plan.MinReturn.String())
	assert.Equal(t, "1", plan.UpdateFee.String())
	expected, _ := new(big.Int).SetString("3000000000000000000000", 10)
	assert.Equal(t, expected, plan.ReferencePrice)
	assert.Equal(t, routerAddr, plan.Params.Executor)
	assert.Equal(t, agentAddr, plan.Params.Desc.SrcReceiver)
	assert.Equal(t, agentAddr, plan.Params.Desc.DstReceiver)

	decoded, err := agent.DecodeParams(plan.Encoded)
	require.NoError(t, err)
	assert.Equal(t, plan.Params.Desc.MinReturnAmount, decoded.Desc.MinReturnAmount)
	assert.Len(t, decoded.PriceUpdateData, 1)

	// 生成的参数可以直接交给 agent 执行。
	ledger := token.NewMemoryLedger()
	require.NoError(t, ledger.Mint(weth, agentAddr, big.NewInt(10)))
	require.NoError(t, ledger.Mint(usdc, routerAddr, big.NewInt(1_000_000)))
	swap := router.NewFixedRateRouter(ledger, routerAddr)
	swap.SetRate(weth, usdc, 3000, 1)
	dca, err := agent.NewDCAAgent(agentAddr, ownerAddr, ledger, feeOracle, swap,
		agent.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	require.NoError(t, dca.ConfigureStrategy(ctx, ownerAddr, strategyID, strategyConfig()))

	ok, reason := dca.ValidateExecution(ctx, strategyID, plan.Encoded)
	require.True(t, ok, reason)
	record, err := dca.ExecuteStrategy(ctx, ownerAddr, strategyID, plan.Encoded)
	require.NoError(t, err)
	assert.Equal(t, "6000", record.AmountOut.String())
}

func TestPlanOverridesSlippage(t *testing.T) {
	prices, swaps := upstream(t)
	planner, err := New(agentAddr, prices, swaps, nil)
	require.NoError(t, err)

	plan, err := planner.Plan(context.Background(), Request{StrategyID: strategyID, Config: strategyConfig(), Amount: big.NewInt(2), SlippageBps: 50})
	require.NoError(t, err)
	assert.Equal(t, "5970", plan.MinReturn.String())
	assert.Equal(t, int64(0), plan.UpdateFee.Int64())
}

func TestPlanRejectsInvalidRequests(t *testing.T) {
	prices, swaps := upstream(t)
	planner, err := New(agentAddr, prices, swaps, nil)
	require.NoError(t, err)

	_, err = planner.Plan(context.Background(), Request{Config: strategyConfig()})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	cfg := strategyConfig()
	cfg.TokenOut = cfg.TokenIn
	_, err = planner.Plan(context.Background(), Request{Config: cfg, Amount: big.NewInt(1)})
	assert.Equal(t, agent.CodeInvalidConfig, xerrors.CodeOf(err))

	_, err = New(common.Address{}, prices, swaps, nil)
	assert.Error(t, err)
	_, err = New(agentAddr, nil, swaps, nil)
	assert.Error(t, err)
}

type emptyUpdates struct{ *hermes.Client }

func (emptyUpdates) LatestUpdateData(context.Context, []string) ([][]byte, error) { return nil, nil }

func TestPlanRequiresUpdateData(t *testing.T) {
	prices, swaps := upstream(t)
	planner, err := New(agentAddr, emptyUpdates{prices}, swaps, nil)
	require.NoError(t, err)
	_, err = planner.Plan(context.Background(), Request{Config: strategyConfig(), Amount: big.NewInt(2)})
	assert.True(t, errors.Is(err, oracle.ErrInvalidUpdate))
}
