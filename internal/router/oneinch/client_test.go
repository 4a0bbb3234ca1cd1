package oneinch

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/router"
)

var (
	weth  = common.HexToAddress("0xfff9976782d46cc05630d1f6ebab18b2324d6b14")
	usdc  = common.HexToAddress("0x1c7d4b196cb0c7b01d743fbc6116a902379c7238")
	agent = common.HexToAddress("0x000000000000000000000000000000000000a9e1")
)

func TestQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5.0/11155111/quote", r.URL.Path)
		assert.Equal(t, "1000000000000000000", r.URL.Query().Get("amount"))
		assert.Equal(t, weth.Hex(), r.URL.Query().Get("fromTokenAddress"))
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"fromTokenAmount":"1000000000000000000","toTokenAmount":"3120450000","estimatedGas":182000,"protocols":[]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIBase: srv.URL + "/v5.0", ChainID: 11155111, APIKey: "key"})
	require.NoError(t, err)

	amount, _ := new(big.Int).SetString("1000000000000000000", 10)
	quote, err := client.Quote(context.Background(), weth, usdc, amount)
	require.NoError(t, err)
	assert.Equal(t, "3120450000", quote.ToTokenAmount.String())
	assert.Equal(t, uint64(182000), quote.EstimatedGas)
}

func TestBuildSwap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1/swap", r.URL.Path)
		assert.Equal(t, "0.5", r.URL.Query().Get("slippage"))
		assert.Equal(t, agent.Hex(), r.URL.Query().Get("fromAddress"))
		_, _ = w.Write([]byte(`{"tx":{"to":"0x1111111254eeb25477b68fb85ed929f73a960582","data":"0x12aa3caf","value":"0x0","gas":210000}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIBase: srv.URL, ChainID: 1})
	require.NoError(t, err)

	tx, err := client.BuildSwap(context.Background(), SwapRequest{
		From: weth, To: usdc, Amount: big.NewInt(10), FromAddress: agent, Slippage: 0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x1111111254eeb25477b68fb85ed929f73a960582"), tx.To)
	assert.Equal(t, []byte{0x12, 0xaa, 0x3c, 0xaf}, tx.Data)
	assert.Zero(t, tx.Value.Sign())
	assert.Equal(t, uint64(210000), tx.Gas)
}

func TestRequestFailureIsExternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient liquidity", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIBase: srv.URL, ChainID: 1})
	require.NoError(t, err)
	_, err = client.Quote(context.Background(), weth, usdc, big.NewInt(1))
	require.Error(t, err)
	assert.Equal(t, router.CodeRequestFailed, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryExternal, xerrors.CategoryOf(err))
}

func TestValidation(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)

	client, err := NewClient(Config{ChainID: 1})
	require.NoError(t, err)
	_, err = client.Quote(context.Background(), weth, usdc, big.NewInt(0))
	assert.Error(t, err)
	_, err = client.BuildSwap(context.Background(), SwapRequest{Amount: big.NewInt(1), Slippage: 51})
	assert.Error(t, err)
}

func TestParseQuantity(t *testing.T) {
	v, err := parseQuantity("0x10")
	require.NoError(t, err)
	assert.Equal(t, int64(16), v.Int64())
	v, err = parseQuantity("42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.Int64())
	_, err = parseQuantity("zz")
	assert.Error(t, err)
}
