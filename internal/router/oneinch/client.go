// Package oneinch 是 1inch 聚合 API 的客户端，提供报价与兑换交易构建。
package oneinch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"

	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/router"
)

const (
	defaultAPIBase = "https://api.1inch.io/v5.0"
	defaultTimeout = 15 * time.Second
	defaultRPS     = 1
)

// Config 描述 1inch 客户端配置。
type Config struct {
	APIBase           string
	ChainID           uint64
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Quote 是 /quote 的结果。
type Quote struct {
	FromTokenAmount *big.Int        `json:"from_token_amount"`
	ToTokenAmount   *big.Int        `json:"to_token_amount"`
	EstimatedGas    uint64          `json:"estimated_gas,omitempty"`
	Protocols       json.RawMessage `json:"protocols,omitempty"`
}

// SwapRequest 是 /swap 的入参，Slippage 以百分比表示。
type SwapRequest struct {
	From        common.Address
	To          common.Address
	Amount      *big.Int
	FromAddress common.Address
	Slippage    float64
}

// SwapTx 是 /swap 返回的待签名交易。
type SwapTx struct {
	To    common.Address `json:"to"`
	Data  []byte         `json:"data"`
	Value *big.Int       `json:"value"`
	Gas   uint64         `json:"gas,omitempty"`
}

// Client 调用 1inch API。
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient 创建客户端。
func NewClient(cfg Config) (*Client, error) {
	if cfg.ChainID == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "1inch chain id 不能为空")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if base == "" {
		base = defaultAPIBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRPS
	}
	return &Client{
		baseURL:    base + "/" + strconv.FormatUint(cfg.ChainID, 10),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
	}, nil
}

// Quote 查询 amount 个 from 可兑换的 to 数量。
func (c *Client) Quote(ctx context.Context, from, to common.Address, amount *big.Int) (*Quote, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "报价数量必须大于零")
	}
	query := url.Values{}
	query.Set("fromTokenAddress", from.Hex())
	query.Set("toTokenAddress", to.Hex())
	query.Set("amount", amount.String())

	var payload struct {
		FromTokenAmount string          `json:"fromTokenAmount"`
		ToTokenAmount   string          `json:"toTokenAmount"`
		EstimatedGas    quantity        `json:"estimatedGas"`
		Protocols       json.RawMessage `json:"protocols"`
	}
	if err := c.get(ctx, "/quote", query, &payload); err != nil {
		return nil, err
	}

	fromAmount, ok := new(big.Int).SetString(payload.FromTokenAmount, 10)
	if !ok {
		return nil, xerrors.New(router.CodeRequestFailed, "1inch 报价缺少 fromTokenAmount")
	}
	toAmount, ok := new(big.Int).SetString(payload.ToTokenAmount, 10)
	if !ok {
		return nil, xerrors.New(router.CodeRequestFailed, "1inch 报价缺少 toTokenAmount")
	}
	quote := &Quote{FromTokenAmount: fromAmount, ToTokenAmount: toAmount, Protocols: payload.Protocols}
	if gas, err := parseQuantity(string(payload.EstimatedGas)); err == nil && gas.IsUint64() {
		quote.EstimatedGas = gas.Uint64()
	}
	return quote, nil
}

// BuildSwap 请求 1inch 构建兑换交易。
func (c *Client) BuildSwap(ctx context.Context, req SwapRequest) (*SwapTx, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "兑换数量必须大于零")
	}
	if req.Slippage < 0 || req.Slippage > 50 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "滑点必须在 0 到 50 之间")
	}
	query := url.Values{}
	query.Set("fromTokenAddress", req.From.Hex())
	query.Set("toTokenAddress", req.To.Hex())
	query.Set("amount", req.Amount.String())
	query.Set("fromAddress", req.FromAddress.Hex())
	query.Set("slippage", strconv.FormatFloat(req.Slippage, 'f', -1, 64))

	var payload struct {
		Tx struct {
			To    string   `json:"to"`
			Data  string   `json:"data"`
			Value quantity `json:"value"`
			Gas   quantity `json:"gas"`
		} `json:"tx"`
	}
	if err := c.get(ctx, "/swap", query, &payload); err != nil {
		return nil, err
	}

	if !common.IsHexAddress(payload.Tx.To) {
		return nil, xerrors.New(router.CodeRequestFailed, "1inch 兑换交易缺少目标地址")
	}
	data, err := hexutil.Decode(orEmptyHex(payload.Tx.Data))
	if err != nil {
		return nil, xerrors.Wrap(router.CodeRequestFailed, err, "解析 1inch 交易数据失败")
	}
	value, err := parseQuantity(string(payload.Tx.Value))
	if err != nil {
		return nil, xerrors.Wrap(router.CodeRequestFailed, err, "解析 1inch 交易金额失败")
	}
	tx := &SwapTx{To: common.HexToAddress(payload.Tx.To), Data: data, Value: value}
	if gas, err := parseQuantity(string(payload.Tx.Gas)); err == nil && gas.IsUint64() {
		tx.Gas = gas.Uint64()
	}
	return tx, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "等待 1inch 限流失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("构建 1inch 请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(router.CodeRequestFailed, err, "请求 1inch 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return xerrors.New(router.CodeRequestFailed,
			fmt.Sprintf("1inch 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(router.CodeRequestFailed, err, "解析 1inch 响应失败")
	}
	return nil
}

func orEmptyHex(data string) string {
	if data == "" {
		return "0x"
	}
	return data
}

// quantity 接受 JSON 数字或字符串形式的数值。
type quantity string

func (q *quantity) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*q = ""
		return nil
	}
	*q = quantity(strings.Trim(string(data), `"`))
	return nil
}

// parseQuantity 同时接受十进制与 0x 前缀的十六进制数值。
func parseQuantity(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(raw, 0)
	if !ok {
		return nil, fmt.Errorf("无效数值 %q", raw)
	}
	return value, nil
}
