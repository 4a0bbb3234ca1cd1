// Package hermes 是 Pyth Hermes HTTP 接口的客户端，提供最新价格与价格更新数据。
package hermes

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/oracle"
)

const (
	defaultEndpoint = "https://hermes.pyth.network"
	defaultTimeout  = 10 * time.Second
	defaultRPS      = 5
)

// Config 描述 Hermes 客户端配置。Endpoint 中内嵌的 user:pass 会转为 Basic 认证头。
type Config struct {
	Endpoint          string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client 调用 Hermes 接口。
type Client struct {
	baseURL    string
	authHeader string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// PriceData 是 Hermes 返回的一组价格字段，数值以字符串表示。
type PriceData struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// PriceFeed 是 latest_price_feeds 返回的单个价格源。
type PriceFeed struct {
	ID       string    `json:"id"`
	Price    PriceData `json:"price"`
	EMAPrice PriceData `json:"ema_price"`
}

// Decimal 返回实际价格 price × 10^expo。
func (p PriceData) Decimal() (decimal.Decimal, error) {
	value, err := decimal.NewFromString(p.Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("解析 Hermes 价格失败: %w", err)
	}
	return value.Shift(p.Expo), nil
}

// OraclePrice 转换为预言机定点价格。
func (p PriceData) OraclePrice() (oracle.Price, error) {
	value, err := strconv.ParseInt(p.Price, 10, 64)
	if err != nil {
		return oracle.Price{}, fmt.Errorf("解析 Hermes 价格失败: %w", err)
	}
	var conf uint64
	if p.Conf != "" {
		conf, err = strconv.ParseUint(p.Conf, 10, 64)
		if err != nil {
			return oracle.Price{}, fmt.Errorf("解析 Hermes 置信区间失败: %w", err)
		}
	}
	return oracle.Price{Value: value, Confidence: conf, Expo: p.Expo, PublishTime: p.PublishTime}, nil
}

// NewClient 创建 Hermes 客户端。
func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Hermes endpoint 无效: "+endpoint)
	}

	var authHeader string
	if parsed.User != nil {
		if password, ok := parsed.User.Password(); ok {
			credentials := parsed.User.Username() + ":" + password
			authHeader = "Basic " + base64.StdEncoding.EncodeToString([]byte(credentials))
		}
		parsed.User = nil
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		authHeader = "Bearer " + key
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRPS
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:    strings.TrimRight(parsed.String(), "/"),
		authHeader: authHeader,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

// NormalizeFeedID 去掉价格源编号的 0x 前缀。
func NormalizeFeedID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) >= 2 && strings.EqualFold(id[:2], "0x") {
		return id[2:]
	}
	return id
}

// LatestPriceFeeds 查询价格源的最新价格。
func (c *Client) LatestPriceFeeds(ctx context.Context, ids []string) ([]PriceFeed, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var feeds []PriceFeed
	if err := c.get(ctx, "/api/latest_price_feeds", feedQuery(ids), &feeds); err != nil {
		return nil, err
	}
	return feeds, nil
}

// LatestPrice 查询单个价格源，未返回时报 oracle.ErrPriceNotFound。
func (c *Client) LatestPrice(ctx context.Context, id string) (PriceFeed, error) {
	feeds, err := c.LatestPriceFeeds(ctx, []string{id})
	if err != nil {
		return PriceFeed{}, err
	}
	want := strings.ToLower(NormalizeFeedID(id))
	for _, feed := range feeds {
		if strings.ToLower(NormalizeFeedID(feed.ID)) == want {
			return feed, nil
		}
	}
	return PriceFeed{}, oracle.ErrPriceNotFound
}

// LatestUpdateData 获取可提交给链上预言机的价格更新数据。
func (c *Client) LatestUpdateData(ctx context.Context, ids []string) ([][]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := feedQuery(ids)
	query.Set("encoding", "hex")

	var payload struct {
		Binary struct {
			Encoding string   `json:"encoding"`
			Data     []string `json:"data"`
		} `json:"binary"`
	}
	if err := c.get(ctx, "/v2/updates/price/latest", query, &payload); err != nil {
		return nil, err
	}
	if payload.Binary.Encoding != "" && payload.Binary.Encoding != "hex" {
		return nil, fmt.Errorf("不支持的 Hermes 编码: %s", payload.Binary.Encoding)
	}

	updates := make([][]byte, 0, len(payload.Binary.Data))
	for _, item := range payload.Binary.Data {
		decoded, err := hex.DecodeString(strings.TrimPrefix(item, "0x"))
		if err != nil {
			return nil, fmt.Errorf("解析 Hermes 更新数据失败: %w", err)
		}
		updates = append(updates, decoded)
	}
	return updates, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "等待 Hermes 限流失败")
	}

	endpoint := c.baseURL + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("构建 Hermes 请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "请求 Hermes 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return xerrors.New(xerrors.CodeExecutorFailure,
			fmt.Sprintf("Hermes 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeExecutorFailure, err, "解析 Hermes 响应失败")
	}
	return nil
}

func feedQuery(ids []string) url.Values {
	query := url.Values{}
	for _, id := range ids {
		query.Add("ids[]", NormalizeFeedID(id))
	}
	return query
}
