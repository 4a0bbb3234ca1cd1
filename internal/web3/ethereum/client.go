package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"X402-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	ChainID uint64
	RPCURL  string
	WSURL   string
	Notes   string
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name        string
	notes       string
	rpcClient   *gethrpc.Client
	eth         *ethclient.Client
	eventClient logSubscriber
	backend     web3.Backend
	simulated   *backends.SimulatedBackend
	chainID     *big.Int
	mu          sync.Mutex
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use
// client. When a chain id is configured it must match the node's.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	eth := ethclient.NewClient(rpcClient)

	eventClient := logSubscriber(eth)
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			eventClient = ethclient.NewClient(wsRPC)
		}
	}

	client := &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		rpcClient:   rpcClient,
		eth:         eth,
		eventClient: eventClient,
		backend:     eth,
	}
	if cfg.ChainID != 0 {
		client.chainID = new(big.Int).SetUint64(cfg.ChainID)
	}
	return client, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
func NewSimulatedClient(name string, chainID *big.Int, backend *backends.SimulatedBackend) *Client {
	return &Client{
		name:        name,
		backend:     backend,
		simulated:   backend,
		eventClient: backend,
		chainID:     new(big.Int).Set(chainID),
		notes:       "simulated backend",
	}
}

// Name returns the chain name the client was registered under.
func (c *Client) Name() string {
	return c.name
}

// Backend exposes the contract backend used by the bindings.
func (c *Client) Backend() web3.Backend {
	return c.backend
}

// Commit mines a block on simulated backends and is a no-op otherwise.
func (c *Client) Commit() {
	if c.simulated != nil {
		c.simulated.Commit()
	}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.eventClient != nil {
		if ec, ok := c.eventClient.(*ethclient.Client); ok {
			ec.Close()
		}
		c.eventClient = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
}

// ChainID returns the configured chain id, verifying it against the node
// when connected over RPC.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	if c.eth == nil {
		if c.chainID == nil {
			return nil, errors.New("未配置链 ID")
		}
		return new(big.Int).Set(c.chainID), nil
	}
	remote, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if c.chainID != nil && c.chainID.Cmp(remote) != 0 {
		return nil, fmt.Errorf("链 ID 不匹配: 配置 %s, 节点 %s", c.chainID, remote)
	}
	return remote, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}

	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}

	backend := c.backend
	if backend == nil {
		return web3.ChainSnapshot{}, errors.New("客户端缺少链访问后端")
	}
	header, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}

	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: toHexBig(header.Number),
		Notes:       c.notes,
	}, nil
}

// NativeBalance returns the account's balance in wei.
func (c *Client) NativeBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	reader, ok := c.backend.(interface {
		BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error)
	})
	if !ok {
		return nil, errors.New("当前客户端不支持余额查询")
	}
	balance, err := reader.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// SubscribeEvents attaches a log subscription to the chain.
func (c *Client) SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	subscriber := c.eventBackend()
	if subscriber == nil {
		return nil, errors.New("当前客户端不支持事件订阅")
	}

	logs := make(chan coretypes.Log, 64)
	sub, err := subscriber.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("订阅事件失败: %w", err)
	}
	return web3.NewEventSubscription(logs, sub), nil
}

func (c *Client) eventBackend() logSubscriber {
	if c.eventClient != nil {
		return c.eventClient
	}
	if subscriber, ok := c.backend.(logSubscriber); ok {
		return subscriber
	}
	return nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
