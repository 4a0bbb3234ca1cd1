package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"X402-Chain/internal/config"
	"X402-Chain/internal/web3"
	"X402-Chain/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names,
// together with the contract addresses declared for each chain.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
	definitions  map[string]web3.ChainDefinition
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(defs.Chains))
	for name := range defs.Chains {
		names = append(names, name)
	}
	sort.Strings(names)

	clients := make(map[string]web3.Client)
	closeAll := func() {
		for _, client := range clients {
			client.Close()
		}
	}
	for _, name := range names {
		chain := defs.Chains[name]
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := ethereum.NewClient(ctx, ethereum.Config{
				Name:    name,
				ChainID: chain.ChainID,
				RPCURL:  chain.RPCURL,
				WSURL:   chain.WSURL,
				Notes:   chain.Description,
			})
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			closeAll()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		defs.Chains["default"] = web3.ChainDefinition{RPCURL: cfg.RPCURL}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		if len(names) > 0 {
			defaultChain = names[0]
		} else {
			defaultChain = "default"
		}
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients, definitions: defs.Chains}, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Definition returns the chain definition, including contract addresses.
func (r *Registry) Definition(name string) (web3.ChainDefinition, bool) {
	if r == nil {
		return web3.ChainDefinition{}, false
	}
	def, ok := r.definitions[name]
	return def, ok
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
