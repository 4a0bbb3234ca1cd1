package web3

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint and the X402 contracts
// deployed on it.
type ChainDefinition struct {
	Type        string            `yaml:"type"`
	ChainID     uint64            `yaml:"chain_id"`
	RPCURL      string            `yaml:"rpc_url"`
	WSURL       string            `yaml:"ws_url"`
	Description string            `yaml:"description"`
	Contracts   ContractAddresses `yaml:"contracts"`
}

// ContractAddresses lists deployed contract addresses as hex strings.
type ContractAddresses struct {
	Escrow   string `yaml:"x402_escrow"`
	Registry string `yaml:"x402_strategy_registry"`
}

// EscrowAddress parses the escrow address; ok is false when unset or invalid.
func (c ContractAddresses) EscrowAddress() (common.Address, bool) {
	return parseAddress(c.Escrow)
}

// RegistryAddress parses the registry address; ok is false when unset or invalid.
func (c ContractAddresses) RegistryAddress() (common.Address, bool) {
	return parseAddress(c.Registry)
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		if chain.Contracts.Escrow != "" {
			if _, ok := chain.Contracts.EscrowAddress(); !ok {
				return ChainDefinitions{}, fmt.Errorf("链 %s 的 escrow 地址无效: %s", name, chain.Contracts.Escrow)
			}
		}
		if chain.Contracts.Registry != "" {
			if _, ok := chain.Contracts.RegistryAddress(); !ok {
				return ChainDefinitions{}, fmt.Errorf("链 %s 的 registry 地址无效: %s", name, chain.Contracts.Registry)
			}
		}
	}
	return defs, nil
}

func parseAddress(value string) (common.Address, bool) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, false
	}
	addr := common.HexToAddress(value)
	return addr, addr != (common.Address{})
}
