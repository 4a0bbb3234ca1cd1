package web3

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadChainDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := `chains:
  sepolia:
    chain_id: 11155111
    rpc_url: https://rpc.sepolia.org
    contracts:
      x402_escrow: "0x00000000000000000000000000000000000000e1"
      x402_strategy_registry: "0x00000000000000000000000000000000000000e2"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	defs, err := LoadChainDefinitions(path)
	require.NoError(t, err)
	chain, ok := defs.Chains["sepolia"]
	require.True(t, ok)
	assert.Equal(t, uint64(11155111), chain.ChainID)

	escrow, ok := chain.Contracts.EscrowAddress()
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0xe1"), escrow)
	registry, ok := chain.Contracts.RegistryAddress()
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0xe2"), registry)
}

func TestLoadChainDefinitionsRejectsBadAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chains:\n  local:\n    contracts:\n      x402_escrow: nope\n"), 0o600))
	_, err := LoadChainDefinitions(path)
	assert.Error(t, err)
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	require.NoError(t, err)
	assert.Empty(t, defs.Chains)
}
