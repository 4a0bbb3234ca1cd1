package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"X402-Chain/internal/config"
)

func TestRegistryLoadsChains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := `chains:
  sepolia:
    chain_id: 11155111
    rpc_url: http://127.0.0.1:18545
    contracts:
      x402_escrow: "0x00000000000000000000000000000000000000e1"
  local:
    rpc_url: http://127.0.0.1:28545
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	registry, err := NewRegistry(context.Background(), config.Web3Config{ChainConfig: path, DefaultChain: "sepolia"})
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	assert.Equal(t, []string{"local", "sepolia"}, registry.Chains())
	assert.Equal(t, "sepolia", registry.DefaultChain())

	def, ok := registry.Definition("sepolia")
	require.True(t, ok)
	escrow, ok := def.Contracts.EscrowAddress()
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0xe1"), escrow)

	client, err := registry.DefaultClient()
	require.NoError(t, err)
	assert.NotNil(t, client.Backend())
}

func TestRegistryFallsBackToRPCURL(t *testing.T) {
	registry, err := NewRegistry(context.Background(), config.Web3Config{RPCURL: "http://127.0.0.1:18545"})
	require.NoError(t, err)
	t.Cleanup(registry.Close)
	assert.Equal(t, "default", registry.DefaultChain())
	_, ok := registry.Definition("default")
	assert.True(t, ok)
}

func TestRegistryRequiresEndpoints(t *testing.T) {
	_, err := NewRegistry(context.Background(), config.Web3Config{})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chains:\n  a:\n    rpc_url: http://127.0.0.1:1\n"), 0o600))
	_, err = NewRegistry(context.Background(), config.Web3Config{ChainConfig: path, DefaultChain: "missing"})
	assert.Error(t, err)
}
