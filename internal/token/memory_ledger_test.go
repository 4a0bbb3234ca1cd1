package token

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"X402-Chain/internal/journal"
)

var (
	usdc  = common.HexToAddress("0x1c7d4b196cb0c7b01d743fbc6116a902379c7238")
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	vault = common.HexToAddress("0x000000000000000000000000000000000000e5c0")
)

func TestTransferFromConsumesAllowance(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	require.NoError(t, ledger.Mint(usdc, alice, big.NewInt(100)))
	require.NoError(t, ledger.Approve(ctx, usdc, alice, vault, big.NewInt(60)))

	custodian := NewCustodian(ledger, vault)
	require.NoError(t, custodian.Receive(ctx, usdc, alice, big.NewInt(40)))

	held, err := custodian.Holdings(ctx, usdc)
	require.NoError(t, err)
	assert.Equal(t, int64(40), held.Int64())

	left, err := ledger.Allowance(ctx, usdc, alice, vault)
	require.NoError(t, err)
	assert.Equal(t, int64(20), left.Int64())

	err = custodian.Receive(ctx, usdc, alice, big.NewInt(21))
	assert.True(t, errors.Is(err, ErrInsufficientAllowance))
}

func TestTransferRejectsOverdraft(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	require.NoError(t, ledger.Mint(usdc, vault, big.NewInt(5)))

	custodian := NewCustodian(ledger, vault)
	err := custodian.Send(ctx, usdc, alice, big.NewInt(6))
	assert.True(t, errors.Is(err, ErrInsufficientFunds))

	require.NoError(t, custodian.Send(ctx, usdc, alice, big.NewInt(5)))
	got, err := ledger.BalanceOf(ctx, usdc, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Int64())
}

func TestInvalidTransfers(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	assert.ErrorIs(t, ledger.Mint(usdc, alice, big.NewInt(0)), ErrInvalidTransfer)
	assert.ErrorIs(t, ledger.Transfer(ctx, usdc, alice, common.Address{}, big.NewInt(1)), ErrInvalidTransfer)
	assert.ErrorIs(t, ledger.Approve(ctx, usdc, alice, vault, big.NewInt(-1)), ErrInvalidTransfer)
}

func TestJournalRevertsLedgerChanges(t *testing.T) {
	ledger := NewMemoryLedger()
	require.NoError(t, ledger.Mint(usdc, alice, big.NewInt(100)))
	require.NoError(t, ledger.Approve(context.Background(), usdc, alice, vault, big.NewInt(5)))

	ctx, j := journal.Begin(context.Background())
	require.NoError(t, ledger.Approve(ctx, usdc, alice, vault, big.NewInt(70)))
	require.NoError(t, ledger.TransferFrom(ctx, usdc, vault, alice, vault, big.NewInt(30)))
	require.NoError(t, ledger.Transfer(ctx, usdc, vault, alice, big.NewInt(10)))

	// 回退期间之外的并发入账不受影响。
	require.NoError(t, ledger.Mint(usdc, alice, big.NewInt(7)))

	require.NoError(t, j.Rollback())

	balance, err := ledger.BalanceOf(context.Background(), usdc, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(107), balance.Int64())
	held, err := ledger.BalanceOf(context.Background(), usdc, vault)
	require.NoError(t, err)
	assert.Zero(t, held.Sign())
	allowed, err := ledger.Allowance(context.Background(), usdc, alice, vault)
	require.NoError(t, err)
	assert.Equal(t, int64(5), allowed.Int64())
}
