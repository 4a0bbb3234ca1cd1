package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"X402-Chain/internal/events"
	"X402-Chain/internal/token"
)

var (
	tokenT   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenU   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	stranger = common.HexToAddress("0x0000000000000000000000000000000000000bad")
	agentA   = common.HexToAddress("0x000000000000000000000000000000000000a9e1")
	globalG  = common.HexToAddress("0x000000000000000000000000000000000000610b")
	treasury = common.HexToAddress("0x0000000000000000000000000000000000007e5a")
	receiver = common.HexToAddress("0x000000000000000000000000000000000000cafe")
	custody  = common.HexToAddress("0x000000000000000000000000000000000000e5c0")
)

type harness struct {
	escrow   *Escrow
	ledger   *token.MemoryLedger
	recorder *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ledger := token.NewMemoryLedger()
	for _, holder := range []common.Address{owner, stranger, agentA, globalG} {
		require.NoError(t, ledger.Mint(tokenT, holder, big.NewInt(1_000)))
		require.NoError(t, ledger.Mint(tokenU, holder, big.NewInt(1_000)))
		require.NoError(t, ledger.Approve(context.Background(), tokenT, holder, custody, big.NewInt(1_000)))
		require.NoError(t, ledger.Approve(context.Background(), tokenU, holder, custody, big.NewInt(1_000)))
	}
	capability, err := NewTreasury(treasury)
	require.NoError(t, err)
	recorder := events.NewRecorder()
	clock := time.Unix(1_700_000_000, 0)
	svc, err := New(NewMemoryStore(), token.NewCustodian(ledger, custody), capability,
		WithPublisher(recorder),
		WithClock(func() time.Time { return clock }),
	)
	require.NoError(t, err)
	return &harness{escrow: svc, ledger: ledger, recorder: recorder}
}

func (h *harness) balance(t *testing.T, who, asset common.Address) int64 {
	t.Helper()
	amount, err := h.escrow.Balance(context.Background(), who, asset)
	require.NoError(t, err)
	return amount.Int64()
}

func (h *harness) wallet(t *testing.T, who, asset common.Address) int64 {
	t.Helper()
	amount, err := h.ledger.BalanceOf(context.Background(), asset, who)
	require.NoError(t, err)
	return amount.Int64()
}

func TestDepositAndWithdraw(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.escrow.Deposit(ctx, owner, tokenT, big.NewInt(100)))
	assert.Equal(t, int64(100), h.balance(t, owner, tokenT))
	assert.Equal(t, int64(900), h.wallet(t, owner, tokenT))
	assert.Equal(t, int64(100), h.wallet(t, custody, tokenT))

	err := h.escrow.Withdraw(ctx, owner, tokenT, big.NewInt(101))
	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	assert.Equal(t, int64(100), h.balance(t, owner, tokenT))

	require.NoError(t, h.escrow.Withdraw(ctx, owner, tokenT, big.NewInt(40)))
	assert.Equal(t, int64(60), h.balance(t, owner, tokenT))
	assert.Equal(t, int64(940), h.wallet(t, owner, tokenT))

	assert.Len(t, h.recorder.Named("Deposited"), 1)
	withdrawn := h.recorder.Named("Withdrawn")
	require.Len(t, withdrawn, 1)
	assert.Equal(t, "60", withdrawn[0].Field("balance"))
}

func TestDepositRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	assert.True(t, errors.Is(h.escrow.Deposit(ctx, owner, tokenT, big.NewInt(0)), ErrInvalidAmount))
	assert.True(t, errors.Is(h.escrow.Deposit(ctx, owner, tokenT, big.NewInt(-5)), ErrInvalidAmount))
	assert.True(t, errors.Is(h.escrow.Deposit(ctx, owner, tokenT, nil), ErrInvalidAmount))
	assert.True(t, errors.Is(h.escrow.Deposit(ctx, owner, common.Address{}, big.NewInt(1)), ErrInvalidAddress))
	assert.True(t, errors.Is(h.escrow.Withdraw(ctx, owner, tokenT, big.NewInt(0)), ErrInvalidAmount))
	assert.Empty(t, h.recorder.Events())
}

func TestDepositWithoutApprovalLeavesNoState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.ledger.Approve(ctx, tokenT, owner, custody, big.NewInt(10)))

	err := h.escrow.Deposit(ctx, owner, tokenT, big.NewInt(11))
	assert.True(t, errors.Is(err, token.ErrInsufficientAllowance))
	assert.Equal(t, int64(0), h.balance(t, owner, tokenT))
	assert.Equal(t, int64(1_000), h.wallet(t, owner, tokenT))
}

func TestSetAgentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.escrow.SetAgent(ctx, owner, agentA, true))
	require.NoError(t, h.escrow.SetAgent(ctx, owner, agentA, true))
	ok, err := h.escrow.IsAgent(ctx, owner, agentA)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, h.escrow.SetAgent(ctx, owner, agentA, false))
	ok, err = h.escrow.IsAgent(ctx, owner, agentA)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, h.recorder.Named("AgentSet"), 3)

	assert.True(t, errors.Is(h.escrow.SetAgent(ctx, owner, common.Address{}, true), ErrInvalidAddress))
}

func TestSetGlobalAgentRequiresTreasury(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.escrow.SetGlobalAgent(ctx, owner, globalG, true)
	assert.True(t, errors.Is(err, ErrNotTreasury))

	require.NoError(t, h.escrow.SetGlobalAgent(ctx, treasury, globalG, true))
	ok, err := h.escrow.IsGlobalAgent(ctx, globalG)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, treasury, h.escrow.Treasury().Address())
}

func TestNewTreasuryRejectsZeroAddress(t *testing.T) {
	_, err := NewTreasury(common.Address{})
	assert.True(t, errors.Is(err, ErrInvalidAddress))

	var nilTreasury *Treasury
	assert.True(t, errors.Is(nilTreasury.Authorize(treasury), ErrNotTreasury))
}

func TestNewRequiresDependencies(t *testing.T) {
	capability, err := NewTreasury(treasury)
	require.NoError(t, err)
	vault := token.NewCustodian(token.NewMemoryLedger(), custody)

	_, err = New(nil, vault, capability)
	assert.Error(t, err)
	_, err = New(NewMemoryStore(), nil, capability)
	assert.Error(t, err)
	_, err = New(NewMemoryStore(), vault, nil)
	assert.Error(t, err)
}
