package job

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"X402-Chain/internal/agent"
	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/escrow"
	"X402-Chain/internal/token"
)

var (
	assetIn  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	assetOut = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	operator = common.HexToAddress("0x000000000000000000000000000000000000a9e1")
	payee    = common.HexToAddress("0x000000000000000000000000000000000000cafe")
	vault    = common.HexToAddress("0x000000000000000000000000000000000000e5c0")
	treasury = common.HexToAddress("0x0000000000000000000000000000000000007e5a")
)

func newEscrow(t *testing.T) (*escrow.Escrow, uint64) {
	t.Helper()
	ctx := context.Background()
	ledger := token.NewMemoryLedger()
	require.NoError(t, ledger.Mint(assetIn, owner, big.NewInt(100)))
	require.NoError(t, ledger.Approve(ctx, assetIn, owner, vault, big.NewInt(100)))
	capability, err := escrow.NewTreasury(treasury)
	require.NoError(t, err)
	svc, err := escrow.New(escrow.NewMemoryStore(), token.NewCustodian(ledger, vault), capability)
	require.NoError(t, err)

	require.NoError(t, svc.Deposit(ctx, owner, assetIn, big.NewInt(100)))
	require.NoError(t, svc.SetAgent(ctx, owner, operator, true))
	id, err := svc.CreateOrder(ctx, owner, escrow.OrderRequest{
		Agent:        operator,
		TokenIn:      assetIn,
		TokenOut:     assetOut,
		AmountIn:     big.NewInt(40),
		MinAmountOut: big.NewInt(30),
	})
	require.NoError(t, err)
	return svc, id
}

func orderJob(t *testing.T, payload OrderPayload) *Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &Job{ID: "order", Kind: KindExecuteOrder, Payload: raw}
}

func TestOperatorExecutesOrders(t *testing.T) {
	ctx := context.Background()
	svc, id := newEscrow(t)
	op := NewOperator(operator, svc, nil)

	result, err := op.Execute(ctx, orderJob(t, OrderPayload{OrderID: id, Recipient: payee.Hex(), AmountOut: "35"}))
	require.NoError(t, err)

	var settled escrow.Settlement
	require.NoError(t, json.Unmarshal(result, &settled))
	assert.Equal(t, payee, settled.Recipient)
	assert.Equal(t, escrow.OrderExecuted, settled.Order.Status)

	_, err = op.Execute(ctx, orderJob(t, OrderPayload{OrderID: id, Recipient: payee.Hex(), AmountOut: "35"}))
	assert.ErrorIs(t, err, escrow.ErrNotPending)
}

func TestOperatorRejectsMalformedPayloads(t *testing.T) {
	ctx := context.Background()
	svc, id := newEscrow(t)
	op := NewOperator(common.Address{}, svc, nil)

	cases := []OrderPayload{
		{OrderID: id, Recipient: payee.Hex(), AmountOut: "35"},
		{Caller: operator.Hex(), OrderID: id, Recipient: "nope", AmountOut: "35"},
		{Caller: operator.Hex(), OrderID: id, Recipient: payee.Hex(), AmountOut: "3.5"},
	}
	for _, payload := range cases {
		_, err := op.Execute(ctx, orderJob(t, payload))
		assert.Equal(t, CodeJobValidation, xerrors.CodeOf(err))
		assert.False(t, xerrors.RetryableError(err))
	}

	_, err := op.Execute(ctx, &Job{Kind: KindExecuteStrategy, Payload: json.RawMessage(`{}`)})
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

type stubRunner struct {
	caller common.Address
	id     common.Hash
	params []byte
}

func (s *stubRunner) ExecuteStrategy(_ context.Context, caller common.Address, id common.Hash, encoded []byte) (*agent.ExecutionRecord, error) {
	s.caller, s.id, s.params = caller, id, encoded
	return &agent.ExecutionRecord{StrategyID: id, Caller: caller, AmountOut: big.NewInt(7)}, nil
}

func TestOperatorExecutesStrategies(t *testing.T) {
	runner := &stubRunner{}
	op := NewOperator(operator, nil, runner)
	id := common.HexToHash("0x0dca")
	raw, err := json.Marshal(StrategyPayload{StrategyID: id.Hex(), Params: "0xdeadbeef"})
	require.NoError(t, err)

	result, err := op.Execute(context.Background(), &Job{Kind: KindExecuteStrategy, Payload: raw})
	require.NoError(t, err)
	assert.Equal(t, operator, runner.caller)
	assert.Equal(t, id, runner.id)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, runner.params)

	var record agent.ExecutionRecord
	require.NoError(t, json.Unmarshal(result, &record))
	assert.Equal(t, int64(7), record.AmountOut.Int64())

	bad, err := json.Marshal(StrategyPayload{StrategyID: "0x01", Params: "0x00"})
	require.NoError(t, err)
	_, err = op.Execute(context.Background(), &Job{Kind: KindExecuteStrategy, Payload: bad})
	assert.Equal(t, CodeJobValidation, xerrors.CodeOf(err))
}
