package x402

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeOrderExecutedLog(t *testing.T) {
	ev := parsedEscrow.Events["OrderExecuted"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(55))
	require.NoError(t, err)

	event, ok := DecodeEscrowLog(types.Log{
		Address:     escrowAddr,
		Topics:      []common.Hash{ev.ID, common.BigToHash(big.NewInt(3)), common.BytesToHash(agentAddr.Bytes())},
		Data:        data,
		BlockNumber: 12,
	})
	require.True(t, ok)
	assert.Equal(t, "OrderExecuted", event.Name)
	assert.Equal(t, EventSource, event.Source)
	assert.Equal(t, "3", event.Field("orderId"))
	assert.Equal(t, agentAddr.Hex(), event.Field("recipient"))
	assert.Equal(t, "55", event.Field("amountOut"))
	assert.Equal(t, "12", event.Field("block"))
}

func TestDecodeOrderCreatedLog(t *testing.T) {
	ev := parsedEscrow.Events["OrderCreated"]
	strategy := common.HexToHash("0xabc")
	data, err := ev.Inputs.NonIndexed().Pack(tokenIn, tokenOut, big.NewInt(40), big.NewInt(30), [32]byte(strategy))
	require.NoError(t, err)

	event, ok := DecodeEscrowLog(types.Log{
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(big.NewInt(0)),
			common.BytesToHash(agentAddr.Bytes()),
			common.BytesToHash(agentAddr.Bytes()),
		},
		Data: data,
	})
	require.True(t, ok)
	assert.Equal(t, "0", event.Field("orderId"))
	assert.Equal(t, tokenOut.Hex(), event.Field("tokenOut"))
	assert.Equal(t, strategy.Hex(), event.Field("strategyId"))
}

func TestDecodeIgnoresUnknownLogs(t *testing.T) {
	_, ok := DecodeEscrowLog(types.Log{})
	assert.False(t, ok)
	_, ok = DecodeEscrowLog(types.Log{Topics: []common.Hash{common.HexToHash("0x1234")}})
	assert.False(t, ok)
}
