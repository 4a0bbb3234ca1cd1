package x402

import (
	"context"
	"fmt"
	"log/slog"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"X402-Chain/internal/events"
	"X402-Chain/internal/web3"
	"X402-Chain/pkg/logger"
)

// EventSource is the source name of events decoded from escrow logs.
const EventSource = "x402-chain"

// Watcher mirrors escrow contract logs onto an events.Publisher.
type Watcher struct {
	client    web3.Client
	escrow    common.Address
	publisher events.Publisher
	log       *slog.Logger
}

// NewWatcher creates a watcher for the escrow at address.
func NewWatcher(client web3.Client, escrowAddr common.Address, publisher events.Publisher) *Watcher {
	return &Watcher{client: client, escrow: escrowAddr, publisher: publisher, log: logger.Named("x402-watcher")}
}

// Run blocks until ctx is cancelled or the subscription fails.
func (w *Watcher) Run(ctx context.Context) error {
	sub, err := w.client.SubscribeEvents(ctx, gethcore.FilterQuery{Addresses: []common.Address{w.escrow}})
	if err != nil {
		return err
	}
	defer sub.Close()

	w.log.Info("开始监听托管合约事件", slog.String("escrow", w.escrow.Hex()))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case entry, ok := <-sub.Logs():
			if !ok {
				return nil
			}
			event, decoded := DecodeEscrowLog(entry)
			if !decoded {
				w.log.Debug("忽略未知日志", slog.String("tx", entry.TxHash.Hex()))
				continue
			}
			events.Emit(ctx, w.publisher, event)
		}
	}
}

// DecodeEscrowLog converts an escrow contract log into an event. Values are
// rendered as decimal integers, checksummed addresses and 0x hex bytes.
func DecodeEscrowLog(entry types.Log) (events.Event, bool) {
	if len(entry.Topics) == 0 {
		return events.Event{}, false
	}
	ev, err := parsedEscrow.EventByID(entry.Topics[0])
	if err != nil {
		return events.Event{}, false
	}

	values := make(map[string]any, len(ev.Inputs))
	if len(entry.Data) > 0 {
		if err := parsedEscrow.UnpackIntoMap(values, ev.Name, entry.Data); err != nil {
			return events.Event{}, false
		}
	}
	var indexed abi.Arguments
	for _, input := range ev.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, entry.Topics[1:]); err != nil {
		return events.Event{}, false
	}

	fields := make([]string, 0, 2*len(ev.Inputs)+4)
	for _, input := range ev.Inputs {
		fields = append(fields, input.Name, formatValue(values[input.Name]))
	}
	fields = append(fields, "tx", entry.TxHash.Hex(), "block", fmt.Sprintf("%d", entry.BlockNumber))
	return events.New(EventSource, ev.Name, fields...), true
}

func formatValue(value any) string {
	switch v := value.(type) {
	case common.Address:
		return v.Hex()
	case [32]byte:
		return hexutil.Encode(v[:])
	case common.Hash:
		return v.Hex()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
