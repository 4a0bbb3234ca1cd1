package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Backend is what contract bindings need: calls, transactions, log filters
// and receipt lookups for WaitMined.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// EventSubscription wraps a log subscription so callers can manage lifecycle
// without depending on the go-ethereum event package.
type EventSubscription struct {
	logs <-chan types.Log
	sub  gethevent.Subscription
}

// NewEventSubscription constructs a managed subscription wrapper.
func NewEventSubscription(logs <-chan types.Log, sub gethevent.Subscription) *EventSubscription {
	return &EventSubscription{logs: logs, sub: sub}
}

// Logs returns the channel that receives blockchain logs.
func (e *EventSubscription) Logs() <-chan types.Log {
	return e.logs
}

// Err forwards the subscription error channel.
func (e *EventSubscription) Err() <-chan error {
	if e == nil || e.sub == nil {
		return nil
	}
	return e.sub.Err()
}

// Close terminates the subscription.
func (e *EventSubscription) Close() {
	if e == nil || e.sub == nil {
		return
	}
	e.sub.Unsubscribe()
}

// Client defines the common interface that any chain implementation must
// provide so the contract bindings can interact with different networks
// uniformly.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Backend() Backend
	SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*EventSubscription, error)
	Close()
}
