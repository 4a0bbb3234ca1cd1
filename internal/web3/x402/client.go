// Package x402 binds the X402Escrow and X402StrategyRegistry contracts. Every
// state-changing call signs a transaction, waits for the receipt and fails
// when the transaction reverted.
package x402

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "X402-Chain/internal/errors"
	"X402-Chain/internal/escrow"
	"X402-Chain/internal/web3"
	"X402-Chain/pkg/logger"
)

// Error codes reported by the contract client.
const (
	CodeTransactionFailed   xerrors.Code = "X402_TX_FAILED"
	CodeTransactionReverted xerrors.Code = "X402_TX_REVERTED"
	CodeNotConfigured       xerrors.Code = "X402_NOT_CONFIGURED"
)

func init() {
	xerrors.Register(CodeTransactionFailed, xerrors.Attributes{
		Message:   "transaction could not be submitted",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryExternal,
		Retryable: true,
	})
	xerrors.Register(CodeTransactionReverted, xerrors.Attributes{
		Message:  "transaction reverted",
		Severity: xerrors.SeverityCritical,
		Category: xerrors.CategoryState,
		Alert:    true,
	})
	xerrors.Register(CodeNotConfigured, xerrors.Attributes{
		Message:  "contract address not configured",
		Severity: xerrors.SeverityWarning,
		Category: xerrors.CategoryValidation,
	})
}

var (
	parsedEscrow   = mustParse(EscrowABI)
	parsedRegistry = mustParse(RegistryABI)
	parsedERC20    = mustParse(ERC20ABI)
)

// Contracts holds the deployed contract addresses. Registry may be zero.
type Contracts struct {
	Escrow   common.Address
	Registry common.Address
}

// Client sends X402 transactions from a single signer.
type Client struct {
	backend   web3.Backend
	signer    *bind.TransactOpts
	contracts Contracts
	escrow    *bind.BoundContract
	registry  *bind.BoundContract
	log       *slog.Logger
}

// NewClient binds the contracts on the given backend.
func NewClient(backend web3.Backend, signer *bind.TransactOpts, contracts Contracts) (*Client, error) {
	if backend == nil {
		return nil, errors.New("x402: backend is required")
	}
	if signer == nil {
		return nil, errors.New("x402: signer is required")
	}
	if contracts.Escrow == (common.Address{}) {
		return nil, xerrors.New(CodeNotConfigured, "x402 escrow address is required")
	}
	client := &Client{
		backend:   backend,
		signer:    signer,
		contracts: contracts,
		escrow:    bind.NewBoundContract(contracts.Escrow, parsedEscrow, backend, backend, backend),
		log:       logger.Named("x402"),
	}
	if contracts.Registry != (common.Address{}) {
		client.registry = bind.NewBoundContract(contracts.Registry, parsedRegistry, backend, backend, backend)
	}
	return client, nil
}

// NewTransactor builds a signer from a hex encoded private key.
func NewTransactor(hexKey string, chainID *big.Int) (*bind.TransactOpts, error) {
	key, err := ParsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("x402: chain id is required")
	}
	return bind.NewKeyedTransactorWithChainID(key, chainID)
}

// ParsePrivateKey accepts keys with or without the 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("x402: private key is required")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("x402: invalid private key: %w", err)
	}
	return key, nil
}

// From returns the signing account.
func (c *Client) From() common.Address {
	return c.signer.From
}

// Contracts returns the bound contract addresses.
func (c *Client) Contracts() Contracts {
	return c.contracts
}

// ApproveToken lets the escrow pull amount of token from the signer.
func (c *Client) ApproveToken(ctx context.Context, token common.Address, amount *big.Int) (*types.Receipt, error) {
	erc20 := bind.NewBoundContract(token, parsedERC20, c.backend, c.backend, c.backend)
	return c.transact(ctx, erc20, "approve", c.contracts.Escrow, amount)
}

// Deposit moves token from the signer's wallet into escrow.
func (c *Client) Deposit(ctx context.Context, token common.Address, amount *big.Int) (*types.Receipt, error) {
	return c.transact(ctx, c.escrow, "deposit", token, amount)
}

// Withdraw returns escrowed token to the signer.
func (c *Client) Withdraw(ctx context.Context, token common.Address, amount *big.Int) (*types.Receipt, error) {
	return c.transact(ctx, c.escrow, "withdraw", token, amount)
}

// SetAgent grants or revokes an agent for the signer's orders.
func (c *Client) SetAgent(ctx context.Context, agent common.Address, allowed bool) (*types.Receipt, error) {
	return c.transact(ctx, c.escrow, "setAgent", agent, allowed)
}

// CreateOrder reserves AmountIn for the agent and returns the new order id,
// read from the OrderCreated log.
func (c *Client) CreateOrder(ctx context.Context, req escrow.OrderRequest) (uint64, *types.Receipt, error) {
	if req.AmountIn == nil || req.MinAmountOut == nil {
		return 0, nil, xerrors.New(xerrors.CodeInvalidArgument, "amount_in and min_amount_out are required")
	}
	receipt, err := c.transact(ctx, c.escrow, "createOrder",
		req.Agent, req.TokenIn, req.TokenOut, req.AmountIn, req.MinAmountOut, [32]byte(req.StrategyRef))
	if err != nil {
		return 0, receipt, err
	}
	id, ok := c.orderIDFromLogs(receipt.Logs)
	if !ok {
		return 0, receipt, xerrors.New(CodeTransactionFailed, "OrderCreated log missing from receipt",
			xerrors.WithMetadata("tx", receipt.TxHash.Hex()), xerrors.WithRetryable(false))
	}
	return id, receipt, nil
}

// CancelOrder cancels a pending order owned by the signer.
func (c *Client) CancelOrder(ctx context.Context, orderID uint64) (*types.Receipt, error) {
	return c.transact(ctx, c.escrow, "cancelOrder", new(big.Int).SetUint64(orderID))
}

// ExecuteOrder settles a pending order as its agent.
func (c *Client) ExecuteOrder(ctx context.Context, orderID uint64, recipient common.Address, amountOut *big.Int) (*types.Receipt, error) {
	return c.transact(ctx, c.escrow, "executeOrder", new(big.Int).SetUint64(orderID), recipient, amountOut)
}

// RegisterStrategy records a strategy content pointer on chain.
func (c *Client) RegisterStrategy(ctx context.Context, id common.Hash, contentPointer, pairLabel string) (*types.Receipt, error) {
	if c.registry == nil {
		return nil, xerrors.New(CodeNotConfigured, "strategy registry address not configured")
	}
	return c.transact(ctx, c.registry, "registerStrategy", [32]byte(id), contentPointer, pairLabel)
}

// UpdateStrategy replaces the content pointer of a registered strategy.
func (c *Client) UpdateStrategy(ctx context.Context, id common.Hash, contentPointer string) (*types.Receipt, error) {
	if c.registry == nil {
		return nil, xerrors.New(CodeNotConfigured, "strategy registry address not configured")
	}
	return c.transact(ctx, c.registry, "updateStrategy", [32]byte(id), contentPointer)
}

// DeactivateStrategy marks a registered strategy inactive.
func (c *Client) DeactivateStrategy(ctx context.Context, id common.Hash) (*types.Receipt, error) {
	if c.registry == nil {
		return nil, xerrors.New(CodeNotConfigured, "strategy registry address not configured")
	}
	return c.transact(ctx, c.registry, "deactivateStrategy", [32]byte(id))
}

// Balance reads the escrowed balance of owner for token.
func (c *Client) Balance(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.escrow, "balances", owner, token)
}

// TokenBalance reads the ERC20 wallet balance of holder.
func (c *Client) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	erc20 := bind.NewBoundContract(token, parsedERC20, c.backend, c.backend, c.backend)
	return c.callUint(ctx, erc20, "balanceOf", holder)
}

func (c *Client) transact(ctx context.Context, contract *bind.BoundContract, method string, args ...any) (*types.Receipt, error) {
	opts := *c.signer
	opts.Context = ctx

	tx, err := contract.Transact(&opts, method, args...)
	if err != nil {
		return nil, xerrors.Wrap(CodeTransactionFailed, err, method+" transaction failed")
	}
	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return nil, xerrors.Wrap(CodeTransactionFailed, err, method+" receipt not available",
			xerrors.WithMetadata("tx", tx.Hash().Hex()))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		c.log.Warn("交易回滚", slog.String("method", method), slog.String("tx", tx.Hash().Hex()))
		return receipt, xerrors.New(CodeTransactionReverted, method+" reverted",
			xerrors.WithMetadata("tx", tx.Hash().Hex()))
	}
	logger.Audit().Info("x402_transaction",
		slog.String("method", method),
		slog.String("from", opts.From.Hex()),
		slog.String("tx", tx.Hash().Hex()),
		slog.Uint64("gas_used", receipt.GasUsed),
	)
	return receipt, nil
}

func (c *Client) callUint(ctx context.Context, contract *bind.BoundContract, method string, args ...any) (*big.Int, error) {
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, xerrors.Wrap(CodeTransactionFailed, err, method+" call failed")
	}
	if len(out) != 1 {
		return nil, xerrors.New(CodeTransactionFailed, method+" returned unexpected output", xerrors.WithRetryable(false))
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(CodeTransactionFailed, method+" returned non-integer output", xerrors.WithRetryable(false))
	}
	return value, nil
}

func (c *Client) orderIDFromLogs(logs []*types.Log) (uint64, bool) {
	topic := parsedEscrow.Events["OrderCreated"].ID
	for _, entry := range logs {
		if entry == nil || entry.Address != c.contracts.Escrow || len(entry.Topics) < 2 || entry.Topics[0] != topic {
			continue
		}
		id := new(big.Int).SetBytes(entry.Topics[1].Bytes())
		if !id.IsUint64() {
			return 0, false
		}
		return id.Uint64(), true
	}
	return 0, false
}

func mustParse(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("x402: invalid ABI: %v", err))
	}
	return parsed
}
