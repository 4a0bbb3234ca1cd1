package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"X402-Chain/internal/escrow"
)

// contractClient 是命令依赖的链上操作，*x402.Client 满足该接口。
type contractClient interface {
	From() common.Address
	ApproveToken(ctx context.Context, token common.Address, amount *big.Int) (*types.Receipt, error)
	Deposit(ctx context.Context, token common.Address, amount *big.Int) (*types.Receipt, error)
	Withdraw(ctx context.Context, token common.Address, amount *big.Int) (*types.Receipt, error)
	SetAgent(ctx context.Context, agent common.Address, allowed bool) (*types.Receipt, error)
	CreateOrder(ctx context.Context, req escrow.OrderRequest) (uint64, *types.Receipt, error)
	CancelOrder(ctx context.Context, orderID uint64) (*types.Receipt, error)
	ExecuteOrder(ctx context.Context, orderID uint64, recipient common.Address, amountOut *big.Int) (*types.Receipt, error)
	RegisterStrategy(ctx context.Context, id common.Hash, contentPointer, pairLabel string) (*types.Receipt, error)
	Balance(ctx context.Context, owner, token common.Address) (*big.Int, error)
}

type command struct {
	args  []string
	help  string
	apply func(ctx context.Context, c contractClient, args []string) (map[string]any, error)
}

var commands = map[string]command{
	"approve": {
		args: []string{"token", "amount"}, help: "授权托管合约划转代币",
		apply: func(ctx context.Context, c contractClient, args []string) (map[string]any, error) {
			token, amount, err := tokenAmount(args)
			if err != nil {
				return nil, err
			}
			return receiptResult(c.ApproveToken(ctx, token, amount))
		},
	},
	"deposit": {
		args: []string{"token", "amount"}, help: "存入托管",
		apply: func(ctx context.Context, c contractClient, args []string) (map[string]any, error) {
			token, amount, err := tokenAmount(args)
			if err != nil {
				return nil, err
			}
			return receiptResult(c.Deposit(ctx, token, amount))
		},
	},
	"withdraw": {
		args: []string{"token", "amount"}, help: "从托管提取",
		apply: func(ctx context.Context, c contractClient, args []string) (map[string]any, error) {
			token, amount, err := tokenAmount(args)
			if err != nil {
				return nil, err
			}
			return receiptResult(c.Withdraw(ctx, token, amount))
		},
	},
	"set-agent": {
		args: []string{"agent", "allowed"}, help: "授予或撤销 agent",
		apply: func(ctx context.Context, c contractClient, args []string) (map[string]any, error) {
			agent, err := address("agent", args[0])
			if err != nil {
				return nil, err
			}
			allowed, err := strconv.ParseBool(args[1])
			if err != nil {
				return nil, fmt.Errorf("allowed 必须是 true 或 false: %q", args[1])
			}
			return receiptResult(c.SetAgent(ctx, agent, allowed))
		},
	},
	"create-order": {
		args: []string{"agent", "token_in", "token_out", "amount_in", "min_amount_out", "strategy_id"}, help: "创建订单",
		apply: func(ctx context.Context, c contractClient, args []string) (map[string]any, error) {
			req, err := orderRequest(args)
			if err != nil {
				return nil, err
			}
			id, receipt, err := c.CreateOrder(ctx, req)
			if err != nil {
				return nil, err
			}
			return map[string]any{"txHash": receipt.TxHash.Hex(), "orderId": id}, nil
		},
	},
	"execute-order": {
		args: []string{"order_id", "recipient", "amount_out"}, help: "以 agent 身份结算订单",
		apply: func(ctx context.Context, c contractClient, args []string) (map[string]any, error) {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("order_id 无效: %q", args[0])
			}
			recipient, err := address("recipient", args[1])
			if err != nil {
				return nil, err
			}
			amount, err := parseAmount("amount_out", args[2])
			if err != nil {
				return nil, err
			}
			return receiptResult(c.ExecuteOrder(ctx, id, recipient, amount))
		},
	},
	"cancel-order": {
		args: []string{"order_id"}, help: "取消待执行订单",
		apply: func(ctx context.Context, c contractClient, args []string) (map[string]any, error) {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("order_id 无效: %q", args[0])
			}
			return receiptResult(c.CancelOrder(ctx, id))
		},
	},
	"register-strategy": {
		args: []string{"strategy_id", "cid", "pair_id"}, help: "登记策略元数据",
		apply: func(ctx context.Context, c contractClient, args []string) (map[string]any, error) {
			id, err := hash32("strategy_id", args[0])
			if err != nil {
				return nil, err
			}
			return receiptResult(c.RegisterStrategy(ctx, id, args[1], args[2]))
		},
	},
	"balance": {
		args: []string{"token"}, help: "查询当前账户的托管余额",
		apply: func(ctx context.Context, c contractClient, args []string) (map[string]any, error) {
			token, err := address("token", args[0])
			if err != nil {
				return nil, err
			}
			balance, err := c.Balance(ctx, c.From(), token)
			if err != nil {
				return nil, err
			}
			return map[string]any{"owner": c.From().Hex(), "token": token.Hex(), "balance": balance.String()}, nil
		},
	},
}

// dispatch 执行一条命令并以 JSON 输出结果。
func dispatch(ctx context.Context, client contractClient, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("缺少命令\n%s", usage())
	}
	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("未知命令 %q\n%s", name, usage())
	}
	if len(args)-1 != len(cmd.args) {
		return fmt.Errorf("用法: x402ctl %s %s", name, strings.Join(cmd.args, " "))
	}
	result, err := cmd.apply(ctx, client, args[1:])
	if err != nil {
		return err
	}
	result["action"] = strings.ReplaceAll(name, "-", "_")
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func usage() string {
	names := []string{"approve", "deposit", "withdraw", "set-agent", "create-order", "execute-order", "cancel-order", "register-strategy", "balance"}
	var b strings.Builder
	for _, name := range names {
		cmd := commands[name]
		fmt.Fprintf(&b, "  %-18s %-60s %s\n", name, strings.Join(cmd.args, " "), cmd.help)
	}
	return b.String()
}

func receiptResult(receipt *types.Receipt, err error) (map[string]any, error) {
	if err != nil {
		return nil, err
	}
	return map[string]any{"txHash": receipt.TxHash.Hex()}, nil
}

func tokenAmount(args []string) (common.Address, *big.Int, error) {
	token, err := address("token", args[0])
	if err != nil {
		return common.Address{}, nil, err
	}
	amount, err := parseAmount("amount", args[1])
	if err != nil {
		return common.Address{}, nil, err
	}
	return token, amount, nil
}

func orderRequest(args []string) (escrow.OrderRequest, error) {
	var (
		req escrow.OrderRequest
		err error
	)
	if req.Agent, err = address("agent", args[0]); err != nil {
		return req, err
	}
	if req.TokenIn, err = address("token_in", args[1]); err != nil {
		return req, err
	}
	if req.TokenOut, err = address("token_out", args[2]); err != nil {
		return req, err
	}
	if req.AmountIn, err = parseAmount("amount_in", args[3]); err != nil {
		return req, err
	}
	if req.MinAmountOut, err = parseAmount("min_amount_out", args[4]); err != nil {
		return req, err
	}
	if req.StrategyRef, err = hash32("strategy_id", args[5]); err != nil {
		return req, err
	}
	return req, nil
}

func address(field, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s 不是有效地址: %q", field, value)
	}
	return common.HexToAddress(value), nil
}

// parseAmount 接受十进制或 0x 前缀十六进制。
func parseAmount(field, value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 0)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%s 不是有效数量: %q", field, value)
	}
	return amount, nil
}

func hash32(field, value string) (common.Hash, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	if len(raw) != 64 {
		return common.Hash{}, fmt.Errorf("%s 必须是 32 字节十六进制: %q", field, value)
	}
	if _, ok := new(big.Int).SetString(raw, 16); !ok {
		return common.Hash{}, fmt.Errorf("%s 必须是 32 字节十六进制: %q", field, value)
	}
	return common.HexToHash(raw), nil
}
