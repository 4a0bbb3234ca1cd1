// Command examples 演示如何使用 x402client 查询运行中的 x402d。
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"X402-Chain/sdk/go/x402client"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "x402d API 地址")
	owner := flag.String("owner", "", "要查询的资产所有者地址")
	asset := flag.String("asset", "", "要查询余额的代币地址")
	flag.Parse()

	client, err := x402client.NewClient(*addr, nil)
	if err != nil {
		log.Fatalf("创建客户端失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if user := os.Getenv("X402_USERNAME"); user != "" {
		token, err := client.Authenticate(ctx, x402client.Credentials{Username: user, Password: os.Getenv("X402_PASSWORD")})
		if err != nil {
			log.Fatalf("认证失败: %v", err)
		}
		fmt.Printf("authenticated, token expires in %ds\n", token.ExpiresIn)
	}

	stats, err := client.JobStats(ctx)
	if err != nil {
		log.Fatalf("查询任务统计失败: %v", err)
	}
	fmt.Printf("jobs: total=%d pending=%d running=%d failed=%d\n", stats.Total, stats.Pending, stats.Running, stats.Failed)

	if *owner == "" {
		return
	}
	if *asset != "" {
		balance, err := client.Balance(ctx, *owner, *asset)
		if err != nil {
			log.Fatalf("查询余额失败: %v", err)
		}
		fmt.Printf("escrow balance of %s: %s\n", balance.Owner, balance.Balance)
	}
	page, err := client.ListOrders(ctx, x402client.OrderFilter{Owner: *owner, Limit: 10})
	if err != nil {
		log.Fatalf("查询订单失败: %v", err)
	}
	for _, order := range page.Orders {
		fmt.Printf("order %d %s %s -> %s (%s)\n", order.ID, order.AmountIn, order.TokenIn, order.TokenOut, order.Status)
	}
	strategies, err := client.Strategies(ctx, *owner)
	if err != nil {
		log.Fatalf("查询策略失败: %v", err)
	}
	for _, record := range strategies {
		fmt.Printf("strategy %s %s active=%t\n", record.ID, record.PairLabel, record.Active)
	}
}
