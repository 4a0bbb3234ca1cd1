package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"X402-Chain/internal/config"
	"X402-Chain/internal/web3/provider"
	"X402-Chain/internal/web3/x402"
	"X402-Chain/pkg/logger"
)

// main 是 x402ctl 的入口，用于直接与链上托管合约交互。
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("加载 .env 失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("x402ctl: %v", err)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("x402ctl", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath(), "配置文件路径")
	chainName := fs.String("chain", "", "链名称，默认使用配置中的默认链")
	timeout := fs.Duration("timeout", 2*time.Minute, "等待交易回执的超时时间")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "用法: x402ctl [flags] <command> [args]\n\n命令:\n%s\nflags:\n", usage())
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: "text", OutputPaths: []string{"stderr"}}); err != nil {
		return err
	}
	defer logger.Sync()

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()

	name := *chainName
	if name == "" {
		name = chains.DefaultChain()
	}
	chainClient, ok := chains.Client(name)
	if !ok {
		return fmt.Errorf("未配置链 %s", name)
	}
	def, _ := chains.Definition(name)
	escrowAddr, ok := def.Contracts.EscrowAddress()
	if !ok {
		return fmt.Errorf("链 %s 未配置 x402_escrow 地址", name)
	}
	registryAddr, _ := def.Contracts.RegistryAddress()

	chainID, err := chainClient.ChainID(ctx)
	if err != nil {
		return err
	}
	signer, err := x402.NewTransactor(cfg.Web3.PrivateKey, chainID)
	if err != nil {
		return err
	}
	client, err := x402.NewClient(chainClient.Backend(), signer, x402.Contracts{Escrow: escrowAddr, Registry: registryAddr})
	if err != nil {
		return err
	}

	cmdCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	return dispatch(cmdCtx, client, fs.Args(), os.Stdout)
}
