package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"sharedtab/go-backend/internal/api"
	"sharedtab/go-backend/internal/app"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	rpcAddr := flag.String("rpc-addr", api.DefaultRPCAddr, "JSON-RPC listen address")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for daemon local data (optional)")
	rpcToken := flag.String("rpc-token", "", "RPC token for Authorization/X-TAB-RPC-Token (optional)")
	transport := flag.String("transport", "", "Network transport override: go-waku | mesh")
	flag.Parse()
	if *showVersion {
		fmt.Printf("tabd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *rpcToken != "" {
		_ = os.Setenv("TAB_RPC_TOKEN", *rpcToken)
	}
	if *transport != "" {
		_ = os.Setenv("TAB_TRANSPORT", *transport)
	}
	if *dataDir != "" {
		_ = os.Setenv("TAB_DATA_DIR", *dataDir)
	}

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("tabd failed to load config: %v", err)
	}
	svc, err := app.NewService(cfg)
	if err != nil {
		log.Fatalf("tabd failed to initialize: %v", err)
	}

	log.Println("tabd starting")
	if err := api.NewServer(*rpcAddr, svc).Run(ctx); err != nil {
		log.Fatalf("tabd failed: %v", err)
	}
	log.Println("tabd stopped")
}
