package main

import (
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"dvpchain/config"
	"dvpchain/core"
	"dvpchain/crypto"
	"dvpchain/native/token"
	"dvpchain/observability/logging"
	"dvpchain/rpc"
	"dvpchain/storage"
)

func main() {
	configPath := flag.String("config", "./config.toml", "path to the node configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("dvpd", cfg.Env)

	custodyAddr, err := crypto.DecodeAddress(cfg.Custody)
	if err != nil {
		logger.Error("invalid custody address", "error", err)
		os.Exit(1)
	}
	custody := custodyAddr.Bytes()

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", "error", err, "dir", cfg.DataDir)
		os.Exit(1)
	}
	defer db.Close()

	node := core.NewNode(db, custody, logger)
	for _, asset := range cfg.Assets {
		ledger, err := buildAsset(asset, custody)
		if err != nil {
			logger.Error("failed to build asset ledger", "error", err, "asset", asset.Symbol)
			os.Exit(1)
		}
		if err := node.RegisterAsset(ledger); err != nil {
			logger.Error("failed to register asset", "error", err, "asset", asset.Symbol)
			os.Exit(1)
		}
		logger.Info("asset registered", "asset", ledger.Symbol())
	}

	server := rpc.NewServer(node)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting JSON-RPC server", "addr", cfg.RPCAddress, "network", cfg.NetworkName)
		errCh <- server.Start(cfg.RPCAddress)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("rpc server stopped", "error", err)
		os.Exit(1)
	}
}

// buildAsset constructs the ledger and compliance registry for one configured
// asset and applies its genesis allocations. The custody account is always
// eligible so locked legs can move in and out of engine custody.
func buildAsset(cfg config.AssetConfig, custody [20]byte) (*token.Ledger, error) {
	registry := token.NewRegistry()
	registry.Add(custody)
	for _, entry := range cfg.Allowlist {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(entry))
		if err != nil {
			return nil, fmt.Errorf("allowlist entry %q: %w", entry, err)
		}
		registry.Add(addr.Bytes())
	}
	ledger, err := token.NewLedger(cfg.Symbol, registry)
	if err != nil {
		return nil, err
	}
	for _, allocation := range cfg.Genesis {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(allocation.Address))
		if err != nil {
			return nil, fmt.Errorf("genesis address %q: %w", allocation.Address, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(allocation.Amount), 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("genesis amount %q must be a positive integer", allocation.Amount)
		}
		if err := ledger.Mint(addr.Bytes(), amount); err != nil {
			return nil, err
		}
	}
	return ledger, nil
}
