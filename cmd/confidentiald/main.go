// confidentiald runs a single-node confidential transfer ledger. It admits
// transactions over HTTP, verifies them in parallel and applies them as
// blocks on a fixed interval.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"confidential/internal/blockchain"
	"confidential/internal/config"
	"confidential/internal/crypto"
	"confidential/internal/metrics"
	"confidential/internal/node"
	"confidential/internal/rpc"
	"confidential/internal/storage"
	"confidential/internal/transactions"

	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/ticker"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		return nil
	}
	if cfg.MaxLogFiles > 0 {
		err := initLogRotator(cfg.LogFile(), cfg.MaxLogFileSize,
			cfg.MaxLogFiles)
		if err != nil {
			return err
		}
		defer logRotator.Close()
	}
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return err
	}

	cnfdLog.Infof("Version %s", version)

	collector := metrics.NewCollector()

	cnfdLog.Infof("Loading range proof system")
	for _, path := range []string{cfg.ProvingKey, cfg.VerifyingKey} {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return err
		}
	}
	start := time.Now()
	proofSystem, err := crypto.LoadRangeProofSystem(
		cfg.ProvingKey, cfg.VerifyingKey,
	)
	if err != nil {
		return fmt.Errorf("range proof system: %w", err)
	}
	collector.RecordCircuitCompile(time.Since(start))
	cnfdLog.Infof("Range proof system ready in %v", time.Since(start))

	svc, err := transactions.NewService(cfg.Service.Transactions(),
		proofSystem)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.DBPath(), storage.DefaultDBTimeout)
	if err != nil {
		return err
	}
	defer store.Close()

	exec := blockchain.NewExecutor(svc, store)
	genesis, err := cfg.Genesis()
	if err != nil {
		return err
	}
	err = exec.InitGenesis(genesis)
	switch {
	case errors.Is(err, blockchain.ErrGenesisApplied):
		cnfdLog.Debugf("Ledger already past genesis")
	case err != nil:
		return err
	}
	height, err := exec.Height()
	if err != nil {
		return err
	}
	cnfdLog.Infof("Ledger at height %d", height)

	mempool, err := node.NewMempool(node.MempoolConfig{
		Service:        svc,
		Store:          store,
		MaxSize:        cfg.MempoolSize,
		MaxConcurrency: cfg.MaxConcurrency,
		Metrics:        collector,
	})
	if err != nil {
		return err
	}

	health := metrics.NewHealthChecker(version)
	health.RegisterComponent("chain", nil)

	producer, err := node.NewProducer(node.ProducerConfig{
		Executor:     exec,
		Mempool:      mempool,
		BlockTicker:  ticker.New(cfg.BlockInterval),
		MaxBlockSize: cfg.MaxBlockSize,
		Metrics:      collector,
		OnBlock: func(s *blockchain.BlockSummary) {
			health.UpdateComponent("chain", metrics.Healthy,
				fmt.Sprintf("height %d", s.Height))
		},
	})
	if err != nil {
		return err
	}

	health.RegisterComponent("producer", producer.Err)
	health.RegisterComponent("storage", func() error {
		_, err := store.Height()
		return err
	})

	server, err := rpc.NewServer(rpc.Config{
		Listen:       cfg.RPCListen,
		Service:      svc,
		Store:        store,
		Mempool:      mempool,
		Metrics:      collector,
		Health:       health,
		RateLimit:    cfg.RateLimit,
		RateRefill:   cfg.RateRefill,
		RatePeriod:   cfg.RatePeriod,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer cancel()

	if err := producer.Start(ctx); err != nil {
		return err
	}
	defer producer.Stop()

	if err := server.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	cnfdLog.Infof("Shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(), 10*time.Second,
	)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		cnfdLog.Errorf("Unable to stop RPC server: %v", err)
	}
	return nil
}
