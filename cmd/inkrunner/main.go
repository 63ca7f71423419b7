// Command inkrunner drives a fleet of testnet wallets through bridge, deploy,
// random and domain workflows on Ethereum Sepolia and Ink Sepolia.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gateway-fm/inkrunner/internal/account"
	"github.com/gateway-fm/inkrunner/internal/config"
	"github.com/gateway-fm/inkrunner/internal/contract"
	"github.com/gateway-fm/inkrunner/internal/metrics"
	"github.com/gateway-fm/inkrunner/internal/pool"
	"github.com/gateway-fm/inkrunner/internal/runner"
	"github.com/gateway-fm/inkrunner/internal/storage"
	"github.com/gateway-fm/inkrunner/internal/transport"
	"github.com/gateway-fm/inkrunner/internal/workflow"
	"github.com/gateway-fm/inkrunner/pkg/types"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("inkrunner failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	cfg, cli, err := config.Load(args)
	if err != nil {
		return err
	}

	logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	keys, err := pool.ReadLines(cfg.PrivateKeysPath)
	if err != nil {
		return fmt.Errorf("read private keys: %w", err)
	}
	proxies, err := pool.ReadLines(cfg.ProxiesPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read proxies: %w", err)
		}
		logger.Info("no proxy file, using direct connections", "path", cfg.ProxiesPath)
		proxies = nil
	}
	accounts, err := account.NewManager(keys, proxies, logger)
	if err != nil {
		return err
	}
	logger.Info("loaded accounts", "accounts", len(accounts.Accounts()), "proxies", len(accounts.Proxies()))

	names, err := pool.Load(cfg.NamesPath, cfg.SymbolsPath, cfg.DomainsPath)
	if err != nil {
		logger.Warn("name pools not loaded", "error", err)
		names = nil
	}

	artifacts := loadArtifacts(cfg, logger)

	var store storage.Storage
	if cfg.DatabasePath != "" {
		sqlite, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("initialize storage: %w", err)
		}
		defer sqlite.Close()
		store = sqlite
		logger.Info("initialized storage", "path", cfg.DatabasePath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			logger.Info("shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	var hub *transport.EventHub
	runnerCfg := runner.Config{
		Settings:  cfg,
		Accounts:  accounts,
		Pool:      names,
		Artifacts: artifacts,
		Storage:   store,
		Metrics:   metrics.NewPrometheusMetrics(nil),
		Logger:    logger,
	}
	if cfg.ListenAddr != "" {
		hub = transport.NewEventHub(nil, logger)
		runnerCfg.Publisher = hub
	}

	r, err := runner.New(runnerCfg)
	if err != nil {
		return err
	}

	if hub != nil {
		hub.WithStatus(r).Start()
		defer hub.Stop()

		srv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           transport.NewServer(r, r, hub, logger, "").Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("starting HTTP server", "addr", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if cli.Operation != "" {
		_, err := execute(ctx, r, cli.Operation, cli.Count, stdout)
		return err
	}

	m := newMenu(stdin, stdout)
	for ctx.Err() == nil {
		op, count, err := m.choose()
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := execute(ctx, r, op, count, stdout); err != nil {
			logger.Error("operation failed", "operation", op, "error", err)
		}
	}
	return nil
}

// execute runs one operation and prints its tally.
func execute(ctx context.Context, r *runner.Runner, op types.Operation, count int, out io.Writer) (types.RunSummary, error) {
	summary, err := r.Run(ctx, op, count)
	if err != nil {
		return summary, err
	}
	printSummary(out, summary)
	return summary, nil
}

func printSummary(w io.Writer, s types.RunSummary) {
	fmt.Fprintf(w, "\n%s finished: %d accounts, success %d, failure %d, no result %d\n",
		s.Operation, s.Accounts, s.Success, s.Failure, s.NoResult)
	if s.Error != "" {
		fmt.Fprintf(w, "error: %s\n", s.Error)
	}
}

// loadArtifacts reads both contract artifacts. A missing artifact only
// disables the operations that deploy it.
func loadArtifacts(cfg *config.Config, logger *slog.Logger) workflow.Artifacts {
	var arts workflow.Artifacts
	if a, err := contract.LoadArtifact(contract.NameERC20, cfg.ERC20Artifact); err != nil {
		logger.Warn("ERC-20 artifact not loaded", "path", cfg.ERC20Artifact, "error", err)
	} else {
		arts.ERC20 = a
	}
	if a, err := contract.LoadArtifact(contract.NameERC721, cfg.ERC721Artifact); err != nil {
		logger.Warn("ERC-721 artifact not loaded", "path", cfg.ERC721Artifact, "error", err)
	} else {
		arts.ERC721 = a
	}
	return arts
}
