// Package runner wires the fleet for one menu operation. It builds each
// account's transaction stack over its proxy, runs the orchestrator and
// records the run for the status API and the run history.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/inkrunner/internal/account"
	"github.com/gateway-fm/inkrunner/internal/config"
	"github.com/gateway-fm/inkrunner/internal/fleet"
	"github.com/gateway-fm/inkrunner/internal/jitter"
	"github.com/gateway-fm/inkrunner/internal/metrics"
	"github.com/gateway-fm/inkrunner/internal/network"
	"github.com/gateway-fm/inkrunner/internal/pipeline"
	"github.com/gateway-fm/inkrunner/internal/pool"
	"github.com/gateway-fm/inkrunner/internal/ratelimit"
	"github.com/gateway-fm/inkrunner/internal/rpc"
	"github.com/gateway-fm/inkrunner/internal/scheduler"
	"github.com/gateway-fm/inkrunner/internal/sender"
	"github.com/gateway-fm/inkrunner/internal/storage"
	"github.com/gateway-fm/inkrunner/internal/verification"
	"github.com/gateway-fm/inkrunner/internal/workflow"
	"github.com/gateway-fm/inkrunner/pkg/types"
)

var (
	// ErrRunInProgress is returned when a run is started while another is active.
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrMissingArtifact is returned when a deploy operation has no bytecode loaded.
	ErrMissingArtifact = errors.New("contract artifact not loaded")
)

// healthTimeout bounds a single readiness probe.
const healthTimeout = 5 * time.Second

// Dialer opens a chain gateway for a network, optionally through a proxy.
type Dialer func(n *network.Network, proxy string) (rpc.Client, error)

// Publisher receives live action events. *transport.EventHub satisfies it.
type Publisher interface {
	Publish(ev types.Event)
}

// Config for creating a Runner.
type Config struct {
	Settings  *config.Config
	Accounts  *account.Manager
	Pool      *pool.Pool // optional; deploys and domains record no-result without it
	Artifacts workflow.Artifacts
	Storage   storage.Storage // optional run history
	Metrics   *metrics.PrometheusMetrics
	Publisher Publisher     // optional
	Dial      Dialer        // default: JSON-RPC over HTTP
	Rand      jitter.Source // default: global source
	Logger    *slog.Logger
}

// Runner executes menu operations across the loaded accounts.
type Runner struct {
	settings  *config.Config
	accounts  *account.Manager
	pool      *pool.Pool
	artifacts workflow.Artifacts
	store     storage.Storage
	metrics   *metrics.PrometheusMetrics
	publisher Publisher
	dial      Dialer
	rand      jitter.Source
	logger    *slog.Logger

	eth, ink       *network.Network
	ethClient      rpc.Client // direct, for preflight and health
	inkClient      rpc.Client
	limiters       map[string]*ratelimit.Limiter
	senders        map[string]*sender.Sender
	bridgePolicy   workflow.BridgePolicy
	bridgeContract common.Address
	domainContract common.Address

	// Current run state
	mu      sync.RWMutex
	running bool
	current types.RunSummary
	tally   metrics.Tally
}

// New creates a Runner and its direct gateways to both networks.
func New(cfg Config) (*Runner, error) {
	if cfg.Settings == nil {
		return nil, errors.New("settings are required")
	}
	if cfg.Accounts == nil {
		return nil, account.ErrNoAccounts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	src := cfg.Rand
	if src == nil {
		src = jitter.NewRand()
	}

	amount, err := cfg.Settings.BridgeAmountWei()
	if err != nil {
		return nil, err
	}
	minBalance, err := cfg.Settings.BridgeMinBalanceWei()
	if err != nil {
		return nil, err
	}

	r := &Runner{
		settings:  cfg.Settings,
		accounts:  cfg.Accounts,
		pool:      cfg.Pool,
		artifacts: cfg.Artifacts,
		store:     cfg.Storage,
		metrics:   cfg.Metrics,
		publisher: cfg.Publisher,
		rand:      src,
		logger:    logger,
		limiters:  make(map[string]*ratelimit.Limiter),
		senders:   make(map[string]*sender.Sender),
		bridgePolicy: workflow.BridgePolicy{
			Amount:     amount,
			Percent:    cfg.Settings.Bridge.Percent,
			MinBalance: minBalance,
			Timeout:    cfg.Settings.Bridge.Timeout,
		},
		bridgeContract: common.HexToAddress(cfg.Settings.BridgeContract),
		domainContract: common.HexToAddress(cfg.Settings.DomainContract),
		current:        types.RunSummary{Status: types.RunStatusIdle},
	}
	r.eth, r.ink = cfg.Settings.Networks()

	r.dial = cfg.Dial
	if r.dial == nil {
		r.dial = r.dialHTTP
	}

	for _, n := range []*network.Network{r.eth, r.ink} {
		if cfg.Settings.RPCRateLimit > 0 {
			r.limiters[n.Name] = ratelimit.New(cfg.Settings.RPCRateLimit)
		}
		r.senders[n.Name] = sender.New(sender.Config{
			Concurrency: cfg.Settings.BroadcastConcurrency,
			Logger:      logger,
		})
	}

	if r.ethClient, err = r.dial(r.eth, ""); err != nil {
		return nil, fmt.Errorf("%s gateway: %w", r.eth.Name, err)
	}
	if r.inkClient, err = r.dial(r.ink, ""); err != nil {
		return nil, fmt.Errorf("%s gateway: %w", r.ink.Name, err)
	}
	return r, nil
}

// dialHTTP builds a JSON-RPC client sharing the network's rate limiter.
func (r *Runner) dialHTTP(n *network.Network, proxy string) (rpc.Client, error) {
	cc := rpc.DefaultClientConfig(n.RPC)
	cc.Proxy = proxy
	cc.Timeout = r.settings.RPCTimeout
	cc.Limiter = r.limiters[n.Name]
	cc.Logger = r.logger
	if r.metrics != nil {
		cc.Observer = r.metrics
	}
	client, err := rpc.NewHTTPClient(cc)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Run executes op for every account and returns once all account tasks are
// terminal. count is the per-account repetition for erc721 and erc20.
// Only misconfiguration detected before any task starts is returned as an
// error; every per-account failure is folded into the summary.
func (r *Runner) Run(ctx context.Context, op types.Operation, count int) (types.RunSummary, error) {
	if err := r.preflight(op, count); err != nil {
		return types.RunSummary{}, err
	}

	accounts := r.accounts.Accounts()
	runID := uuid.New().String()
	started := time.Now()

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return types.RunSummary{}, ErrRunInProgress
	}
	r.running = true
	r.tally.Reset()
	r.current = types.RunSummary{
		ID:        runID,
		Operation: op,
		Status:    types.RunStatusRunning,
		StartedAt: started,
		Accounts:  len(accounts),
	}
	r.mu.Unlock()

	r.metrics.SetRunStatus(types.RunStatusRunning)
	r.metrics.SetAccountsActive(0)

	ids := r.resolveChainIDs(ctx)
	r.createRun(ctx, runID, op, count, started, len(accounts), ids)

	logger := r.logger.With(slog.String("run", runID), slog.String("operation", string(op)))
	logger.Info("Starting run", slog.Int("accounts", len(accounts)), slog.Int("proxies", len(r.accounts.Proxies())))
	r.reportBalances(ctx, op, logger)

	orch := fleet.New(fleet.Config{
		Accounts:      accounts,
		Delay:         r.settings.AccountDelay,
		MaxConcurrent: r.settings.MaxConcurrentAccounts,
		Rand:          r.rand,
		OnStart: func(*account.Account) {
			r.metrics.SetAccountsActive(r.tally.AccountStarted())
		},
		OnFinish: func(res *types.AccountRunResult) {
			r.metrics.SetAccountsActive(r.tally.AccountFinished())
			r.persistAccount(ctx, runID, ids, res)
		},
		Logger: logger,
	})
	orch.Run(ctx, r.task(runID, op, count, len(accounts), ids, logger))

	summary := r.finishRun(ctx, ctx.Err())
	logger.Info("Run summary",
		slog.Int64("success", summary.Success),
		slog.Int64("failure", summary.Failure),
		slog.Int64("no_result", summary.NoResult),
		slog.Duration("elapsed", time.Since(started).Round(time.Second)),
	)
	return summary, nil
}

// preflight rejects runs that are misconfigured for the current fleet.
func (r *Runner) preflight(op types.Operation, count int) error {
	if _, err := types.ParseOperation(string(op)); err != nil {
		return err
	}
	if op.NeedsCount() && count <= 0 {
		return fmt.Errorf("%s needs a positive count, got %d", op, count)
	}
	accounts := len(r.accounts.Accounts())

	switch op {
	case types.OpERC721:
		if r.artifacts.ERC721 == nil {
			return fmt.Errorf("erc721: %w", ErrMissingArtifact)
		}
	case types.OpERC20:
		if r.artifacts.ERC20 == nil {
			return fmt.Errorf("erc20: %w", ErrMissingArtifact)
		}
	case types.OpRandom:
		if r.settings.ERC721Count.Max > 0 && r.artifacts.ERC721 == nil {
			return fmt.Errorf("erc721: %w", ErrMissingArtifact)
		}
		if r.settings.ERC20Count.Max > 0 && r.artifacts.ERC20 == nil {
			return fmt.Errorf("erc20: %w", ErrMissingArtifact)
		}
		if r.pool != nil {
			if err := r.pool.CheckDomains(accounts); err != nil {
				r.logger.Warn("Domain registrations will be skipped", slog.String("error", err.Error()))
			}
		}
	case types.OpDomain:
		if r.pool == nil {
			return fmt.Errorf("domain: %w", pool.ErrEmptyPool)
		}
		if err := r.pool.CheckDomains(accounts); err != nil {
			return err
		}
	}
	return nil
}

// chainIDs are the ids transactions are signed with on each network.
type chainIDs struct {
	eth, ink *big.Int
}

// resolveChainIDs reads both chain ids concurrently and checks them against
// the network descriptors. A mismatch is logged; the node's id wins. An
// unreadable id falls back to the descriptor.
func (r *Runner) resolveChainIDs(ctx context.Context) chainIDs {
	ids := chainIDs{eth: big.NewInt(r.eth.ChainID), ink: big.NewInt(r.ink.ChainID)}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range []struct {
		n      *network.Network
		client rpc.Client
		dst    **big.Int
	}{
		{r.eth, r.ethClient, &ids.eth},
		{r.ink, r.inkClient, &ids.ink},
	} {
		g.Go(func() error {
			id, err := t.client.GetChainID(gctx)
			if err != nil {
				r.logger.Warn("Could not read chain id, using configured value",
					slog.String("network", t.n.Name),
					slog.Int64("chain_id", t.n.ChainID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if id.Int64() != t.n.ChainID {
				r.logger.Warn("Chain id mismatch",
					slog.String("network", t.n.Name),
					slog.Int64("expected", t.n.ChainID),
					slog.String("reported", id.String()),
				)
			}
			*t.dst = id
			return nil
		})
	}
	_ = g.Wait()
	return ids
}

// reportBalances logs every account balance on the network op spends from.
func (r *Runner) reportBalances(ctx context.Context, op types.Operation, logger *slog.Logger) {
	n, client := r.ink, r.inkClient
	if op == types.OpBridge {
		n, client = r.eth, r.ethClient
	}
	for _, b := range r.accounts.Balances(ctx, client, r.settings.BroadcastConcurrency) {
		l := b.Account.Logger(logger)
		switch {
		case b.Err != nil:
			l.Warn("Could not read balance", slog.String("network", n.Name), slog.String("error", b.Err.Error()))
		case b.Wei.Sign() == 0:
			l.Warn("Account has no funds", slog.String("network", n.Name))
		default:
			l.Info("Balance", slog.String("network", n.Name), slog.String("eth", workflow.FormatEther(b.Wei)))
		}
	}
}

// task builds the per-account stack and drives the scheduler.
func (r *Runner) task(runID string, op types.Operation, count, fleetSize int, ids chainIDs, logger *slog.Logger) fleet.Task {
	return func(ctx context.Context, acct *account.Account) *types.AccountRunResult {
		proxy := r.accounts.ProxyFor(acct.Index)
		failed := func(err error) *types.AccountRunResult {
			acct.Logger(logger).Error("Account setup failed", slog.String("error", err.Error()))
			return &types.AccountRunResult{Index: acct.Index, Address: acct.Address.Hex(), Err: err.Error()}
		}

		// Each run signs on one network; start from the chain's pending nonce.
		acct.SetNonce(0)

		inkClient, err := r.dial(r.ink, proxy)
		if err != nil {
			return failed(fmt.Errorf("%s gateway: %w", r.ink.Name, err))
		}
		inkActions := r.actions(acct, r.ink, inkClient, ids.ink, logger)

		cfg := scheduler.Config{
			Account:     acct,
			Accounts:    fleetSize,
			Contracts:   inkActions,
			TxDelay:     r.settings.TxDelay,
			ERC721Count: r.settings.ERC721Count,
			ERC20Count:  r.settings.ERC20Count,
			Rand:        r.rand,
			Observer: func(res types.ActionResult) {
				r.observe(runID, acct, res)
			},
			Logger: logger,
		}
		if r.pool != nil {
			cfg.Names = r.pool
		}
		if op == types.OpBridge {
			ethClient, err := r.dial(r.eth, proxy)
			if err != nil {
				return failed(fmt.Errorf("%s gateway: %w", r.eth.Name, err))
			}
			cfg.Bridger = r.actions(acct, r.eth, ethClient, ids.eth, logger)
			cfg.BridgePolicy = r.bridgePolicy
			cfg.BridgeDestination = inkClient
		}

		return scheduler.New(cfg).Run(ctx, op, count)
	}
}

// actions assembles submitter, verifier and workflows for one account on
// one network.
func (r *Runner) actions(acct *account.Account, n *network.Network, client rpc.Client, chainID *big.Int, logger *slog.Logger) *workflow.Actions {
	p := pipeline.New(pipeline.Config{
		Client:          client,
		Account:         acct,
		Sender:          r.senders[n.Name].WithClient(client),
		ChainID:         chainID,
		GasMultiplier:   r.settings.GasMultiplier,
		MaxNonceRetries: r.settings.MaxNonceRetries,
		Metrics:         r.metrics,
		Logger:          logger,
	})
	v := verification.NewVerifier(verification.Config{
		Client:       client,
		Timeout:      r.settings.ReceiptTimeout,
		PollInterval: r.settings.ReceiptPollInterval,
		Network:      n,
		Metrics:      r.metrics,
		Logger:       acct.Logger(logger),
	})
	return workflow.New(workflow.Config{
		Submitter:      p,
		Verifier:       v,
		Balances:       client,
		Code:           client,
		Artifacts:      r.artifacts,
		BridgeContract: r.bridgeContract,
		DomainRegistry: r.domainContract,
		DomainPrice:    big.NewInt(r.settings.DomainPriceWei),
		Expiry:         r.settings.DomainExpiry,
		Rand:           r.rand,
		Metrics:        r.metrics,
		Logger:         logger,
	})
}

// observe counts an action outcome and streams it to live subscribers.
func (r *Runner) observe(runID string, acct *account.Account, res types.ActionResult) {
	r.tally.Record(res.Outcome)
	if r.publisher != nil {
		r.publisher.Publish(types.Event{
			RunID:        runID,
			AccountIndex: acct.Index,
			Address:      acct.Address.Hex(),
			Result:       res,
		})
	}
}

// finishRun closes the active run and persists its totals.
func (r *Runner) finishRun(ctx context.Context, runErr error) types.RunSummary {
	now := time.Now()

	r.mu.Lock()
	r.current.CompletedAt = &now
	r.current.Status = types.RunStatusCompleted
	if runErr != nil {
		r.current.Status = types.RunStatusError
		r.current.Error = runErr.Error()
	}
	r.tally.Fill(&r.current)
	summary := r.current
	r.running = false
	r.mu.Unlock()

	r.metrics.SetRunStatus(summary.Status)
	r.metrics.SetAccountsActive(0)

	if r.store != nil {
		run := &storage.Run{
			ID:           summary.ID,
			StartedAt:    summary.StartedAt,
			CompletedAt:  summary.CompletedAt,
			Status:       summary.Status,
			ErrorMessage: summary.Error,
			Finished:     summary.Finished,
			Success:      summary.Success,
			Failure:      summary.Failure,
			NoResult:     summary.NoResult,
		}
		// The run context may already be cancelled; the totals still go to disk.
		if err := r.store.CompleteRun(context.WithoutCancel(ctx), summary.ID, run); err != nil {
			r.logger.Warn("Failed to save run", slog.String("run", summary.ID), slog.String("error", err.Error()))
		}
	}
	return summary
}

// createRun inserts the run row before any account starts.
func (r *Runner) createRun(ctx context.Context, id string, op types.Operation, count int, started time.Time, accounts int, ids chainIDs) {
	if r.store == nil {
		return
	}
	run := &storage.Run{
		ID:        id,
		Operation: op,
		StartedAt: started,
		Status:    types.RunStatusRunning,
		Accounts:  accounts,
		Environment: &storage.RunEnvironment{
			EthChainID:            ids.eth.Int64(),
			InkChainID:            ids.ink.Int64(),
			TxDelay:               r.settings.TxDelay.String(),
			AccountDelay:          r.settings.AccountDelay.String(),
			MaxConcurrentAccounts: r.settings.MaxConcurrentAccounts,
			Proxies:               len(r.accounts.Proxies()),
		},
	}
	if op.NeedsCount() {
		run.Count = count
	}
	if op == types.OpRandom {
		run.Environment.ERC721Count = r.settings.ERC721Count.String()
		run.Environment.ERC20Count = r.settings.ERC20Count.String()
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		r.logger.Warn("Failed to record run start", slog.String("run", id), slog.String("error", err.Error()))
	}
}

// persistAccount stores one account's action rows, registers the contracts
// it deployed and refreshes the run's running totals.
func (r *Runner) persistAccount(ctx context.Context, runID string, ids chainIDs, res *types.AccountRunResult) {
	if r.store == nil || res == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	logger := r.logger.With(slog.String("run", runID), slog.Int("account", res.Index+1))

	if err := r.store.BulkInsertActions(ctx, runID, storage.ActionRecords(res)); err != nil {
		logger.Warn("Failed to save action results", slog.String("error", err.Error()))
	}

	for _, a := range res.Actions {
		if a.Outcome != types.OutcomeSuccess || a.ContractAddress == "" {
			continue
		}
		if a.Kind != types.ActionDeployERC721 && a.Kind != types.ActionDeployERC20 {
			continue
		}
		if err := r.store.SaveDeployedContract(ctx, storage.DeployedContract{
			ChainID:   ids.ink.Int64(),
			Address:   a.ContractAddress,
			Kind:      a.Kind,
			Owner:     res.Address,
			RunID:     runID,
			CreatedAt: a.At,
		}); err != nil {
			logger.Warn("Failed to register deployed contract", slog.String("error", err.Error()))
		}
	}

	summary := r.Status()
	if err := r.store.UpdateRun(ctx, &storage.Run{
		ID:       runID,
		Status:   types.RunStatusRunning,
		Finished: summary.Finished,
		Success:  summary.Success,
		Failure:  summary.Failure,
		NoResult: summary.NoResult,
	}); err != nil {
		logger.Warn("Failed to update run progress", slog.String("error", err.Error()))
	}
}
