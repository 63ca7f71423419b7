// Package scheduler runs one account's sequence of actions for a menu
// operation, spacing transactions with random delays. A failed action never
// stops the actions after it.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/inkrunner/internal/account"
	"github.com/gateway-fm/inkrunner/internal/jitter"
	"github.com/gateway-fm/inkrunner/internal/workflow"
	"github.com/gateway-fm/inkrunner/pkg/types"
)

// Contracts is the Ink-side workflow set. *workflow.Actions satisfies it.
type Contracts interface {
	DeployERC721(ctx context.Context, name, symbol string) (types.ActionResult, common.Address)
	Mint(ctx context.Context, collection common.Address) types.ActionResult
	DeployERC20(ctx context.Context, name, symbol string) (types.ActionResult, common.Address)
	Interact(ctx context.Context, token common.Address) types.ActionResult
	RegisterDomain(ctx context.Context, name string) types.ActionResult
}

// Bridger bridges funds from the source network. *workflow.Actions satisfies it.
type Bridger interface {
	BridgeWithPolicy(ctx context.Context, policy workflow.BridgePolicy, dest workflow.BalanceReader) types.ActionResult
}

// Names supplies contract names and per-account domains. *pool.Pool satisfies it.
type Names interface {
	RandomNameSymbol(src jitter.Source) (string, string, error)
	Domain(index, accounts int) (string, error)
}

// State is the scheduler lifecycle.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config for creating a Scheduler.
type Config struct {
	Account           *account.Account
	Accounts          int // fleet size, used for domain lookup
	Contracts         Contracts
	Bridger           Bridger
	BridgePolicy      workflow.BridgePolicy
	BridgeDestination workflow.BalanceReader
	Names             Names
	TxDelay           jitter.Range // seconds between transaction steps; zero means none
	ERC721Count       jitter.Range // random mode deployments; zero means none
	ERC20Count        jitter.Range // random mode deployments; zero means none
	Rand              jitter.Source
	Sleep             func(ctx context.Context, d time.Duration) error // default jitter.Sleep
	Observer          func(types.ActionResult)
	Logger            *slog.Logger
}

// Scheduler drives one account through an operation.
type Scheduler struct {
	cfg    Config
	rand   jitter.Source
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger

	state  State
	steps  int
	result *types.AccountRunResult
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Rand == nil {
		cfg.Rand = jitter.NewRand()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = jitter.Sleep
	}
	if cfg.Accounts <= 0 {
		cfg.Accounts = 1
	}
	return &Scheduler{
		cfg:    cfg,
		rand:   cfg.Rand,
		sleep:  cfg.Sleep,
		logger: cfg.Account.Logger(logger),
		result: &types.AccountRunResult{Index: cfg.Account.Index, Address: cfg.Account.Address.Hex()},
	}
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	return s.state
}

// Run executes op and returns the ordered action outcomes. count is the
// per-account repetition for the ERC-721 and ERC-20 operations.
func (s *Scheduler) Run(ctx context.Context, op types.Operation, count int) *types.AccountRunResult {
	s.state = StateRunning
	defer func() { s.state = StateDone }()

	switch op {
	case types.OpBridge:
		s.runBridge(ctx)
	case types.OpERC721:
		s.runERC721(ctx, count)
	case types.OpERC20:
		s.runERC20(ctx, count)
	case types.OpRandom:
		s.runRandom(ctx)
	case types.OpDomain:
		s.runDomain(ctx)
	default:
		s.result.Err = fmt.Sprintf("unknown operation %q", op)
	}
	return s.result
}

func (s *Scheduler) runBridge(ctx context.Context) {
	if s.cfg.Bridger == nil {
		s.record("Bridge", types.ActionResult{Kind: types.ActionBridge, Outcome: types.OutcomeNoResult, Detail: "bridge not configured"})
		return
	}
	s.step(ctx, "Bridge", types.ActionBridge, func(ctx context.Context) types.ActionResult {
		return s.cfg.Bridger.BridgeWithPolicy(ctx, s.cfg.BridgePolicy, s.cfg.BridgeDestination)
	})
}

func (s *Scheduler) runERC721(ctx context.Context, n int) {
	for i := 1; i <= n && ctx.Err() == nil; i++ {
		s.deployPair(ctx, i, "ERC-721", types.ActionDeployERC721, s.cfg.Contracts.DeployERC721,
			"Mint NFT with contract", types.ActionMint, s.cfg.Contracts.Mint)
	}
}

func (s *Scheduler) runERC20(ctx context.Context, n int) {
	for i := 1; i <= n && ctx.Err() == nil; i++ {
		s.deployPair(ctx, i, "ERC-20", types.ActionDeployERC20, s.cfg.Contracts.DeployERC20,
			"Interact with contract", types.ActionInteract, s.cfg.Contracts.Interact)
	}
}

func (s *Scheduler) runRandom(ctx context.Context) {
	erc721 := s.cfg.ERC721Count.Pick(s.rand)
	erc20 := s.cfg.ERC20Count.Pick(s.rand)

	s.logger.Info(fmt.Sprintf("Planning to deploy %d ERC-721 contracts...", erc721))
	s.logger.Info(fmt.Sprintf("Planning to deploy %d ERC-20 contracts...", erc20))
	s.logger.Info("Planning to register 1 domains...")

	s.runERC721(ctx, erc721)
	s.runERC20(ctx, erc20)
	if ctx.Err() == nil {
		s.runDomain(ctx)
	}
}

func (s *Scheduler) runDomain(ctx context.Context) {
	const label = "Domain registration"
	if s.cfg.Names == nil {
		s.record(label, types.ActionResult{Kind: types.ActionRegisterDomain, Outcome: types.OutcomeNoResult, Detail: "no domain pool"})
		return
	}
	domain, err := s.cfg.Names.Domain(s.cfg.Account.Index, s.cfg.Accounts)
	if err != nil {
		s.logger.Error(err.Error())
		s.record(label, types.ActionResult{Kind: types.ActionRegisterDomain, Outcome: types.OutcomeNoResult, Detail: err.Error()})
		return
	}
	s.step(ctx, label, types.ActionRegisterDomain, func(ctx context.Context) types.ActionResult {
		return s.cfg.Contracts.RegisterDomain(ctx, domain)
	})
}

// deployPair deploys contract i and, if it confirmed, runs the follow-up
// action against it. A failed deployment skips its follow-up; it is not
// replaced.
func (s *Scheduler) deployPair(
	ctx context.Context,
	i int,
	family string,
	deployKind types.ActionKind,
	deploy func(context.Context, string, string) (types.ActionResult, common.Address),
	followLabel string,
	followKind types.ActionKind,
	follow func(context.Context, common.Address) types.ActionResult,
) {
	deployLabel := fmt.Sprintf("%s contract deployment %d", family, i)

	if s.cfg.Names == nil {
		s.record(deployLabel, types.ActionResult{Kind: deployKind, Outcome: types.OutcomeNoResult, Detail: "no name pool"})
		return
	}
	name, symbol, err := s.cfg.Names.RandomNameSymbol(s.rand)
	if err != nil {
		s.record(deployLabel, types.ActionResult{Kind: deployKind, Outcome: types.OutcomeNoResult, Detail: err.Error()})
		return
	}

	var addr common.Address
	res := s.step(ctx, deployLabel, deployKind, func(ctx context.Context) types.ActionResult {
		var r types.ActionResult
		r, addr = deploy(ctx, name, symbol)
		return r
	})
	if res.Outcome != types.OutcomeSuccess || addr == (common.Address{}) {
		return
	}

	s.step(ctx, fmt.Sprintf("%s %d", followLabel, i), followKind, func(ctx context.Context) types.ActionResult {
		return follow(ctx, addr)
	})
}

// step waits the inter-transaction delay (skipped for the account's first
// transaction), runs fn and records its outcome.
func (s *Scheduler) step(ctx context.Context, label string, kind types.ActionKind, fn func(context.Context) types.ActionResult) types.ActionResult {
	if s.steps > 0 {
		delay := s.cfg.TxDelay.Seconds(s.rand)
		s.logger.Info(fmt.Sprintf("Waiting %d seconds before transaction...", int(delay/time.Second)))
		if err := s.sleep(ctx, delay); err != nil {
			return s.record(label, types.ActionResult{Kind: kind, Outcome: types.OutcomeNoResult, Detail: err.Error()})
		}
		s.logger.Info("Delay completed. Starting next transaction...")
	}
	s.steps++
	return s.record(label, fn(ctx))
}

// record logs the classified outcome and appends it to the account result.
func (s *Scheduler) record(label string, res types.ActionResult) types.ActionResult {
	if res.At.IsZero() {
		res.At = time.Now()
	}
	switch res.Outcome {
	case types.OutcomeSuccess:
		s.logger.Info(label+" completed successfully.", slog.String("result", string(res.Outcome)))
	case types.OutcomeFailure:
		s.logger.Error(label+" failed.", slog.String("result", string(res.Outcome)), slog.String("reason", res.Detail))
	default:
		s.logger.Warn(label+" completed with no result.", slog.String("result", string(types.OutcomeNoResult)), slog.String("reason", res.Detail))
	}
	s.result.Add(res)
	if s.cfg.Observer != nil {
		s.cfg.Observer(res)
	}
	return res
}
