// Package workflow implements the per-account actions: bridge, deploy, mint,
// interact and domain registration. Every action resolves to a tri-state
// outcome and never returns an error or panics into its caller.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/inkrunner/internal/account"
	"github.com/gateway-fm/inkrunner/internal/contract"
	"github.com/gateway-fm/inkrunner/internal/jitter"
	"github.com/gateway-fm/inkrunner/internal/metrics"
	"github.com/gateway-fm/inkrunner/internal/pipeline"
	"github.com/gateway-fm/inkrunner/pkg/types"
)

// Precondition failures. They short-circuit an action before any write.
var (
	ErrInsufficientBalance = errors.New("balance is less than amount to bridge")
	ErrBelowMinBalance     = errors.New("balance is below the configured minimum")
	ErrZeroBalance         = errors.New("zero balance")
	ErrInvalidDomain       = errors.New("domain name must be non-empty text")
	ErrNoArtifact          = errors.New("contract artifact not loaded")
)

// Submitter submits transactions for one account. *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req pipeline.Request) pipeline.Result
	SubmitMethod(ctx context.Context, c pipeline.CallEncoder, method string, value *big.Int, args ...interface{}) pipeline.Result
	Account() *account.Account
}

// BalanceReader reads account balances. rpc.Client satisfies it.
type BalanceReader interface {
	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)
}

// Artifacts holds the deployable contracts. Either may be nil when the
// corresponding operation is not used.
type Artifacts struct {
	ERC20  *contract.Artifact
	ERC721 *contract.Artifact
}

// Actions runs workflows for one account on one network.
type Actions struct {
	submitter      Submitter
	verifier       contract.Awaiter
	balances       BalanceReader
	deployer       *contract.Deployer
	artifacts      Artifacts
	bridgeContract common.Address
	domainRegistry common.Address
	domainPrice    *big.Int
	expiry         jitter.Range
	interactions   []WeightedInteraction
	arrivalPoll    time.Duration
	rand           jitter.Source
	metrics        *metrics.PrometheusMetrics
	logger         *slog.Logger
}

// Config for creating Actions.
type Config struct {
	Submitter      Submitter
	Verifier       contract.Awaiter
	Balances       BalanceReader
	Code           contract.CodeReader // optional, used when a receipt omits the contract address
	Artifacts      Artifacts
	BridgeContract common.Address // default contract.BridgeAddress
	DomainRegistry common.Address // default contract.DomainRegistryAddress
	DomainPrice    *big.Int       // wei per expiry unit, default 0.000005 ETH
	Expiry         jitter.Range   // default [1,10]
	Interactions   []WeightedInteraction
	ArrivalPoll    time.Duration // destination balance poll interval, default 5s
	Rand           jitter.Source
	Metrics        *metrics.PrometheusMetrics
	Logger         *slog.Logger
}

// DefaultDomainPrice is 0.000005 ETH per expiry unit.
var DefaultDomainPrice = big.NewInt(5_000_000_000_000)

// DefaultExpiry is the range registration lengths are drawn from.
var DefaultExpiry = jitter.Range{Min: 1, Max: 10}

// New creates Actions for the submitter's account.
func New(cfg Config) *Actions {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = cfg.Submitter.Account().Logger(logger)

	a := &Actions{
		submitter:      cfg.Submitter,
		verifier:       cfg.Verifier,
		balances:       cfg.Balances,
		artifacts:      cfg.Artifacts,
		bridgeContract: cfg.BridgeContract,
		domainRegistry: cfg.DomainRegistry,
		domainPrice:    cfg.DomainPrice,
		expiry:         cfg.Expiry,
		interactions:   cfg.Interactions,
		arrivalPoll:    cfg.ArrivalPoll,
		rand:           cfg.Rand,
		metrics:        cfg.Metrics,
		logger:         logger,
	}
	if a.bridgeContract == (common.Address{}) {
		a.bridgeContract = contract.BridgeAddress
	}
	if a.domainRegistry == (common.Address{}) {
		a.domainRegistry = contract.DomainRegistryAddress
	}
	if a.domainPrice == nil {
		a.domainPrice = DefaultDomainPrice
	}
	if a.expiry == (jitter.Range{}) {
		a.expiry = DefaultExpiry
	}
	if len(a.interactions) == 0 {
		a.interactions = DefaultInteractions
	}
	if a.arrivalPoll <= 0 {
		a.arrivalPoll = 5 * time.Second
	}
	if a.rand == nil {
		a.rand = jitter.NewRand()
	}
	a.deployer = contract.NewDeployer(cfg.Submitter, cfg.Verifier, cfg.Code, logger)
	return a
}

// Account returns the account the actions run for.
func (a *Actions) Account() *account.Account {
	return a.submitter.Account()
}

// settle turns a submission into an outcome, waiting for the receipt when
// the transaction reached the node. Transactions that never left (price,
// nonce or estimation failures) are no-result; rejected broadcasts and
// non-confirmed verdicts are failures.
func (a *Actions) settle(ctx context.Context, res types.ActionResult, sub pipeline.Result) types.ActionResult {
	if !sub.Submitted() {
		switch sub.Kind {
		case types.TxBroadcastFailed, types.TxNonceRetried:
			res.Outcome = types.OutcomeFailure
		default:
			res.Outcome = types.OutcomeNoResult
		}
		res.Detail = fmt.Sprintf("%s: %v", sub.Kind, sub.Err)
		return a.finish(res)
	}

	res.TxHash = sub.Hash.Hex()
	v := a.verifier.Await(ctx, sub.Hash)
	if v.Confirmed() {
		res.Outcome = types.OutcomeSuccess
	} else {
		res.Outcome = types.OutcomeFailure
		res.Detail = verdictDetail(v.Verdict, v.Err)
	}
	return a.finish(res)
}

func verdictDetail(v types.Verdict, err error) string {
	if err != nil {
		return fmt.Sprintf("%s: %v", v, err)
	}
	return string(v)
}

// skip records an action that could not be attempted.
func (a *Actions) skip(kind types.ActionKind, outcome types.Outcome, err error) types.ActionResult {
	return a.finish(types.ActionResult{Kind: kind, Outcome: outcome, Detail: err.Error()})
}

func (a *Actions) finish(res types.ActionResult) types.ActionResult {
	if res.At.IsZero() {
		res.At = time.Now()
	}
	a.metrics.RecordAction(res.Kind, res.Outcome)
	return res
}

// guard converts a panic inside an action into a no-result outcome.
func (a *Actions) guard(kind types.ActionKind, res *types.ActionResult) {
	if r := recover(); r != nil {
		a.logger.Warn("Unexpected error in action",
			slog.String("action", string(kind)),
			slog.Any("panic", r),
		)
		*res = a.finish(types.ActionResult{Kind: kind, Outcome: types.OutcomeNoResult, Detail: fmt.Sprintf("panic: %v", r)})
	}
}

// balance reads the account balance on the actions' network.
func (a *Actions) balance(ctx context.Context) (*big.Int, error) {
	bal, err := a.balances.GetBalance(ctx, a.Account().Address)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return bal, nil
}

// FormatEther renders wei as a trimmed decimal ETH amount.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	s := new(big.Rat).SetFrac(wei, big.NewInt(1e18)).FloatString(18)
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}
