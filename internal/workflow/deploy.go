package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/inkrunner/internal/contract"
	"github.com/gateway-fm/inkrunner/internal/jitter"
	"github.com/gateway-fm/inkrunner/pkg/types"
)

// DeployERC721 deploys a collectible contract. The address is zero unless
// the deployment confirmed.
func (a *Actions) DeployERC721(ctx context.Context, name, symbol string) (types.ActionResult, common.Address) {
	return a.deploy(ctx, types.ActionDeployERC721, a.artifacts.ERC721, "ERC-721", name, symbol)
}

// DeployERC20 deploys a token contract. The address is zero unless the
// deployment confirmed.
func (a *Actions) DeployERC20(ctx context.Context, name, symbol string) (types.ActionResult, common.Address) {
	return a.deploy(ctx, types.ActionDeployERC20, a.artifacts.ERC20, "ERC-20", name, symbol)
}

func (a *Actions) deploy(ctx context.Context, kind types.ActionKind, art *contract.Artifact, label, name, symbol string) (res types.ActionResult, addr common.Address) {
	defer a.guard(kind, &res)

	if art == nil {
		return a.skip(kind, types.OutcomeNoResult, ErrNoArtifact), addr
	}
	if res, ok := a.requireFunds(ctx, kind, "Deploy"); !ok {
		return res, addr
	}

	a.logger.Info(fmt.Sprintf("Attempting to deploy %s contract...", label),
		slog.String("name", name),
		slog.String("symbol", symbol),
	)
	dep := a.deployer.Deploy(ctx, art, name, symbol)

	res = types.ActionResult{Kind: kind}
	switch {
	case !dep.Submission.Submitted():
		// Encoding failures never reach the submitter.
		if dep.Submission.Kind == "" {
			return a.skip(kind, types.OutcomeNoResult, dep.Err), addr
		}
		return a.settle(ctx, res, dep.Submission), addr
	case !dep.Deployed():
		res.TxHash = dep.Submission.Hash.Hex()
		res.Outcome = types.OutcomeFailure
		res.Detail = verdictDetail(dep.Verification.Verdict, dep.Verification.Err)
		if dep.Err != nil {
			res.Detail = dep.Err.Error()
		}
		a.logger.Warn("Contract deployment failed.", slog.String("tx", res.TxHash))
		return a.finish(res), addr
	}

	res.TxHash = dep.Submission.Hash.Hex()
	res.ContractAddress = dep.Address.Hex()
	res.Outcome = types.OutcomeSuccess
	return a.finish(res), dep.Address
}

// requireFunds fails the action when the account has nothing to pay gas with.
func (a *Actions) requireFunds(ctx context.Context, kind types.ActionKind, verb string) (types.ActionResult, bool) {
	bal, err := a.balance(ctx)
	if err != nil {
		a.logger.Warn(verb+" cancelled: could not read balance", slog.String("error", err.Error()))
		return a.skip(kind, types.OutcomeNoResult, err), false
	}
	if bal.Sign() <= 0 {
		a.logger.Error(verb + " cancelled: zero balance.")
		return a.skip(kind, types.OutcomeFailure, ErrZeroBalance), false
	}
	return types.ActionResult{}, true
}

// Mint calls createCollectible on a deployed ERC-721.
func (a *Actions) Mint(ctx context.Context, collection common.Address) (res types.ActionResult) {
	defer a.guard(types.ActionMint, &res)

	c, err := a.bind(collection, a.artifacts.ERC721, contract.NameERC721)
	if err != nil {
		return a.skip(types.ActionMint, types.OutcomeNoResult, err)
	}
	a.logger.Info("Attempting to mint NFT", slog.String("contract", collection.Hex()))
	sub := a.submitter.SubmitMethod(ctx, c, "createCollectible", nil)
	return a.settle(ctx, types.ActionResult{Kind: types.ActionMint, ContractAddress: collection.Hex()}, sub)
}

// Interact performs one randomly chosen call on a deployed ERC-20.
func (a *Actions) Interact(ctx context.Context, token common.Address) (res types.ActionResult) {
	defer a.guard(types.ActionInteract, &res)

	if res, ok := a.requireFunds(ctx, types.ActionInteract, "Interact"); !ok {
		return res
	}
	c, err := a.bind(token, a.artifacts.ERC20, contract.NameERC20)
	if err != nil {
		return a.skip(types.ActionInteract, types.OutcomeNoResult, err)
	}

	kind := PickInteraction(a.interactions, a.rand)
	amount := PickAmount(a.rand)
	args := kind.Args(a.Account().Address, amount)

	a.logger.Info("Attempting to interact with ERC-20 contract",
		slog.String("contract", token.Hex()),
		slog.String("method", kind.Method()),
	)
	sub := a.submitter.SubmitMethod(ctx, c, kind.Method(), nil, args...)
	return a.settle(ctx, types.ActionResult{
		Kind:            types.ActionInteract,
		ContractAddress: token.Hex(),
	}, sub)
}

func (a *Actions) bind(addr common.Address, art *contract.Artifact, builtin string) (*contract.Bound, error) {
	if art != nil {
		return contract.Bind(addr, art.ABI), nil
	}
	return contract.BindBuiltin(addr, builtin)
}

// Interaction is one of the ERC-20 calls Interact can make.
type Interaction int

const (
	InteractMint Interaction = iota
	InteractBurn
	InteractPause
)

// Method returns the contract method name.
func (i Interaction) Method() string {
	switch i {
	case InteractMint:
		return "mint"
	case InteractBurn:
		return "burn"
	case InteractPause:
		return "pause"
	default:
		return fmt.Sprintf("interaction(%d)", int(i))
	}
}

// Args builds the call arguments. pause takes none.
func (i Interaction) Args(wallet common.Address, amount *big.Int) []interface{} {
	switch i {
	case InteractMint:
		return []interface{}{wallet, amount}
	case InteractBurn:
		return []interface{}{amount}
	default:
		return nil
	}
}

// WeightedInteraction assigns a relative weight to an interaction.
type WeightedInteraction struct {
	Kind   Interaction
	Weight int
}

// DefaultInteractions picks mint, burn and pause with equal probability.
var DefaultInteractions = []WeightedInteraction{
	{Kind: InteractMint, Weight: 1},
	{Kind: InteractBurn, Weight: 1},
	{Kind: InteractPause, Weight: 1},
}

// PickInteraction makes a weighted random choice. Non-positive weights are
// never picked; if none are positive the first entry wins.
func PickInteraction(choices []WeightedInteraction, src jitter.Source) Interaction {
	total := 0
	for _, c := range choices {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if total == 0 {
		if len(choices) == 0 {
			return InteractPause
		}
		return choices[0].Kind
	}
	n := src.IntN(total)
	for _, c := range choices {
		if c.Weight <= 0 {
			continue
		}
		if n < c.Weight {
			return c.Kind
		}
		n -= c.Weight
	}
	return choices[len(choices)-1].Kind
}

// InteractionAmounts are the token magnitudes mint and burn draw from.
var InteractionAmounts = []int64{10_000, 50_000, 100_000, 250_000, 500_000, 1_000_000}

var tokenUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// PickAmount draws an amount from InteractionAmounts scaled to 18 decimals.
func PickAmount(src jitter.Source) *big.Int {
	v := InteractionAmounts[src.IntN(len(InteractionAmounts))]
	return new(big.Int).Mul(big.NewInt(v), tokenUnit)
}
