package workflow

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/gateway-fm/inkrunner/internal/jitter"
	"github.com/gateway-fm/inkrunner/internal/pipeline"
	"github.com/gateway-fm/inkrunner/pkg/types"
)

// bridgeUnit is 10^13 wei: random bridge amounts keep five ETH decimals.
var bridgeUnit = big.NewInt(10_000_000_000_000)

// BridgePolicy decides how much to bridge.
type BridgePolicy struct {
	Amount     *big.Int      // fixed amount in wei; nil or zero bridges a percentage
	Percent    jitter.Range  // percentage of the balance, default [5,10]
	MinBalance *big.Int      // skip accounts below this balance; nil or zero disables
	Timeout    time.Duration // wait for the funds to arrive; zero disables
}

// DefaultBridgePercent is the share of the balance bridged when no fixed
// amount is configured.
var DefaultBridgePercent = jitter.Range{Min: 5, Max: 10}

// Bridge deposits value into the bridge contract. The balance must strictly
// exceed value, otherwise nothing is submitted.
func (a *Actions) Bridge(ctx context.Context, value *big.Int) (res types.ActionResult) {
	defer a.guard(types.ActionBridge, &res)

	bal, err := a.balance(ctx)
	if err != nil {
		a.logger.Warn("Bridge cancelled: could not read balance", slog.String("error", err.Error()))
		return a.skip(types.ActionBridge, types.OutcomeNoResult, err)
	}
	return a.bridge(ctx, bal, value)
}

func (a *Actions) bridge(ctx context.Context, bal, value *big.Int) types.ActionResult {
	if bal.Cmp(value) <= 0 {
		a.logger.Warn("Bridge cancelled: balance is less than amount to bridge.",
			slog.String("balance", FormatEther(bal)),
			slog.String("amount", FormatEther(value)),
		)
		return a.skip(types.ActionBridge, types.OutcomeNoResult, ErrInsufficientBalance)
	}

	a.logger.Info("Attempting to bridge " + FormatEther(value) + " ETH...")
	to := a.bridgeContract
	sub := a.submitter.Submit(ctx, pipeline.Request{To: &to, Value: value})
	return a.settle(ctx, types.ActionResult{Kind: types.ActionBridge}, sub)
}

// BridgeAmount resolves the policy against a balance: the fixed amount when
// set, otherwise a random percentage rounded down to five decimals.
func (p BridgePolicy) BridgeAmount(balance *big.Int, src jitter.Source) *big.Int {
	if p.Amount != nil && p.Amount.Sign() > 0 {
		return new(big.Int).Set(p.Amount)
	}
	pct := p.Percent
	if pct == (jitter.Range{}) {
		pct = DefaultBridgePercent
	}
	v := new(big.Int).Mul(balance, big.NewInt(int64(pct.Pick(src))))
	v.Quo(v, big.NewInt(100))
	v.Quo(v, bridgeUnit)
	return v.Mul(v, bridgeUnit)
}

// BridgeWithPolicy bridges an amount chosen by policy. When dest is set and
// the policy has a timeout, it then waits for the destination balance to grow.
// A late arrival is logged but does not change the outcome.
func (a *Actions) BridgeWithPolicy(ctx context.Context, policy BridgePolicy, dest BalanceReader) (res types.ActionResult) {
	defer a.guard(types.ActionBridge, &res)

	bal, err := a.balance(ctx)
	if err != nil {
		a.logger.Warn("Bridge cancelled: could not read balance", slog.String("error", err.Error()))
		return a.skip(types.ActionBridge, types.OutcomeNoResult, err)
	}
	if policy.MinBalance != nil && policy.MinBalance.Sign() > 0 && bal.Cmp(policy.MinBalance) < 0 {
		a.logger.Warn("Bridge cancelled: balance is below minimum.",
			slog.String("balance", FormatEther(bal)),
			slog.String("min_balance", FormatEther(policy.MinBalance)),
		)
		return a.skip(types.ActionBridge, types.OutcomeNoResult, ErrBelowMinBalance)
	}

	var before *big.Int
	if dest != nil && policy.Timeout > 0 {
		if before, err = dest.GetBalance(ctx, a.Account().Address); err != nil {
			a.logger.Warn("Could not read destination balance", slog.String("error", err.Error()))
			before = nil
		}
	}

	res = a.bridge(ctx, bal, policy.BridgeAmount(bal, a.rand))
	if res.Outcome == types.OutcomeSuccess && before != nil {
		a.awaitArrival(ctx, dest, before, policy.Timeout)
	}
	return res
}

// awaitArrival polls the destination balance until it exceeds before.
func (a *Actions) awaitArrival(ctx context.Context, dest BalanceReader, before *big.Int, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		if err := jitter.Sleep(ctx, a.arrivalPoll); err != nil {
			a.logger.Warn("Bridged funds did not arrive in time", slog.Duration("timeout", timeout))
			return false
		}
		now, err := dest.GetBalance(ctx, a.Account().Address)
		if err != nil {
			continue
		}
		if now.Cmp(before) > 0 {
			a.logger.Info("Bridged funds arrived",
				slog.String("received", FormatEther(new(big.Int).Sub(now, before))),
			)
			return true
		}
	}
}
