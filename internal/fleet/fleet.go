// Package fleet launches one task per account with staggered starts and
// collects every account's result without letting one account abort another.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gateway-fm/inkrunner/internal/account"
	"github.com/gateway-fm/inkrunner/internal/jitter"
	"github.com/gateway-fm/inkrunner/pkg/types"
)

// Task runs one account to completion.
type Task func(ctx context.Context, acct *account.Account) *types.AccountRunResult

// Config for creating an Orchestrator.
type Config struct {
	Accounts      []*account.Account
	Delay         jitter.Range // seconds between account launches
	MaxConcurrent int          // 0 means unbounded
	Rand          jitter.Source
	OnStart       func(acct *account.Account)
	OnFinish      func(res *types.AccountRunResult)
	Logger        *slog.Logger
}

// Orchestrator runs a task across all accounts.
type Orchestrator struct {
	accounts []*account.Account
	delay    jitter.Range
	sem      chan struct{}
	rand     jitter.Source
	onStart  func(*account.Account)
	onFinish func(*types.AccountRunResult)
	logger   *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	src := cfg.Rand
	if src == nil {
		src = jitter.NewRand()
	}
	o := &Orchestrator{
		accounts: cfg.Accounts,
		delay:    cfg.Delay,
		rand:     src,
		onStart:  cfg.OnStart,
		onFinish: cfg.OnFinish,
		logger:   logger,
	}
	if cfg.MaxConcurrent > 0 {
		o.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	return o
}

// Offsets draws the launch offset of every account. The first account
// starts immediately; each later one starts a fresh random delay after the
// previous launch.
func (o *Orchestrator) Offsets() []time.Duration {
	offsets := make([]time.Duration, len(o.accounts))
	for i := 1; i < len(offsets); i++ {
		gap := o.delay.Seconds(o.rand)
		o.logger.Info(fmt.Sprintf("Waiting %d seconds before starting next account...", int(gap/time.Second)),
			slog.Int("next_account", i+1),
		)
		offsets[i] = offsets[i-1] + gap
	}
	return offsets
}

// Run launches task for every account on its own timer and waits for all of
// them. Results are in account order; a panicking or cancelled task yields
// a result carrying the error.
func (o *Orchestrator) Run(ctx context.Context, task Task) []*types.AccountRunResult {
	offsets := o.Offsets()
	results := make([]*types.AccountRunResult, len(o.accounts))

	var wg sync.WaitGroup
	for i, acct := range o.accounts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := o.runAccount(ctx, acct, offsets[i], task)
			results[i] = res
			if o.onFinish != nil {
				o.onFinish(res)
			}
		}()
	}
	wg.Wait()

	o.logger.Info("Finished.", slog.Int("accounts", len(o.accounts)))
	return results
}

func (o *Orchestrator) runAccount(ctx context.Context, acct *account.Account, offset time.Duration, task Task) (res *types.AccountRunResult) {
	logger := acct.Logger(o.logger)
	empty := func(err error) *types.AccountRunResult {
		return &types.AccountRunResult{Index: acct.Index, Address: acct.Address.Hex(), Err: err.Error()}
	}

	if offset > 0 {
		if err := jitter.Sleep(ctx, offset); err != nil {
			return empty(fmt.Errorf("not started: %w", err))
		}
	}
	if o.sem != nil {
		select {
		case o.sem <- struct{}{}:
			defer func() { <-o.sem }()
		case <-ctx.Done():
			return empty(fmt.Errorf("not started: %w", ctx.Err()))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Error processing account", slog.Any("panic", r))
			res = empty(fmt.Errorf("panic: %v", r))
		}
	}()

	if o.onStart != nil {
		o.onStart(acct)
	}
	res = task(ctx, acct)
	if res == nil {
		res = &types.AccountRunResult{Index: acct.Index, Address: acct.Address.Hex()}
	}
	logger.Info("Account finished",
		slog.Int("success", res.Count(types.OutcomeSuccess)),
		slog.Int("failure", res.Count(types.OutcomeFailure)),
		slog.Int("no_result", res.Count(types.OutcomeNoResult)),
	)
	return res
}
