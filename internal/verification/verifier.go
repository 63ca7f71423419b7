// Package verification waits for transaction receipts and turns them into
// confirmed / reverted / timed out / lookup error verdicts.
package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/inkrunner/internal/metrics"
	"github.com/gateway-fm/inkrunner/internal/network"
	"github.com/gateway-fm/inkrunner/internal/rpc"
	"github.com/gateway-fm/inkrunner/pkg/types"
)

// DefaultTimeout is how long a transaction may stay unmined before it
// counts as timed out.
const DefaultTimeout = 200 * time.Second

// ErrTimedOut is reported when no receipt appears within the wait bound.
var ErrTimedOut = errors.New("timed out waiting for receipt")

// ReceiptReader fetches receipts. rpc.Client satisfies it.
type ReceiptReader interface {
	GetTransactionReceipt(ctx context.Context, hash common.Hash) (*rpc.TransactionReceipt, error)
}

// Result is the outcome of waiting for one transaction.
type Result struct {
	Verdict types.Verdict
	Receipt *rpc.TransactionReceipt // nil unless confirmed or reverted
	Waited  time.Duration
	Err     error
}

// Confirmed reports a status-1 receipt.
func (r Result) Confirmed() bool {
	return r.Verdict == types.VerdictConfirmed
}

// Verifier polls for receipts with exponential backoff.
type Verifier struct {
	client          ReceiptReader
	timeout         time.Duration
	pollInterval    time.Duration
	maxPollInterval time.Duration
	network         *network.Network
	metrics         *metrics.PrometheusMetrics
	logger          *slog.Logger
}

// Config for creating a Verifier.
type Config struct {
	Client          ReceiptReader
	Timeout         time.Duration // default 200s
	PollInterval    time.Duration // first poll delay, default 1s
	MaxPollInterval time.Duration // backoff cap, default 5s
	Network         *network.Network
	Metrics         *metrics.PrometheusMetrics
	Logger          *slog.Logger
}

// NewVerifier creates a new receipt verifier.
func NewVerifier(cfg Config) *Verifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	maxPoll := cfg.MaxPollInterval
	if maxPoll < poll {
		maxPoll = max(poll, 5*time.Second)
	}
	return &Verifier{
		client:          cfg.Client,
		timeout:         timeout,
		pollInterval:    poll,
		maxPollInterval: maxPoll,
		network:         cfg.Network,
		metrics:         cfg.Metrics,
		logger:          logger,
	}
}

// WithLogger returns a copy of the verifier logging through logger.
func (v *Verifier) WithLogger(logger *slog.Logger) *Verifier {
	cp := *v
	cp.logger = logger
	return &cp
}

// Verify waits for hash and returns only the verdict.
func (v *Verifier) Verify(ctx context.Context, hash common.Hash) types.Verdict {
	return v.Await(ctx, hash).Verdict
}

// Await polls until a receipt appears, the wait bound elapses or a lookup
// fails. It never submits anything, so repeating it for the same hash yields
// the same verdict once the transaction is mined.
func (v *Verifier) Await(ctx context.Context, hash common.Hash) Result {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	backoff := v.pollInterval
	for {
		receipt, err := v.client.GetTransactionReceipt(waitCtx, hash)
		switch {
		case err != nil && waitCtx.Err() != nil && ctx.Err() == nil:
			return v.finish(hash, Result{Verdict: types.VerdictTimedOut, Err: ErrTimedOut}, start)
		case err != nil:
			return v.finish(hash, Result{Verdict: types.VerdictLookupError, Err: fmt.Errorf("receipt lookup: %w", err)}, start)
		case receipt != nil && receipt.Succeeded():
			return v.finish(hash, Result{Verdict: types.VerdictConfirmed, Receipt: receipt}, start)
		case receipt != nil:
			return v.finish(hash, Result{Verdict: types.VerdictReverted, Receipt: receipt}, start)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return v.finish(hash, Result{Verdict: types.VerdictLookupError, Err: ctx.Err()}, start)
			}
			return v.finish(hash, Result{Verdict: types.VerdictTimedOut, Err: ErrTimedOut}, start)
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, v.maxPollInterval)
	}
}

func (v *Verifier) finish(hash common.Hash, res Result, start time.Time) Result {
	res.Waited = time.Since(start)
	v.metrics.RecordVerdict(res.Verdict, res.Waited)

	link := v.network.TxURL(hash.Hex())
	switch res.Verdict {
	case types.VerdictConfirmed:
		v.logger.Debug("Transaction was successful", slog.String("tx", link))
	case types.VerdictReverted:
		v.logger.Warn("Transaction failed", slog.String("tx", link))
	default:
		v.logger.Warn("Unexpected error waiting for receipt",
			slog.String("tx", link),
			slog.String("verdict", string(res.Verdict)),
			slog.String("error", res.Err.Error()),
		)
	}
	return res
}
