// Package pipeline turns a transaction request into a broadcast transaction:
// price it, reserve a nonce, estimate gas, sign and send, rebroadcasting on
// nonce collisions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/inkrunner/internal/account"
	"github.com/gateway-fm/inkrunner/internal/metrics"
	"github.com/gateway-fm/inkrunner/internal/rpc"
	"github.com/gateway-fm/inkrunner/internal/sender"
	"github.com/gateway-fm/inkrunner/internal/txbuilder"
	"github.com/gateway-fm/inkrunner/pkg/types"
)

// DefaultMaxNonceRetries bounds the rebroadcast loop on nonce collisions.
const DefaultMaxNonceRetries = 16

// nonceCollisionMarkers are node error fragments meaning "this nonce is taken".
var nonceCollisionMarkers = []string{
	"nonce too low",
	"replacement transaction underpriced",
}

// CallEncoder packs contract method calls. contract.Bound satisfies it.
type CallEncoder interface {
	Address() common.Address
	Pack(method string, args ...interface{}) ([]byte, error)
}

// Request describes a transaction to submit. A nil To deploys Data as code.
type Request struct {
	To            *common.Address
	Data          []byte
	Value         *big.Int
	GasMultiplier float64 // 0 uses the pipeline default
}

// Result contains the outcome of a submission.
type Result struct {
	Kind    types.TxOutcomeKind
	Hash    common.Hash
	Nonce   uint64
	Gas     uint64
	Retries int
	Err     error
}

// Submitted reports whether the transaction reached the node.
func (r Result) Submitted() bool {
	return r.Kind == types.TxSubmitted
}

// Pipeline submits transactions on behalf of one account.
type Pipeline struct {
	client          rpc.Client
	account         *account.Account
	sender          *sender.Sender
	gasMultiplier   float64
	maxNonceRetries int
	metrics         *metrics.PrometheusMetrics
	logger          *slog.Logger

	chainMu sync.Mutex
	chainID *big.Int
}

// Config for creating a Pipeline.
type Config struct {
	Client          rpc.Client
	Account         *account.Account
	Sender          *sender.Sender // optional shared broadcast gate
	ChainID         *big.Int       // optional, fetched once from the node when nil
	GasMultiplier   float64        // default 1.1
	MaxNonceRetries int            // default 16
	Metrics         *metrics.PrometheusMetrics
	Logger          *slog.Logger
}

// New creates a new Pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	multiplier := cfg.GasMultiplier
	if multiplier <= 0 {
		multiplier = txbuilder.DefaultGasMultiplier
	}
	maxRetries := cfg.MaxNonceRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxNonceRetries
	}

	return &Pipeline{
		client:          cfg.Client,
		account:         cfg.Account,
		sender:          cfg.Sender,
		gasMultiplier:   multiplier,
		maxNonceRetries: maxRetries,
		metrics:         cfg.Metrics,
		logger:          cfg.Account.Logger(logger),
		chainID:         cfg.ChainID,
	}
}

// Account returns the account this pipeline signs for.
func (p *Pipeline) Account() *account.Account {
	return p.account
}

// SubmitMethod encodes a contract call and submits it.
func (p *Pipeline) SubmitMethod(ctx context.Context, contract CallEncoder, method string, value *big.Int, args ...interface{}) Result {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return p.finish(Result{Kind: types.TxPrepareFailed, Err: fmt.Errorf("encode %s: %w", method, err)})
	}
	to := contract.Address()
	return p.Submit(ctx, Request{To: &to, Data: data, Value: value})
}

// Submit prices, signs and broadcasts a request.
func (p *Pipeline) Submit(ctx context.Context, req Request) Result {
	gasPrice, err := p.client.GetGasPrice(ctx)
	if err != nil {
		return p.finish(Result{Kind: types.TxPrepareFailed, Err: fmt.Errorf("gas price: %w", err)})
	}

	n, err := p.account.ReserveNonce(ctx, p.client)
	if err != nil {
		return p.finish(Result{Kind: types.TxPrepareFailed, Err: err})
	}
	defer n.Rollback()

	chainID, err := p.ChainID(ctx)
	if err != nil {
		return p.finish(Result{Kind: types.TxPrepareFailed, Nonce: n.Value(), Err: err})
	}

	intent := &txbuilder.Intent{
		From:     p.account.Address,
		To:       req.To,
		Data:     req.Data,
		Value:    req.Value,
		Nonce:    n.Value(),
		GasPrice: gasPrice,
		ChainID:  chainID,
	}

	estimate, err := p.client.EstimateGas(ctx, intent.CallMsg())
	if err != nil {
		p.logger.Warn("Error estimating gas", slog.String("error", err.Error()))
		return p.finish(Result{Kind: types.TxGasEstimationFailed, Nonce: n.Value(), Err: err})
	}
	multiplier := req.GasMultiplier
	if multiplier <= 0 {
		multiplier = p.gasMultiplier
	}
	intent.Gas = txbuilder.ApplyGasMargin(estimate, multiplier)

	res := p.broadcast(ctx, intent, n)
	if res.Submitted() {
		n.Commit()
	}
	return p.finish(res)
}

// broadcast signs and sends intent, moving to the next nonce whenever the
// node reports a collision. Everything but the nonce stays fixed.
func (p *Pipeline) broadcast(ctx context.Context, intent *txbuilder.Intent, n *account.Nonce) Result {
	for retries := 0; ; retries++ {
		signed, raw, err := txbuilder.Sign(intent, p.account.PrivateKey)
		if err != nil {
			return Result{Kind: types.TxPrepareFailed, Nonce: intent.Nonce, Gas: intent.Gas, Retries: retries, Err: err}
		}

		hash, err := p.send(ctx, raw)
		if err == nil {
			if hash == (common.Hash{}) {
				hash = signed.Hash()
			}
			return Result{Kind: types.TxSubmitted, Hash: hash, Nonce: intent.Nonce, Gas: intent.Gas, Retries: retries}
		}

		if !IsNonceCollision(err) {
			p.logger.Warn("Error sending transaction", slog.String("error", err.Error()))
			return Result{Kind: types.TxBroadcastFailed, Nonce: intent.Nonce, Gas: intent.Gas, Retries: retries, Err: err}
		}

		if retries >= p.maxNonceRetries {
			return Result{
				Kind:    types.TxNonceRetried,
				Nonce:   intent.Nonce,
				Gas:     intent.Gas,
				Retries: retries,
				Err:     fmt.Errorf("nonce still colliding after %d retries: %w", retries, err),
			}
		}

		p.logger.Info("Nonce collision, retrying with next nonce",
			slog.Uint64("nonce", intent.Nonce),
			slog.String("error", err.Error()),
		)
		p.metrics.RecordNonceRetry()
		intent = intent.Clone()
		intent.Nonce = n.Bump()
	}
}

func (p *Pipeline) send(ctx context.Context, raw []byte) (common.Hash, error) {
	if p.sender != nil {
		return p.sender.Send(ctx, raw)
	}
	return p.client.SendRawTransaction(ctx, raw)
}

func (p *Pipeline) finish(res Result) Result {
	p.metrics.RecordSubmission(res.Kind)
	return res
}

// ChainID returns the chain id, querying the node once.
func (p *Pipeline) ChainID(ctx context.Context) (*big.Int, error) {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	if p.chainID != nil {
		return p.chainID, nil
	}
	id, err := p.client.GetChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	p.chainID = id
	return id, nil
}

// IsNonceCollision reports whether a broadcast error means the nonce is taken.
func IsNonceCollision(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range nonceCollisionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
