package contract

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/inkrunner/internal/account"
	"github.com/gateway-fm/inkrunner/internal/pipeline"
	"github.com/gateway-fm/inkrunner/internal/verification"
)

// Submitter submits transactions for one account. *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(ctx context.Context, req pipeline.Request) pipeline.Result
	Account() *account.Account
}

// Awaiter waits for a transaction verdict. *verification.Verifier satisfies it.
type Awaiter interface {
	Await(ctx context.Context, hash common.Hash) verification.Result
}

// CodeReader reads deployed code.
type CodeReader interface {
	GetCode(ctx context.Context, address common.Address) ([]byte, error)
}

// DeploymentResult holds the result of a contract deployment.
type DeploymentResult struct {
	Name         string
	Address      common.Address
	Submission   pipeline.Result
	Verification verification.Result
	Err          error
}

// Deployed reports a confirmed creation with a known address.
func (r DeploymentResult) Deployed() bool {
	return r.Err == nil && r.Verification.Confirmed() && r.Address != (common.Address{})
}

// Deployer handles contract deployment.
type Deployer struct {
	submitter Submitter
	awaiter   Awaiter
	code      CodeReader
	logger    *slog.Logger
}

// NewDeployer creates a new contract deployer. code may be nil.
func NewDeployer(submitter Submitter, awaiter Awaiter, code CodeReader, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{
		submitter: submitter,
		awaiter:   awaiter,
		code:      code,
		logger:    logger,
	}
}

// Deploy submits the artifact's creation code with constructor args and
// waits for the receipt.
func (d *Deployer) Deploy(ctx context.Context, art *Artifact, args ...interface{}) DeploymentResult {
	res := DeploymentResult{Name: art.Name}

	data, err := art.DeployData(args...)
	if err != nil {
		res.Err = err
		return res
	}

	res.Submission = d.submitter.Submit(ctx, pipeline.Request{Data: data})
	if !res.Submission.Submitted() {
		res.Err = fmt.Errorf("deploy %s: %w", art.Name, res.Submission.Err)
		return res
	}

	d.logger.Info("Deploying contract",
		slog.String("name", art.Name),
		slog.String("tx", res.Submission.Hash.Hex()),
	)

	res.Verification = d.awaiter.Await(ctx, res.Submission.Hash)
	if !res.Verification.Confirmed() {
		return res
	}

	if r := res.Verification.Receipt; r != nil && r.HasContract() {
		res.Address = r.ContractAddress
	} else {
		res.Address = crypto.CreateAddress(d.submitter.Account().Address, res.Submission.Nonce)
		if exists, err := d.checkContractExists(ctx, res.Address); err == nil && !exists {
			res.Err = fmt.Errorf("deploy %s: no code at %s", art.Name, res.Address.Hex())
			return res
		}
	}

	d.logger.Info("Contract deployed",
		slog.String("name", art.Name),
		slog.String("address", res.Address.Hex()),
	)
	return res
}

// checkContractExists checks if a contract is deployed at the given address.
// Without a code reader it assumes the contract exists.
func (d *Deployer) checkContractExists(ctx context.Context, addr common.Address) (bool, error) {
	if d.code == nil {
		return true, nil
	}
	code, err := d.code.GetCode(ctx, addr)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}
