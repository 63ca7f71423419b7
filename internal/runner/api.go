package runner

import (
	"context"

	"github.com/gateway-fm/inkrunner/internal/storage"
	"github.com/gateway-fm/inkrunner/pkg/types"
)

const detailActionsLimit = 100

// Status returns the active run, or the last one when idle.
func (r *Runner) Status() types.RunSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.current
	if r.running {
		r.tally.Fill(&s)
	}
	return s
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// ListRuns returns paginated run history.
func (r *Runner) ListRuns(ctx context.Context, limit, offset int) (*storage.PaginatedRuns, error) {
	if r.store == nil {
		return &storage.PaginatedRuns{Runs: []storage.Run{}, Total: 0, Limit: limit, Offset: offset}, nil
	}
	return r.store.ListRuns(ctx, limit, offset)
}

// RunDetail returns a run with its first page of actions, or nil when the
// run does not exist.
func (r *Runner) RunDetail(ctx context.Context, id string) (*storage.RunDetail, error) {
	if r.store == nil {
		return nil, nil
	}

	run, err := r.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}

	actions, err := r.store.GetActions(ctx, id, detailActionsLimit, 0)
	if err != nil {
		return nil, err
	}

	return &storage.RunDetail{
		Run:     run,
		Actions: actions.Actions,
	}, nil
}

// RunActions returns paginated action results for a run.
func (r *Runner) RunActions(ctx context.Context, id string, limit, offset int) (*storage.PaginatedActions, error) {
	if r.store == nil {
		return &storage.PaginatedActions{Actions: []storage.ActionRecord{}, Total: 0, Limit: limit, Offset: offset}, nil
	}
	return r.store.GetActions(ctx, id, limit, offset)
}

// DeleteRun deletes a run and its action results.
func (r *Runner) DeleteRun(ctx context.Context, id string) error {
	if r.store == nil {
		return nil
	}
	return r.store.DeleteRun(ctx, id)
}

// UpdateRunMetadata updates the custom name and/or favorite flag of a run.
func (r *Runner) UpdateRunMetadata(ctx context.Context, id string, update *storage.RunMetadataUpdate) error {
	if r.store == nil {
		return storage.ErrRunNotFound
	}
	return r.store.UpdateRunMetadata(ctx, id, update)
}

// DeployedContracts lists the contracts runs have deployed on a chain.
func (r *Runner) DeployedContracts(ctx context.Context, chainID int64) ([]storage.DeployedContract, error) {
	if r.store == nil {
		return []storage.DeployedContract{}, nil
	}
	return r.store.ListDeployedContracts(ctx, chainID)
}

// CheckEthRPC checks Ethereum Sepolia RPC connectivity.
func (r *Runner) CheckEthRPC(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	_, err := r.ethClient.GetChainID(ctx)
	return err
}

// CheckInkRPC checks Ink Sepolia RPC connectivity.
func (r *Runner) CheckInkRPC(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	_, err := r.inkClient.GetChainID(ctx)
	return err
}
