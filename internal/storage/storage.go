package storage

import "context"

// Storage defines the persistence interface for fleet run history.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, id string, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateRunMetadata(ctx context.Context, id string, update *RunMetadataUpdate) error

	// Action results, inserted per account once its sequence is done
	BulkInsertActions(ctx context.Context, runID string, actions []ActionRecord) error
	GetActions(ctx context.Context, runID string, limit, offset int) (*PaginatedActions, error)
	GetActionByHash(ctx context.Context, txHash string) (*ActionRecord, error)

	// Contracts deployed across runs, scoped by chain ID
	ContractRegistry

	// Lifecycle
	Close() error
}

// ContractRegistry remembers contracts the runner has deployed.
type ContractRegistry interface {
	SaveDeployedContract(ctx context.Context, contract DeployedContract) error
	ListDeployedContracts(ctx context.Context, chainID int64) ([]DeployedContract, error)
}
