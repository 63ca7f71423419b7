// Package storage provides persistence for fleet run history.
package storage

import (
	"time"

	"github.com/gateway-fm/inkrunner/pkg/types"
)

// Run represents a persisted fleet run with outcome totals.
// JSON tags use camelCase to match the HTTP API.
type Run struct {
	ID           string          `json:"id"`
	Operation    types.Operation `json:"operation"`
	Count        int             `json:"count,omitempty"` // per-account repetitions for erc721/erc20
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	DurationMs   int64           `json:"durationMs"`
	Status       types.RunStatus `json:"status"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Accounts     int             `json:"accounts"`
	Finished     int             `json:"finished"`
	Success      int64           `json:"success"`
	Failure      int64           `json:"failure"`
	NoResult     int64           `json:"noResult"`
	// Settings captured at start
	Environment *RunEnvironment `json:"environment,omitempty"`
	// User-defined metadata
	CustomName *string `json:"customName,omitempty"`
	IsFavorite bool    `json:"isFavorite"`
}

// Summary converts the run into the public summary shape.
func (r *Run) Summary() types.RunSummary {
	return types.RunSummary{
		ID:          r.ID,
		Operation:   r.Operation,
		Status:      r.Status,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Accounts:    r.Accounts,
		Finished:    r.Finished,
		Success:     r.Success,
		Failure:     r.Failure,
		NoResult:    r.NoResult,
		Error:       r.ErrorMessage,
	}
}

// RunEnvironment snapshots the settings a run started with.
type RunEnvironment struct {
	EthChainID            int64  `json:"ethChainId"`
	InkChainID            int64  `json:"inkChainId"`
	TxDelay               string `json:"txDelay"`
	AccountDelay          string `json:"accountDelay"`
	ERC721Count           string `json:"erc721Count,omitempty"`
	ERC20Count            string `json:"erc20Count,omitempty"`
	MaxConcurrentAccounts int    `json:"maxConcurrentAccounts"`
	Proxies               int    `json:"proxies"`
}

// ActionRecord is one workflow outcome of one account.
type ActionRecord struct {
	AccountIndex    int              `json:"accountIndex"` // 0-based
	Address         string           `json:"address"`
	Kind            types.ActionKind `json:"kind"`
	Outcome         types.Outcome    `json:"outcome"`
	TxHash          string           `json:"txHash,omitempty"`
	ContractAddress string           `json:"contractAddress,omitempty"`
	Detail          string           `json:"detail,omitempty"`
	At              time.Time        `json:"at"`
}

// ActionRecords flattens an account result into rows.
func ActionRecords(res *types.AccountRunResult) []ActionRecord {
	if res == nil {
		return nil
	}
	records := make([]ActionRecord, 0, len(res.Actions))
	for _, a := range res.Actions {
		records = append(records, ActionRecord{
			AccountIndex:    res.Index,
			Address:         res.Address,
			Kind:            a.Kind,
			Outcome:         a.Outcome,
			TxHash:          a.TxHash,
			ContractAddress: a.ContractAddress,
			Detail:          a.Detail,
			At:              a.At,
		})
	}
	return records
}

// DeployedContract is a contract created by a run.
type DeployedContract struct {
	ChainID   int64            `json:"chainId"`
	Address   string           `json:"address"`
	Kind      types.ActionKind `json:"kind"`
	Owner     string           `json:"owner"`
	RunID     string           `json:"runId"`
	CreatedAt time.Time        `json:"createdAt"`
}

// RunMetadataUpdate represents an update to run metadata (name/favorite).
type RunMetadataUpdate struct {
	CustomName *string `json:"customName,omitempty"`
	IsFavorite *bool   `json:"isFavorite,omitempty"`
}

// RunDetail combines a run with its first page of actions.
type RunDetail struct {
	Run     *Run           `json:"run"`
	Actions []ActionRecord `json:"actions"`
}

// PaginatedRuns represents a paginated list of runs.
type PaginatedRuns struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// PaginatedActions represents a paginated list of action records.
type PaginatedActions struct {
	Actions []ActionRecord `json:"actions"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}
