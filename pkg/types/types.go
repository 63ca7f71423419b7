// Package types contains public API types for the runner.
// These types are shared by the HTTP API, the run history and the MCP tools.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is the tri-state result of an action workflow.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"   // submitted and confirmed
	OutcomeFailure  Outcome = "failure"   // attempted, failed or reverted
	OutcomeNoResult Outcome = "no_result" // could not be attempted
)

// TxOutcomeKind classifies a single submission attempt.
type TxOutcomeKind string

const (
	TxSubmitted           TxOutcomeKind = "submitted"
	TxPrepareFailed       TxOutcomeKind = "prepare_failed" // gas price, nonce or chain id read failed
	TxGasEstimationFailed TxOutcomeKind = "gas_estimation_failed"
	TxBroadcastFailed     TxOutcomeKind = "broadcast_failed"
	TxNonceRetried        TxOutcomeKind = "nonce_retried" // nonce collisions exhausted the retry cap
)

// Verdict is the result of waiting for a transaction receipt.
type Verdict string

const (
	VerdictConfirmed   Verdict = "confirmed"
	VerdictReverted    Verdict = "reverted"
	VerdictTimedOut    Verdict = "timed_out"
	VerdictLookupError Verdict = "lookup_error"
)

// ActionKind identifies an action workflow.
type ActionKind string

const (
	ActionBridge         ActionKind = "bridge"
	ActionDeployERC721   ActionKind = "deploy_erc721"
	ActionMint           ActionKind = "mint"
	ActionDeployERC20    ActionKind = "deploy_erc20"
	ActionInteract       ActionKind = "interact"
	ActionRegisterDomain ActionKind = "register_domain"
)

// Operation is a top-level menu operation run across the whole fleet.
type Operation string

const (
	OpBridge Operation = "bridge"
	OpERC721 Operation = "erc721"
	OpERC20  Operation = "erc20"
	OpRandom Operation = "random"
	OpDomain Operation = "domain"
)

// menuOrder maps menu choices (1-based) to operations.
var menuOrder = []Operation{OpBridge, OpERC721, OpERC20, OpRandom, OpDomain}

// OperationFromChoice maps a menu choice to an operation.
func OperationFromChoice(choice int) (Operation, bool) {
	if choice < 1 || choice > len(menuOrder) {
		return "", false
	}
	return menuOrder[choice-1], true
}

// ParseOperation parses an operation name.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range menuOrder {
		if op == known {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation: %q (valid: bridge, erc721, erc20, random, domain)", s)
}

// NeedsCount reports whether the operation takes a per-account repetition count.
func (o Operation) NeedsCount() bool {
	return o == OpERC721 || o == OpERC20
}

// RunStatus represents the state of a fleet run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// ActionResult is the recorded outcome of one action for one account.
type ActionResult struct {
	Kind            ActionKind `json:"kind"`
	Outcome         Outcome    `json:"outcome"`
	TxHash          string     `json:"txHash,omitempty"`
	ContractAddress string     `json:"contractAddress,omitempty"`
	Detail          string     `json:"detail,omitempty"`
	At              time.Time  `json:"at"`
}

// AccountRunResult aggregates the ordered action outcomes of one account.
type AccountRunResult struct {
	Index   int            `json:"index"`
	Address string         `json:"address"`
	Actions []ActionResult `json:"actions"`
	Err     string         `json:"error,omitempty"`
}

// Add appends an action result.
func (r *AccountRunResult) Add(res ActionResult) {
	r.Actions = append(r.Actions, res)
}

// Count returns how many actions ended with the given outcome.
func (r *AccountRunResult) Count(o Outcome) int {
	n := 0
	for _, a := range r.Actions {
		if a.Outcome == o {
			n++
		}
	}
	return n
}

// CountKind returns how many actions of the given kind were recorded.
func (r *AccountRunResult) CountKind(k ActionKind) int {
	n := 0
	for _, a := range r.Actions {
		if a.Kind == k {
			n++
		}
	}
	return n
}

// RunSummary is a snapshot of a fleet run.
type RunSummary struct {
	ID          string     `json:"id"`
	Operation   Operation  `json:"operation"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Accounts    int        `json:"accounts"`
	Finished    int        `json:"finished"`
	Success     int64      `json:"success"`
	Failure     int64      `json:"failure"`
	NoResult    int64      `json:"noResult"`
	Error       string     `json:"error,omitempty"`
}

// Event is streamed to live subscribers whenever an action completes.
type Event struct {
	RunID        string       `json:"runId"`
	AccountIndex int          `json:"accountIndex"`
	Address      string       `json:"address"`
	Result       ActionResult `json:"result"`
}
