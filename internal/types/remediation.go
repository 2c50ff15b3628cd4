package types

import "time"

// RequestState is the lifecycle state of a remediation request. Transitions
// are monotonic forward except Failed -> RolledBack.
type RequestState string

const (
	StatePending    RequestState = "Pending"
	StateApproved   RequestState = "Approved"
	StateDenied     RequestState = "Denied"
	StateExecuting  RequestState = "Executing"
	StateSucceeded  RequestState = "Succeeded"
	StateFailed     RequestState = "Failed"
	StateRolledBack RequestState = "RolledBack"
)

// validTransitions is the full legal transition graph.
var validTransitions = map[RequestState][]RequestState{
	StatePending:   {StateApproved, StateDenied},
	StateApproved:  {StateExecuting},
	StateExecuting: {StateSucceeded, StateFailed},
	StateFailed:    {StateRolledBack},
}

// CanTransition reports whether from -> to is a legal state transition.
func CanTransition(from, to RequestState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state ends the request lifecycle.
// Failed is terminal for reporting even when later annotated RolledBack.
func (s RequestState) Terminal() bool {
	switch s {
	case StateDenied, StateSucceeded, StateFailed, StateRolledBack:
		return true
	}
	return false
}

// RemediationRequest tracks one remediation from creation to a terminal
// state. The coordinator's request store owns all state transitions.
type RemediationRequest struct {
	ID               string       `json:"id"`
	Issue            Issue        `json:"issue"`
	Action           Action       `json:"action"`
	RequiresApproval bool         `json:"requires_approval"`
	State            RequestState `json:"state"`
	CreatedAt        time.Time    `json:"created_at"`
	ResolvedAt       time.Time    `json:"resolved_at,omitempty"`
	FailureReason    string       `json:"failure_reason,omitempty"`
	// RollbackResult records the rollback attempt after a failed execution:
	// empty until a rollback runs, then "succeeded" or the rollback error.
	RollbackResult string `json:"rollback_result,omitempty"`
}

// Decision is a human approval decision for a pending request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
	// DecisionTimeout marks a prompt whose deadline elapsed with no answer.
	DecisionTimeout Decision = "timeout"
)

// ApprovalPrompt is a rendered approval request delivered to the
// notification channel. It lives until a decision arrives or the deadline
// elapses, whichever happens first.
type ApprovalPrompt struct {
	RemediationID string    `json:"remediation_id"`
	Message       string    `json:"message"`
	Channel       string    `json:"channel"`
	Deadline      time.Time `json:"deadline"`
}

// Outcome is the fixer's report for one executed remediation.
type Outcome struct {
	RequestID string `json:"request_id"`
	Succeeded bool   `json:"succeeded"`
	Reason    string `json:"reason,omitempty"`
	// Blocked means the pre-check rejected the action; nothing was executed.
	Blocked    bool `json:"blocked,omitempty"`
	RolledBack bool `json:"rolled_back"`
	// RollbackErr is set when a rollback was attempted and failed; the
	// cluster may be left inconsistent and needs human attention.
	RollbackErr string    `json:"rollback_error,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}
