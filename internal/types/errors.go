package types

import "errors"

// Failure taxonomy shared by the probe, fixer, and session registry. Callers
// classify with errors.Is and wrap with fmt.Errorf("...: %w", err).
var (
	// ErrTransientConnection marks a retryable connectivity failure.
	ErrTransientConnection = errors.New("transient connection failure")
	// ErrAuthExpired marks an invalid or expired cluster session. Renew the
	// session once and retry once; do not retry blindly.
	ErrAuthExpired = errors.New("cluster session expired")
	// ErrValidation marks a remediation rejected by the fixer pre-check.
	// The action was never executed.
	ErrValidation = errors.New("remediation failed validation")
	// ErrExecution marks a mutation that did not reach its expected state.
	ErrExecution = errors.New("remediation execution failed")
	// ErrRollback marks a failed rollback; the cluster may be inconsistent.
	ErrRollback = errors.New("rollback failed")
)
