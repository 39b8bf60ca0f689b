package engine

import (
	"errors"
	"fmt"

	"github.com/aegis-labs/trustcore/pkg/ledger"
	"github.com/aegis-labs/trustcore/pkg/policy"
	"github.com/aegis-labs/trustcore/pkg/trust"
)

// ReasonCode classifies a rejected submission for callers and audit.
type ReasonCode string

const (
	ReasonAgentFrozen       ReasonCode = "AGENT_FROZEN"
	ReasonPolicyNotFound    ReasonCode = "POLICY_NOT_FOUND"
	ReasonMalformedRule     ReasonCode = "MALFORMED_RULE"
	ReasonDuplicateEvidence ReasonCode = "DUPLICATE_EVIDENCE"
	ReasonTamperDetected    ReasonCode = "CHAIN_TAMPER_DETECTED"
	ReasonInternal          ReasonCode = "INTERNAL"
)

// SubmissionError wraps a pipeline failure with its reason code and,
// where applicable, the rule that caused it.
type SubmissionError struct {
	Code   ReasonCode
	RuleID string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("%s (rule %s): %v", e.Code, e.RuleID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func reject(code ReasonCode, ruleID string, err error) error {
	return &SubmissionError{Code: code, RuleID: ruleID, Err: err}
}

// Reason extracts the reason code from a pipeline error. Errors that did
// not come from the pipeline classify by sentinel, falling back to
// INTERNAL.
func Reason(err error) ReasonCode {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Code
	}
	var tamper *ledger.TamperError
	switch {
	case errors.Is(err, trust.ErrAgentFrozen), errors.Is(err, trust.ErrBlacklisted):
		return ReasonAgentFrozen
	case errors.Is(err, policy.ErrPolicyNotFound):
		return ReasonPolicyNotFound
	case errors.Is(err, policy.ErrMalformedRule):
		return ReasonMalformedRule
	case errors.Is(err, ledger.ErrDuplicateEvidence):
		return ReasonDuplicateEvidence
	case errors.As(err, &tamper):
		return ReasonTamperDetected
	default:
		return ReasonInternal
	}
}
