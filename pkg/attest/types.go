// Package attest runs independent verifiers against chained evidence and
// combines their judgments into one consensus verdict.
package attest

import (
	"context"
	"errors"
	"time"

	"github.com/aegis-labs/trustcore/pkg/ledger"
)

// Status is one verifier's judgment on one evidence record.
type Status string

const (
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusDisputed Status = "DISPUTED"

	// StatusUnavailable records a verifier that timed out or failed.
	// It counts as non-approving for aggregation but is kept distinct
	// from an explicit rejection so audit can tell them apart.
	StatusUnavailable Status = "UNAVAILABLE"
)

// Verdict is the aggregate judgment across all verifiers.
type Verdict string

const (
	VerdictVerified Verdict = "VERIFIED"
	VerdictRejected Verdict = "REJECTED"
	VerdictDisputed Verdict = "DISPUTED"
)

// Kind identifies a verifier implementation.
type Kind string

const (
	KindConsensus Kind = "consensus"
	KindAnomaly   Kind = "anomaly"
	KindCrypto    Kind = "cryptographic"
)

// Attestation is one verifier's persisted judgment.
type Attestation struct {
	ID         string         `json:"id"`
	EvidenceID string         `json:"evidence_id"`
	Kind       Kind           `json:"verifier_kind"`
	Status     Status         `json:"status"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning"`
	Proof      map[string]any `json:"proof,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Verifier independently judges one chained evidence record. Implementations
// must be safe for concurrent use; each invocation is stateless with respect
// to the outcome of any other invocation.
type Verifier interface {
	Kind() Kind
	Verify(ctx context.Context, block ledger.ChainBlock) (Attestation, error)
}

// Outcome is the aggregate of one evaluation round.
type Outcome struct {
	Verdict      Verdict       `json:"verdict"`
	Approvals    int           `json:"approvals"`
	Confidence   float64       `json:"confidence"`
	Attestations []Attestation `json:"attestations"`
}

// ErrNotFound is returned by stores when no attestations exist.
var ErrNotFound = errors.New("attest: not found")

// Store persists attestations for the compliance query boundary.
type Store interface {
	Save(ctx context.Context, a Attestation) error
	ByEvidence(ctx context.Context, evidenceID string) ([]Attestation, error)
}
