// Package ledger provides append-only, hash-chained evidence storage.
//
// Every observed agent action becomes one EvidenceRecord wrapped in one
// ChainBlock. Blocks are hash-linked to their predecessor; the package
// offers no update or delete operation, so immutability is a structural
// guarantee rather than a runtime veto.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// GenesisHash is the previous_hash of every tenant chain's first block.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var (
	// ErrNotFound is returned when a block or record is not found.
	ErrNotFound = errors.New("ledger: not found")

	// ErrDuplicateEvidence is returned when an already-chained evidence
	// identifier is resubmitted. The original record is authoritative.
	ErrDuplicateEvidence = errors.New("ledger: duplicate evidence")
)

// EvidenceRecord is one observed agent action. Immutable after creation;
// corrections require a new record plus a supersession reference in
// audit, never an in-place edit.
type EvidenceRecord struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	TenantID      string         `json:"tenant_id"`
	Payload       map[string]any `json:"payload"`
	PolicyID      string         `json:"policy_id,omitempty"`
	PolicyVersion string         `json:"policy_version,omitempty"`
	ContentHash   string         `json:"content_hash"`
	PreviousHash  string         `json:"previous_hash"`
	Signature     string         `json:"signature,omitempty"`
	Supersedes    string         `json:"supersedes,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ChainBlock wraps one EvidenceRecord at a fixed chain position.
// Invariant: block[n].PreviousHash == block[n-1].Record.ContentHash for
// n > 0, and block[0].PreviousHash == GenesisHash.
type ChainBlock struct {
	Number       uint64         `json:"number"`
	TenantID     string         `json:"tenant_id"`
	Record       EvidenceRecord `json:"record"`
	PreviousHash string         `json:"previous_hash"`
}

// TamperError localizes the first broken block found by verification.
// It is a hard integrity failure: callers must surface it, never retry
// or swallow it.
type TamperError struct {
	TenantID     string
	BlockNumber  uint64
	StoredHash   string
	ComputedHash string
	LinkBreak    bool // true when previous_hash linkage disagreed rather than content
}

func (e *TamperError) Error() string {
	if e.LinkBreak {
		return fmt.Sprintf("ledger: chain tamper detected at block %d: previous_hash %s does not match predecessor hash %s",
			e.BlockNumber, e.StoredHash, e.ComputedHash)
	}
	return fmt.Sprintf("ledger: chain tamper detected at block %d: stored hash %s, recomputed %s",
		e.BlockNumber, e.StoredHash, e.ComputedHash)
}
