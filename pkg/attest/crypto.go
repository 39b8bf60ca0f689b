package attest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-labs/trustcore/pkg/canonical"
	"github.com/aegis-labs/trustcore/pkg/ledger"
	"github.com/aegis-labs/trustcore/pkg/merkle"
)

// ChainReader is the slice of the ledger the cryptographic verifier
// needs: the chain segment up to the block under judgment.
type ChainReader interface {
	Range(ctx context.Context, tenantID string, from, to uint64) ([]ledger.ChainBlock, error)
}

// CryptoVerifier checks evidence integrity: the content hash recomputes
// from the stored payload, the agent signature (when present) verifies
// against the derived keyring, and the record is provably a member of
// its tenant chain.
//
// The keyring may be nil. Hash and membership checks need no secret and
// always run; a nil keyring only rejects evidence that carries a
// signature, since there is nothing to verify it against.
type CryptoVerifier struct {
	chain   ChainReader
	keyring *Keyring
	clock   func() time.Time
}

func NewCryptoVerifier(chain ChainReader, keyring *Keyring) *CryptoVerifier {
	return &CryptoVerifier{
		chain:   chain,
		keyring: keyring,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (v *CryptoVerifier) WithClock(clock func() time.Time) *CryptoVerifier {
	v.clock = clock
	return v
}

func (v *CryptoVerifier) Kind() Kind { return KindCrypto }

func (v *CryptoVerifier) Verify(ctx context.Context, block ledger.ChainBlock) (Attestation, error) {
	var failures []string
	proof := map[string]any{}

	// 1. Hash integrity.
	computed, err := canonical.Hash(block.Record.Payload)
	if err != nil {
		return Attestation{}, fmt.Errorf("attest: canonicalize payload: %w", err)
	}
	hashOK := computed == block.Record.ContentHash
	proof["hash_match"] = hashOK
	if !hashOK {
		failures = append(failures, fmt.Sprintf("content hash mismatch: stored %s, recomputed %s",
			block.Record.ContentHash, computed))
	}

	// 2. Signature, when the agent attached one.
	switch {
	case block.Record.Signature == "":
		proof["signature_valid"] = nil // unsigned evidence is allowed
	case v.keyring == nil:
		failures = append(failures, "evidence is signed but no keyring is configured")
		proof["signature_valid"] = false
	default:
		if err := v.keyring.VerifyEvidence(block.Record); err != nil {
			failures = append(failures, err.Error())
			proof["signature_valid"] = false
		} else {
			proof["signature_valid"] = true
		}
	}

	// 3. Membership proof against the chain segment up to this block.
	membership, err := v.membershipProof(ctx, block)
	if err != nil {
		failures = append(failures, err.Error())
	} else {
		proof["merkle_root"] = membership.Root
		proof["merkle_proof"] = membership
		if !merkle.Verify(membership, membership.Root) {
			failures = append(failures, "merkle membership proof did not verify")
		}
	}

	status := StatusApproved
	confidence := 1.0
	reasoning := "hash, signature and chain membership verified"
	if len(failures) > 0 {
		status = StatusRejected
		confidence = 0.0
		reasoning = strings.Join(failures, "; ")
	}

	return Attestation{
		ID:         uuid.NewString(),
		EvidenceID: block.Record.ID,
		Kind:       v.Kind(),
		Status:     status,
		Confidence: confidence,
		Reasoning:  reasoning,
		Proof:      proof,
		CreatedAt:  v.clock().UTC(),
	}, nil
}

func (v *CryptoVerifier) membershipProof(ctx context.Context, block ledger.ChainBlock) (merkle.MembershipProof, error) {
	segment, err := v.chain.Range(ctx, block.TenantID, 0, block.Number)
	if err != nil {
		return merkle.MembershipProof{}, fmt.Errorf("attest: read chain segment: %w", err)
	}
	if len(segment) == 0 {
		return merkle.MembershipProof{}, fmt.Errorf("attest: chain segment empty for tenant %s", block.TenantID)
	}
	ids := make([]string, len(segment))
	hashes := make([]string, len(segment))
	for i, b := range segment {
		ids[i] = b.Record.ID
		hashes[i] = b.Record.ContentHash
	}
	tree, err := merkle.Build(ids, hashes)
	if err != nil {
		return merkle.MembershipProof{}, err
	}
	return tree.Prove(block.Record.ID)
}
