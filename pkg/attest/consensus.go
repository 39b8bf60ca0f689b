package attest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-labs/trustcore/pkg/ledger"
)

// ConsensusVerifier simulates N independent voters judging one evidence
// record against an agreement threshold. Votes are derived entirely from
// the record's content hash, so the same record always produces the same
// vote set.
type ConsensusVerifier struct {
	Voters    int
	Threshold float64
	clock     func() time.Time
}

func NewConsensusVerifier() *ConsensusVerifier {
	return &ConsensusVerifier{
		Voters:    10,
		Threshold: 0.75,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (v *ConsensusVerifier) WithClock(clock func() time.Time) *ConsensusVerifier {
	v.clock = clock
	return v
}

func (v *ConsensusVerifier) Kind() Kind { return KindConsensus }

func (v *ConsensusVerifier) Verify(ctx context.Context, block ledger.ChainBlock) (Attestation, error) {
	if err := ctx.Err(); err != nil {
		return Attestation{}, err
	}

	base := structuralScore(block.Record)
	votes := make([]bool, v.Voters)
	approvals := 0
	for i := 0; i < v.Voters; i++ {
		score := base + voteOffset(i, block.Record.ContentHash)
		votes[i] = score >= 0.5
		if votes[i] {
			approvals++
		}
	}

	fraction := float64(approvals) / float64(v.Voters)
	status := StatusRejected
	if fraction >= v.Threshold {
		status = StatusApproved
	}

	return Attestation{
		ID:         uuid.NewString(),
		EvidenceID: block.Record.ID,
		Kind:       v.Kind(),
		Status:     status,
		Confidence: fraction,
		Reasoning: fmt.Sprintf("%d of %d voters approved (threshold %.2f)",
			approvals, v.Voters, v.Threshold),
		Proof: map[string]any{
			"votes":      votes,
			"approvals":  approvals,
			"voters":     v.Voters,
			"threshold":  v.Threshold,
			"base_score": base,
		},
		CreatedAt: v.clock().UTC(),
	}, nil
}

// structuralScore rates how complete the record is. Well-formed records
// score 0.9 so honest evidence clears the 0.5 vote line even with the
// worst-case hash offset; a bare record scores 0.4 and can never clear
// it.
func structuralScore(r ledger.EvidenceRecord) float64 {
	score := 0.4
	if r.AgentID != "" {
		score += 0.1
	}
	if len(r.Payload) > 0 {
		score += 0.2
	}
	if r.PolicyID != "" {
		score += 0.1
	}
	if r.ContentHash != "" {
		score += 0.1
	}
	return score
}

// voteOffset maps SHA-256(voterIndex:contentHash) to a deterministic
// offset in [-0.1, +0.1].
func voteOffset(voter int, contentHash string) float64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s", voter, contentHash)))
	n := binary.BigEndian.Uint32(sum[:4])
	return (float64(n)/float64(1<<32))*0.2 - 0.1
}
