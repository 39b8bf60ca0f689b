package attest

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-labs/trustcore/pkg/ledger"
)

// stubVerifier returns a fixed status, optionally after a delay.
type stubVerifier struct {
	kind   Kind
	status Status
	delay  time.Duration
}

func (s stubVerifier) Kind() Kind { return s.kind }

func (s stubVerifier) Verify(ctx context.Context, block ledger.ChainBlock) (Attestation, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Attestation{}, ctx.Err()
		}
	}
	conf := 0.0
	if s.status == StatusApproved {
		conf = 1.0
	}
	return Attestation{
		ID:         string(s.kind) + "-att",
		EvidenceID: block.Record.ID,
		Kind:       s.kind,
		Status:     s.status,
		Confidence: conf,
	}, nil
}

func testBlock() ledger.ChainBlock {
	return ledger.ChainBlock{
		Number:   0,
		TenantID: "tenant-a",
		Record: ledger.EvidenceRecord{
			ID:          "ev-1",
			AgentID:     "agent-1",
			TenantID:    "tenant-a",
			Payload:     map[string]any{"op": "read"},
			ContentHash: "hash-1",
		},
	}
}

func TestAggregationVerdictTable(t *testing.T) {
	cases := []struct {
		name      string
		statuses  []Status
		verdict   Verdict
		approvals int
	}{
		{"3 of 3 approve", []Status{StatusApproved, StatusApproved, StatusApproved}, VerdictVerified, 3},
		{"2 of 3 approve", []Status{StatusApproved, StatusApproved, StatusRejected}, VerdictVerified, 2},
		{"1 of 3 approve", []Status{StatusApproved, StatusRejected, StatusRejected}, VerdictDisputed, 1},
		{"0 of 3 approve", []Status{StatusRejected, StatusRejected, StatusRejected}, VerdictRejected, 0},
		{"disputed counts as non-approving", []Status{StatusApproved, StatusDisputed, StatusDisputed}, VerdictDisputed, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verifiers := make([]Verifier, len(tc.statuses))
			for i, st := range tc.statuses {
				verifiers[i] = stubVerifier{kind: Kind(fmt.Sprintf("stub-%d", i)), status: st}
			}
			store := NewMemoryStore()
			agg := NewAggregator(store, slog.Default(), verifiers...)

			outcome, err := agg.Evaluate(context.Background(), testBlock())
			require.NoError(t, err)
			assert.Equal(t, tc.verdict, outcome.Verdict)
			assert.Equal(t, tc.approvals, outcome.Approvals)
			assert.Len(t, outcome.Attestations, len(tc.statuses))
		})
	}
}

func TestAggregatorPersistsBeforeVerdict(t *testing.T) {
	store := NewMemoryStore()
	agg := NewAggregator(store, slog.Default(),
		stubVerifier{kind: KindConsensus, status: StatusApproved},
		stubVerifier{kind: KindAnomaly, status: StatusApproved},
		stubVerifier{kind: KindCrypto, status: StatusRejected},
	)

	_, err := agg.Evaluate(context.Background(), testBlock())
	require.NoError(t, err)

	atts, err := store.ByEvidence(context.Background(), "ev-1")
	require.NoError(t, err)
	assert.Len(t, atts, 3)

	kinds := map[Kind]bool{}
	for _, a := range atts {
		kinds[a.Kind] = true
	}
	assert.Len(t, kinds, 3, "one attestation per verifier kind")
}

func TestAggregatorTimeoutIsUnavailableNotRejected(t *testing.T) {
	store := NewMemoryStore()
	agg := NewAggregator(store, slog.Default(),
		stubVerifier{kind: KindConsensus, status: StatusApproved},
		stubVerifier{kind: KindAnomaly, status: StatusApproved},
		stubVerifier{kind: KindCrypto, status: StatusApproved, delay: time.Second},
	).WithTimeout(20 * time.Millisecond)

	start := time.Now()
	outcome, err := agg.Evaluate(context.Background(), testBlock())
	require.NoError(t, err)

	// The slow verifier was cut off; the other two still decided.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, VerdictVerified, outcome.Verdict)
	assert.Equal(t, 2, outcome.Approvals)

	var unavailable *Attestation
	for i := range outcome.Attestations {
		if outcome.Attestations[i].Status == StatusUnavailable {
			unavailable = &outcome.Attestations[i]
		}
	}
	require.NotNil(t, unavailable, "timeout must be recorded distinctly")
	assert.Equal(t, KindCrypto, unavailable.Kind)
	assert.NotEqual(t, StatusRejected, unavailable.Status)
}

func TestAggregatorAllTimeouts(t *testing.T) {
	store := NewMemoryStore()
	agg := NewAggregator(store, slog.Default(),
		stubVerifier{kind: KindConsensus, status: StatusApproved, delay: time.Second},
		stubVerifier{kind: KindAnomaly, status: StatusApproved, delay: time.Second},
		stubVerifier{kind: KindCrypto, status: StatusApproved, delay: time.Second},
	).WithTimeout(10 * time.Millisecond)

	outcome, err := agg.Evaluate(context.Background(), testBlock())
	require.NoError(t, err)
	assert.Equal(t, VerdictRejected, outcome.Verdict)
	for _, a := range outcome.Attestations {
		assert.Equal(t, StatusUnavailable, a.Status)
	}
}
