package attest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-labs/trustcore/pkg/ledger"
)

// DefaultVerifierTimeout bounds each verifier independently.
const DefaultVerifierTimeout = 5 * time.Second

// Aggregator fans one evidence record out to every verifier concurrently
// and joins their attestations into one verdict. A verifier that times
// out or errors is recorded as UNAVAILABLE and counts as non-approving;
// aggregation never blocks past the slowest timeout.
type Aggregator struct {
	verifiers []Verifier
	store     Store
	log       *slog.Logger
	timeout   time.Duration
	clock     func() time.Time
}

func NewAggregator(store Store, log *slog.Logger, verifiers ...Verifier) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		verifiers: verifiers,
		store:     store,
		log:       log,
		timeout:   DefaultVerifierTimeout,
		clock:     time.Now,
	}
}

// WithTimeout overrides the per-verifier timeout.
func (a *Aggregator) WithTimeout(d time.Duration) *Aggregator {
	a.timeout = d
	return a
}

// WithClock overrides the clock for testing.
func (a *Aggregator) WithClock(clock func() time.Time) *Aggregator {
	a.clock = clock
	return a
}

type verifierResult struct {
	kind        Kind
	attestation Attestation
	err         error
}

// Evaluate runs the verifier set against one block. All attestations are
// persisted before the verdict is computed; the verdict itself is not
// persisted here, it flows onward to the trust engine.
func (a *Aggregator) Evaluate(ctx context.Context, block ledger.ChainBlock) (Outcome, error) {
	results := make(chan verifierResult, len(a.verifiers))

	for _, v := range a.verifiers {
		go func(v Verifier) {
			vctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			done := make(chan verifierResult, 1)
			go func() {
				att, err := v.Verify(vctx, block)
				done <- verifierResult{kind: v.Kind(), attestation: att, err: err}
			}()

			select {
			case r := <-done:
				results <- r
			case <-vctx.Done():
				results <- verifierResult{kind: v.Kind(), err: vctx.Err()}
			}
		}(v)
	}

	attestations := make([]Attestation, 0, len(a.verifiers))
	approvals := 0
	confidenceSum := 0.0
	for range a.verifiers {
		r := <-results
		att := r.attestation
		if r.err != nil {
			// Timeout or verifier failure: distinct from rejection.
			att = Attestation{
				ID:         uuid.NewString(),
				EvidenceID: block.Record.ID,
				Kind:       r.kind,
				Status:     StatusUnavailable,
				Confidence: 0,
				Reasoning:  fmt.Sprintf("verifier unavailable: %v", r.err),
				CreatedAt:  a.clock().UTC(),
			}
			a.log.Warn("verifier unavailable",
				"verifier", string(r.kind),
				"evidence_id", block.Record.ID,
				"error", r.err)
		}
		attestations = append(attestations, att)
		if att.Status == StatusApproved {
			approvals++
		}
		confidenceSum += att.Confidence
	}

	// Persist every attestation before the verdict exists at all.
	for _, att := range attestations {
		if err := a.store.Save(ctx, att); err != nil {
			return Outcome{}, fmt.Errorf("attest: persist attestation %s: %w", att.ID, err)
		}
	}

	verdict := VerdictDisputed
	switch {
	case approvals >= 2:
		verdict = VerdictVerified
	case approvals == 0:
		verdict = VerdictRejected
	}

	outcome := Outcome{
		Verdict:      verdict,
		Approvals:    approvals,
		Confidence:   confidenceSum / float64(len(a.verifiers)),
		Attestations: attestations,
	}
	a.log.Info("evidence evaluated",
		"evidence_id", block.Record.ID,
		"verdict", string(verdict),
		"approvals", approvals)
	return outcome, nil
}
