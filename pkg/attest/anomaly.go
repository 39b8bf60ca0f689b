package attest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-labs/trustcore/pkg/canonical"
	"github.com/aegis-labs/trustcore/pkg/ledger"
)

// AnomalyVerifier scores the statistical shape of evidence payloads.
// Three signals feed one confidence value:
//
//	entropy    Shannon entropy of the canonical payload bytes (low
//	           entropy means degenerate or padded content)
//	bias       chi-square distance of the byte distribution from uniform
//	repetition fraction of a sliding window of recent content hashes
//	           equal to this record's hash
//
// confidence = (entropy + (1-bias) + (1-repetition)) / 3, with
// APPROVED above 0.8, REJECTED below 0.5, DISPUTED between.
type AnomalyVerifier struct {
	ApproveAbove float64
	RejectBelow  float64
	WindowSize   int
	clock        func() time.Time

	mu     sync.Mutex
	window []string // recent content hashes, newest last
}

func NewAnomalyVerifier() *AnomalyVerifier {
	return &AnomalyVerifier{
		ApproveAbove: 0.8,
		RejectBelow:  0.5,
		WindowSize:   100,
		clock:        time.Now,
	}
}

// WithClock overrides the clock for testing.
func (v *AnomalyVerifier) WithClock(clock func() time.Time) *AnomalyVerifier {
	v.clock = clock
	return v
}

func (v *AnomalyVerifier) Kind() Kind { return KindAnomaly }

func (v *AnomalyVerifier) Verify(ctx context.Context, block ledger.ChainBlock) (Attestation, error) {
	if err := ctx.Err(); err != nil {
		return Attestation{}, err
	}

	data, err := canonical.Canonicalize(block.Record.Payload)
	if err != nil {
		return Attestation{}, fmt.Errorf("attest: canonicalize payload: %w", err)
	}

	entropy := shannonEntropy(data)
	bias := chiSquareBias(data)
	repetition := v.observe(block.Record.ContentHash)

	confidence := (entropy + (1 - bias) + (1 - repetition)) / 3

	status := StatusDisputed
	switch {
	case confidence > v.ApproveAbove:
		status = StatusApproved
	case confidence < v.RejectBelow:
		status = StatusRejected
	}

	return Attestation{
		ID:         uuid.NewString(),
		EvidenceID: block.Record.ID,
		Kind:       v.Kind(),
		Status:     status,
		Confidence: confidence,
		Reasoning: fmt.Sprintf("entropy=%.3f bias=%.3f repetition=%.3f",
			entropy, bias, repetition),
		Proof: map[string]any{
			"entropy":     entropy,
			"bias":        bias,
			"repetition":  repetition,
			"window_size": v.WindowSize,
		},
		CreatedAt: v.clock().UTC(),
	}, nil
}

// observe records a content hash in the sliding window and returns the
// fraction of the window it already occupied.
func (v *AnomalyVerifier) observe(contentHash string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	matches := 0
	for _, h := range v.window {
		if h == contentHash {
			matches++
		}
	}
	repetition := 0.0
	if len(v.window) > 0 {
		repetition = float64(matches) / float64(len(v.window))
	}

	v.window = append(v.window, contentHash)
	if len(v.window) > v.WindowSize {
		v.window = v.window[len(v.window)-v.WindowSize:]
	}
	return repetition
}

// shannonEntropy returns the byte entropy normalized to [0,1].
func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	total := float64(len(data))
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy / 8.0
}

// chiSquareBias compares the byte distribution to uniform and squashes
// the statistic into [0,1]; 0 means indistinguishable from uniform.
func chiSquareBias(data []byte) float64 {
	if len(data) == 0 {
		return 1
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	expected := float64(len(data)) / 256.0
	chi2 := 0.0
	for _, c := range counts {
		diff := float64(c) - expected
		chi2 += diff * diff / expected
	}
	// Normalize against the degrees of freedom so payload size does not
	// dominate the statistic.
	return chi2 / (chi2 + 255)
}
