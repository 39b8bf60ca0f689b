// Package trust maintains per-agent weighted trust scores, the economic
// trust tax, and the quarantine/probation/blacklist lifecycle.
package trust

import (
	"context"
	"errors"
	"time"

	"github.com/aegis-labs/trustcore/pkg/attest"
)

// State is an agent's lifecycle position.
type State string

const (
	StateActive      State = "ACTIVE"
	StateQuarantined State = "QUARANTINED"
	StateProbation   State = "PROBATION"
	StateBlacklisted State = "BLACKLISTED"
)

var (
	// ErrAgentFrozen is returned when a quarantined or blacklisted agent
	// submits evidence or is otherwise acted on.
	ErrAgentFrozen = errors.New("trust: agent frozen")

	// ErrBlacklisted marks the terminal state. Only an external
	// governance action outside this engine may clear it.
	ErrBlacklisted = errors.New("trust: agent blacklisted")

	// ErrNotQuarantined is returned when a recovery attempt arrives for
	// an agent that is not quarantined.
	ErrNotQuarantined = errors.New("trust: agent not quarantined")

	// ErrInsufficientStake is returned when a recovery stake does not
	// meet the schedule for the attempt number.
	ErrInsufficientStake = errors.New("trust: insufficient stake")
)

// Weights of the trust level formula. Fixed by the scoring model, not
// configuration.
const (
	WeightAudit       = 0.40
	WeightReputation  = 0.30
	WeightAttestation = 0.20
	WeightHistory     = 0.10
)

// Scores holds the four trust components, each clamped to [0,1].
type Scores struct {
	Audit       float64 `json:"audit"`
	Reputation  float64 `json:"reputation"`
	Attestation float64 `json:"attestation"`
	History     float64 `json:"history"`
}

// NeutralScores is the starting point for a newly seen agent.
func NeutralScores() Scores {
	return Scores{Audit: 0.5, Reputation: 0.5, Attestation: 0.5, History: 0.5}
}

// Level computes the weighted trust level.
func (s Scores) Level() float64 {
	return WeightAudit*clamp01(s.Audit) +
		WeightReputation*clamp01(s.Reputation) +
		WeightAttestation*clamp01(s.Attestation) +
		WeightHistory*clamp01(s.History)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Record is one agent's current trust state. It stores current values
// only; history is reconstructed from the trail.
type Record struct {
	AgentID          string    `json:"agent_id"`
	Scores           Scores    `json:"scores"`
	Level            float64   `json:"level"`
	State            State     `json:"state"`
	Drift            float64   `json:"behavioral_drift"`
	TaxBalance       float64   `json:"tax_balance"`
	QuarantineReason string    `json:"quarantine_reason,omitempty"`
	QuarantineSource string    `json:"quarantine_source,omitempty"`
	FailedRecoveries int       `json:"failed_recoveries"`
	ProbationUntil   time.Time `json:"probation_until,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Frozen reports whether the agent may not submit evidence.
func (r Record) Frozen() bool {
	return r.State == StateQuarantined || r.State == StateBlacklisted
}

// TrailEntry is one immutable row of the reputation trail. The trail is
// the only way to reconstruct why a score changed.
type TrailEntry struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	Verdict    attest.Verdict `json:"verdict,omitempty"`
	FromState  State          `json:"from_state"`
	ToState    State          `json:"to_state"`
	Level      float64        `json:"level"`
	DriftDelta float64        `json:"drift_delta"`
	TaxLevied  float64        `json:"tax_levied"`
	Reasoning  string         `json:"reasoning"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Trail persists reputation trail entries append-only.
type Trail interface {
	Append(ctx context.Context, entry TrailEntry) error
	ByAgent(ctx context.Context, agentID string) ([]TrailEntry, error)
}
