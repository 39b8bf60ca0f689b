package trust

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-labs/trustcore/pkg/attest"
)

const lockStripes = 64

// Engine owns every agent's trust record. All mutation goes through the
// engine under a per-agent stripe lock, so concurrent verdicts for the
// same agent serialize while different agents proceed independently.
type Engine struct {
	cfg   Config
	trail Trail
	log   *slog.Logger
	clock func() time.Time

	stripes [lockStripes]sync.Mutex
	mu      sync.RWMutex // guards the records map itself
	records map[string]*Record
}

func NewEngine(cfg Config, trail Trail, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:     cfg.Normalize(),
		trail:   trail,
		log:     log,
		clock:   time.Now,
		records: make(map[string]*Record),
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) stripe(agentID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return &e.stripes[h.Sum32()%lockStripes]
}

// record returns the agent's record, creating it lazily with neutral
// component scores on first sight. Caller must hold the agent's stripe.
func (e *Engine) record(agentID string) *Record {
	e.mu.RLock()
	r, ok := e.records[agentID]
	e.mu.RUnlock()
	if ok {
		return r
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok = e.records[agentID]; ok {
		return r
	}
	scores := NeutralScores()
	r = &Record{
		AgentID:   agentID,
		Scores:    scores,
		Level:     scores.Level(),
		State:     StateActive,
		UpdatedAt: e.clock().UTC(),
	}
	e.records[agentID] = r
	return r
}

// Snapshot returns a copy of the agent's current record.
func (e *Engine) Snapshot(agentID string) Record {
	lock := e.stripe(agentID)
	lock.Lock()
	defer lock.Unlock()
	return *e.record(agentID)
}

// Frozen reports whether an agent may not submit evidence. Unknown agents
// are not frozen. The read takes the agent's stripe so it cannot observe
// a half-applied verdict.
func (e *Engine) Frozen(agentID string) bool {
	e.mu.RLock()
	r, ok := e.records[agentID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	lock := e.stripe(agentID)
	lock.Lock()
	defer lock.Unlock()
	return r.Frozen()
}

// Assessment is the result of applying one verdict.
type Assessment struct {
	Record    Record  `json:"record"`
	TaxLevied float64 `json:"tax_levied"`
}

// ApplyVerdict folds one consensus outcome into the agent's trust state:
// score nudges, drift accounting, tax levy, and any lifecycle transition
// the verdict forces. Each call appends one trail entry.
func (e *Engine) ApplyVerdict(ctx context.Context, agentID string, outcome attest.Outcome, transactionValue float64) (Assessment, error) {
	lock := e.stripe(agentID)
	lock.Lock()
	defer lock.Unlock()

	r := e.record(agentID)
	if r.State == StateBlacklisted {
		return Assessment{}, fmt.Errorf("%w: %s", ErrBlacklisted, agentID)
	}

	now := e.clock().UTC()
	fromState := r.State
	driftBefore := r.Drift
	reasoning := ""

	// Probation windows resolve lazily: if the window has elapsed with
	// no rejection, the agent recovered before this verdict applies.
	e.maybeFinishProbation(ctx, r, now)

	switch outcome.Verdict {
	case attest.VerdictVerified:
		r.Scores.Audit = clamp01(r.Scores.Audit + 0.02)
		r.Scores.Reputation = clamp01(r.Scores.Reputation + 0.02)
		r.Scores.Attestation = clamp01(r.Scores.Attestation + 0.02)
		r.Scores.History = clamp01(r.Scores.History + 0.01)
		r.Drift = clamp01(r.Drift - 0.05)
		reasoning = "verified: components nudged up, drift decayed"

	case attest.VerdictDisputed:
		r.Scores.Reputation = clamp01(r.Scores.Reputation - 0.05)
		r.Drift = clamp01(r.Drift + e.cfg.DriftPenalty/2)
		reasoning = "disputed: reputation penalty, drift increased"

	case attest.VerdictRejected:
		r.Scores.Audit = clamp01(r.Scores.Audit - 0.10)
		r.Scores.Attestation = clamp01(r.Scores.Attestation - 0.10)
		r.Scores.History = clamp01(r.Scores.History - 0.05)
		r.Drift = clamp01(r.Drift + e.cfg.DriftPenalty)
		reasoning = "rejected by consensus"
	}

	r.Level = r.Scores.Level()
	tax := e.cfg.Tax(r.Level, transactionValue)
	r.TaxBalance += tax

	// Lifecycle consequences.
	switch {
	case outcome.Verdict == attest.VerdictRejected && r.State == StateProbation:
		e.failProbation(r, "rejected verdict during probation")
	case outcome.Verdict == attest.VerdictRejected:
		e.quarantine(r, "rejected consensus verdict", "aggregator")
	case r.Drift > e.cfg.DriftCeiling && r.State == StateActive:
		e.quarantine(r, fmt.Sprintf("behavioral drift %.2f exceeded ceiling %.2f", r.Drift, e.cfg.DriftCeiling), "drift-monitor")
	}

	r.UpdatedAt = now
	entry := TrailEntry{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Verdict:    outcome.Verdict,
		FromState:  fromState,
		ToState:    r.State,
		Level:      r.Level,
		DriftDelta: r.Drift - driftBefore,
		TaxLevied:  tax,
		Reasoning:  reasoning,
		CreatedAt:  now,
	}
	if err := e.trail.Append(ctx, entry); err != nil {
		return Assessment{}, fmt.Errorf("trust: append trail: %w", err)
	}

	if fromState != r.State {
		e.log.Warn("agent lifecycle transition",
			"agent_id", agentID,
			"from", string(fromState),
			"to", string(r.State),
			"reason", r.QuarantineReason)
	}
	return Assessment{Record: *r, TaxLevied: tax}, nil
}

// SubmitRecovery processes a stake-posting recovery attempt from
// quarantine. Sufficient stake opens a probation window; stakes below
// the schedule count as failed attempts. Exhausting the allowed attempts
// blacklists the agent permanently.
func (e *Engine) SubmitRecovery(ctx context.Context, agentID string, stake float64) (Record, error) {
	lock := e.stripe(agentID)
	lock.Lock()
	defer lock.Unlock()

	r := e.record(agentID)
	now := e.clock().UTC()

	switch r.State {
	case StateBlacklisted:
		return *r, fmt.Errorf("%w: %s", ErrBlacklisted, agentID)
	case StateQuarantined:
	default:
		return *r, fmt.Errorf("%w: %s is %s", ErrNotQuarantined, agentID, r.State)
	}

	attempt := r.FailedRecoveries + 1
	if attempt > e.cfg.MaxRecoveryAttempts {
		e.transition(ctx, r, StateBlacklisted, "recovery attempts exhausted", now)
		return *r, fmt.Errorf("%w: %s", ErrBlacklisted, agentID)
	}

	required := e.cfg.Stakes.Required(attempt)
	if stake < required {
		r.FailedRecoveries++
		e.appendTrail(ctx, r, r.State, now, 0,
			fmt.Sprintf("recovery attempt %d failed: stake %.2f below required %.2f", attempt, stake, required))
		if r.FailedRecoveries >= e.cfg.MaxRecoveryAttempts {
			e.transition(ctx, r, StateBlacklisted, "recovery attempts exhausted", now)
			return *r, fmt.Errorf("%w: %s", ErrBlacklisted, agentID)
		}
		return *r, fmt.Errorf("%w: attempt %d requires %.2f, got %.2f", ErrInsufficientStake, attempt, required, stake)
	}

	from := r.State
	r.State = StateProbation
	r.ProbationUntil = now.Add(e.cfg.ProbationWindow)
	r.UpdatedAt = now
	e.appendTrail(ctx, r, from, now, 0,
		fmt.Sprintf("recovery attempt %d accepted: stake %.2f, probation until %s", attempt, stake, r.ProbationUntil.Format(time.RFC3339)))
	e.log.Info("agent entered probation",
		"agent_id", agentID,
		"attempt", attempt,
		"stake", stake,
		"until", r.ProbationUntil)
	return *r, nil
}

// maybeFinishProbation restores an agent whose probation window elapsed
// with trust above the elevated threshold. Caller holds the stripe.
func (e *Engine) maybeFinishProbation(ctx context.Context, r *Record, now time.Time) {
	if r.State != StateProbation || now.Before(r.ProbationUntil) {
		return
	}
	if r.Level >= e.cfg.ProbationThreshold {
		from := r.State
		r.State = StateActive
		r.FailedRecoveries = 0
		r.QuarantineReason = ""
		r.QuarantineSource = ""
		r.ProbationUntil = time.Time{}
		e.appendTrail(ctx, r, from, now, 0, "probation completed: agent restored")
		e.log.Info("agent recovered", "agent_id", r.AgentID)
		return
	}
	e.failProbation(r, fmt.Sprintf("probation ended below threshold: level %.2f < %.2f", r.Level, e.cfg.ProbationThreshold))
}

// failProbation sends the agent back to quarantine and burns an attempt;
// exhausting the attempts blacklists. Caller holds the stripe.
func (e *Engine) failProbation(r *Record, reason string) {
	r.FailedRecoveries++
	if r.FailedRecoveries >= e.cfg.MaxRecoveryAttempts {
		r.State = StateBlacklisted
		r.QuarantineReason = reason
		r.QuarantineSource = "probation"
		r.ProbationUntil = time.Time{}
		return
	}
	r.State = StateQuarantined
	r.QuarantineReason = reason
	r.QuarantineSource = "probation"
	r.ProbationUntil = time.Time{}
}

// quarantine freezes an agent. No-op if already frozen. Caller holds the
// stripe.
func (e *Engine) quarantine(r *Record, reason, source string) {
	if r.Frozen() {
		return
	}
	r.State = StateQuarantined
	r.QuarantineReason = reason
	r.QuarantineSource = source
}

func (e *Engine) transition(ctx context.Context, r *Record, to State, reason string, now time.Time) {
	from := r.State
	r.State = to
	r.QuarantineReason = reason
	r.UpdatedAt = now
	e.appendTrail(ctx, r, from, now, 0, reason)
	e.log.Warn("agent lifecycle transition",
		"agent_id", r.AgentID,
		"from", string(from),
		"to", string(to),
		"reason", reason)
}

func (e *Engine) appendTrail(ctx context.Context, r *Record, from State, now time.Time, tax float64, reasoning string) {
	entry := TrailEntry{
		ID:        uuid.NewString(),
		AgentID:   r.AgentID,
		FromState: from,
		ToState:   r.State,
		Level:     r.Level,
		TaxLevied: tax,
		Reasoning: reasoning,
		CreatedAt: now,
	}
	if err := e.trail.Append(ctx, entry); err != nil {
		e.log.Error("trail append failed", "agent_id", r.AgentID, "error", err)
	}
}
