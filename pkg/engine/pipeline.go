// Package engine orchestrates the evidence submission control flow:
// frozen-agent gate, rule resolution and evaluation, ledger append,
// verifier aggregation, trust update, and audit record.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aegis-labs/trustcore/pkg/approvedlist"
	"github.com/aegis-labs/trustcore/pkg/attest"
	"github.com/aegis-labs/trustcore/pkg/audit"
	"github.com/aegis-labs/trustcore/pkg/ledger"
	"github.com/aegis-labs/trustcore/pkg/observability"
	"github.com/aegis-labs/trustcore/pkg/policy"
	"github.com/aegis-labs/trustcore/pkg/trust"
)

// ActionSkipped is recorded when a rule's guard rules it out for the
// submission: the rule is not applicable, so it is neither passed nor
// violated.
const ActionSkipped = "skipped"

// PolicyRef names the rule a submission is evaluated against. An empty
// Version resolves to the highest active version.
type PolicyRef struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

// Submission is one evidence record offered to the pipeline.
type Submission struct {
	TenantID         string         `json:"tenant_id"`
	AgentID          string         `json:"agent_id"`
	Role             string         `json:"role,omitempty"`
	PolicyRef        PolicyRef      `json:"policy_ref"`
	Payload          map[string]any `json:"payload"`
	Signature        string         `json:"signature,omitempty"`
	TransactionValue float64        `json:"transaction_value"`
	OverrideLists    []string       `json:"override_lists,omitempty"`
}

// Receipt is the caller-visible outcome of an accepted submission.
type Receipt struct {
	BlockNumber int64          `json:"block_number"`
	RecordID    string         `json:"record_id"`
	RecordHash  string         `json:"record_hash"`
	Violated    bool           `json:"violated"`
	ActionTaken string         `json:"action_taken"`
	Verdict     attest.Verdict `json:"verdict"`
	TrustLevel  float64        `json:"trust_level"`
	TaxLevied   float64        `json:"tax_levied"`
}

// Pipeline wires the subsystems into the submission control flow.
type Pipeline struct {
	registry   *policy.Registry
	ledger     *ledger.Ledger
	aggregator *attest.Aggregator
	trust      *trust.Engine
	audit      audit.Logger
	lists      approvedlist.Store
	obs        *observability.Provider
	log        *slog.Logger
	clock      func() time.Time
}

// New builds a Pipeline. The approved-list store and observability
// provider are optional.
func New(registry *policy.Registry, led *ledger.Ledger, agg *attest.Aggregator, eng *trust.Engine, auditLog audit.Logger, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		registry:   registry,
		ledger:     led,
		aggregator: agg,
		trust:      eng,
		audit:      auditLog,
		log:        log.With("component", "pipeline"),
		clock:      time.Now,
	}
}

// WithApprovedLists attaches an override-context source.
func (p *Pipeline) WithApprovedLists(store approvedlist.Store) *Pipeline {
	p.lists = store
	return p
}

// WithObservability attaches tracing and metrics.
func (p *Pipeline) WithObservability(obs *observability.Provider) *Pipeline {
	p.obs = obs
	return p
}

// WithClock overrides the wall clock for tests.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// Submit runs one evidence record through the full enforcement flow.
// Rejections carry a reason code via SubmissionError; a nil error means
// the record is chained, attested, scored, and audited.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	if p.obs != nil {
		var done func(error)
		ctx, done = p.obs.TrackOperation(ctx, "pipeline.submit",
			attribute.String("tenant.id", sub.TenantID),
			attribute.String("agent.id", sub.AgentID),
		)
		var receipt Receipt
		var err error
		defer func() { done(err) }()
		receipt, err = p.submit(ctx, sub)
		return receipt, err
	}
	return p.submit(ctx, sub)
}

func (p *Pipeline) submit(ctx context.Context, sub Submission) (Receipt, error) {
	// Frozen agents are rejected before any evaluation happens.
	if p.trust.Frozen(sub.AgentID) {
		return Receipt{}, reject(ReasonAgentFrozen, "", fmt.Errorf("agent %s: %w", sub.AgentID, trust.ErrAgentFrozen))
	}

	rule, err := p.registry.Resolve(sub.PolicyRef.ID, sub.PolicyRef.Version)
	if err != nil {
		return Receipt{}, reject(ReasonPolicyNotFound, sub.PolicyRef.ID, err)
	}

	violated, action, evalTime, err := p.evaluate(ctx, rule, sub)
	if err != nil {
		return Receipt{}, err
	}

	block, err := p.ledger.Append(ctx, ledger.EvidenceRecord{
		AgentID:       sub.AgentID,
		TenantID:      sub.TenantID,
		Payload:       sub.Payload,
		PolicyID:      rule.ID,
		PolicyVersion: rule.Version,
		Signature:     sub.Signature,
	})
	if err != nil {
		return Receipt{}, reject(Reason(err), rule.ID, err)
	}

	outcome, err := p.aggregator.Evaluate(ctx, block)
	if err != nil {
		return Receipt{}, reject(ReasonInternal, rule.ID, err)
	}
	if p.obs != nil {
		p.obs.RecordVerdict(ctx, string(outcome.Verdict),
			attribute.String("tenant.id", sub.TenantID))
	}

	assessment, err := p.trust.ApplyVerdict(ctx, sub.AgentID, outcome, sub.TransactionValue)
	if err != nil {
		return Receipt{}, reject(Reason(err), rule.ID, err)
	}

	entry := audit.Entry{
		PolicyID:  rule.ID,
		Tier:      string(rule.Tier),
		AgentID:   sub.AgentID,
		TenantID:  sub.TenantID,
		Violated:  violated,
		Action:    action,
		EvalTime:  evalTime,
		Timestamp: p.clock(),
	}
	if err := p.audit.Record(ctx, entry); err != nil {
		// The evidence is already chained and scored; an audit sink
		// failure is logged, not unwound.
		p.log.Error("audit record failed", "error", err, "policy", rule.ID)
	}

	p.log.Info("submission processed",
		"tenant", sub.TenantID,
		"agent", sub.AgentID,
		"policy", rule.ID,
		"violated", violated,
		"verdict", outcome.Verdict,
		"block", block.Number,
	)

	return Receipt{
		BlockNumber: int64(block.Number),
		RecordID:    block.Record.ID,
		RecordHash:  block.Record.ContentHash,
		Violated:    violated,
		ActionTaken: action,
		Verdict:     outcome.Verdict,
		TrustLevel:  assessment.Record.Scores.Level(),
		TaxLevied:   assessment.TaxLevied,
	}, nil
}

// evaluate applies the rule's guard and expression to the payload merged
// with the tenant's override context, timing the evaluation.
func (p *Pipeline) evaluate(ctx context.Context, rule *policy.Rule, sub Submission) (violated bool, action string, evalTime time.Duration, err error) {
	start := p.clock()

	if rule.Guard != "" {
		applies, gerr := p.registry.Guards().Eval(rule.Guard, sub.Payload)
		if gerr != nil {
			return false, "", 0, reject(ReasonMalformedRule, rule.ID, gerr)
		}
		if !applies {
			return false, ActionSkipped, p.clock().Sub(start), nil
		}
	}

	var override map[string]any
	if p.lists != nil && len(sub.OverrideLists) > 0 {
		override, err = approvedlist.OverrideContext(ctx, p.lists, sub.TenantID, sub.OverrideLists)
		if err != nil {
			return false, "", 0, reject(ReasonInternal, rule.ID, err)
		}
	}

	result := policy.EvaluateWithOverride(rule.Expr(), sub.Payload, override)
	violated = policy.Truthy(result)

	action = rule.Action.OnPass
	if violated {
		action = rule.Action.OnFail
	}
	return violated, action, p.clock().Sub(start), nil
}
