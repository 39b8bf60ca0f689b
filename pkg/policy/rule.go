package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

var (
	// ErrPolicyNotFound is returned when a referenced rule is missing,
	// inactive, or expired. Callers must fail the request; they must not
	// silently default to allow or block.
	ErrPolicyNotFound = errors.New("policy: rule not found")

	// ErrMalformedRule is returned when a rule document cannot be parsed
	// into a valid expression tree. It is a configuration error rejected
	// at load time, never at evaluation time.
	ErrMalformedRule = errors.New("policy: malformed rule")
)

// Tier classifies a rule's precedence. GLOBAL rules are hard constraints
// evaluated first; CONTEXTUAL rules are role-scoped guardrails; DYNAMIC
// rules are time-limited and require an expiry.
type Tier string

const (
	TierGlobal     Tier = "GLOBAL"
	TierContextual Tier = "CONTEXTUAL"
	TierDynamic    Tier = "DYNAMIC"
)

// Precedence returns the evaluation order of the tier, lower first.
func (t Tier) Precedence() int {
	switch t {
	case TierGlobal:
		return 0
	case TierContextual:
		return 1
	case TierDynamic:
		return 2
	default:
		return 3
	}
}

func (t Tier) valid() bool {
	return t == TierGlobal || t == TierContextual || t == TierDynamic
}

// Action describes what the enforcement pipeline does with an evaluation
// outcome.
type Action struct {
	OnPass          string   `json:"on_pass"`
	OnFail          string   `json:"on_fail"`
	RequiredSignals []string `json:"required_signals,omitempty"`
}

// Rule is a versioned, immutable policy. A new version supersedes an old
// one; nothing ever overwrites a stored version in place.
type Rule struct {
	ID         string     `json:"id"`
	Version    string     `json:"version"`
	Tier       Tier       `json:"tier"`
	Logic      any        `json:"logic"`
	Action     Action     `json:"action"`
	Confidence float64    `json:"confidence"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Active     bool       `json:"active"`
	Roles      []string   `json:"roles,omitempty"`
	Guard      string     `json:"guard,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`

	expr    Expr
	version *semver.Version
}

// Expr returns the compiled expression tree.
func (r *Rule) Expr() Expr { return r.expr }

// Expired reports whether a DYNAMIC rule has passed its expiry.
func (r *Rule) Expired(now time.Time) bool {
	if r.ExpiresAt == nil {
		return false
	}
	return now.After(*r.ExpiresAt)
}

// AppliesToRole reports whether the rule applies to the given role.
// GLOBAL and DYNAMIC rules apply to all roles.
func (r *Rule) AppliesToRole(role string) bool {
	if r.Tier != TierContextual || len(r.Roles) == 0 {
		return true
	}
	for _, rr := range r.Roles {
		if rr == role {
			return true
		}
	}
	return false
}

// compile validates structural invariants and parses the expression tree.
func (r *Rule) compile() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedRule)
	}
	if !r.Tier.valid() {
		return fmt.Errorf("%w: invalid tier %q", ErrMalformedRule, r.Tier)
	}
	if r.Tier == TierDynamic && r.ExpiresAt == nil {
		return fmt.Errorf("%w: dynamic rule %s requires expires_at", ErrMalformedRule, r.ID)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %f out of [0,1]", ErrMalformedRule, r.Confidence)
	}

	v, err := semver.NewVersion(r.Version)
	if err != nil {
		return fmt.Errorf("%w: version %q: %v", ErrMalformedRule, r.Version, err)
	}
	r.version = v

	logic, err := normalizeLogic(r.Logic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRule, err)
	}
	expr, err := ParseExpr(logic)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRule, err)
	}
	r.expr = expr
	return nil
}

// normalizeLogic round-trips arbitrary logic values through JSON so the
// parser only ever sees map[string]any / []any / scalar shapes.
func normalizeLogic(logic any) (any, error) {
	if logic == nil {
		return nil, errors.New("missing logic")
	}
	switch logic.(type) {
	case map[string]any, []any, string, bool, float64:
		return logic, nil
	}
	raw, err := json.Marshal(logic)
	if err != nil {
		return nil, fmt.Errorf("logic not representable as JSON: %v", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
