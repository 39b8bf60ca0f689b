package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const ruleSchemaURL = "https://trustcore.schemas.local/policy/rule.schema.json"

// ruleSchema validates the structural shape of rule documents before they
// are compiled. Logic contents are validated separately by ParseExpr.
const ruleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "version", "tier", "logic", "action"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "tier": {"enum": ["GLOBAL", "CONTEXTUAL", "DYNAMIC"]},
    "logic": {},
    "action": {
      "type": "object",
      "required": ["on_pass", "on_fail"],
      "properties": {
        "on_pass": {"type": "string"},
        "on_fail": {"type": "string"},
        "required_signals": {"type": "array", "items": {"type": "string"}}
      }
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "expires_at": {"type": "string"},
    "active": {"type": "boolean"},
    "roles": {"type": "array", "items": {"type": "string"}},
    "guard": {"type": "string"}
  }
}`

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Registry holds versioned, immutable rules. Putting a rule never mutates
// an existing version; resolution picks the highest active version unless
// a version is pinned.
type Registry struct {
	mu     sync.RWMutex
	rules  map[string][]*Rule // id -> versions, sorted ascending by semver
	schema *jsonschema.Schema
	guards *GuardEngine
	clock  Clock
	log    *slog.Logger
}

// NewRegistry builds an empty registry with the rule document schema
// compiled once.
func NewRegistry(log *slog.Logger, clock Clock) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = SystemClock()
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(ruleSchemaURL, strings.NewReader(ruleSchema)); err != nil {
		return nil, fmt.Errorf("rule schema load failed: %w", err)
	}
	compiled, err := c.Compile(ruleSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("rule schema compile failed: %w", err)
	}
	guards, err := NewGuardEngine()
	if err != nil {
		return nil, err
	}
	return &Registry{
		rules:  make(map[string][]*Rule),
		schema: compiled,
		guards: guards,
		clock:  clock,
		log:    log,
	}, nil
}

// Guards exposes the registry's guard engine so the evaluator can share
// its compiled-program cache.
func (r *Registry) Guards() *GuardEngine { return r.guards }

// LoadJSON validates and registers a single rule document.
func (r *Registry) LoadJSON(doc []byte) (*Rule, error) {
	var generic any
	if err := json.Unmarshal(doc, &generic); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedRule, err)
	}
	if err := r.schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRule, err)
	}
	var rule Rule
	if err := json.Unmarshal(doc, &rule); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRule, err)
	}
	if err := r.Put(&rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// Put compiles and registers a rule. Registering an already-stored
// id+version pair is rejected: versions are immutable.
func (r *Registry) Put(rule *Rule) error {
	if err := rule.compile(); err != nil {
		return err
	}
	if rule.Guard != "" {
		if err := r.guards.Check(rule.Guard); err != nil {
			return fmt.Errorf("%w: guard: %v", ErrMalformedRule, err)
		}
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = r.clock.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.rules[rule.ID]
	for _, existing := range versions {
		if existing.version.Equal(rule.version) {
			return fmt.Errorf("%w: %s@%s already registered", ErrMalformedRule, rule.ID, rule.Version)
		}
	}
	versions = append(versions, rule)
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].version.LessThan(versions[j].version)
	})
	r.rules[rule.ID] = versions

	r.log.Info("policy rule registered",
		"rule_id", rule.ID,
		"version", rule.Version,
		"tier", string(rule.Tier))
	return nil
}

// Resolve returns the rule for id. With version "" it returns the highest
// active, unexpired version; otherwise the exact version. Expired DYNAMIC
// rules resolve as not found.
func (r *Registry) Resolve(id, version string) (*Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.rules[id]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	now := r.clock.Now()

	if version != "" {
		want, err := semver.NewVersion(version)
		if err != nil {
			return nil, fmt.Errorf("%w: bad version %q: %v", ErrPolicyNotFound, version, err)
		}
		for _, rule := range versions {
			if rule.version.Equal(want) {
				if !rule.Active || rule.Expired(now) {
					return nil, fmt.Errorf("%w: %s@%s inactive or expired", ErrPolicyNotFound, id, version)
				}
				return rule, nil
			}
		}
		return nil, fmt.Errorf("%w: %s@%s", ErrPolicyNotFound, id, version)
	}

	// Highest version first.
	for i := len(versions) - 1; i >= 0; i-- {
		rule := versions[i]
		if rule.Active && !rule.Expired(now) {
			return rule, nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no active version", ErrPolicyNotFound, id)
}

// Active returns every resolvable rule applicable to the given role,
// ordered GLOBAL, CONTEXTUAL, DYNAMIC. Only the highest active version of
// each id participates.
func (r *Registry) Active(role string) []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.clock.Now()
	out := make([]*Rule, 0, len(r.rules))
	for _, versions := range r.rules {
		for i := len(versions) - 1; i >= 0; i-- {
			rule := versions[i]
			if rule.Active && !rule.Expired(now) && rule.AppliesToRole(role) {
				out = append(out, rule)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier.Precedence() != out[j].Tier.Precedence() {
			return out[i].Tier.Precedence() < out[j].Tier.Precedence()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Deactivate marks every version of a rule inactive. The versions remain
// stored; nothing is deleted.
func (r *Registry) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.rules[id]
	if len(versions) == 0 {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	for _, rule := range versions {
		rule.Active = false
	}
	r.log.Info("policy rule deactivated", "rule_id", id)
	return nil
}
