package policy

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Evaluate runs an expression tree against a data context. It is total,
// side-effect free, and deterministic: malformed data never raises, it
// simply resolves to absent values and falsy comparisons.
func Evaluate(expr Expr, data map[string]any) any {
	ec := &evalContext{data: data}
	return ec.eval(expr)
}

// EvaluateBool is Evaluate coerced to a verdict.
func EvaluateBool(expr Expr, data map[string]any) bool {
	return truthy(Evaluate(expr, data))
}

// Truthy coerces an evaluation result to a verdict: false, nil, zero,
// empty string, and empty collections are false; everything else true.
func Truthy(v any) bool {
	return truthy(v)
}

// EvaluateWithOverride merges an override context (pre-approved lists,
// whitelist injections) over the evidence payload before evaluation.
// Override keys take precedence.
func EvaluateWithOverride(expr Expr, data, override map[string]any) any {
	if len(override) == 0 {
		return Evaluate(expr, data)
	}
	merged := make(map[string]any, len(data)+len(override))
	for k, v := range data {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return Evaluate(expr, merged)
}

// evalContext carries the data snapshot and counts node visits so tests
// can assert short-circuit behavior.
type evalContext struct {
	data   map[string]any
	visits int
}

func (ec *evalContext) eval(expr Expr) any {
	ec.visits++

	switch e := expr.(type) {
	case Literal:
		return e.Value

	case VarRef:
		v, ok := resolvePath(ec.data, e.Path)
		if !ok {
			return e.Default
		}
		return v

	case Compare:
		return compare(e.Op, ec.eval(e.Left), ec.eval(e.Right))

	case And:
		for _, t := range e.Terms {
			if !truthy(ec.eval(t)) {
				return false
			}
		}
		return true

	case Or:
		for _, t := range e.Terms {
			if truthy(ec.eval(t)) {
				return true
			}
		}
		return false

	case Not:
		return !truthy(ec.eval(e.Term))

	case In:
		needle := ec.eval(e.Needle)
		haystack, ok := ec.eval(e.Haystack).([]any)
		if !ok {
			return false
		}
		for _, item := range haystack {
			if looseEqual(needle, item) {
				return true
			}
		}
		return false

	case List:
		out := make([]any, len(e.Items))
		for i, item := range e.Items {
			out[i] = ec.eval(item)
		}
		return out

	case Unknown:
		return e.Raw

	default:
		// Future variants degrade to inert data.
		return expr
	}
}

// resolvePath walks a dot-separated path through nested maps. Any missing
// intermediate key reports absence rather than an error.
func resolvePath(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = data
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func compare(op CompareOp, left, right any) bool {
	lf, lok := toNumber(left)
	rf, rok := toNumber(right)

	if lok && rok {
		switch op {
		case OpGT:
			return lf > rf
		case OpLT:
			return lf < rf
		case OpGE:
			return lf >= rf
		case OpLE:
			return lf <= rf
		case OpEQ:
			return lf == rf
		case OpNE:
			return lf != rf
		}
		return false
	}

	// Non-numeric operands: equality falls back to value equality,
	// ordered comparisons over incomparable values are false.
	switch op {
	case OpEQ:
		return looseEqual(left, right)
	case OpNE:
		return !looseEqual(left, right)
	default:
		ls, lsok := left.(string)
		rs, rsok := right.(string)
		if lsok && rsok {
			switch op {
			case OpGT:
				return ls > rs
			case OpLT:
				return ls < rs
			case OpGE:
				return ls >= rs
			case OpLE:
				return ls <= rs
			}
		}
		return false
	}
}

// looseEqual compares values the way JSON data compares: numerically when
// both sides coerce to numbers, structurally otherwise.
func looseEqual(a, b any) bool {
	af, aok := toNumber(a)
	bf, bok := toNumber(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		// Composite values: compare canonical JSON forms.
		aj, errA := json.Marshal(a)
		bj, errB := json.Marshal(b)
		if errA != nil || errB != nil {
			return false
		}
		return string(aj) == string(bj)
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		if f, ok := toNumber(v); ok {
			return f != 0
		}
		return true
	}
}
