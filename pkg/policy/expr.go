package policy

import (
	"fmt"
)

// CompareOp enumerates the supported comparison operators.
type CompareOp string

const (
	OpGT CompareOp = ">"
	OpLT CompareOp = "<"
	OpGE CompareOp = ">="
	OpLE CompareOp = "<="
	OpEQ CompareOp = "=="
	OpNE CompareOp = "!="
)

// Expr is the closed expression-tree variant evaluated against evidence
// payloads. One case per operator; fragments that do not match any known
// operator shape parse into Unknown and evaluate to themselves, so
// not-yet-understood rule material degrades to inert data instead of
// failing evaluation.
type Expr interface {
	isExpr()
}

// Literal is a constant value (scalar, already-resolved list, or map).
type Literal struct {
	Value any
}

// VarRef resolves a dot-separated path against the evaluation context.
// A missing intermediate key yields an absent (nil) value, not an error.
type VarRef struct {
	Path    string
	Default any
}

// Compare applies a binary comparison.
type Compare struct {
	Op    CompareOp
	Left  Expr
	Right Expr
}

// And short-circuits on the first falsy term.
type And struct {
	Terms []Expr
}

// Or short-circuits on the first truthy term.
type Or struct {
	Terms []Expr
}

// Not negates the truthiness of its term.
type Not struct {
	Term Expr
}

// In tests membership of Needle in the list-shaped Haystack.
type In struct {
	Needle   Expr
	Haystack Expr
}

// List is an argument list whose items are themselves expressions,
// e.g. an In haystack containing a VarRef.
type List struct {
	Items []Expr
}

// Unknown preserves an unrecognized rule fragment verbatim.
type Unknown struct {
	Raw any
}

func (Literal) isExpr() {}
func (VarRef) isExpr()  {}
func (Compare) isExpr() {}
func (And) isExpr()     {}
func (Or) isExpr()      {}
func (Not) isExpr()     {}
func (In) isExpr()      {}
func (List) isExpr()    {}
func (Unknown) isExpr() {}

var compareOps = map[string]CompareOp{
	">":  OpGT,
	"<":  OpLT,
	">=": OpGE,
	"<=": OpLE,
	"==": OpEQ,
	"!=": OpNE,
}

// ParseExpr converts the nested key-value wire form (operator keywords
// var, >, <, >=, <=, ==, !=, and, or, not, in) into an expression tree.
//
// Structural errors (wrong arity, non-string var path, non-list and/or
// arguments) are configuration errors surfaced at rule-load time. A map
// whose single key is not a known operator is NOT an error: it parses
// into Unknown (pass-through).
func ParseExpr(raw any) (Expr, error) {
	switch v := raw.(type) {
	case map[string]any:
		if len(v) != 1 {
			return Unknown{Raw: v}, nil
		}
		for op, args := range v {
			return parseOperator(op, args, v)
		}
		return Unknown{Raw: v}, nil // unreachable
	case []any:
		items := make([]Expr, len(v))
		for i, item := range v {
			e, err := ParseExpr(item)
			if err != nil {
				return nil, err
			}
			items[i] = e
		}
		return List{Items: items}, nil
	default:
		return Literal{Value: v}, nil
	}
}

func parseOperator(op string, args any, raw map[string]any) (Expr, error) {
	if cmpOp, ok := compareOps[op]; ok {
		pair, err := parseArgs(op, args, 2)
		if err != nil {
			return nil, err
		}
		return Compare{Op: cmpOp, Left: pair[0], Right: pair[1]}, nil
	}

	switch op {
	case "var":
		return parseVar(args)
	case "and", "or":
		list, ok := args.([]any)
		if !ok {
			return nil, fmt.Errorf("policy: %q requires a list of terms, got %T", op, args)
		}
		terms := make([]Expr, len(list))
		for i, t := range list {
			e, err := ParseExpr(t)
			if err != nil {
				return nil, err
			}
			terms[i] = e
		}
		if op == "and" {
			return And{Terms: terms}, nil
		}
		return Or{Terms: terms}, nil
	case "not":
		// Accept both {"not": expr} and {"not": [expr]}.
		if list, ok := args.([]any); ok {
			if len(list) != 1 {
				return nil, fmt.Errorf("policy: \"not\" requires exactly one term, got %d", len(list))
			}
			args = list[0]
		}
		term, err := ParseExpr(args)
		if err != nil {
			return nil, err
		}
		return Not{Term: term}, nil
	case "in":
		pair, err := parseArgs(op, args, 2)
		if err != nil {
			return nil, err
		}
		return In{Needle: pair[0], Haystack: pair[1]}, nil
	default:
		return Unknown{Raw: raw}, nil
	}
}

func parseVar(args any) (Expr, error) {
	switch a := args.(type) {
	case string:
		return VarRef{Path: a}, nil
	case []any:
		if len(a) == 0 || len(a) > 2 {
			return nil, fmt.Errorf("policy: \"var\" requires a path and optional default, got %d args", len(a))
		}
		path, ok := a[0].(string)
		if !ok {
			return nil, fmt.Errorf("policy: \"var\" path must be a string, got %T", a[0])
		}
		ref := VarRef{Path: path}
		if len(a) == 2 {
			ref.Default = a[1]
		}
		return ref, nil
	default:
		return nil, fmt.Errorf("policy: \"var\" path must be a string, got %T", args)
	}
}

func parseArgs(op string, args any, arity int) ([]Expr, error) {
	list, ok := args.([]any)
	if !ok {
		return nil, fmt.Errorf("policy: %q requires a list of %d arguments, got %T", op, arity, args)
	}
	if len(list) != arity {
		return nil, fmt.Errorf("policy: %q requires %d arguments, got %d", op, arity, len(list))
	}
	out := make([]Expr, arity)
	for i, a := range list {
		e, err := ParseExpr(a)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}
