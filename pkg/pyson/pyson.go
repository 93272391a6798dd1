// Package pyson implements a small tagged-expression-tree predicate language
// evaluated over a field→value environment.
//
// The storage engine treats expressions as opaque: it only ever calls
// Evaluate with a record environment and uses the resulting value. Nothing in
// this package knows about models, SQL or transactions.
package pyson

import (
	"fmt"
	"time"
)

// Expr is a node in the expression tree.
type Expr interface {
	eval(env Env) (any, error)
}

// Env is the evaluation environment: ambient context keys and record field
// values, merged by the caller.
type Env map[string]any

// Evaluate resolves expr against env. A nil expr evaluates to nil.
func Evaluate(expr Expr, env Env) (any, error) {
	if expr == nil {
		return nil, nil
	}
	return expr.eval(env)
}

// EvaluateBool resolves expr against env and coerces the result to a boolean
// using truthiness rules (nil, zero, empty string/slice are false).
func EvaluateBool(expr Expr, env Env) (bool, error) {
	v, err := Evaluate(expr, env)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// Const is a literal value.
type Const struct{ Value any }

func (c Const) eval(Env) (any, error) { return c.Value, nil }

// Get reads a key from the environment, with an optional default.
type Get struct {
	Key     string
	Default any
}

func (g Get) eval(env Env) (any, error) {
	if v, ok := env[g.Key]; ok && v != nil {
		return v, nil
	}
	return g.Default, nil
}

// Not negates the truthiness of its operand.
type Not struct{ X Expr }

func (n Not) eval(env Env) (any, error) {
	v, err := Evaluate(n.X, env)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

// And is true when every operand is truthy. Empty And is true.
type And []Expr

func (a And) eval(env Env) (any, error) {
	for _, x := range a {
		v, err := Evaluate(x, env)
		if err != nil {
			return nil, err
		}
		if !truthy(v) {
			return false, nil
		}
	}
	return true, nil
}

// Or is true when any operand is truthy. Empty Or is false.
type Or []Expr

func (o Or) eval(env Env) (any, error) {
	for _, x := range o {
		v, err := Evaluate(x, env)
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			return true, nil
		}
	}
	return false, nil
}

// Eq compares its operands for equality after numeric normalization.
type Eq struct{ X, Y Expr }

func (e Eq) eval(env Env) (any, error) {
	x, err := Evaluate(e.X, env)
	if err != nil {
		return nil, err
	}
	y, err := Evaluate(e.Y, env)
	if err != nil {
		return nil, err
	}
	return equal(x, y), nil
}

// In reports whether the value of X appears in the list value of List.
type In struct{ X, List Expr }

func (i In) eval(env Env) (any, error) {
	x, err := Evaluate(i.X, env)
	if err != nil {
		return nil, err
	}
	lv, err := Evaluate(i.List, env)
	if err != nil {
		return nil, err
	}
	list, ok := toSlice(lv)
	if !ok {
		return nil, fmt.Errorf("pyson: In wants a list, got %T", lv)
	}
	for _, item := range list {
		if equal(x, item) {
			return true, nil
		}
	}
	return false, nil
}

// If evaluates Then or Else depending on the truthiness of Cond.
type If struct{ Cond, Then, Else Expr }

func (i If) eval(env Env) (any, error) {
	c, err := Evaluate(i.Cond, env)
	if err != nil {
		return nil, err
	}
	if truthy(c) {
		return Evaluate(i.Then, env)
	}
	return Evaluate(i.Else, env)
}

// Date yields today's date shifted by the given offsets.
type Date struct {
	Years, Months, Days int
}

func (d Date) eval(Env) (any, error) {
	now := time.Now()
	t := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return t.AddDate(d.Years, d.Months, d.Days), nil
}

// DateTime yields the current instant shifted by the given offsets.
type DateTime struct {
	Years, Months, Days int
	Duration            time.Duration
}

func (d DateTime) eval(Env) (any, error) {
	return time.Now().UTC().AddDate(d.Years, d.Months, d.Days).Add(d.Duration), nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	default:
		return true
	}
}

func equal(x, y any) bool {
	if xf, ok := toFloat(x); ok {
		if yf, ok := toFloat(y); ok {
			return xf == yf
		}
		return false
	}
	if xt, ok := x.(time.Time); ok {
		if yt, ok := y.(time.Time); ok {
			return xt.Equal(yt)
		}
		return false
	}
	return x == y
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func toSlice(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	case []int64:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}
