// Package domain defines the filter expression tree used for search filters
// and row-level security rules: nested AND/OR combinators over leaves of
// (field path, operator, value). Compilation to SQL lives in pkg/query.
package domain

import (
	"fmt"
	"strings"
)

// Op is a leaf comparison operator.
type Op string

const (
	OpEq       Op = "="
	OpNe       Op = "!="
	OpLt       Op = "<"
	OpLe       Op = "<="
	OpGt       Op = ">"
	OpGe       Op = ">="
	OpIn       Op = "in"
	OpNotIn    Op = "not in"
	OpLike     Op = "like"
	OpNotLike  Op = "not like"
	OpILike    Op = "ilike"
	OpNotILike Op = "not ilike"
	OpChildOf  Op = "child_of"
	OpParentOf Op = "parent_of"
	OpWhere    Op = "where"
	OpNotWhere Op = "not where"
)

// Negative reports whether the operator inverts a positive clause. On
// relational collection fields such operators are compiled by inverting
// existence rather than negating a column comparison.
func (o Op) Negative() bool {
	switch o {
	case OpNe, OpNotIn, OpNotLike, OpNotILike, OpNotWhere:
		return true
	}
	return false
}

// Invert returns the positive counterpart of a negative operator and vice
// versa.
func (o Op) Invert() Op {
	switch o {
	case OpEq:
		return OpNe
	case OpNe:
		return OpEq
	case OpIn:
		return OpNotIn
	case OpNotIn:
		return OpIn
	case OpLike:
		return OpNotLike
	case OpNotLike:
		return OpLike
	case OpILike:
		return OpNotILike
	case OpNotILike:
		return OpILike
	case OpWhere:
		return OpNotWhere
	case OpNotWhere:
		return OpWhere
	case OpLt:
		return OpGe
	case OpGe:
		return OpLt
	case OpLe:
		return OpGt
	case OpGt:
		return OpLe
	}
	return o
}

// Domain is a node of the filter tree: a Leaf, an And or an Or.
type Domain interface {
	isDomain()
	String() string
}

// Leaf is a single comparison (field path, operator, value). Path may
// traverse relations with dot notation ("parent.code").
type Leaf struct {
	Path  string
	Op    Op
	Value any
}

func (Leaf) isDomain() {}

func (l Leaf) String() string {
	return fmt.Sprintf("(%s %s %v)", l.Path, l.Op, l.Value)
}

// Relational reports whether the leaf's path traverses a relation.
func (l Leaf) Relational() bool {
	return strings.Contains(l.Path, ".")
}

// Head returns the first segment of the path and the remainder.
func (l Leaf) Head() (string, string) {
	if i := strings.IndexByte(l.Path, '.'); i >= 0 {
		return l.Path[:i], l.Path[i+1:]
	}
	return l.Path, ""
}

// And matches when every child matches. The empty And matches everything and
// doubles as the neutral domain.
type And []Domain

func (And) isDomain() {}

func (a And) String() string { return combine("AND", a) }

// Or matches when any child matches. The empty Or matches nothing.
type Or []Domain

func (Or) isDomain() {}

func (o Or) String() string { return combine("OR", o) }

func combine(op string, children []Domain) string {
	if len(children) == 0 {
		return "[" + op + "]"
	}
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = c.String()
	}
	return "[" + op + " " + strings.Join(parts, " ") + "]"
}

// Empty reports whether d constrains nothing.
func Empty(d Domain) bool {
	switch n := d.(type) {
	case nil:
		return true
	case And:
		for _, c := range n {
			if !Empty(c) {
				return false
			}
		}
		return true
	}
	return false
}

// Conjoin ANDs the given domains, dropping empty ones and flattening a
// single survivor.
func Conjoin(ds ...Domain) Domain {
	var kept []Domain
	for _, d := range ds {
		if !Empty(d) {
			kept = append(kept, d)
		}
	}
	switch len(kept) {
	case 0:
		return And{}
	case 1:
		return kept[0]
	}
	return And(kept)
}

// Leaves returns every leaf of the tree in order.
func Leaves(d Domain) []Leaf {
	var out []Leaf
	walk(d, func(l Leaf) { out = append(out, l) })
	return out
}

func walk(d Domain, fn func(Leaf)) {
	switch n := d.(type) {
	case Leaf:
		fn(n)
	case And:
		for _, c := range n {
			walk(c, fn)
		}
	case Or:
		for _, c := range n {
			walk(c, fn)
		}
	}
}
