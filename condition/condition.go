// Package condition defines the recursive condition tree produced by
// the request parser and consumed by the SQL compiler. A tree is a
// tagged variant: a Leaf comparison, or an And/Or/Not combination of
// sub-trees. Trees are immutable once built and printable for
// diagnostics.
package condition

import (
	"fmt"
	"strings"
)

// Op identifies a comparison operator on a Leaf.
type Op int

// Leaf operators. The zero value is equality.
const (
	Eq Op = iota
	Ne
	Gt
	Ge
	Lt
	Le
	Between
	NotBetween
	In
	NotIn
	Like
	NotLike
	Regexp
	Contains
	NotContains
)

var opNames = [...]string{
	Eq:          "==",
	Ne:          "!=",
	Gt:          ">",
	Ge:          ">=",
	Lt:          "<",
	Le:          "<=",
	Between:     "between",
	NotBetween:  "not between",
	In:          "in",
	NotIn:       "not in",
	Like:        "like",
	NotLike:     "not like",
	Regexp:      "regexp",
	Contains:    "contains",
	NotContains: "not contains",
}

// String returns the diagnostic name of the operator.
func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Negatable reports whether the operator has a registered negated
// counterpart.
func (o Op) Negatable() bool {
	_, ok := negations[o]
	return ok
}

var negations = map[Op]Op{
	Eq:          Ne,
	Ne:          Eq,
	Gt:          Le,
	Le:          Gt,
	Lt:          Ge,
	Ge:          Lt,
	Between:     NotBetween,
	NotBetween:  Between,
	In:          NotIn,
	NotIn:       In,
	Like:        NotLike,
	NotLike:     Like,
	Contains:    NotContains,
	NotContains: Contains,
}

// Condition is a node in the condition tree.
type Condition interface {
	fmt.Stringer
	// Negate returns the logical negation of the node.
	Negate() Condition
	cond()
}

// Leaf is a single field comparison. When Ref is set, Value holds a
// cross-table reference path (e.g. "/user/id") instead of a literal;
// the compiler binds a deferred-resolution marker for it.
type Leaf struct {
	Field string
	Op    Op
	Value any
	Ref   bool
}

func (*Leaf) cond() {}

// Negate returns the negated comparison when one exists, and wraps in
// Not otherwise.
func (l *Leaf) Negate() Condition {
	if neg, ok := negations[l.Op]; ok {
		return &Leaf{Field: l.Field, Op: neg, Value: l.Value, Ref: l.Ref}
	}
	return &Not{C: l}
}

// String returns a diagnostic form of the comparison.
func (l *Leaf) String() string {
	if l.Ref {
		return fmt.Sprintf("%s %s ref(%v)", l.Field, l.Op, l.Value)
	}
	return fmt.Sprintf("%s %s %v", l.Field, l.Op, l.Value)
}

// And is the conjunction of its sub-conditions. An empty And compiles
// to nothing.
type And struct {
	Conds []Condition
}

func (*And) cond() {}

// Negate applies De Morgan over the operands.
func (a *And) Negate() Condition {
	conds := make([]Condition, len(a.Conds))
	for i, c := range a.Conds {
		conds[i] = c.Negate()
	}
	return &Or{Conds: conds}
}

// String returns a diagnostic form of the conjunction.
func (a *And) String() string { return joinConds(a.Conds, " && ") }

// Or is the disjunction of its sub-conditions. An empty Or compiles
// to nothing.
type Or struct {
	Conds []Condition
}

func (*Or) cond() {}

// Negate applies De Morgan over the operands.
func (o *Or) Negate() Condition {
	conds := make([]Condition, len(o.Conds))
	for i, c := range o.Conds {
		conds[i] = c.Negate()
	}
	return &And{Conds: conds}
}

// String returns a diagnostic form of the disjunction.
func (o *Or) String() string { return joinConds(o.Conds, " || ") }

// Not negates a sub-condition.
type Not struct {
	C Condition
}

func (*Not) cond() {}

// Negate unwraps the negation.
func (n *Not) Negate() Condition { return n.C }

// String returns a diagnostic form of the negation.
func (n *Not) String() string { return "!(" + n.C.String() + ")" }

// NewAnd returns the conjunction of conds, collapsing the trivial
// cases: zero conds yield nil, a single cond is returned as-is.
func NewAnd(conds ...Condition) Condition {
	switch len(conds) {
	case 0:
		return nil
	case 1:
		return conds[0]
	}
	return &And{Conds: conds}
}

// NewOr returns the disjunction of conds, collapsing the trivial
// cases as NewAnd does.
func NewOr(conds ...Condition) Condition {
	switch len(conds) {
	case 0:
		return nil
	case 1:
		return conds[0]
	}
	return &Or{Conds: conds}
}

func joinConds(conds []Condition, sep string) string {
	parts := make([]string, len(conds))
	for i, c := range conds {
		parts[i] = c.String()
	}
	if len(parts) > 1 {
		return "(" + strings.Join(parts, sep) + ")"
	}
	return strings.Join(parts, sep)
}
