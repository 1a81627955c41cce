package compiler

import (
	"encoding/json"
	"strings"

	"github.com/syssam/apijson"
	"github.com/syssam/apijson/condition"
)

// RefParam is a deferred-resolution parameter bound in place of a
// literal for cross-table references. The executor replaces it with
// the referenced table's fresh result values before running the
// statement; a multi-valued resolution expands its single placeholder
// into one per value.
type RefParam struct {
	// Path is the "/table/field" result path to resolve against.
	Path string
	// Multi marks an IN-style reference that may expand to several
	// placeholders.
	Multi bool
}

// condBuilder compiles a condition tree into a boolean expression.
// Fields are backtick-quoted; aggregate expressions (HAVING) pass
// through raw.
type condBuilder struct {
	b         *Builder
	allowAggr bool
	table     string // for error attribution only
}

// compileCondition writes the boolean expression for c into the
// builder. A nil tree, or a tree that collapses to nothing (empty
// combinator operands), writes nothing and returns false.
func (cb *condBuilder) compileCondition(c condition.Condition) (bool, error) {
	frag, _, err := cb.compile(c)
	if err != nil {
		return false, err
	}
	if frag == "" {
		return false, nil
	}
	cb.b.WriteString(frag)
	return true, nil
}

// compile returns the fragment for c plus whether it is a compound
// expression needing parentheses when embedded in another compound.
// Parameters are appended to the shared builder as fragments are
// produced, keeping placeholder order equal to parameter order.
func (cb *condBuilder) compile(c condition.Condition) (frag string, compound bool, err error) {
	switch c := c.(type) {
	case nil:
		return "", false, nil
	case *condition.Leaf:
		f, err := cb.leaf(c)
		return f, false, err
	case *condition.And:
		return cb.list(c.Conds, " AND ")
	case *condition.Or:
		return cb.list(c.Conds, " OR ")
	case *condition.Not:
		inner, _, err := cb.compile(c.C)
		if err != nil {
			return "", false, err
		}
		// An empty operand collapses; never emit "NOT ()".
		if inner == "" {
			return "", false, nil
		}
		return "NOT (" + inner + ")", false, nil
	}
	return "", false, apijson.NewConditionError(cb.table, "unknown condition node %T", c)
}

func (cb *condBuilder) list(conds []condition.Condition, sep string) (string, bool, error) {
	var parts []string
	for _, c := range conds {
		frag, compound, err := cb.compile(c)
		if err != nil {
			return "", false, err
		}
		if frag == "" {
			continue
		}
		if compound {
			frag = "(" + frag + ")"
		}
		parts = append(parts, frag)
	}
	switch len(parts) {
	case 0:
		return "", false, nil
	case 1:
		return parts[0], false, nil
	}
	return strings.Join(parts, sep), true, nil
}

// leaf emits the fragment for one comparison, binding its parameters.
func (cb *condBuilder) leaf(l *condition.Leaf) (string, error) {
	field := cb.field(l.Field)
	path := cb.table + "." + l.Field
	b := &Builder{}
	switch l.Op {
	case condition.Eq:
		if l.Value == nil && !l.Ref {
			return field + " IS NULL", nil
		}
		b.WriteString(field).WriteString(" = ")
		cb.bind(b, l)
	case condition.Ne:
		if l.Value == nil && !l.Ref {
			return field + " IS NOT NULL", nil
		}
		b.WriteString(field).WriteString(" != ")
		cb.bind(b, l)
	case condition.Gt:
		b.WriteString(field).WriteString(" > ")
		cb.bind(b, l)
	case condition.Ge:
		b.WriteString(field).WriteString(" >= ")
		cb.bind(b, l)
	case condition.Lt:
		b.WriteString(field).WriteString(" < ")
		cb.bind(b, l)
	case condition.Le:
		b.WriteString(field).WriteString(" <= ")
		cb.bind(b, l)
	case condition.Between, condition.NotBetween:
		operands, ok := l.Value.([]any)
		if !ok || len(operands) != 2 {
			return "", apijson.NewConditionError(path, "between requires exactly two operands")
		}
		b.WriteString(field)
		if l.Op == condition.NotBetween {
			b.WriteString(" NOT")
		}
		b.WriteString(" BETWEEN ").Arg(operands[0]).WriteString(" AND ").Arg(operands[1])
	case condition.In, condition.NotIn:
		return cb.inList(b, field, path, l)
	case condition.Like:
		b.WriteString(field).WriteString(" LIKE ")
		cb.bind(b, l)
	case condition.NotLike:
		b.WriteString(field).WriteString(" NOT LIKE ")
		cb.bind(b, l)
	case condition.Regexp:
		b.WriteString(field).WriteString(" REGEXP ")
		cb.bind(b, l)
	case condition.Contains, condition.NotContains:
		if l.Op == condition.NotContains {
			b.WriteString("NOT ")
		}
		b.WriteString("JSON_CONTAINS(").WriteString(field).WriteString(", ")
		v, err := jsonParam(l.Value)
		if err != nil {
			return "", apijson.NewConditionError(path, "value has no JSON form: %v", err)
		}
		b.Arg(v).WriteString(")")
	default:
		return "", apijson.NewConditionError(path, "operator %s has no SQL form", l.Op)
	}
	cb.b.args = append(cb.b.args, b.Params()...)
	return b.String(), nil
}

// inList emits IN/NOT IN. A scalar operand auto-wraps into a
// one-element list; each element binds one placeholder. Reference
// operands bind a single multi-valued marker instead.
func (cb *condBuilder) inList(b *Builder, field, path string, l *condition.Leaf) (string, error) {
	b.WriteString(field)
	if l.Op == condition.NotIn {
		b.WriteString(" NOT")
	}
	b.WriteString(" IN (")
	if l.Ref {
		b.Arg(RefParam{Path: l.Value.(string), Multi: true})
	} else {
		operands, ok := l.Value.([]any)
		if !ok {
			operands = []any{l.Value}
		}
		if len(operands) == 0 {
			return "", apijson.NewConditionError(path, "in requires at least one operand")
		}
		b.Args(operands...)
	}
	b.WriteString(")")
	cb.b.args = append(cb.b.args, b.Params()...)
	return b.String(), nil
}

// bind appends the leaf's single parameter: a deferred marker for
// references, the literal otherwise.
func (cb *condBuilder) bind(b *Builder, l *condition.Leaf) {
	if l.Ref {
		b.Arg(RefParam{Path: l.Value.(string)})
		return
	}
	b.Arg(l.Value)
}

// field quotes the leaf field unless aggregates are allowed (HAVING)
// and the field is an aggregate expression.
func (cb *condBuilder) field(name string) string {
	if cb.allowAggr && isAggregate(name) {
		return name
	}
	return Quote(name)
}

// jsonParam encodes a containment operand as JSON text.
func jsonParam(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
