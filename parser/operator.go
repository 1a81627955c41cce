package parser

import (
	"strings"

	"github.com/syssam/apijson"
	"github.com/syssam/apijson/condition"
)

// ParsedKey is the result of decoding a raw condition key such as
// "age>=", "name$" or "id{}@".
type ParsedKey struct {
	Field string
	Op    condition.Op
	// IsRef marks a cross-table reference: the value is a result path
	// ("/table/field"), not a literal.
	IsRef bool
}

// opToken binds a key suffix to its operator.
type opToken struct {
	token string
	op    condition.Op
}

// opTokens is the fixed operator precedence list. Tokens are tested in
// order, so longer or more specific suffixes must precede the shorter
// ones they contain ("!><" before "><" before "<", "!{}" before "{}").
var opTokens = []opToken{
	{"!><", condition.NotBetween},
	{"><", condition.Between},
	{"!{}", condition.NotIn},
	{"{}", condition.In},
	{"!<>", condition.NotContains},
	{"<>", condition.Contains},
	{">=", condition.Ge},
	{"<=", condition.Le},
	{"!=", condition.Ne},
	{"!$", condition.NotLike},
	{"$", condition.Like},
	{"~", condition.Regexp},
	{">", condition.Gt},
	{"<", condition.Lt},
}

// ParseKey decodes a raw key into its field name, operator and
// reference flag. A trailing "@" (tested before any operator token,
// so "id{}@" resolves to an IN reference) marks the value as a
// cross-table reference. Keys without a recognized suffix default to
// equality. The empty field name is rejected.
func ParseKey(raw string) (ParsedKey, error) {
	k := ParsedKey{Op: condition.Eq}
	rest := raw
	if strings.HasSuffix(rest, "@") {
		k.IsRef = true
		rest = strings.TrimSuffix(rest, "@")
	}
	for _, t := range opTokens {
		if strings.HasSuffix(rest, t.token) {
			k.Op = t.op
			rest = strings.TrimSuffix(rest, t.token)
			break
		}
	}
	if rest == "" {
		return k, apijson.NewConditionError(raw, "empty field name")
	}
	k.Field = rest
	return k, nil
}

// IsOperatorKey reports whether raw carries an operator suffix or a
// reference marker, i.e. whether it belongs to the condition tree
// rather than to a mutation payload.
func IsOperatorKey(raw string) bool {
	if strings.HasSuffix(raw, "@") {
		return true
	}
	for _, t := range opTokens {
		if strings.HasSuffix(raw, t.token) {
			return true
		}
	}
	return false
}

// bareOps maps operator tokens appearing as keys inside an
// operator-object value, e.g. {"age": {">": 18, "<=": 30}}.
var bareOps = map[string]condition.Op{
	"=":   condition.Eq,
	"!=":  condition.Ne,
	">":   condition.Gt,
	">=":  condition.Ge,
	"<":   condition.Lt,
	"<=":  condition.Le,
	"><":  condition.Between,
	"!><": condition.NotBetween,
	"{}":  condition.In,
	"!{}": condition.NotIn,
	"$":   condition.Like,
	"!$":  condition.NotLike,
	"~":   condition.Regexp,
	"<>":  condition.Contains,
	"!<>": condition.NotContains,
}

// bareOp resolves an operator-object key to its operator.
func bareOp(token string) (condition.Op, bool) {
	op, ok := bareOps[token]
	return op, ok
}

// isOperatorObject reports whether every key of m is a bare operator
// token, making m an operator-object value rather than a nested
// payload object.
func isOperatorObject(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if _, ok := bareOps[k]; !ok {
			return false
		}
	}
	return true
}
