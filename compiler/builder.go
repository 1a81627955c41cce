// Package compiler turns parsed table queries into SQL text with
// positional `?` placeholders and an ordered parameter list. One
// TableQuery compiles to exactly one CompiledQuery; the parameter
// count always equals the placeholder count, in left-to-right order.
package compiler

import (
	"regexp"
	"strings"
)

// Builder accumulates SQL text and its bound parameters. Identifiers
// are backtick-quoted; values are only ever bound through Arg, never
// inlined.
type Builder struct {
	sb   strings.Builder
	args []any
}

// WriteString appends raw SQL text.
func (b *Builder) WriteString(s string) *Builder {
	b.sb.WriteString(s)
	return b
}

// Ident appends a backtick-quoted identifier.
func (b *Builder) Ident(name string) *Builder {
	b.sb.WriteString(Quote(name))
	return b
}

// QualifiedIdent appends `table`.`column`.
func (b *Builder) QualifiedIdent(table, column string) *Builder {
	b.Ident(table)
	b.sb.WriteByte('.')
	b.Ident(column)
	return b
}

// Arg appends one `?` placeholder and binds v to it.
func (b *Builder) Arg(v any) *Builder {
	b.sb.WriteByte('?')
	b.args = append(b.args, v)
	return b
}

// Args appends a comma-separated placeholder per value.
func (b *Builder) Args(vs ...any) *Builder {
	for i, v := range vs {
		if i > 0 {
			b.sb.WriteString(", ")
		}
		b.Arg(v)
	}
	return b
}

// String returns the SQL text built so far.
func (b *Builder) String() string { return b.sb.String() }

// Params returns the bound parameters in placeholder order.
func (b *Builder) Params() []any { return b.args }

// Quote backtick-quotes an identifier, escaping embedded backticks.
func Quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

// aggregateRe matches select-list expressions that start with an
// aggregate function call; those pass through unquoted and
// unqualified.
var aggregateRe = regexp.MustCompile(`(?i)^(count|sum|avg|min|max)\s*\(`)

// isAggregate reports whether expr is an aggregate-function expression.
func isAggregate(expr string) bool {
	return aggregateRe.MatchString(expr)
}

// PlaceholderCount returns the number of `?` placeholders in sql,
// used to uphold the params-match-placeholders invariant in tests.
func PlaceholderCount(sql string) int {
	return strings.Count(sql, "?")
}
