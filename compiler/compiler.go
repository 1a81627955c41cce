package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/syssam/apijson"
	"github.com/syssam/apijson/condition"
	"github.com/syssam/apijson/parser"
)

// CompiledQuery is the SQL form of one TableQuery. Params holds one
// value per `?` placeholder, in left-to-right order; cross-table
// references appear as RefParam markers until the executor resolves
// them.
type CompiledQuery struct {
	Table  string
	Op     parser.Operation
	SQL    string
	Params []any
	// Source points back to the TableQuery this was compiled from.
	Source *parser.TableQuery
}

// HasRefs reports whether any parameter is a deferred reference.
func (q *CompiledQuery) HasRefs() bool {
	for _, p := range q.Params {
		if _, ok := p.(RefParam); ok {
			return true
		}
	}
	return false
}

// CompiledRequest is the ordered list of compiled queries for one
// request. Order equals the input table order; reference resolution
// depends on it.
type CompiledRequest struct {
	Queries []*CompiledQuery
	Request *parser.ParsedRequest
}

// Compiler generates SQL for parsed table queries.
type Compiler struct {
	cfg *apijson.Config
}

// New returns a Compiler. A nil config falls back to defaults.
func New(cfg *apijson.Config) *Compiler {
	if cfg == nil {
		cfg = apijson.DefaultConfig()
	}
	return &Compiler{cfg: cfg}
}

// CompileRequest compiles every table query in declaration order. The
// first failing table aborts the whole request; multi-table SQL must
// never be partially compiled.
func (c *Compiler) CompileRequest(req *parser.ParsedRequest) (*CompiledRequest, error) {
	cr := &CompiledRequest{Request: req}
	for _, tq := range req.Tables {
		q, err := c.Compile(tq)
		if err != nil {
			return nil, err
		}
		cr.Queries = append(cr.Queries, q)
	}
	return cr, nil
}

// Compile produces exactly one CompiledQuery for tq.
func (c *Compiler) Compile(tq *parser.TableQuery) (*CompiledQuery, error) {
	var (
		b   = &Builder{}
		err error
	)
	switch tq.Op {
	case parser.Select, parser.Count:
		err = c.compileSelect(b, tq)
	case parser.Insert:
		err = c.compileInsert(b, tq)
	case parser.Update:
		err = c.compileUpdate(b, tq)
	case parser.Delete:
		err = c.compileDelete(b, tq)
	default:
		err = &apijson.ParseError{Key: tq.Table, Err: fmt.Errorf("unknown operation %v", tq.Op)}
	}
	if err != nil {
		return nil, err
	}
	return &CompiledQuery{
		Table:  tq.Table,
		Op:     tq.Op,
		SQL:    b.String(),
		Params: b.Params(),
		Source: tq,
	}, nil
}

// compileSelect emits SELECT and COUNT statements. Clause order is
// fixed; a clause with no content is omitted entirely.
func (c *Compiler) compileSelect(b *Builder, tq *parser.TableQuery) error {
	b.WriteString("SELECT ")
	if err := c.selectList(b, tq); err != nil {
		return err
	}
	b.WriteString(" FROM ").Ident(tq.Table)
	if err := c.joins(b, tq); err != nil {
		return err
	}
	if err := c.whereClause(b, tq.Table, tq.Where, false); err != nil {
		return err
	}
	if len(tq.GroupBy) > 0 {
		b.WriteString(" GROUP BY ")
		for i, f := range tq.GroupBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.Ident(f)
		}
	}
	if tq.Having != nil {
		hb := &Builder{}
		cb := &condBuilder{b: hb, allowAggr: true, table: tq.Table}
		ok, err := cb.compileCondition(tq.Having)
		if err != nil {
			return err
		}
		if ok {
			b.WriteString(" HAVING ").WriteString(hb.String())
			b.args = append(b.args, hb.Params()...)
		}
	}
	if tq.Op == parser.Select {
		if len(tq.Order) > 0 {
			b.WriteString(" ORDER BY ")
			for i, o := range tq.Order {
				if i > 0 {
					b.WriteString(", ")
				}
				b.Ident(o.Field)
				if o.Desc {
					b.WriteString(" DESC")
				}
			}
		}
		if tq.Limit > 0 {
			fmt.Fprintf(&b.sb, " LIMIT %d", tq.Limit)
			if tq.Offset > 0 {
				fmt.Fprintf(&b.sb, " OFFSET %d", tq.Offset)
			}
		}
	}
	return nil
}

// selectList emits the column list: `*` when no columns were named,
// quoted table-qualified identifiers otherwise. Aggregate expressions
// pass through unquoted and unqualified. COUNT defaults to COUNT(*)
// and accepts at most one explicit aggregate.
func (c *Compiler) selectList(b *Builder, tq *parser.TableQuery) error {
	if tq.Op == parser.Count {
		switch len(tq.Columns) {
		case 0:
			b.WriteString("COUNT(*)")
			return nil
		case 1:
			if !isAggregate(tq.Columns[0]) {
				return &apijson.ParseError{
					Key: tq.Table + ".@column",
					Err: fmt.Errorf("count requires an aggregate expression, got %q", tq.Columns[0]),
				}
			}
			b.WriteString(tq.Columns[0])
			return nil
		default:
			return &apijson.ParseError{
				Key: tq.Table + ".@column",
				Err: fmt.Errorf("count accepts at most one aggregate expression"),
			}
		}
	}
	if len(tq.Columns) == 0 {
		b.WriteString("*")
		return nil
	}
	for i, col := range tq.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		if isAggregate(col) {
			b.WriteString(col)
			continue
		}
		b.QualifiedIdent(tq.Table, col)
	}
	return nil
}

// joinKinds maps the abstract join tokens onto the nearest native
// join. The mapping is intentionally lossy: application-level ("@"),
// side ("^") and anti ("(") joins degrade to LEFT; foreign (")") and
// as-of ("~") to INNER; outer ("!") to FULL.
var joinKinds = map[string]string{
	"@": "LEFT JOIN",
	"^": "LEFT JOIN",
	"(": "LEFT JOIN",
	"<": "LEFT JOIN",
	"&": "INNER JOIN",
	")": "INNER JOIN",
	"~": "INNER JOIN",
	">": "RIGHT JOIN",
	"|": "FULL JOIN",
	"!": "FULL JOIN",
}

func (c *Compiler) joins(b *Builder, tq *parser.TableQuery) error {
	for _, j := range tq.Joins {
		kind, ok := joinKinds[j.Join]
		if !ok {
			return &apijson.ParseError{
				Key: tq.Table + ".@join",
				Err: fmt.Errorf("unknown join token %q", j.Join),
			}
		}
		b.WriteString(" ").WriteString(kind).WriteString(" ").Ident(j.Table).WriteString(" ON ")
		locals := make([]string, 0, len(j.On))
		for local := range j.On {
			locals = append(locals, local)
		}
		sort.Strings(locals)
		for i, local := range locals {
			if i > 0 {
				b.WriteString(" AND ")
			}
			b.QualifiedIdent(tq.Table, local)
			b.WriteString(" = ")
			b.QualifiedIdent(j.Table, j.On[local])
		}
	}
	return nil
}

// whereClause compiles the condition tree into a WHERE clause,
// omitting the keyword when the tree collapses to nothing. When
// required is set an empty result is refused: UPDATE and DELETE must
// never run unconditioned.
func (c *Compiler) whereClause(b *Builder, table string, cond condition.Condition, required bool) error {
	wb := &Builder{}
	cb := &condBuilder{b: wb, table: table}
	ok, err := cb.compileCondition(cond)
	if err != nil {
		return err
	}
	if !ok {
		if required {
			return apijson.NewConditionError(table, "mutation requires at least one condition")
		}
		return nil
	}
	b.WriteString(" WHERE ").WriteString(wb.String())
	b.args = append(b.args, wb.Params()...)
	return nil
}

// compileInsert emits a single multi-row INSERT. The column list
// derives from the first payload row's non-directive keys; parameters
// flatten row-major in input order. A key missing from a later row
// binds NULL.
func (c *Compiler) compileInsert(b *Builder, tq *parser.TableQuery) error {
	if len(tq.Payload) == 0 || len(tq.PayloadKeys) == 0 {
		return &apijson.ParseError{Key: tq.Table, Err: fmt.Errorf("insert requires a payload")}
	}
	cols := make([]string, 0, len(tq.PayloadKeys))
	for _, k := range tq.PayloadKeys {
		if !strings.HasPrefix(k, "@") {
			cols = append(cols, k)
		}
	}
	b.WriteString("INSERT INTO ").Ident(tq.Table).WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Ident(col)
	}
	b.WriteString(") VALUES ")
	for i, row := range tq.Payload {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, col := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			v, err := toParam(tq.Table, col, row[col])
			if err != nil {
				return err
			}
			b.Arg(v)
		}
		b.WriteString(")")
	}
	return nil
}

// compileUpdate emits UPDATE. The primary-key value is relocated from
// the payload into WHERE and never appears in SET; compilation is
// refused when the resulting WHERE would be empty.
func (c *Compiler) compileUpdate(b *Builder, tq *parser.TableQuery) error {
	if len(tq.Payload) != 1 {
		return &apijson.ParseError{Key: tq.Table, Err: fmt.Errorf("update requires exactly one payload object")}
	}
	row := tq.Payload[0]
	var setKeys []string
	for _, k := range tq.PayloadKeys {
		if strings.HasPrefix(k, "@") || k == c.cfg.IDKey {
			continue
		}
		setKeys = append(setKeys, k)
	}
	if len(setKeys) == 0 {
		return &apijson.ParseError{Key: tq.Table, Err: fmt.Errorf("update requires at least one column to set")}
	}
	b.WriteString("UPDATE ").Ident(tq.Table).WriteString(" SET ")
	for i, k := range setKeys {
		if i > 0 {
			b.WriteString(", ")
		}
		v, err := toParam(tq.Table, k, row[k])
		if err != nil {
			return err
		}
		b.Ident(k).WriteString(" = ").Arg(v)
	}
	where := tq.Where
	if id, ok := row[c.cfg.IDKey]; ok {
		pk := &condition.Leaf{Field: c.cfg.IDKey, Op: condition.Eq, Value: id}
		if where == nil {
			where = pk
		} else {
			where = condition.NewAnd(where, pk)
		}
	}
	return c.whereClause(b, tq.Table, where, true)
}

// compileDelete emits DELETE with the same required-WHERE rule as
// UPDATE.
func (c *Compiler) compileDelete(b *Builder, tq *parser.TableQuery) error {
	b.WriteString("DELETE FROM ").Ident(tq.Table)
	return c.whereClause(b, tq.Table, tq.Where, true)
}

// toParam converts a payload value into a bindable parameter.
// Reference values bind a deferred marker for the executor to resolve;
// objects and arrays bind as their JSON text.
func toParam(table, col string, v any) (any, error) {
	switch v := v.(type) {
	case parser.RefValue:
		return RefParam{Path: v.Path}, nil
	case map[string]any, []any:
		s, err := jsonParam(v)
		if err != nil {
			return nil, &apijson.UnsupportedTypeError{Field: table + "." + col, Value: v}
		}
		return s, nil
	}
	return v, nil
}
