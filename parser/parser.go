// Package parser decomposes a raw APIJSON request body into per-table
// queries and request-wide directives. It owns the DSL syntax: key
// suffix operators, directive keys, combinators, join specs and order
// specs. Semantic validation of the result is the caller's concern.
package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/syssam/apijson"
	"github.com/syssam/apijson/condition"
)

// Operation is the resolved kind of a table query.
type Operation int

// Operations, one per emitted SQL statement kind.
const (
	Select Operation = iota
	Insert
	Update
	Delete
	Count
)

var operationNames = [...]string{
	Select: "select",
	Insert: "insert",
	Update: "update",
	Delete: "delete",
	Count:  "count",
}

// String returns the lower-case operation name.
func (op Operation) String() string {
	if int(op) < len(operationNames) {
		return operationNames[op]
	}
	return fmt.Sprintf("Operation(%d)", int(op))
}

// Mutates reports whether the operation writes.
func (op Operation) Mutates() bool {
	return op == Insert || op == Update || op == Delete
}

// OperationForVerb maps a request verb onto the operation it implies.
func OperationForVerb(verb string) (Operation, error) {
	switch strings.ToUpper(verb) {
	case "GET":
		return Select, nil
	case "HEAD":
		return Count, nil
	case "POST":
		return Insert, nil
	case "PUT":
		return Update, nil
	case "DELETE":
		return Delete, nil
	}
	return Select, &apijson.ParseError{Err: fmt.Errorf("unknown verb %q", verb)}
}

// ReadVerb reports whether the verb belongs to the read-only family.
func ReadVerb(verb string) bool {
	switch strings.ToUpper(verb) {
	case "GET", "HEAD":
		return true
	}
	return false
}

// OrderSpec is one ORDER BY element.
type OrderSpec struct {
	Field string
	Desc  bool
}

// JoinSpec is one join request against another table. On maps local
// fields to the joined table's fields; every pair becomes one
// AND-joined equality predicate.
type JoinSpec struct {
	// Join is the abstract join token ("@", "<", ">", "&", "|", "!",
	// "^", "(", ")", "~"). The compiler maps it to the nearest native
	// join the backend supports.
	Join  string
	Table string
	On    map[string]string
}

// TableQuery is one table's parsed operation intent.
type TableQuery struct {
	// Key is the original request key, including any "[]" suffix.
	Key   string
	Table string
	Multi bool
	Op    Operation

	Columns []string
	Where   condition.Condition
	Joins   []JoinSpec
	GroupBy []string
	Having  condition.Condition
	Order   []OrderSpec
	Limit   int
	Offset  int

	// Payload holds mutation rows (one element for a single-object
	// INSERT/UPDATE). PayloadKeys preserves the first row's column
	// order.
	Payload     []map[string]any
	PayloadKeys []string

	// Refs maps condition fields to the cross-table result paths they
	// resolve against, for diagnostics.
	Refs map[string]string
}

// RefValue is a payload value that resolves against an earlier table's
// result instead of binding a literal, e.g. {"uid@": "/user/id"} on an
// insert table.
type RefValue struct {
	Path string
}

// Directives is the request-wide option set extracted from top-level
// "@"-prefixed keys.
type Directives struct {
	Page     int
	HasPage  bool
	Count    int
	HasCount bool
	// CacheTTLMillis is the requested cache TTL; 0 means cache with
	// no expiry, and a negative value means no explicit TTL was given
	// (the configured default applies).
	CacheTTLMillis int64
	// NoCache marks an explicit "@cache": false opt-out.
	NoCache bool
	Total          bool
	Search         string
	// Methods holds per-table verb overrides from "@method".
	Methods map[string]string
}

// HasOverride reports whether any per-table method override exists.
func (d *Directives) HasOverride() bool { return len(d.Methods) > 0 }

// ParsedRequest is the ordered decomposition of one request body. It
// is immutable after Parse returns.
type ParsedRequest struct {
	Method     string
	Tables     []*TableQuery
	Directives Directives
	// Raw is the original body, kept for fingerprints and diagnostics.
	Raw json.RawMessage
}

// Table returns the query for the given table key, or nil.
func (r *ParsedRequest) Table(key string) *TableQuery {
	for _, tq := range r.Tables {
		if tq.Key == key || tq.Table == key {
			return tq
		}
	}
	return nil
}

// HasMultiQuery reports whether any table uses the "[]" suffix.
func (r *ParsedRequest) HasMultiQuery() bool {
	for _, tq := range r.Tables {
		if tq.Multi {
			return true
		}
	}
	return false
}

// Parser turns raw bodies into ParsedRequests.
type Parser struct {
	cfg *apijson.Config
}

// New returns a Parser using the given configuration for paging
// bounds and defaults.
func New(cfg *apijson.Config) *Parser {
	if cfg == nil {
		cfg = apijson.DefaultConfig()
	}
	return &Parser{cfg: cfg}
}

// Parse decomposes body under the given verb. Table keys keep their
// declaration order; directive keys are collected into the Directive
// Set and never treated as tables.
func (p *Parser) Parse(method string, body []byte) (*ParsedRequest, error) {
	verbOp, err := OperationForVerb(method)
	if err != nil {
		return nil, err
	}
	members, err := decodeObject(body)
	if err != nil {
		return nil, &apijson.ParseError{Err: err}
	}
	req := &ParsedRequest{
		Method: strings.ToUpper(method),
		Raw:    append(json.RawMessage(nil), body...),
		Directives: Directives{
			CacheTTLMillis: -1,
		},
	}
	// Directives first: @method overrides must be known before the
	// table operations are resolved.
	for _, m := range members {
		if strings.HasPrefix(m.key, "@") {
			if err := p.parseDirective(&req.Directives, m.key, m.raw); err != nil {
				return nil, err
			}
		}
	}
	for _, m := range members {
		if strings.HasPrefix(m.key, "@") {
			continue
		}
		tq, err := p.parseTable(m.key, m.raw, verbOp, &req.Directives)
		if err != nil {
			return nil, err
		}
		req.Tables = append(req.Tables, tq)
	}
	return req, nil
}

func (p *Parser) parseDirective(d *Directives, key string, raw json.RawMessage) error {
	switch key {
	case "@page":
		n, err := decodeInt(raw)
		if err != nil || n < 0 {
			return &apijson.ParseError{Key: key, Err: fmt.Errorf("expected non-negative integer")}
		}
		d.Page, d.HasPage = n, true
	case "@count":
		n, err := decodeInt(raw)
		if err != nil || n <= 0 {
			return &apijson.ParseError{Key: key, Err: fmt.Errorf("expected positive integer")}
		}
		if n > p.cfg.MaxPageSize {
			return &apijson.OutOfRangeError{Name: key, Got: n, Max: p.cfg.MaxPageSize}
		}
		d.Count, d.HasCount = n, true
	case "@cache":
		v, err := decodeValue(raw)
		if err != nil {
			return &apijson.ParseError{Key: key, Err: err}
		}
		switch v := v.(type) {
		case bool:
			if v {
				d.CacheTTLMillis = p.cfg.Cache.DefaultTTLMillis
			} else {
				d.NoCache = true
			}
		case int64:
			if v < 0 {
				return &apijson.ParseError{Key: key, Err: fmt.Errorf("negative ttl")}
			}
			d.CacheTTLMillis = v
		default:
			return &apijson.ParseError{Key: key, Err: fmt.Errorf("expected bool or milliseconds, got %T", v)}
		}
	case "@total":
		b, err := decodeBool(raw)
		if err != nil {
			return &apijson.ParseError{Key: key, Err: err}
		}
		d.Total = b
	case "@search":
		s, err := decodeString(raw)
		if err != nil {
			return &apijson.ParseError{Key: key, Err: err}
		}
		d.Search = s
	case "@method":
		var methods map[string]string
		if err := json.Unmarshal(raw, &methods); err != nil {
			return &apijson.ParseError{Key: key, Err: fmt.Errorf("expected table-to-verb object: %w", err)}
		}
		for table, verb := range methods {
			if _, err := OperationForVerb(verb); err != nil {
				return &apijson.ParseError{Key: key, Err: fmt.Errorf("table %q: unknown verb %q", table, verb)}
			}
		}
		d.Methods = methods
	default:
		return &apijson.ParseError{Key: key, Err: fmt.Errorf("unknown directive")}
	}
	return nil
}

// tableOp resolves the operation for a table, preferring a per-table
// method override over the request verb.
func (p *Parser) tableOp(key, table string, verbOp Operation, d *Directives) (Operation, error) {
	verb, ok := d.Methods[key]
	if !ok {
		verb, ok = d.Methods[table]
	}
	if !ok {
		return verbOp, nil
	}
	return OperationForVerb(verb)
}

func (p *Parser) parseTable(key string, raw json.RawMessage, verbOp Operation, d *Directives) (*TableQuery, error) {
	tq := &TableQuery{
		Key:   key,
		Table: strings.TrimSuffix(key, "[]"),
		Multi: strings.HasSuffix(key, "[]"),
		Refs:  make(map[string]string),
	}
	if tq.Table == "" {
		return nil, &apijson.ParseError{Key: key, Err: fmt.Errorf("empty table name")}
	}
	op, err := p.tableOp(key, tq.Table, verbOp, d)
	if err != nil {
		return nil, err
	}
	tq.Op = op

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		// Array value: multi-row INSERT payload.
		if tq.Op != Insert {
			return nil, &apijson.ParseError{Key: key, Err: fmt.Errorf("array value requires an insert operation, got %s", tq.Op)}
		}
		return tq, p.parsePayloadArray(tq, trimmed)
	}

	members, err := decodeObject(raw)
	if err != nil {
		return nil, &apijson.ParseError{Key: key, Err: err}
	}
	var conds []condition.Condition
	for _, m := range members {
		c, err := p.parseTableMember(tq, m)
		if err != nil {
			return nil, err
		}
		if c != nil {
			conds = append(conds, c)
		}
	}
	tq.Where = condition.NewAnd(conds...)

	if tq.Multi && (tq.Op == Select || tq.Op == Count) {
		p.applyPaging(tq, d)
	}
	return tq, nil
}

// parseTableMember handles one key of a table object, returning the
// condition it contributes, if any.
func (p *Parser) parseTableMember(tq *TableQuery, m member) (condition.Condition, error) {
	path := tq.Table + "." + m.key
	switch m.key {
	case "@column":
		cols, err := decodeStringList(m.raw)
		if err != nil {
			return nil, &apijson.ParseError{Key: path, Err: err}
		}
		tq.Columns = cols
		return nil, nil
	case "@order":
		s, err := decodeString(m.raw)
		if err != nil {
			return nil, &apijson.ParseError{Key: path, Err: err}
		}
		order, err := parseOrder(s)
		if err != nil {
			return nil, &apijson.ParseError{Key: path, Err: err}
		}
		tq.Order = order
		return nil, nil
	case "@group":
		fields, err := decodeStringList(m.raw)
		if err != nil {
			return nil, &apijson.ParseError{Key: path, Err: err}
		}
		tq.GroupBy = fields
		return nil, nil
	case "@having":
		c, err := p.parseConditionObject(tq, path, m.raw)
		if err != nil {
			return nil, err
		}
		tq.Having = c
		return nil, nil
	case "@join":
		joins, err := parseJoins(path, m.raw)
		if err != nil {
			return nil, err
		}
		tq.Joins = joins
		return nil, nil
	case "@or", "@and", "@not":
		return p.parseCombinator(tq, path, m.key, m.raw)
	}
	if strings.HasPrefix(m.key, "@") {
		return nil, &apijson.ParseError{Key: path, Err: fmt.Errorf("unknown table directive")}
	}

	if !IsOperatorKey(m.key) && (tq.Op == Insert || tq.Op == Update) {
		// Plain keys on mutations are payload columns.
		v, err := decodeValue(m.raw)
		if err != nil {
			return nil, &apijson.ParseError{Key: path, Err: err}
		}
		if len(tq.Payload) == 0 {
			tq.Payload = append(tq.Payload, make(map[string]any))
		}
		tq.Payload[0][m.key] = v
		tq.PayloadKeys = append(tq.PayloadKeys, m.key)
		return nil, nil
	}
	if tq.Op == Insert {
		return nil, p.parseInsertRef(tq, path, m)
	}
	return p.parseConditionMember(tq, path, m)
}

// parseInsertRef handles an operator-suffixed key on an insert table.
// Inserts have no condition clause, so the only meaningful form is a
// plain reference key ("uid@"): it becomes a payload column whose
// value resolves against an earlier table's result at execution time.
func (p *Parser) parseInsertRef(tq *TableQuery, path string, m member) error {
	pk, err := ParseKey(m.key)
	if err != nil {
		return err
	}
	if !pk.IsRef || pk.Op != condition.Eq {
		return apijson.NewConditionError(path, "operator keys have no meaning on insert")
	}
	ref, err := decodeString(m.raw)
	if err != nil || !strings.HasPrefix(ref, "/") {
		return apijson.NewConditionError(path, "reference value must be a /table/field path")
	}
	if tq.Refs != nil {
		tq.Refs[pk.Field] = ref
	}
	if len(tq.Payload) == 0 {
		tq.Payload = append(tq.Payload, make(map[string]any))
	}
	tq.Payload[0][pk.Field] = RefValue{Path: ref}
	tq.PayloadKeys = append(tq.PayloadKeys, pk.Field)
	return nil
}

// parseConditionMember turns one condition key/value into tree nodes.
func (p *Parser) parseConditionMember(tq *TableQuery, path string, m member) (condition.Condition, error) {
	pk, err := ParseKey(m.key)
	if err != nil {
		return nil, err
	}
	if pk.IsRef {
		ref, err := decodeString(m.raw)
		if err != nil || !strings.HasPrefix(ref, "/") {
			return nil, apijson.NewConditionError(path, "reference value must be a /table/field path")
		}
		if tq.Refs != nil {
			tq.Refs[pk.Field] = ref
		}
		return &condition.Leaf{Field: pk.Field, Op: pk.Op, Value: ref, Ref: true}, nil
	}
	v, err := decodeValue(m.raw)
	if err != nil {
		return nil, &apijson.ParseError{Key: path, Err: err}
	}
	// An operator-object expands into one leaf per operator key.
	if obj, ok := v.(map[string]any); ok && isOperatorObject(obj) {
		oms, err := decodeObject(m.raw)
		if err != nil {
			return nil, &apijson.ParseError{Key: path, Err: err}
		}
		var conds []condition.Condition
		for _, om := range oms {
			op, ok := bareOp(om.key)
			if !ok {
				return nil, apijson.NewConditionError(path, "unknown operator %q", om.key)
			}
			ov, err := decodeValue(om.raw)
			if err != nil {
				return nil, &apijson.ParseError{Key: path, Err: err}
			}
			conds = append(conds, &condition.Leaf{Field: pk.Field, Op: op, Value: ov})
		}
		return condition.NewAnd(conds...), nil
	}
	return &condition.Leaf{Field: pk.Field, Op: pk.Op, Value: v}, nil
}

// parseCombinator handles @or/@and/@not. @or and @and require array
// operands; @not requires an object operand.
func (p *Parser) parseCombinator(tq *TableQuery, path, key string, raw json.RawMessage) (condition.Condition, error) {
	trimmed := bytes.TrimSpace(raw)
	switch key {
	case "@not":
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, apijson.NewConditionError(path, "@not requires an object operand")
		}
		c, err := p.parseConditionObject(tq, path, raw)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, nil
		}
		return &condition.Not{C: c}, nil
	default:
		if len(trimmed) == 0 || trimmed[0] != '[' {
			return nil, apijson.NewConditionError(path, "%s requires an array operand", key)
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, &apijson.ParseError{Key: path, Err: err}
		}
		var conds []condition.Condition
		for _, e := range elems {
			c, err := p.parseConditionObject(tq, path, e)
			if err != nil {
				return nil, err
			}
			if c != nil {
				conds = append(conds, c)
			}
		}
		// An empty operand list collapses to no output.
		if key == "@or" {
			return condition.NewOr(conds...), nil
		}
		return condition.NewAnd(conds...), nil
	}
}

// parseConditionObject builds the AND group for one condition object,
// recursing into nested combinators.
func (p *Parser) parseConditionObject(tq *TableQuery, path string, raw json.RawMessage) (condition.Condition, error) {
	members, err := decodeObject(raw)
	if err != nil {
		return nil, &apijson.ParseError{Key: path, Err: err}
	}
	var conds []condition.Condition
	for _, m := range members {
		var (
			c   condition.Condition
			err error
		)
		switch m.key {
		case "@or", "@and", "@not":
			c, err = p.parseCombinator(tq, path+"."+m.key, m.key, m.raw)
		default:
			c, err = p.parseConditionMember(tq, path+"."+m.key, m)
		}
		if err != nil {
			return nil, err
		}
		if c != nil {
			conds = append(conds, c)
		}
	}
	return condition.NewAnd(conds...), nil
}

func (p *Parser) parsePayloadArray(tq *TableQuery, raw json.RawMessage) error {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return &apijson.ParseError{Key: tq.Key, Err: err}
	}
	if len(elems) == 0 {
		return &apijson.ParseError{Key: tq.Key, Err: fmt.Errorf("empty payload array")}
	}
	for i, e := range elems {
		members, err := decodeObject(e)
		if err != nil {
			return &apijson.ParseError{Key: fmt.Sprintf("%s[%d]", tq.Key, i), Err: err}
		}
		row := make(map[string]any, len(members))
		for _, m := range members {
			v, err := decodeValue(m.raw)
			if err != nil {
				return &apijson.ParseError{Key: fmt.Sprintf("%s[%d].%s", tq.Key, i, m.key), Err: err}
			}
			row[m.key] = v
			if i == 0 && !strings.HasPrefix(m.key, "@") {
				tq.PayloadKeys = append(tq.PayloadKeys, m.key)
			}
		}
		tq.Payload = append(tq.Payload, row)
	}
	return nil
}

func (p *Parser) applyPaging(tq *TableQuery, d *Directives) {
	limit := p.cfg.DefaultPageSize
	if d.HasCount {
		limit = d.Count
	}
	tq.Limit = limit
	if d.HasPage {
		tq.Offset = d.Page * limit
	}
}

// parseOrder decodes "date-,name+" style order lists. A bare field
// sorts ascending.
func parseOrder(s string) ([]OrderSpec, error) {
	var specs []OrderSpec
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		spec := OrderSpec{Field: part}
		switch {
		case strings.HasSuffix(part, "-"):
			spec.Field, spec.Desc = strings.TrimSuffix(part, "-"), true
		case strings.HasSuffix(part, "+"):
			spec.Field = strings.TrimSuffix(part, "+")
		}
		if spec.Field == "" {
			return nil, fmt.Errorf("empty order field in %q", s)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// joinTokens are the abstract join kinds, longest first so compact
// strings resolve deterministically.
var joinTokens = []string{"!", "@", "<", ">", "&", "|", "^", "(", ")", "~"}

// parseJoins decodes the @join value: an array whose elements are
// either spec objects or compact strings of the form
// "<token>/<table>/<field>@<localField>".
func parseJoins(path string, raw json.RawMessage) ([]JoinSpec, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, &apijson.ParseError{Key: path, Err: fmt.Errorf("expected array: %w", err)}
	}
	joins := make([]JoinSpec, 0, len(elems))
	for i, e := range elems {
		epath := fmt.Sprintf("%s[%d]", path, i)
		trimmed := bytes.TrimSpace(e)
		if len(trimmed) == 0 {
			return nil, &apijson.ParseError{Key: epath, Err: fmt.Errorf("empty join spec")}
		}
		var (
			spec JoinSpec
			err  error
		)
		if trimmed[0] == '"' {
			var s string
			if err := json.Unmarshal(e, &s); err != nil {
				return nil, &apijson.ParseError{Key: epath, Err: err}
			}
			spec, err = parseCompactJoin(s)
		} else {
			spec, err = parseJoinObject(e)
		}
		if err != nil {
			return nil, &apijson.ParseError{Key: epath, Err: err}
		}
		joins = append(joins, spec)
	}
	return joins, nil
}

// parseCompactJoin decodes "</user/id@user_id": join token, joined
// table path, and the local field after "@".
func parseCompactJoin(s string) (JoinSpec, error) {
	var spec JoinSpec
	for _, t := range joinTokens {
		if strings.HasPrefix(s, t) {
			spec.Join = t
			s = strings.TrimPrefix(s, t)
			break
		}
	}
	if spec.Join == "" {
		return spec, fmt.Errorf("missing join token in %q", s)
	}
	body, local, ok := strings.Cut(s, "@")
	if !ok || local == "" {
		return spec, fmt.Errorf("missing @localField in join %q", s)
	}
	parts := strings.Split(strings.TrimPrefix(body, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return spec, fmt.Errorf("join path %q is not /table/field", body)
	}
	spec.Table = parts[0]
	spec.On = map[string]string{local: parts[1]}
	return spec, nil
}

func parseJoinObject(raw json.RawMessage) (JoinSpec, error) {
	var obj struct {
		Join  string          `json:"join"`
		Table string          `json:"table"`
		On    json.RawMessage `json:"on"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return JoinSpec{}, err
	}
	spec := JoinSpec{Join: obj.Join, Table: obj.Table}
	if spec.Join == "" || spec.Table == "" {
		return spec, fmt.Errorf("join spec requires join token and table")
	}
	trimmed := bytes.TrimSpace(obj.On)
	if len(trimmed) == 0 {
		return spec, fmt.Errorf("join spec requires on")
	}
	if trimmed[0] == '"' {
		// Compact "localField@/table/field" form.
		var s string
		if err := json.Unmarshal(obj.On, &s); err != nil {
			return spec, err
		}
		local, ref, ok := strings.Cut(s, "@")
		if !ok || local == "" {
			return spec, fmt.Errorf("on %q is not field@/table/field", s)
		}
		parts := strings.Split(strings.TrimPrefix(ref, "/"), "/")
		if len(parts) != 2 || parts[0] != spec.Table || parts[1] == "" {
			return spec, fmt.Errorf("on path %q does not match table %q", ref, spec.Table)
		}
		spec.On = map[string]string{local: parts[1]}
		return spec, nil
	}
	var on map[string]string
	if err := json.Unmarshal(obj.On, &on); err != nil {
		return spec, fmt.Errorf("on must be a field map or field@/table/field string: %w", err)
	}
	spec.On = make(map[string]string, len(on))
	for local, other := range on {
		// Map values may be either bare fields or /table/field paths.
		if strings.HasPrefix(other, "/") {
			parts := strings.Split(strings.TrimPrefix(other, "/"), "/")
			if len(parts) != 2 || parts[0] != spec.Table || parts[1] == "" {
				return spec, fmt.Errorf("on path %q does not match table %q", other, spec.Table)
			}
			other = parts[1]
		}
		spec.On[local] = other
	}
	if len(spec.On) == 0 {
		return spec, fmt.Errorf("join spec requires at least one on pair")
	}
	return spec, nil
}
