// Package pipeline wires the request stages together: parse, validate,
// compile, execute, envelope. The Engine is the single entry point a
// server handler needs; everything below it (parser, compiler,
// transactions, cache) stays independently usable.
package pipeline

import (
	"context"
	"crypto/sha256"
	dbsql "database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/syssam/apijson"
	"github.com/syssam/apijson/cache"
	"github.com/syssam/apijson/compiler"
	"github.com/syssam/apijson/dialect"
	sqld "github.com/syssam/apijson/dialect/sql"
	"github.com/syssam/apijson/parser"
	"github.com/syssam/apijson/txn"
)

// Validation is the outcome of a request-level validator.
type Validation struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Validator inspects a parsed request before compilation. Errors
// reject the request with a validation failure; warnings pass through
// into the response envelope.
type Validator interface {
	Validate(ctx context.Context, req *parser.ParsedRequest) *Validation
}

// TableResult is the per-table slot of a response envelope.
type TableResult struct {
	Rows []map[string]any `json:"rows,omitempty" msgpack:"rows"`
	// Affected is the affected-row count for mutations.
	Affected int64 `json:"affected,omitempty" msgpack:"affected"`
	// GeneratedIDs holds insert-generated ids when the backend reports
	// them.
	GeneratedIDs []int64 `json:"generated_ids,omitempty" msgpack:"generated_ids"`
	// Total is the unpaginated row count, present only when the request
	// asked for it.
	Total *int64 `json:"total,omitempty" msgpack:"total"`
}

// Response is the uniform envelope every request produces, success or
// failure.
type Response struct {
	Code int    `json:"code" msgpack:"code"`
	Msg  string `json:"msg" msgpack:"msg"`
	// Cached marks a response served from the result cache.
	Cached   bool                    `json:"cached,omitempty" msgpack:"-"`
	Warnings []string                `json:"warnings,omitempty" msgpack:"warnings"`
	Tables   map[string]*TableResult `json:"tables,omitempty" msgpack:"tables"`

	// Err carries the underlying error for programmatic callers. It is
	// never serialized.
	Err error `json:"-" msgpack:"-"`
}

// OK reports whether the request succeeded.
func (r *Response) OK() bool { return r.Code == apijson.CodeOK }

// Engine coordinates the full request pipeline.
type Engine struct {
	cfg       *apijson.Config
	parser    *parser.Parser
	compiler  *compiler.Compiler
	tm        *txn.Manager
	cache     *cache.Cache
	validator Validator
}

// Option configures an Engine.
type Option func(*Engine)

// WithValidator installs a request validator.
func WithValidator(v Validator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithCache replaces the default result cache.
func WithCache(c *cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// New returns an Engine over drv. A nil config falls back to defaults.
func New(drv dialect.Driver, cfg *apijson.Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = apijson.DefaultConfig()
	}
	e := &Engine{
		cfg:      cfg,
		parser:   parser.New(cfg),
		compiler: compiler.New(cfg),
		tm:       txn.NewManager(drv),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = cache.New(
			cache.WithMaxEntries(cfg.Cache.MaxEntries),
			cache.WithSweepInterval(time.Duration(cfg.Cache.SweepIntervalMillis)*time.Millisecond),
		)
	}
	return e
}

// Cache exposes the engine's result cache.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Close releases engine-held resources.
func (e *Engine) Close() { e.cache.Close() }

// Execute runs one request end to end and always returns an envelope;
// failures map onto Code/Msg with the cause in Err.
func (e *Engine) Execute(ctx context.Context, method string, body []byte) *Response {
	req, err := e.parser.Parse(method, body)
	if err != nil {
		return envelope(err)
	}

	var warnings []string
	if e.validator != nil {
		v := e.validator.Validate(ctx, req)
		if v != nil {
			warnings = v.Warnings
			if !v.Valid {
				return envelope(&apijson.ValidationError{Errors: v.Errors})
			}
		}
	}

	cacheable := e.cacheable(req)
	var key string
	if cacheable {
		key = fingerprint(req.Method, body)
		if data, ok := e.cache.Get(key); ok {
			var resp Response
			if err := cache.Restore(data.([]byte), &resp); err == nil {
				resp.Cached = true
				resp.Warnings = warnings
				return &resp
			}
			// A corrupt snapshot falls through to a fresh execution.
			e.cache.Delete(key)
		}
	}

	cr, err := e.compiler.CompileRequest(req)
	if err != nil {
		return envelope(err)
	}

	resp := &Response{
		Code:     apijson.CodeOK,
		Msg:      "success",
		Warnings: warnings,
		Tables:   make(map[string]*TableResult, len(cr.Queries)),
	}
	run := func(ctx context.Context) error {
		return e.runQueries(ctx, cr, resp)
	}
	if mutates(cr) {
		err = e.tm.WithTx(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return envelope(err)
	}

	if cacheable {
		if data, serr := cache.Snapshot(resp); serr == nil {
			e.cache.Set(key, data, e.cacheTTL(&req.Directives))
		} else {
			slog.Warn("response snapshot failed", "error", serr)
		}
	}
	return resp
}

// cacheable reports whether the request may be served from and stored
// into the result cache: a read-only request with no per-table method
// overrides and no list query. Eligible reads cache by default; an
// explicit "@cache": false opts out.
func (e *Engine) cacheable(req *parser.ParsedRequest) bool {
	return parser.ReadVerb(req.Method) &&
		!req.Directives.NoCache &&
		!req.Directives.HasOverride() &&
		!req.HasMultiQuery()
}

// cacheTTL picks the entry TTL: the @cache directive value when one
// was given, the configured default otherwise.
func (e *Engine) cacheTTL(d *parser.Directives) time.Duration {
	ms := d.CacheTTLMillis
	if ms < 0 {
		ms = e.cfg.Cache.DefaultTTLMillis
	}
	return time.Duration(ms) * time.Millisecond
}

// mutates reports whether any compiled query writes.
func mutates(cr *compiler.CompiledRequest) bool {
	for _, q := range cr.Queries {
		if q.Op.Mutates() {
			return true
		}
	}
	return false
}

// runQueries executes the compiled queries in declaration order so
// later tables can reference earlier results. Reference paths name
// bare tables, so results are additionally tracked under the table
// name with any "[]" suffix stripped.
func (e *Engine) runQueries(ctx context.Context, cr *compiler.CompiledRequest, resp *Response) error {
	byTable := make(map[string]*TableResult, len(cr.Queries))
	for _, q := range cr.Queries {
		if err := ctx.Err(); err != nil {
			return err
		}
		sqlText, params := q.SQL, q.Params
		if q.HasRefs() {
			var err error
			sqlText, params, err = resolveRefs(q, byTable, e.cfg.IDKey)
			if err != nil {
				return err
			}
		}
		tr, err := e.runOne(ctx, q, sqlText, params)
		if err != nil {
			return err
		}
		if q.Source != nil && q.Source.Multi && q.Op == parser.Select && cr.Request.Directives.Total {
			total, err := e.total(ctx, q.Source)
			if err != nil {
				return err
			}
			tr.Total = &total
		}
		resp.Tables[q.Source.Key] = tr
		byTable[q.Table] = tr
	}
	return nil
}

func (e *Engine) runOne(ctx context.Context, q *compiler.CompiledQuery, sqlText string, params []any) (*TableResult, error) {
	querier := e.tm.Querier(ctx)
	if q.Op.Mutates() {
		var res dbsql.Result
		if err := querier.Exec(ctx, sqlText, params, &res); err != nil {
			if cerr := sqld.ConflictFrom(err); apijson.IsConflict(cerr) {
				return nil, cerr
			}
			return nil, &apijson.ExecuteError{Table: q.Table, Op: q.Op.String(), Err: err}
		}
		tr := &TableResult{}
		tr.Affected, _ = res.RowsAffected()
		if q.Op == parser.Insert {
			if id, err := res.LastInsertId(); err == nil && id > 0 {
				tr.GeneratedIDs = []int64{id}
			}
		}
		return tr, nil
	}
	var rows sqld.Rows
	if err := querier.Query(ctx, sqlText, params, &rows); err != nil {
		return nil, &apijson.ExecuteError{Table: q.Table, Op: q.Op.String(), Err: err}
	}
	maps, err := sqld.ScanMaps(&rows)
	if err != nil {
		return nil, &apijson.ExecuteError{Table: q.Table, Op: q.Op.String(), Err: err}
	}
	if q.Op == parser.Count {
		return countResult(q.Table, maps), nil
	}
	return &TableResult{Rows: maps}, nil
}

// countResult folds a COUNT result set into the envelope shape the
// read path uses: the single aggregate value as Affected-style total.
func countResult(table string, maps []map[string]any) *TableResult {
	tr := &TableResult{Rows: maps}
	if len(maps) == 1 {
		for _, v := range maps[0] {
			if n, ok := toInt64(v); ok {
				tr.Total = &n
			}
		}
	}
	return tr
}

// total runs the companion unpaginated COUNT for a list query.
func (e *Engine) total(ctx context.Context, tq *parser.TableQuery) (int64, error) {
	ctq := *tq
	ctq.Op = parser.Count
	ctq.Columns = nil
	ctq.Order = nil
	ctq.Limit, ctq.Offset = 0, 0
	q, err := e.compiler.Compile(&ctq)
	if err != nil {
		return 0, err
	}
	var rows sqld.Rows
	if err := e.tm.Querier(ctx).Query(ctx, q.SQL, q.Params, &rows); err != nil {
		return 0, &apijson.ExecuteError{Table: tq.Table, Op: "count", Err: err}
	}
	maps, err := sqld.ScanMaps(&rows)
	if err != nil {
		return 0, &apijson.ExecuteError{Table: tq.Table, Op: "count", Err: err}
	}
	if len(maps) == 1 {
		for _, v := range maps[0] {
			if n, ok := toInt64(v); ok {
				return n, nil
			}
		}
	}
	return 0, nil
}

// resolveRefs replaces deferred reference parameters with values from
// earlier tables' results. A multi-valued reference expands its single
// placeholder into one per value.
func resolveRefs(q *compiler.CompiledQuery, results map[string]*TableResult, idKey string) (string, []any, error) {
	sqlText := q.SQL
	params := make([]any, 0, len(q.Params))
	// shift tracks how many extra placeholders earlier expansions have
	// already inserted, so placeholder indexes stay aligned.
	shift := 0
	for i, p := range q.Params {
		ref, ok := p.(compiler.RefParam)
		if !ok {
			params = append(params, p)
			continue
		}
		values, err := lookupRef(ref.Path, results, idKey)
		if err != nil {
			return "", nil, err
		}
		if !ref.Multi {
			if len(values) == 0 {
				params = append(params, nil)
			} else {
				params = append(params, values[0])
			}
			continue
		}
		if len(values) == 0 {
			// IN against an empty reference matches nothing.
			values = []any{nil}
		}
		var expanded string
		sqlText, expanded = expandPlaceholder(sqlText, i+shift, len(values))
		if expanded == "" {
			return "", nil, &apijson.ExecuteError{
				Table: q.Table, Op: q.Op.String(),
				Err: fmt.Errorf("placeholder %d not found for reference %q", i, ref.Path),
			}
		}
		shift += len(values) - 1
		params = append(params, values...)
	}
	return sqlText, params, nil
}

// lookupRef resolves a "/table/field" path against earlier results.
// Mutation results carry no rows, so a primary-key reference falls
// back to the insert-generated ids.
func lookupRef(path string, results map[string]*TableResult, idKey string) ([]any, error) {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[len(parts)-1] == "" {
		return nil, apijson.NewConditionError(path, "malformed reference path")
	}
	table, field := parts[0], parts[len(parts)-1]
	tr, ok := results[table]
	if !ok || tr == nil {
		return nil, apijson.NewNotExistError(table)
	}
	var values []any
	for _, row := range tr.Rows {
		if v, ok := row[field]; ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 && field == idKey {
		for _, id := range tr.GeneratedIDs {
			values = append(values, id)
		}
	}
	return values, nil
}

// expandPlaceholder rewrites the idx-th `?` of sqlText into n
// comma-joined placeholders. The second return is empty when the
// placeholder does not exist.
func expandPlaceholder(sqlText string, idx, n int) (string, string) {
	seen := 0
	for pos := 0; pos < len(sqlText); pos++ {
		if sqlText[pos] != '?' {
			continue
		}
		if seen == idx {
			expanded := strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
			return sqlText[:pos] + expanded + sqlText[pos+1:], expanded
		}
		seen++
	}
	return sqlText, ""
}

// fingerprint derives the cache key for a request body. The body is
// re-marshalled through a generic decode so key order and whitespace
// never change the fingerprint.
func fingerprint(method string, body []byte) string {
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		if canonical, err := json.Marshal(v); err == nil {
			body = canonical
		}
	}
	sum := sha256.Sum256(body)
	return method + ":" + hex.EncodeToString(sum[:])
}

func toInt64(v any) (int64, bool) {
	switch v := v.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			return n, true
		}
	case []byte:
		var n int64
		if _, err := fmt.Sscan(string(v), &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

// envelope maps an error onto the uniform response shape.
func envelope(err error) *Response {
	return &Response{
		Code: apijson.CodeOf(err),
		Msg:  err.Error(),
		Err:  err,
	}
}
