// Package batch applies one homogeneous operation across a large item
// collection. Items are split into fixed-size chunks processed
// strictly sequentially; within a chunk, mutations stay sequential so
// ordering and error attribution remain deterministic, while read
// batches may run with bounded concurrency. Each item supports
// retries with a fixed delay, and each chunk can run inside its own
// transaction.
package batch

import (
	"context"
	dbsql "database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syssam/apijson"
	"github.com/syssam/apijson/compiler"
	"github.com/syssam/apijson/condition"
	"github.com/syssam/apijson/dialect"
	sqld "github.com/syssam/apijson/dialect/sql"
	"github.com/syssam/apijson/parser"
	"github.com/syssam/apijson/txn"
)

// Progress reports chunk-boundary progress. It fires once per chunk,
// never per item.
type Progress struct {
	Processed  int
	Total      int
	Percentage float64
	Completed  bool
}

// ProgressFunc receives Progress after each chunk.
type ProgressFunc func(Progress)

// options are the effective settings for one batch run.
type options struct {
	chunkSize       int
	parallel        bool
	concurrency     int
	maxRetries      int
	retryDelay      time.Duration
	continueOnError bool
	txPerChunk      bool
	progress        ProgressFunc
}

// Option overrides one batch setting.
type Option func(*options)

// WithChunkSize sets the chunk size (default 100).
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithParallel enables bounded-concurrency processing. Only read
// batches honor it; mutations always run sequentially.
func WithParallel(concurrency int) Option {
	return func(o *options) {
		o.parallel = true
		if concurrency > 0 {
			o.concurrency = concurrency
		}
	}
}

// WithRetries sets per-item retry count and the fixed delay between
// attempts.
func WithRetries(n int, delay time.Duration) Option {
	return func(o *options) {
		o.maxRetries = n
		o.retryDelay = delay
	}
}

// WithContinueOnError controls failure handling: record-and-continue
// (default) versus abort-on-first-failure.
func WithContinueOnError(cont bool) Option {
	return func(o *options) { o.continueOnError = cont }
}

// WithTxPerChunk runs each chunk inside its own transaction.
func WithTxPerChunk() Option {
	return func(o *options) { o.txPerChunk = true }
}

// WithProgress registers a per-chunk progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

// ItemResult is one succeeded item, in submission order.
type ItemResult struct {
	Index int
	Item  any
	// GeneratedID is the insert-generated id, when the backend
	// reports one.
	GeneratedID int64
	// Rows holds the result rows for query batches.
	Rows []map[string]any
	// Affected is the affected-row count for mutations.
	Affected int64
}

// Result aggregates one batch run.
type Result struct {
	Total     int
	Succeeded int
	Failed    int
	Items     []ItemResult
	Failures  []*apijson.BatchItemError
}

// Statement is one raw statement for ExecBatch/QueryBatch.
type Statement struct {
	SQL    string
	Params []any
}

// Service executes batch operations against a driver, joining the
// ambient transaction when one is active.
type Service struct {
	tm  *txn.Manager
	cmp *compiler.Compiler
	cfg apijson.BatchConfig
	id  string // primary-key column for update/delete compilation
}

// New returns a Service. cfg supplies the defaults each run can
// override per call.
func New(drv dialect.Driver, cfg *apijson.Config) *Service {
	if cfg == nil {
		cfg = apijson.DefaultConfig()
	}
	return &Service{
		tm:  txn.NewManager(drv),
		cmp: compiler.New(cfg),
		cfg: cfg.Batch,
		id:  cfg.IDKey,
	}
}

func (s *Service) newOptions(opts []Option) *options {
	o := &options{
		chunkSize:       s.cfg.ChunkSize,
		concurrency:     s.cfg.Concurrency,
		maxRetries:      s.cfg.MaxRetries,
		retryDelay:      time.Duration(s.cfg.RetryDelayMillis) * time.Millisecond,
		continueOnError: s.cfg.ContinueOnError,
	}
	if o.chunkSize <= 0 {
		o.chunkSize = 100
	}
	if o.concurrency <= 0 {
		o.concurrency = 5
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// InsertBatch inserts rows one item at a time, collecting generated
// ids in submission order.
func (s *Service) InsertBatch(ctx context.Context, table string, rows []map[string]any, opts ...Option) (*Result, error) {
	items := make([]any, len(rows))
	for i, r := range rows {
		items[i] = r
	}
	return s.run(ctx, items, s.newOptions(opts), false, func(ctx context.Context, item any, _ int) (ItemResult, error) {
		row := item.(map[string]any)
		q, err := s.compileRow(table, parser.Insert, row)
		if err != nil {
			return ItemResult{}, err
		}
		return s.exec(ctx, q)
	})
}

// UpdateBatch updates one row per item; every row must carry the
// primary key.
func (s *Service) UpdateBatch(ctx context.Context, table string, rows []map[string]any, opts ...Option) (*Result, error) {
	items := make([]any, len(rows))
	for i, r := range rows {
		items[i] = r
	}
	return s.run(ctx, items, s.newOptions(opts), false, func(ctx context.Context, item any, _ int) (ItemResult, error) {
		row := item.(map[string]any)
		q, err := s.compileRow(table, parser.Update, row)
		if err != nil {
			return ItemResult{}, err
		}
		return s.exec(ctx, q)
	})
}

// DeleteBatch deletes by primary key, one item per id.
func (s *Service) DeleteBatch(ctx context.Context, table string, ids []any, opts ...Option) (*Result, error) {
	return s.run(ctx, ids, s.newOptions(opts), false, func(ctx context.Context, item any, _ int) (ItemResult, error) {
		q, err := s.cmp.Compile(&parser.TableQuery{
			Table: table,
			Op:    parser.Delete,
			Where: &condition.Leaf{Field: s.id, Op: condition.Eq, Value: item},
		})
		if err != nil {
			return ItemResult{}, err
		}
		return s.exec(ctx, q)
	})
}

// ExecBatch executes raw statements sequentially.
func (s *Service) ExecBatch(ctx context.Context, stmts []Statement, opts ...Option) (*Result, error) {
	items := make([]any, len(stmts))
	for i, st := range stmts {
		items[i] = st
	}
	return s.run(ctx, items, s.newOptions(opts), false, func(ctx context.Context, item any, _ int) (ItemResult, error) {
		st := item.(Statement)
		var res dbsql.Result
		if err := s.tm.Querier(ctx).Exec(ctx, st.SQL, st.Params, &res); err != nil {
			return ItemResult{}, err
		}
		out := ItemResult{}
		out.Affected, _ = res.RowsAffected()
		out.GeneratedID, _ = res.LastInsertId()
		return out, nil
	})
}

// QueryBatch runs read-only statements; with WithParallel the items
// of each chunk run concurrently up to the configured bound.
func (s *Service) QueryBatch(ctx context.Context, stmts []Statement, opts ...Option) (*Result, error) {
	items := make([]any, len(stmts))
	for i, st := range stmts {
		items[i] = st
	}
	return s.run(ctx, items, s.newOptions(opts), true, func(ctx context.Context, item any, _ int) (ItemResult, error) {
		st := item.(Statement)
		var rows sqld.Rows
		if err := s.tm.Querier(ctx).Query(ctx, st.SQL, st.Params, &rows); err != nil {
			return ItemResult{}, err
		}
		maps, err := sqld.ScanMaps(&rows)
		if err != nil {
			return ItemResult{}, err
		}
		return ItemResult{Rows: maps}, nil
	})
}

// compileRow builds and compiles a one-row mutation for table.
func (s *Service) compileRow(table string, op parser.Operation, row map[string]any) (*compiler.CompiledQuery, error) {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return s.cmp.Compile(&parser.TableQuery{
		Table:       table,
		Op:          op,
		Payload:     []map[string]any{row},
		PayloadKeys: keys,
	})
}

func (s *Service) exec(ctx context.Context, q *compiler.CompiledQuery) (ItemResult, error) {
	var res dbsql.Result
	if err := s.tm.Querier(ctx).Exec(ctx, q.SQL, q.Params, &res); err != nil {
		return ItemResult{}, err
	}
	out := ItemResult{}
	out.Affected, _ = res.RowsAffected()
	if q.Op == parser.Insert {
		out.GeneratedID, _ = res.LastInsertId()
	}
	return out, nil
}

type itemFunc func(ctx context.Context, item any, index int) (ItemResult, error)

// run is the shared chunk loop. Chunks are strictly sequential; the
// context is consulted at every chunk boundary so callers can bound
// the whole batch with a deadline.
func (s *Service) run(ctx context.Context, items []any, o *options, readonly bool, fn itemFunc) (*Result, error) {
	result := &Result{Total: len(items)}
	processed := 0
	for start := 0; start < len(items); start += o.chunkSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		end := start + o.chunkSize
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]

		var err error
		if o.txPerChunk {
			err = s.tm.WithTx(ctx, func(ctx context.Context) error {
				return s.runChunk(ctx, chunk, start, o, readonly, fn, result)
			})
		} else {
			err = s.runChunk(ctx, chunk, start, o, readonly, fn, result)
		}
		processed += len(chunk)
		if o.progress != nil {
			o.progress(Progress{
				Processed:  processed,
				Total:      result.Total,
				Percentage: float64(processed) / float64(result.Total) * 100,
				Completed:  processed == result.Total && err == nil,
			})
		}
		if err != nil {
			// Abort: remaining chunks are never attempted.
			return result, err
		}
	}
	return result, nil
}

func (s *Service) runChunk(ctx context.Context, chunk []any, offset int, o *options, readonly bool, fn itemFunc, result *Result) error {
	if readonly && o.parallel {
		return s.runChunkParallel(ctx, chunk, offset, o, fn, result)
	}
	for i, item := range chunk {
		index := offset + i
		out, err := s.attempt(ctx, item, index, o, fn)
		if err != nil {
			ierr := &apijson.BatchItemError{Index: index, Item: item, Err: err}
			result.Failed++
			result.Failures = append(result.Failures, ierr)
			if !o.continueOnError {
				return ierr
			}
			continue
		}
		out.Index, out.Item = index, item
		result.Succeeded++
		result.Items = append(result.Items, out)
	}
	return nil
}

// runChunkParallel processes a read-only chunk with bounded
// concurrency. Results are re-ordered by submission index afterwards.
func (s *Service) runChunkParallel(ctx context.Context, chunk []any, offset int, o *options, fn itemFunc, result *Result) error {
	var (
		mu       sync.Mutex
		items    []ItemResult
		failures []*apijson.BatchItemError
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, item := range chunk {
		i, item := i, item
		index := offset + i
		g.Go(func() error {
			out, err := s.attempt(gctx, item, index, o, fn)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				ierr := &apijson.BatchItemError{Index: index, Item: item, Err: err}
				failures = append(failures, ierr)
				if !o.continueOnError {
					return ierr
				}
				return nil
			}
			out.Index, out.Item = index, item
			items = append(items, out)
			return nil
		})
	}
	err := g.Wait()
	sort.Slice(items, func(a, b int) bool { return items[a].Index < items[b].Index })
	sort.Slice(failures, func(a, b int) bool { return failures[a].Index < failures[b].Index })
	result.Succeeded += len(items)
	result.Failed += len(failures)
	result.Items = append(result.Items, items...)
	result.Failures = append(result.Failures, failures...)
	return err
}

// attempt runs one item with the configured retries and fixed delay.
func (s *Service) attempt(ctx context.Context, item any, index int, o *options, fn itemFunc) (ItemResult, error) {
	var lastErr error
	for try := 0; try <= o.maxRetries; try++ {
		if try > 0 {
			slog.Debug("retrying batch item", "index", index, "attempt", try)
			select {
			case <-time.After(o.retryDelay):
			case <-ctx.Done():
				return ItemResult{}, ctx.Err()
			}
		}
		out, err := fn(ctx, item, index)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("batch item %d failed", index)
	}
	return ItemResult{}, lastErr
}
