// Package txn manages logical transactions over a dialect.Driver:
// lifecycle state, named savepoints, and ambient propagation through
// context so nested calls in one request see the active transaction
// without explicit threading.
package txn

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syssam/apijson"
	"github.com/syssam/apijson/dialect"
)

// Status is the lifecycle state of a Transaction.
type Status int

// Transaction states. Committed, RolledBack and Failed are terminal;
// any operation on a terminal transaction fails with TransactionError.
const (
	NotStarted Status = iota
	Active
	Committed
	RolledBack
	Failed
)

var statusNames = [...]string{
	NotStarted: "not started",
	Active:     "active",
	Committed:  "committed",
	RolledBack: "rolled back",
	Failed:     "failed",
}

// String returns the state name.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == Committed || s == RolledBack || s == Failed
}

// savepointRe validates savepoint names before they are interpolated
// into SAVEPOINT statements (they cannot be bound as parameters).
var savepointRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Transaction is one logical transaction. It is bound to a single
// request task and must not be shared across concurrent requests.
type Transaction struct {
	id        string
	isolation sql.IsolationLevel

	mu         sync.Mutex
	status     Status
	tx         dialect.Tx
	savepoints []string
	spSeq      int
	startedAt  time.Time
	endedAt    time.Time
}

// ID returns the logical transaction id.
func (t *Transaction) ID() string { return t.id }

// Status returns the current lifecycle state.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// StartedAt returns the begin timestamp.
func (t *Transaction) StartedAt() time.Time { return t.startedAt }

// EndedAt returns the time the transaction reached a terminal state,
// zero while still active.
func (t *Transaction) EndedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.endedAt
}

// Savepoints returns the current savepoint stack, oldest first.
func (t *Transaction) Savepoints() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.savepoints...)
}

// active returns the underlying tx or a TransactionError when the
// transaction cannot accept the operation.
func (t *Transaction) active(op string) (dialect.Tx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != Active {
		return nil, &apijson.TransactionError{
			TxID: t.id, Op: op,
			Err: fmt.Errorf("transaction is %s", t.status),
		}
	}
	return t.tx, nil
}

// Exec runs a statement inside the transaction.
func (t *Transaction) Exec(ctx context.Context, query string, args, v any) error {
	tx, err := t.active("exec")
	if err != nil {
		return err
	}
	return tx.Exec(ctx, query, args, v)
}

// Query runs a query inside the transaction.
func (t *Transaction) Query(ctx context.Context, query string, args, v any) error {
	tx, err := t.active("query")
	if err != nil {
		return err
	}
	return tx.Query(ctx, query, args, v)
}

// Commit moves the transaction to Committed. Committing a terminal
// transaction fails with TransactionError rather than succeeding
// silently.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != Active {
		return &apijson.TransactionError{
			TxID: t.id, Op: "commit",
			Err: fmt.Errorf("transaction is %s", t.status),
		}
	}
	if err := t.tx.Commit(); err != nil {
		t.status = Failed
		t.endedAt = time.Now()
		return &apijson.TransactionError{TxID: t.id, Op: "commit", Err: err}
	}
	t.status = Committed
	t.endedAt = time.Now()
	return nil
}

// Rollback moves the transaction to RolledBack, with the same
// terminal-state rule as Commit.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != Active {
		return &apijson.TransactionError{
			TxID: t.id, Op: "rollback",
			Err: fmt.Errorf("transaction is %s", t.status),
		}
	}
	if err := t.tx.Rollback(); err != nil {
		t.status = Failed
		t.endedAt = time.Now()
		return &apijson.TransactionError{TxID: t.id, Op: "rollback", Err: err}
	}
	t.status = RolledBack
	t.endedAt = time.Now()
	return nil
}

// Savepoint pushes a named savepoint. Names must be unique within the
// transaction.
func (t *Transaction) Savepoint(ctx context.Context, name string) error {
	if !savepointRe.MatchString(name) {
		return &apijson.TransactionError{TxID: t.id, Op: "savepoint", Err: fmt.Errorf("invalid savepoint name %q", name)}
	}
	tx, err := t.active("savepoint")
	if err != nil {
		return err
	}
	t.mu.Lock()
	for _, sp := range t.savepoints {
		if sp == name {
			t.mu.Unlock()
			return &apijson.TransactionError{TxID: t.id, Op: "savepoint", Err: fmt.Errorf("duplicate savepoint %q", name)}
		}
	}
	t.mu.Unlock()
	if err := tx.Exec(ctx, "SAVEPOINT "+name, []any{}, nil); err != nil {
		return &apijson.TransactionError{TxID: t.id, Op: "savepoint", Err: err}
	}
	t.mu.Lock()
	t.savepoints = append(t.savepoints, name)
	t.mu.Unlock()
	return nil
}

// Release drops the named savepoint and every savepoint created after
// it.
func (t *Transaction) Release(ctx context.Context, name string) error {
	return t.dropSavepoint(ctx, name, "RELEASE SAVEPOINT ", "release")
}

// RollbackTo rolls back to the named savepoint, dropping it and every
// savepoint created after it.
func (t *Transaction) RollbackTo(ctx context.Context, name string) error {
	return t.dropSavepoint(ctx, name, "ROLLBACK TO SAVEPOINT ", "rollback-to")
}

func (t *Transaction) dropSavepoint(ctx context.Context, name, stmt, op string) error {
	tx, err := t.active(op)
	if err != nil {
		return err
	}
	t.mu.Lock()
	idx := -1
	for i, sp := range t.savepoints {
		if sp == name {
			idx = i
			break
		}
	}
	t.mu.Unlock()
	if idx < 0 {
		return &apijson.TransactionError{TxID: t.id, Op: op, Err: fmt.Errorf("unknown savepoint %q", name)}
	}
	if err := tx.Exec(ctx, stmt+name, []any{}, nil); err != nil {
		return &apijson.TransactionError{TxID: t.id, Op: op, Err: err}
	}
	t.mu.Lock()
	t.savepoints = t.savepoints[:idx]
	t.mu.Unlock()
	return nil
}

// nextSavepoint returns an auto-generated savepoint name for nested
// scopes.
func (t *Transaction) nextSavepoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spSeq++
	return fmt.Sprintf("sp_%d", t.spSeq)
}

// ctxKey carries the ambient transaction.
type ctxKey struct{}

// NewContext returns a context carrying t as the ambient transaction.
func NewContext(ctx context.Context, t *Transaction) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the ambient transaction, if any.
func FromContext(ctx context.Context) (*Transaction, bool) {
	t, ok := ctx.Value(ctxKey{}).(*Transaction)
	return t, ok
}

// Manager creates and scopes transactions over a driver.
type Manager struct {
	drv       dialect.Driver
	isolation sql.IsolationLevel
}

// Option configures a Manager.
type Option func(*Manager)

// WithIsolation sets the isolation level requested from drivers that
// support per-transaction options.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(m *Manager) { m.isolation = level }
}

// NewManager returns a Manager using drv.
func NewManager(drv dialect.Driver, opts ...Option) *Manager {
	m := &Manager{drv: drv}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// txBeginner is implemented by drivers that accept transaction
// options (dialect/sql.Driver does).
type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (dialect.Tx, error)
}

// Begin starts a new logical transaction. The caller owns commit and
// rollback.
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	t := &Transaction{
		id:        uuid.NewString(),
		isolation: m.isolation,
		status:    NotStarted,
	}
	var (
		tx  dialect.Tx
		err error
	)
	if b, ok := m.drv.(txBeginner); ok && m.isolation != sql.LevelDefault {
		tx, err = b.BeginTx(ctx, &sql.TxOptions{Isolation: m.isolation})
	} else {
		tx, err = m.drv.Tx(ctx)
	}
	if err != nil {
		return nil, &apijson.TransactionError{TxID: t.id, Op: "begin", Err: err}
	}
	t.tx = tx
	t.status = Active
	t.startedAt = time.Now()
	return t, nil
}

// WithTx runs fn inside a transaction: begin, run with the ambient
// context set, commit on success. On error the transaction rolls
// back; a rollback failure is logged and never masks fn's error.
//
// When the context already carries an active transaction, the nested
// scope is backed by an auto-named savepoint on it instead of a
// second connection-level transaction.
func (m *Manager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if outer, ok := FromContext(ctx); ok && outer.Status() == Active {
		return m.withSavepoint(ctx, outer, fn)
	}
	t, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	ctx = NewContext(ctx, t)
	if err := fn(ctx); err != nil {
		if rerr := t.Rollback(); rerr != nil {
			slog.Error("transaction rollback failed",
				"tx_id", t.ID(),
				"rollback_error", rerr,
				"original_error", err,
			)
		}
		return err
	}
	return t.Commit()
}

func (m *Manager) withSavepoint(ctx context.Context, t *Transaction, fn func(ctx context.Context) error) error {
	name := t.nextSavepoint()
	if err := t.Savepoint(ctx, name); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		if rerr := t.RollbackTo(ctx, name); rerr != nil {
			slog.Error("savepoint rollback failed",
				"tx_id", t.ID(),
				"savepoint", name,
				"rollback_error", rerr,
				"original_error", err,
			)
		}
		return err
	}
	return t.Release(ctx, name)
}

// Querier returns the ambient transaction when one is active, and the
// bare driver otherwise. Execution code uses it so statements join
// the caller's transaction transparently.
func (m *Manager) Querier(ctx context.Context) dialect.ExecQuerier {
	if t, ok := FromContext(ctx); ok && t.Status() == Active {
		return t
	}
	return m.drv
}
