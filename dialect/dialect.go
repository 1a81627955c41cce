// Package dialect defines the execution-driver boundary of the
// engine. The compiler emits SQL with positional `?` placeholders and
// backtick-quoted identifiers; everything below this interface,
// connection pooling, cancellation and the physical driver included,
// belongs to the collaborator implementing it.
package dialect

import "context"

// Supported dialect names.
const (
	MySQL    = "mysql"
	SQLite   = "sqlite"
	Postgres = "postgres"
)

// ExecQuerier wraps the two standard database operations used by the
// engine.
type ExecQuerier interface {
	// Exec executes a statement that does not return rows. The v
	// argument receives an *sql.Result when non-nil.
	Exec(ctx context.Context, query string, args, v any) error
	// Query executes a statement that returns rows. The v argument
	// receives a *sql.Rows wrapper.
	Query(ctx context.Context, query string, args, v any) error
}

// Driver is the minimal interface the engine requires from a database
// backend.
type Driver interface {
	ExecQuerier
	// Tx starts and returns a new transaction.
	Tx(ctx context.Context) (Tx, error)
	// Close closes the underlying connection.
	Close() error
	// Dialect returns the dialect name.
	Dialect() string
}

// Tx is a transaction-scoped ExecQuerier.
type Tx interface {
	ExecQuerier
	Commit() error
	Rollback() error
}
