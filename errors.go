package apijson

import (
	"errors"
	"fmt"
	"strings"
)

// Envelope codes attached to each error kind. They follow the HTTP
// status family the APIJSON dialect uses on the wire; the transport
// collaborator copies them into the response envelope verbatim.
const (
	CodeOK              = 200
	CodeCondition       = 400
	CodeParse           = 400
	CodeNotLoggedIn     = 401
	CodeNotExist        = 404
	CodeUnsupportedType = 406
	CodeConflict        = 409
	CodeValidation      = 412
	CodeOutOfRange      = 416
	CodeTypeMismatch    = 417
	CodeExecute         = 500
	CodeTransaction     = 500
	CodeBatchItem       = 500
)

// Standard sentinel errors for common operations.
var (
	// ErrNotExist is returned when a requested record does not exist.
	ErrNotExist = errors.New("apijson: record not found")

	// ErrConflict is returned when a mutation violates a database
	// constraint (duplicate key, foreign key, check).
	ErrConflict = errors.New("apijson: conflict")

	// ErrNotLoggedIn is returned when an operation requires an
	// authenticated caller and none was supplied.
	ErrNotLoggedIn = errors.New("apijson: not logged in")
)

// coder is implemented by every error type in this package.
type coder interface {
	Code() int
}

// CodeOf returns the envelope code for err. A nil error maps to
// CodeOK and an unrecognized error to CodeExecute.
func CodeOf(err error) int {
	if err == nil {
		return CodeOK
	}
	if c, ok := asError[coder](err); ok {
		return c.Code()
	}
	switch {
	case errors.Is(err, ErrNotExist):
		return CodeNotExist
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrNotLoggedIn):
		return CodeNotLoggedIn
	}
	return CodeExecute
}

// ConditionError reports a malformed operator or operand in a
// condition tree. It is attributed to the field path that produced it.
type ConditionError struct {
	Field string // Offending field path, e.g. "User.age!><".
	msg   string
}

// Error returns the error string.
func (e *ConditionError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("apijson: condition on %q: %s", e.Field, e.msg)
	}
	return fmt.Sprintf("apijson: condition: %s", e.msg)
}

// Code returns the envelope code.
func (e *ConditionError) Code() int { return CodeCondition }

// NewConditionError returns a new ConditionError attributed to field.
func NewConditionError(field, format string, args ...any) *ConditionError {
	return &ConditionError{Field: field, msg: fmt.Sprintf(format, args...)}
}

// IsConditionError returns true if the error is a ConditionError.
func IsConditionError(err error) bool {
	if err == nil {
		return false
	}
	var e *ConditionError
	return errors.As(err, &e)
}

// UnsupportedTypeError reports a request value whose dynamic type has
// no SQL representation.
type UnsupportedTypeError struct {
	Field string
	Value any
}

// Error returns the error string.
func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("apijson: unsupported type %T for %q", e.Value, e.Field)
}

// Code returns the envelope code.
func (e *UnsupportedTypeError) Code() int { return CodeUnsupportedType }

// IsUnsupportedType returns true if the error is an UnsupportedTypeError.
func IsUnsupportedType(err error) bool {
	if err == nil {
		return false
	}
	var e *UnsupportedTypeError
	return errors.As(err, &e)
}

// NotExistError reports a missing record or referenced table result.
type NotExistError struct {
	Table string
	id    any
}

// Error returns the error string.
func (e *NotExistError) Error() string {
	if e.id != nil {
		return fmt.Sprintf("apijson: %s not found (id=%v)", e.Table, e.id)
	}
	return fmt.Sprintf("apijson: %s not found", e.Table)
}

// Is reports whether the target error matches NotExistError.
func (e *NotExistError) Is(err error) bool { return err == ErrNotExist }

// Code returns the envelope code.
func (e *NotExistError) Code() int { return CodeNotExist }

// NewNotExistError returns a new NotExistError for the given table.
func NewNotExistError(table string) *NotExistError {
	return &NotExistError{Table: table}
}

// NewNotExistErrorWithID returns a new NotExistError with the id that
// was searched for.
func NewNotExistErrorWithID(table string, id any) *NotExistError {
	return &NotExistError{Table: table, id: id}
}

// IsNotExist returns true if the error is a NotExistError.
func IsNotExist(err error) bool {
	if err == nil {
		return false
	}
	var e *NotExistError
	return errors.As(err, &e) || errors.Is(err, ErrNotExist)
}

// ConflictError reports a database constraint violation surfaced by a
// mutation (duplicate key, foreign key or check constraint).
type ConflictError struct {
	msg  string
	wrap error
}

// Error returns the error string.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("apijson: conflict: %s", e.msg)
}

// Unwrap returns the underlying driver error.
func (e *ConflictError) Unwrap() error { return e.wrap }

// Is reports whether the target error matches ConflictError.
func (e *ConflictError) Is(err error) bool { return err == ErrConflict }

// Code returns the envelope code.
func (e *ConflictError) Code() int { return CodeConflict }

// NewConflictError returns a new ConflictError wrapping the driver error.
func NewConflictError(msg string, wrap error) *ConflictError {
	return &ConflictError{msg: msg, wrap: wrap}
}

// IsConflict returns true if the error is a ConflictError.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	var e *ConflictError
	return errors.As(err, &e) || errors.Is(err, ErrConflict)
}

// OutOfRangeError reports a paging or limit value outside the
// configured bounds.
type OutOfRangeError struct {
	Name string // Parameter name, e.g. "@count".
	Got  int
	Max  int
}

// Error returns the error string.
func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("apijson: %s=%d out of range (max %d)", e.Name, e.Got, e.Max)
}

// Code returns the envelope code.
func (e *OutOfRangeError) Code() int { return CodeOutOfRange }

// IsOutOfRange returns true if the error is an OutOfRangeError.
func IsOutOfRange(err error) bool {
	if err == nil {
		return false
	}
	var e *OutOfRangeError
	return errors.As(err, &e)
}

// NotLoggedInError reports an operation that requires authentication.
type NotLoggedInError struct {
	Op string
}

// Error returns the error string.
func (e *NotLoggedInError) Error() string {
	return fmt.Sprintf("apijson: %s requires login", e.Op)
}

// Is reports whether the target error matches NotLoggedInError.
func (e *NotLoggedInError) Is(err error) bool { return err == ErrNotLoggedIn }

// Code returns the envelope code.
func (e *NotLoggedInError) Code() int { return CodeNotLoggedIn }

// ValidationError carries the external validator's verdict when a
// parsed request is rejected. The request is never partially compiled.
type ValidationError struct {
	Errors []string
}

// Error returns the error string.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "apijson: validation failed"
	}
	return "apijson: validation failed: " + strings.Join(e.Errors, "; ")
}

// Code returns the envelope code.
func (e *ValidationError) Code() int { return CodeValidation }

// IsValidationError returns true if the error is a ValidationError.
func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	var e *ValidationError
	return errors.As(err, &e)
}

// ParseError reports a malformed raw request body.
type ParseError struct {
	Key string // Offending top-level key, if attributable.
	Err error
}

// Error returns the error string.
func (e *ParseError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("apijson: parsing %q: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("apijson: parsing request: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error { return e.Err }

// Code returns the envelope code.
func (e *ParseError) Code() int { return CodeParse }

// IsParseError returns true if the error is a ParseError.
func IsParseError(err error) bool {
	if err == nil {
		return false
	}
	var e *ParseError
	return errors.As(err, &e)
}

// ExecuteError wraps a driver failure with the table and operation
// that produced it.
type ExecuteError struct {
	Table string
	Op    string // "select", "insert", "update", "delete", "count".
	Err   error
}

// Error returns the error string.
func (e *ExecuteError) Error() string {
	return fmt.Sprintf("apijson: executing %s %s: %v", e.Op, e.Table, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecuteError) Unwrap() error { return e.Err }

// Code returns the envelope code.
func (e *ExecuteError) Code() int { return CodeExecute }

// IsExecuteError returns true if the error is an ExecuteError.
func IsExecuteError(err error) bool {
	if err == nil {
		return false
	}
	var e *ExecuteError
	return errors.As(err, &e)
}

// TransactionError reports an illegal transaction transition or an
// underlying begin/commit/rollback failure.
type TransactionError struct {
	TxID string // Logical transaction id.
	Op   string // "begin", "commit", "rollback", "savepoint", ...
	Err  error  // Optional underlying cause.
}

// Error returns the error string.
func (e *TransactionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("apijson: transaction %s: %s: %v", e.TxID, e.Op, e.Err)
	}
	return fmt.Sprintf("apijson: transaction %s: %s", e.TxID, e.Op)
}

// Unwrap returns the underlying error.
func (e *TransactionError) Unwrap() error { return e.Err }

// Code returns the envelope code.
func (e *TransactionError) Code() int { return CodeTransaction }

// IsTransactionError returns true if the error is a TransactionError.
func IsTransactionError(err error) bool {
	if err == nil {
		return false
	}
	var e *TransactionError
	return errors.As(err, &e)
}

// TypeMismatchError reports a numeric cache operation applied to a
// non-numeric entry.
type TypeMismatchError struct {
	Key   string
	Value any
}

// Error returns the error string.
func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("apijson: cache entry %q holds %T, not a number", e.Key, e.Value)
}

// Code returns the envelope code.
func (e *TypeMismatchError) Code() int { return CodeTypeMismatch }

// IsTypeMismatch returns true if the error is a TypeMismatchError.
func IsTypeMismatch(err error) bool {
	if err == nil {
		return false
	}
	var e *TypeMismatchError
	return errors.As(err, &e)
}

// BatchItemError wraps a single failed batch item with its submission
// index.
type BatchItemError struct {
	Index int
	Item  any
	Err   error
}

// Error returns the error string.
func (e *BatchItemError) Error() string {
	return fmt.Sprintf("apijson: batch item %d: %v", e.Index, e.Err)
}

// Unwrap returns the underlying error.
func (e *BatchItemError) Unwrap() error { return e.Err }

// Code returns the envelope code.
func (e *BatchItemError) Code() int { return CodeBatchItem }

// IsBatchItemError returns true if the error is a BatchItemError.
func IsBatchItemError(err error) bool {
	if err == nil {
		return false
	}
	var e *BatchItemError
	return errors.As(err, &e)
}

// asError attempts to extract an error implementing interface T from
// the error chain.
func asError[T any](err error) (T, bool) {
	var target T
	for err != nil {
		if e, ok := err.(T); ok {
			return e, true
		}
		err = errors.Unwrap(err)
	}
	return target, false
}
