package apijson

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{nil, CodeOK},
		{NewConditionError("User.age", "bad operand"), CodeCondition},
		{&ParseError{Key: "@count", Err: errors.New("boom")}, CodeParse},
		{&NotLoggedInError{Op: "delete"}, CodeNotLoggedIn},
		{NewNotExistError("user"), CodeNotExist},
		{&UnsupportedTypeError{Field: "user.tags", Value: make(chan int)}, CodeUnsupportedType},
		{NewConflictError("duplicate key", nil), CodeConflict},
		{&ValidationError{Errors: []string{"name required"}}, CodeValidation},
		{&OutOfRangeError{Name: "@count", Got: 500, Max: 100}, CodeOutOfRange},
		{&TypeMismatchError{Key: "counter", Value: "text"}, CodeTypeMismatch},
		{&ExecuteError{Table: "user", Op: "select", Err: errors.New("boom")}, CodeExecute},
		{&TransactionError{TxID: "t1", Op: "commit"}, CodeTransaction},
		{&BatchItemError{Index: 3, Err: errors.New("boom")}, CodeBatchItem},
		{errors.New("opaque"), CodeExecute},
		{ErrNotExist, CodeNotExist},
		{ErrConflict, CodeConflict},
		{ErrNotLoggedIn, CodeNotLoggedIn},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, CodeOf(tt.err), "err=%v", tt.err)
	}
}

func TestCodeOfWrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", &ExecuteError{Table: "user", Op: "insert", Err: errors.New("boom")})
	assert.Equal(t, CodeExecute, CodeOf(err))

	err = fmt.Errorf("outer: %w", NewNotExistError("user"))
	assert.Equal(t, CodeNotExist, CodeOf(err))
}

func TestNotExistError(t *testing.T) {
	err := NewNotExistError("user")
	assert.EqualError(t, err, "apijson: user not found")
	assert.True(t, IsNotExist(err))
	assert.True(t, errors.Is(err, ErrNotExist))

	err = NewNotExistErrorWithID("user", 42)
	assert.EqualError(t, err, "apijson: user not found (id=42)")
	assert.True(t, IsNotExist(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsNotExist(errors.New("other")))
	assert.False(t, IsNotExist(nil))
}

func TestConflictError(t *testing.T) {
	cause := errors.New("Error 1062: duplicate entry")
	err := NewConflictError("unique constraint violation", cause)
	assert.EqualError(t, err, "apijson: conflict: unique constraint violation")
	assert.True(t, IsConflict(err))
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestConditionError(t *testing.T) {
	err := NewConditionError("User.age!><", "between requires exactly 2 operands, got %d", 3)
	assert.EqualError(t, err, `apijson: condition on "User.age!><": between requires exactly 2 operands, got 3`)
	assert.True(t, IsConditionError(err))
	assert.False(t, IsConditionError(errors.New("other")))
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{}
	assert.EqualError(t, err, "apijson: validation failed")

	err = &ValidationError{Errors: []string{"name required", "age must be positive"}}
	assert.EqualError(t, err, "apijson: validation failed: name required; age must be positive")
	assert.True(t, IsValidationError(err))
}

func TestTransactionError(t *testing.T) {
	err := &TransactionError{TxID: "abc", Op: "commit", Err: errors.New("connection lost")}
	assert.EqualError(t, err, "apijson: transaction abc: commit: connection lost")
	require.True(t, IsTransactionError(err))

	err = &TransactionError{TxID: "abc", Op: "rollback"}
	assert.EqualError(t, err, "apijson: transaction abc: rollback")
}

func TestBatchItemError(t *testing.T) {
	cause := errors.New("boom")
	err := &BatchItemError{Index: 7, Item: map[string]any{"id": 7}, Err: cause}
	assert.EqualError(t, err, "apijson: batch item 7: boom")
	assert.True(t, IsBatchItemError(err))
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestExecuteErrorUnwrap(t *testing.T) {
	cause := errors.New("syntax error")
	err := &ExecuteError{Table: "user", Op: "select", Err: cause}
	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsExecuteError(fmt.Errorf("wrap: %w", err)))
}
