package pipeline

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/apijson"
	"github.com/syssam/apijson/dialect"
	sqld "github.com/syssam/apijson/dialect/sql"
	"github.com/syssam/apijson/parser"
)

func mockEngine(t *testing.T, opts ...Option) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	e := New(sqld.OpenDB(dialect.MySQL, db), nil, opts...)
	t.Cleanup(e.Close)
	return e, mock
}

func TestExecuteSelect(t *testing.T) {
	e, mock := mockEngine(t)
	mock.ExpectQuery("SELECT `user`.`id`, `user`.`name` FROM `user` WHERE `age` > ?").
		WithArgs(int64(18)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "li"))

	resp := e.Execute(context.Background(), "GET", []byte(`{"user": {"@column": "id,name", "age>": 18}}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	require.Contains(t, resp.Tables, "user")
	rows := resp.Tables["user"].Rows
	require.Len(t, rows, 1)
	assert.Equal(t, "li", rows[0]["name"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteInsertRunsInTx(t *testing.T) {
	e, mock := mockEngine(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `user` (`name`, `age`) VALUES (?, ?)").
		WithArgs("Zhang", int64(25)).
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectCommit()

	resp := e.Execute(context.Background(), "POST", []byte(`{"user": {"name": "Zhang", "age": 25}}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	tr := resp.Tables["user"]
	assert.Equal(t, int64(1), tr.Affected)
	assert.Equal(t, []int64{11}, tr.GeneratedIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteMutationRollsBackOnFailure(t *testing.T) {
	e, mock := mockEngine(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `a` (`x`) VALUES (?)").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO `b` (`y`) VALUES (?)").
		WithArgs(int64(2)).
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	resp := e.Execute(context.Background(), "POST", []byte(`{"a": {"x": 1}, "b": {"y": 2}}`))
	assert.Equal(t, apijson.CodeExecute, resp.Code)
	assert.True(t, apijson.IsExecuteError(resp.Err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteDeleteWithoutConditionFailsBeforeDriver(t *testing.T) {
	e, mock := mockEngine(t)
	// No expectations: compilation must refuse before any statement
	// reaches the driver.
	resp := e.Execute(context.Background(), "DELETE", []byte(`{"user": {}}`))
	assert.Equal(t, apijson.CodeCondition, resp.Code)
	assert.True(t, apijson.IsConditionError(resp.Err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteParseErrorEnvelope(t *testing.T) {
	e, _ := mockEngine(t)
	resp := e.Execute(context.Background(), "GET", []byte(`not json`))
	assert.Equal(t, apijson.CodeParse, resp.Code)
	assert.False(t, resp.OK())
	assert.NotEmpty(t, resp.Msg)
}

func TestExecuteReferenceResolution(t *testing.T) {
	e, mock := mockEngine(t)
	mock.ExpectQuery("SELECT * FROM `user` WHERE `name` = ?").
		WithArgs("li").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(7, "li"))
	mock.ExpectQuery("SELECT * FROM `order` WHERE `uid` = ?").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "uid"}).AddRow(100, 7))

	resp := e.Execute(context.Background(), "GET",
		[]byte(`{"user": {"name": "li"}, "order": {"uid@": "/user/id"}}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	require.Len(t, resp.Tables["order"].Rows, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteMultiReferenceExpandsPlaceholders(t *testing.T) {
	e, mock := mockEngine(t)
	mock.ExpectQuery("SELECT * FROM `user` LIMIT 10").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2).AddRow(3))
	mock.ExpectQuery("SELECT * FROM `order` WHERE `uid` IN (?, ?, ?) LIMIT 10").
		WithArgs(int64(1), int64(2), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "uid"}).AddRow(10, 1).AddRow(11, 3))

	resp := e.Execute(context.Background(), "GET",
		[]byte(`{"user[]": {}, "order[]": {"uid{}@": "/user/id"}}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	assert.Len(t, resp.Tables["order[]"].Rows, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteInsertChainResolvesGeneratedID(t *testing.T) {
	e, mock := mockEngine(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `user` (`name`) VALUES (?)").
		WithArgs("Zhao").
		WillReturnResult(sqlmock.NewResult(42, 1))
	// The second insert binds the first table's fresh id, not NULL.
	mock.ExpectExec("INSERT INTO `order` (`amount`, `uid`) VALUES (?, ?)").
		WithArgs(int64(10), int64(42)).
		WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectCommit()

	resp := e.Execute(context.Background(), "POST",
		[]byte(`{"user": {"name": "Zhao"}, "order": {"amount": 10, "uid@": "/user/id"}}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	assert.Equal(t, []int64{42}, resp.Tables["user"].GeneratedIDs)
	assert.Equal(t, []int64{7}, resp.Tables["order"].GeneratedIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteReferenceToMissingTable(t *testing.T) {
	e, _ := mockEngine(t)
	// The referenced table appears after the referencing one, so its
	// result does not exist yet; resolution fails before the driver is
	// reached.
	resp := e.Execute(context.Background(), "GET",
		[]byte(`{"order": {"uid@": "/user/id"}, "user": {"id": 1}}`))
	assert.Equal(t, apijson.CodeNotExist, resp.Code)
	assert.True(t, apijson.IsNotExist(resp.Err))
}

func TestExecuteTotalDirective(t *testing.T) {
	e, mock := mockEngine(t)
	mock.ExpectQuery("SELECT * FROM `user` WHERE `age` > ? LIMIT 10").
		WithArgs(int64(18)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))
	mock.ExpectQuery("SELECT COUNT(*) FROM `user` WHERE `age` > ?").
		WithArgs(int64(18)).
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(57))

	resp := e.Execute(context.Background(), "GET",
		[]byte(`{"@total": true, "user[]": {"age>": 18}}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	tr := resp.Tables["user[]"]
	require.NotNil(t, tr.Total)
	assert.Equal(t, int64(57), *tr.Total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteCachedResponse(t *testing.T) {
	e, mock := mockEngine(t)
	mock.ExpectQuery("SELECT * FROM `user` WHERE `id` = ?").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "li"))

	body := []byte(`{"@cache": true, "user": {"id": 1}}`)
	first := e.Execute(context.Background(), "GET", body)
	require.True(t, first.OK(), "msg=%s", first.Msg)
	assert.False(t, first.Cached)

	// The second run must not reach the driver.
	second := e.Execute(context.Background(), "GET", body)
	require.True(t, second.OK(), "msg=%s", second.Msg)
	assert.True(t, second.Cached)
	require.Len(t, second.Tables["user"].Rows, 1)
	assert.Equal(t, "li", second.Tables["user"].Rows[0]["name"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteCacheKeyIgnoresKeyOrder(t *testing.T) {
	e, mock := mockEngine(t)
	mock.ExpectQuery("SELECT * FROM `user` WHERE `id` = ? AND `age` = ?").
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	first := e.Execute(context.Background(), "GET", []byte(`{"@cache": true, "user": {"id": 1, "age": 2}}`))
	require.True(t, first.OK(), "msg=%s", first.Msg)

	// Same request, different whitespace; the fingerprint must match.
	second := e.Execute(context.Background(), "GET", []byte(`{ "@cache": true, "user": { "id": 1, "age": 2 } }`))
	assert.True(t, second.Cached)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteCachesReadsByDefault(t *testing.T) {
	e, mock := mockEngine(t)
	// One driver expectation only: the repeated identical read must be
	// served from the cache without compilation or execution.
	mock.ExpectQuery("SELECT * FROM `user` WHERE `id` = ?").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	body := []byte(`{"user": {"id": 1}}`)
	first := e.Execute(context.Background(), "GET", body)
	require.True(t, first.OK(), "msg=%s", first.Msg)
	assert.False(t, first.Cached)

	second := e.Execute(context.Background(), "GET", body)
	require.True(t, second.OK(), "msg=%s", second.Msg)
	assert.True(t, second.Cached)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteCacheOptOut(t *testing.T) {
	e, mock := mockEngine(t)
	for i := 0; i < 2; i++ {
		mock.ExpectQuery("SELECT * FROM `user` WHERE `id` = ?").
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	}

	body := []byte(`{"@cache": false, "user": {"id": 1}}`)
	e.Execute(context.Background(), "GET", body)
	resp := e.Execute(context.Background(), "GET", body)
	assert.False(t, resp.Cached)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteCachedCopyIsIsolated(t *testing.T) {
	e, mock := mockEngine(t)
	mock.ExpectQuery("SELECT * FROM `user` WHERE `id` = ?").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "li"))

	body := []byte(`{"@cache": true, "user": {"id": 1}}`)
	first := e.Execute(context.Background(), "GET", body)
	require.True(t, first.OK(), "msg=%s", first.Msg)
	// Callers may mutate their response envelope freely.
	first.Tables["user"].Rows[0]["name"] = "mutated"

	second := e.Execute(context.Background(), "GET", body)
	assert.Equal(t, "li", second.Tables["user"].Rows[0]["name"])
}

type rejectValidator struct{}

func (rejectValidator) Validate(_ context.Context, req *parser.ParsedRequest) *Validation {
	for _, tq := range req.Tables {
		if tq.Table == "secret" {
			return &Validation{Valid: false, Errors: []string{"secret is not queryable"}}
		}
	}
	return &Validation{Valid: true, Warnings: []string{"deprecated field"}}
}

func TestExecuteValidatorRejects(t *testing.T) {
	e, _ := mockEngine(t, WithValidator(rejectValidator{}))
	resp := e.Execute(context.Background(), "GET", []byte(`{"secret": {"id": 1}}`))
	assert.Equal(t, apijson.CodeValidation, resp.Code)
	assert.True(t, apijson.IsValidationError(resp.Err))
	assert.Contains(t, resp.Msg, "secret is not queryable")
}

func TestExecuteValidatorWarningsPassThrough(t *testing.T) {
	e, mock := mockEngine(t, WithValidator(rejectValidator{}))
	mock.ExpectQuery("SELECT * FROM `user` WHERE `id` = ?").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

	resp := e.Execute(context.Background(), "GET", []byte(`{"user": {"id": 1}}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	assert.Equal(t, []string{"deprecated field"}, resp.Warnings)
}

func TestExecuteCountVerb(t *testing.T) {
	e, mock := mockEngine(t)
	mock.ExpectQuery("SELECT COUNT(*) FROM `user` WHERE `age` > ?").
		WithArgs(int64(18)).
		WillReturnRows(sqlmock.NewRows([]string{"COUNT(*)"}).AddRow(9))

	resp := e.Execute(context.Background(), "HEAD", []byte(`{"user": {"age>": 18}}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	tr := resp.Tables["user"]
	require.NotNil(t, tr.Total)
	assert.Equal(t, int64(9), *tr.Total)
}

func TestExecuteMethodOverride(t *testing.T) {
	e, mock := mockEngine(t)
	// Any mutating table makes the whole request transactional, so the
	// read runs inside the transaction as well.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT * FROM `user` WHERE `id` = ?").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec("INSERT INTO `log` (`event`) VALUES (?)").
		WithArgs("viewed").
		WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectCommit()

	resp := e.Execute(context.Background(), "GET",
		[]byte(`{"@method": {"log": "POST"}, "user": {"id": 1}, "log": {"event": "viewed"}}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	assert.Equal(t, int64(1), resp.Tables["log"].Affected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteConflictClassification(t *testing.T) {
	e, mock := mockEngine(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `user` (`name`) VALUES (?)").
		WithArgs("li").
		WillReturnError(errors.New("Error 1062: Duplicate entry 'li' for key 'name'"))
	mock.ExpectRollback()

	resp := e.Execute(context.Background(), "POST", []byte(`{"user": {"name": "li"}}`))
	assert.Equal(t, apijson.CodeConflict, resp.Code)
	assert.True(t, apijson.IsConflict(resp.Err))
}
