package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/syssam/apijson"
	"github.com/syssam/apijson/dialect"
	sqld "github.com/syssam/apijson/dialect/sql"
)

func sqliteEngine(t *testing.T) *Engine {
	t.Helper()
	drv, err := sqld.Open(dialect.SQLite, "file:pipeline?mode=memory&cache=shared&_pragma=foreign_keys(1)")
	require.NoError(t, err)
	// A single connection keeps the shared in-memory database alive for
	// the whole test.
	drv.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { drv.Close() })

	ctx := context.Background()
	for _, stmt := range []string{
		"CREATE TABLE `user` (`id` INTEGER PRIMARY KEY AUTOINCREMENT, `name` TEXT NOT NULL, `age` INTEGER)",
		"CREATE TABLE `order` (`id` INTEGER PRIMARY KEY AUTOINCREMENT, `uid` INTEGER, `amount` INTEGER)",
	} {
		require.NoError(t, drv.Exec(ctx, stmt, []any{}, nil))
	}
	e := New(drv, nil)
	t.Cleanup(e.Close)
	return e
}

func TestSQLiteRoundTrip(t *testing.T) {
	e := sqliteEngine(t)
	ctx := context.Background()

	// Insert two users in one multi-row statement.
	resp := e.Execute(ctx, "POST", []byte(`{"user[]": [
		{"name": "Zhang", "age": 25},
		{"name": "Li", "age": 26}
	]}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	assert.Equal(t, int64(2), resp.Tables["user[]"].Affected)

	// Read them back with a condition and projection.
	resp = e.Execute(ctx, "GET", []byte(`{"user[]": {"@column": "id,name", "age>": 24, "@order": "age+"}}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	rows := resp.Tables["user[]"].Rows
	require.Len(t, rows, 2)
	assert.Equal(t, "Zhang", rows[0]["name"])
	assert.Equal(t, "Li", rows[1]["name"])

	// Update one row through PK relocation.
	resp = e.Execute(ctx, "PUT", []byte(`{"user": {"id": 1, "age": 30}}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	assert.Equal(t, int64(1), resp.Tables["user"].Affected)

	resp = e.Execute(ctx, "GET", []byte(`{"user": {"id": 1}}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	require.Len(t, resp.Tables["user"].Rows, 1)
	assert.EqualValues(t, 30, resp.Tables["user"].Rows[0]["age"])

	// Delete and verify.
	resp = e.Execute(ctx, "DELETE", []byte(`{"user": {"id": 2}}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)

	resp = e.Execute(ctx, "HEAD", []byte(`{"user": {}}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	require.NotNil(t, resp.Tables["user"].Total)
	assert.Equal(t, int64(1), *resp.Tables["user"].Total)
}

func TestSQLiteReferenceChain(t *testing.T) {
	e := sqliteEngine(t)
	ctx := context.Background()

	resp := e.Execute(ctx, "POST", []byte(`{"user": {"name": "Zhao", "age": 31}}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	require.Len(t, resp.Tables["user"].GeneratedIDs, 1)
	uid := resp.Tables["user"].GeneratedIDs[0]
	assert.Equal(t, int64(1), uid)

	for i := 0; i < 3; i++ {
		resp = e.Execute(ctx, "POST", []byte(`{"order": {"uid": 1, "amount": 10}}`))
		require.True(t, resp.OK(), "msg=%s", resp.Msg)
	}

	// The order query resolves its uid against the user result.
	resp = e.Execute(ctx, "GET", []byte(`{
		"user": {"name": "Zhao"},
		"order[]": {"uid{}@": "/user/id"}
	}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	assert.Len(t, resp.Tables["order[]"].Rows, 3)
}

func TestSQLiteInsertChainStoresReferencedID(t *testing.T) {
	e := sqliteEngine(t)
	ctx := context.Background()

	// The order insert resolves its uid against the user insert's
	// freshly generated id within the same request.
	resp := e.Execute(ctx, "POST", []byte(`{
		"user": {"name": "Sun", "age": 28},
		"order": {"amount": 10, "uid@": "/user/id"}
	}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	require.Len(t, resp.Tables["user"].GeneratedIDs, 1)
	uid := resp.Tables["user"].GeneratedIDs[0]

	resp = e.Execute(ctx, "GET", []byte(`{"order": {"amount": 10}}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	require.Len(t, resp.Tables["order"].Rows, 1)
	assert.EqualValues(t, uid, resp.Tables["order"].Rows[0]["uid"])
}

func TestSQLiteMutationAtomicity(t *testing.T) {
	e := sqliteEngine(t)
	ctx := context.Background()

	// The second table's failure must roll back the first insert.
	resp := e.Execute(ctx, "POST", []byte(`{
		"user": {"name": "Qian", "age": 20},
		"missing_table": {"x": 1}
	}`))
	require.False(t, resp.OK())
	assert.Equal(t, apijson.CodeExecute, resp.Code)

	resp = e.Execute(ctx, "HEAD", []byte(`{"user": {"name": "Qian"}}`))
	require.True(t, resp.OK(), "msg=%s", resp.Msg)
	require.NotNil(t, resp.Tables["user"].Total)
	assert.Equal(t, int64(0), *resp.Tables["user"].Total)
}
