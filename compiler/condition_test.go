package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/apijson"
	"github.com/syssam/apijson/condition"
)

func compileCond(t *testing.T, c condition.Condition) (string, []any) {
	t.Helper()
	b := &Builder{}
	cb := &condBuilder{b: b, table: "user"}
	ok, err := cb.compileCondition(c)
	require.NoError(t, err)
	if !ok {
		return "", nil
	}
	return b.String(), b.Params()
}

func TestLeafFragments(t *testing.T) {
	tests := []struct {
		cond   condition.Condition
		sql    string
		params []any
	}{
		{&condition.Leaf{Field: "age", Op: condition.Eq, Value: 18}, "`age` = ?", []any{18}},
		{&condition.Leaf{Field: "age", Op: condition.Ne, Value: 18}, "`age` != ?", []any{18}},
		{&condition.Leaf{Field: "age", Op: condition.Gt, Value: 18}, "`age` > ?", []any{18}},
		{&condition.Leaf{Field: "age", Op: condition.Ge, Value: 18}, "`age` >= ?", []any{18}},
		{&condition.Leaf{Field: "age", Op: condition.Lt, Value: 18}, "`age` < ?", []any{18}},
		{&condition.Leaf{Field: "age", Op: condition.Le, Value: 18}, "`age` <= ?", []any{18}},
		{&condition.Leaf{Field: "name", Op: condition.Like, Value: "li%"}, "`name` LIKE ?", []any{"li%"}},
		{&condition.Leaf{Field: "name", Op: condition.NotLike, Value: "li%"}, "`name` NOT LIKE ?", []any{"li%"}},
		{&condition.Leaf{Field: "name", Op: condition.Regexp, Value: "^a"}, "`name` REGEXP ?", []any{"^a"}},
		{
			&condition.Leaf{Field: "age", Op: condition.Between, Value: []any{18, 30}},
			"`age` BETWEEN ? AND ?", []any{18, 30},
		},
		{
			&condition.Leaf{Field: "age", Op: condition.NotBetween, Value: []any{18, 30}},
			"`age` NOT BETWEEN ? AND ?", []any{18, 30},
		},
		{
			&condition.Leaf{Field: "id", Op: condition.In, Value: []any{1, 2, 3}},
			"`id` IN (?, ?, ?)", []any{1, 2, 3},
		},
		{
			&condition.Leaf{Field: "id", Op: condition.NotIn, Value: []any{1, 2}},
			"`id` NOT IN (?, ?)", []any{1, 2},
		},
		{
			&condition.Leaf{Field: "tags", Op: condition.Contains, Value: "go"},
			"JSON_CONTAINS(`tags`, ?)", []any{`"go"`},
		},
		{
			&condition.Leaf{Field: "tags", Op: condition.NotContains, Value: "go"},
			"NOT JSON_CONTAINS(`tags`, ?)", []any{`"go"`},
		},
	}
	for _, tt := range tests {
		sql, params := compileCond(t, tt.cond)
		assert.Equal(t, tt.sql, sql)
		assert.Equal(t, tt.params, params)
	}
}

func TestNullComparisons(t *testing.T) {
	sql, params := compileCond(t, &condition.Leaf{Field: "deleted_at", Op: condition.Eq, Value: nil})
	assert.Equal(t, "`deleted_at` IS NULL", sql)
	assert.Empty(t, params)

	sql, params = compileCond(t, &condition.Leaf{Field: "deleted_at", Op: condition.Ne, Value: nil})
	assert.Equal(t, "`deleted_at` IS NOT NULL", sql)
	assert.Empty(t, params)
}

func TestInAutoWrapsScalar(t *testing.T) {
	sql, params := compileCond(t, &condition.Leaf{Field: "id", Op: condition.In, Value: 7})
	assert.Equal(t, "`id` IN (?)", sql)
	assert.Equal(t, []any{7}, params)
}

func TestInRejectsEmptyList(t *testing.T) {
	b := &Builder{}
	cb := &condBuilder{b: b, table: "user"}
	_, err := cb.compileCondition(&condition.Leaf{Field: "id", Op: condition.In, Value: []any{}})
	assert.True(t, apijson.IsConditionError(err))
}

func TestBetweenArity(t *testing.T) {
	b := &Builder{}
	cb := &condBuilder{b: b, table: "user"}
	for _, v := range []any{[]any{1}, []any{1, 2, 3}, 5, "x"} {
		_, err := cb.compileCondition(&condition.Leaf{Field: "age", Op: condition.Between, Value: v})
		assert.True(t, apijson.IsConditionError(err), "value %v", v)
	}
}

func TestCompoundParenthesization(t *testing.T) {
	// An OR nested under an AND gets parentheses; flat lists do not.
	c := &condition.And{Conds: []condition.Condition{
		&condition.Leaf{Field: "status", Op: condition.Eq, Value: 1},
		&condition.Or{Conds: []condition.Condition{
			&condition.Leaf{Field: "age", Op: condition.Gt, Value: 60},
			&condition.Leaf{Field: "age", Op: condition.Lt, Value: 18},
		}},
	}}
	sql, params := compileCond(t, c)
	assert.Equal(t, "`status` = ? AND (`age` > ? OR `age` < ?)", sql)
	assert.Equal(t, []any{1, 60, 18}, params)
}

func TestNotWrapsInner(t *testing.T) {
	sql, params := compileCond(t, &condition.Not{
		C: &condition.Leaf{Field: "status", Op: condition.Eq, Value: 0},
	})
	assert.Equal(t, "NOT (`status` = ?)", sql)
	assert.Equal(t, []any{0}, params)
}

func TestEmptyTreesCollapse(t *testing.T) {
	for _, c := range []condition.Condition{
		nil,
		&condition.And{},
		&condition.Or{},
		&condition.Not{C: &condition.And{}},
		&condition.And{Conds: []condition.Condition{&condition.Or{}}},
	} {
		sql, params := compileCond(t, c)
		assert.Empty(t, sql, "%T must produce no output", c)
		assert.Empty(t, params)
	}
}

func TestSingleElementListUnwrapped(t *testing.T) {
	sql, _ := compileCond(t, &condition.Or{Conds: []condition.Condition{
		&condition.Leaf{Field: "age", Op: condition.Gt, Value: 18},
	}})
	assert.Equal(t, "`age` > ?", sql)
}

func TestParamOrderMatchesPlaceholders(t *testing.T) {
	c := &condition.And{Conds: []condition.Condition{
		&condition.Leaf{Field: "a", Op: condition.Eq, Value: 1},
		&condition.Or{Conds: []condition.Condition{
			&condition.Leaf{Field: "b", Op: condition.In, Value: []any{2, 3}},
			&condition.Leaf{Field: "c", Op: condition.Between, Value: []any{4, 5}},
		}},
		&condition.Leaf{Field: "d", Op: condition.Like, Value: "6"},
	}}
	sql, params := compileCond(t, c)
	assert.Equal(t, PlaceholderCount(sql), len(params))
	assert.Equal(t, []any{1, 2, 3, 4, 5, "6"}, params)
}

func TestHavingAllowsAggregates(t *testing.T) {
	b := &Builder{}
	cb := &condBuilder{b: b, allowAggr: true, table: "user"}
	ok, err := cb.compileCondition(&condition.Leaf{Field: "COUNT(*)", Op: condition.Gt, Value: 3})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "COUNT(*) > ?", b.String())
}

func TestQuoteEscapesBackticks(t *testing.T) {
	assert.Equal(t, "`weird``name`", Quote("weird`name"))
}
