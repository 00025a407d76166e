package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRows() []Row {
	return []Row{
		{"id": 1, "name": "alice", "age": 30},
		{"id": 2, "name": "bob", "age": 25},
		{"id": 3, "name": "carol", "age": 40},
		{"id": 4, "name": "dave", "age": nil},
	}
}

func TestWhereEQFiltersRows(t *testing.T) {
	out := New("users").WhereEQ("name", "bob").Execute(sampleRows())
	require.Len(t, out, 1)
	assert.Equal(t, 2, out[0]["id"])
}

func TestWhereGTNumericCoercionFromString(t *testing.T) {
	out := New("users").Where("age", OpGT, "28").Execute(sampleRows())
	ids := collectIDs(out)
	assert.ElementsMatch(t, []any{1, 3}, ids)
}

func TestWhereNullAndNotNull(t *testing.T) {
	nullRows := New("users").WhereNull("age").Execute(sampleRows())
	require.Len(t, nullRows, 1)
	assert.Equal(t, 4, nullRows[0]["id"])

	notNull := New("users").WhereNotNull("age").Execute(sampleRows())
	assert.Len(t, notNull, 3)
}

func TestWhereBetween(t *testing.T) {
	out := New("users").WhereBetween("age", 25, 35).Execute(sampleRows())
	ids := collectIDs(out)
	assert.ElementsMatch(t, []any{1, 2}, ids)
}

func TestWhereLikePattern(t *testing.T) {
	out := New("users").WhereLike("name", "a%").Execute(sampleRows())
	ids := collectIDs(out)
	assert.ElementsMatch(t, []any{1}, ids)
}

func TestWhereInAndNotIn(t *testing.T) {
	out := New("users").WhereIn("name", []any{"alice", "bob"}).Execute(sampleRows())
	assert.Len(t, out, 2)

	out = New("users").WhereNotIn("name", []any{"alice", "bob"}).Execute(sampleRows())
	ids := collectIDs(out)
	assert.ElementsMatch(t, []any{3, 4}, ids)
}

func TestOrWhereUnionsConditions(t *testing.T) {
	out := New("users").WhereEQ("name", "alice").OrWhere("name", OpEQ, "bob").Execute(sampleRows())
	ids := collectIDs(out)
	assert.ElementsMatch(t, []any{1, 2}, ids)
}

func TestOrderByAscThenDesc(t *testing.T) {
	asc := New("users").WhereNotNull("age").OrderByAsc("age").Execute(sampleRows())
	assert.Equal(t, []any{2, 1, 3}, collectIDs(asc))

	desc := New("users").WhereNotNull("age").OrderByDesc("age").Execute(sampleRows())
	assert.Equal(t, []any{3, 1, 2}, collectIDs(desc))
}

func TestLimitOffsetAndPaginate(t *testing.T) {
	out := New("users").OrderByAsc("id").Offset(1).Limit(2).Execute(sampleRows())
	assert.Equal(t, []any{2, 3}, collectIDs(out))

	page2 := New("users").OrderByAsc("id").Paginate(2, 2).Execute(sampleRows())
	assert.Equal(t, []any{3, 4}, collectIDs(page2))
}

func TestSelectProjection(t *testing.T) {
	out := New("users").Select("name").Execute(sampleRows())
	require.Len(t, out, 4)
	for _, row := range out {
		_, hasID := row["id"]
		assert.False(t, hasID)
		_, hasName := row["name"]
		assert.True(t, hasName)
	}
}

func TestCountAggregationNoGroupBy(t *testing.T) {
	out := New("users").Count("*", "total").Execute(sampleRows())
	require.Len(t, out, 1)
	assert.Equal(t, 4, out[0]["total"])
}

func TestGroupByWithAggregation(t *testing.T) {
	rows := []Row{
		{"dept": "eng", "salary": 100.0},
		{"dept": "eng", "salary": 200.0},
		{"dept": "sales", "salary": 50.0},
	}
	out := New("employees").GroupBy("dept").Sum("salary", "total_salary").Execute(rows)
	require.Len(t, out, 2)

	byDept := make(map[any]any)
	for _, row := range out {
		byDept[row["dept"]] = row["total_salary"]
	}
	assert.Equal(t, 300.0, byDept["eng"])
	assert.Equal(t, 50.0, byDept["sales"])
}

func TestGroupStartGroupEndNesting(t *testing.T) {
	b := New("users")
	b.WhereEQ("name", "alice")
	b.GroupStart(LogicalOr)
	b.WhereEQ("age", 25)
	b.WhereEQ("age", 40)
	b.GroupEnd()

	out := b.Execute(sampleRows())
	assert.Empty(t, out, "alice has age 30, not 25 or 40, so the AND of both clauses excludes her")
}

func TestDistinctDeduplicates(t *testing.T) {
	rows := []Row{
		{"x": 1}, {"x": 1}, {"x": 2},
	}
	out := New("t").Distinct().Execute(rows)
	assert.Len(t, out, 2)
}

func collectIDs(rows []Row) []any {
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = row["id"]
	}
	return out
}
