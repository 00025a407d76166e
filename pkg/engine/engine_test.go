package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldb/coldb/pkg/cerr"
	"github.com/coldb/coldb/pkg/query"
	"github.com/coldb/coldb/pkg/types"
)

func userSchema(useDirectFlush bool) types.TableSchema {
	return types.TableSchema{
		Name: "users",
		Columns: []types.Column{
			{Name: "id", DataType: types.TypeInt64, PrimaryKey: true, Unique: true, Indexed: true},
			{Name: "email", DataType: types.TypeString, Unique: true, Indexed: true},
			{Name: "age", DataType: types.TypeInt32, Nullable: true},
		},
		UseDirectFlush: useDirectFlush,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := New(Options{
		DataDir:            t.TempDir(),
		MemtableSizeLimit:  1024,
		MemtableEntryLimit: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestCreateTableAndListTables(t *testing.T) {
	for _, direct := range []bool{false, true} {
		eng := newTestEngine(t)
		require.NoError(t, eng.CreateTable(userSchema(direct), false))

		assert.Equal(t, []string{"users"}, eng.ListTables())

		err := eng.CreateTable(userSchema(direct), false)
		assert.ErrorIs(t, err, cerr.AlreadyExists)

		assert.NoError(t, eng.CreateTable(userSchema(direct), true))
	}
}

func TestInsertAndFindByID(t *testing.T) {
	for _, direct := range []bool{false, true} {
		eng := newTestEngine(t)
		require.NoError(t, eng.CreateTable(userSchema(direct), false))

		id, err := eng.Insert("users", map[string]any{
			"id":    int64(1),
			"email": "a@example.com",
			"age":   int32(30),
		})
		require.NoError(t, err)

		row, ok, err := eng.FindByID("users", id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "a@example.com", row["email"])
		assert.Equal(t, id, row["row_id"])
	}
}

func TestUniqueConstraintRejectsDuplicateEmail(t *testing.T) {
	for _, direct := range []bool{false, true} {
		eng := newTestEngine(t)
		require.NoError(t, eng.CreateTable(userSchema(direct), false))

		_, err := eng.Insert("users", map[string]any{"id": int64(1), "email": "dup@example.com"})
		require.NoError(t, err)

		_, err = eng.Insert("users", map[string]any{"id": int64(2), "email": "dup@example.com"})
		assert.ErrorIs(t, err, cerr.AlreadyExists)
	}
}

func TestUpdateMergesPartialAgainstFlushedRow(t *testing.T) {
	for _, direct := range []bool{false, true} {
		eng := newTestEngine(t)
		require.NoError(t, eng.CreateTable(userSchema(direct), false))

		id, err := eng.Insert("users", map[string]any{
			"id":    int64(1),
			"email": "a@example.com",
			"age":   int32(30),
		})
		require.NoError(t, err)

		if !direct {
			// Force the row through a flush cycle so Update must merge
			// against a version that only lives in an on-disk segment.
			require.NoError(t, eng.FlushAll())
		}

		existed, err := eng.Update("users", id, map[string]any{"age": int32(31)})
		require.NoError(t, err)
		assert.True(t, existed)

		row, ok, err := eng.FindByID("users", id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.EqualValues(t, 31, row["age"])
		assert.Equal(t, "a@example.com", row["email"])
	}
}

func TestDeleteRemovesRowAndIndexEntry(t *testing.T) {
	for _, direct := range []bool{false, true} {
		eng := newTestEngine(t)
		require.NoError(t, eng.CreateTable(userSchema(direct), false))

		id, err := eng.Insert("users", map[string]any{"id": int64(1), "email": "a@example.com"})
		require.NoError(t, err)

		require.NoError(t, eng.Delete("users", id))

		_, ok, err := eng.FindByID("users", id)
		require.NoError(t, err)
		assert.False(t, ok)

		// The email should be free to reuse once the owning row is gone.
		_, err = eng.Insert("users", map[string]any{"id": int64(2), "email": "a@example.com"})
		assert.NoError(t, err)
	}
}

func TestSelectFiltersAndOrders(t *testing.T) {
	for _, direct := range []bool{false, true} {
		eng := newTestEngine(t)
		require.NoError(t, eng.CreateTable(userSchema(direct), false))

		for i, age := range []int32{40, 20, 30} {
			_, err := eng.Insert("users", map[string]any{
				"id":    int64(i + 1),
				"email": fmt.Sprintf("user%d@example.com", i),
				"age":   age,
			})
			require.NoError(t, err)
		}

		qb := query.New("users").Where("age", query.OpGE, int32(25)).OrderByAsc("age")
		rows, err := eng.Select(qb)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.EqualValues(t, 30, rows[0]["age"])
		assert.EqualValues(t, 40, rows[1]["age"])
	}
}

func TestExplicitTransactionBuffersUntilCommit(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.CreateTable(userSchema(false), false))

	txn := eng.Begin()
	id, err := txn.Insert("users", map[string]any{"id": int64(1), "email": "a@example.com"})
	require.NoError(t, err)

	// Not visible yet: the write is staged, not applied.
	_, ok, err := eng.FindByID("users", id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, txn.Commit())

	_, ok, err = eng.FindByID("users", id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExplicitTransactionRollbackDiscardsWrites(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.CreateTable(userSchema(false), false))

	txn := eng.Begin()
	id, err := txn.Insert("users", map[string]any{"id": int64(1), "email": "a@example.com"})
	require.NoError(t, err)

	require.NoError(t, txn.Rollback())

	_, ok, err := eng.FindByID("users", id)
	require.NoError(t, err)
	assert.False(t, ok)

	// A transaction can't be used after it's resolved.
	_, err = txn.Insert("users", map[string]any{"id": int64(2), "email": "b@example.com"})
	assert.ErrorIs(t, err, cerr.IllegalState)
}

func TestDropTableRemovesSchemaAndData(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.CreateTable(userSchema(false), false))
	_, err := eng.Insert("users", map[string]any{"id": int64(1), "email": "a@example.com"})
	require.NoError(t, err)

	require.NoError(t, eng.DropTable("users", false))
	assert.Empty(t, eng.ListTables())

	err = eng.DropTable("users", false)
	assert.ErrorIs(t, err, cerr.NotFound)
	assert.NoError(t, eng.DropTable("users", true))
}

func TestFlushAllPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	eng, err := New(Options{DataDir: dir})
	require.NoError(t, err)

	require.NoError(t, eng.CreateTable(userSchema(false), false))
	id, err := eng.Insert("users", map[string]any{"id": int64(1), "email": "a@example.com"})
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	eng2, err := New(Options{DataDir: dir})
	require.NoError(t, err)
	defer eng2.Close()

	assert.Equal(t, []string{"users"}, eng2.ListTables())
	row, ok, err := eng2.FindByID("users", id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a@example.com", row["email"])
}
