package directflush

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldb/coldb/pkg/crypto"
	"github.com/coldb/coldb/pkg/types"
)

func testCrypto() *crypto.Manager {
	return crypto.NewManager(crypto.DefaultKeyParts, "coldb-test-salt")
}

func testColumns() []types.Column {
	return []types.Column{
		{Name: "id", DataType: types.TypeInt64},
		{Name: "name", DataType: types.TypeString},
	}
}

func TestManagerInsertGet(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, testCrypto())
	require.NoError(t, err)
	require.NoError(t, m.RegisterTable("users", testColumns()))

	row := types.Row{"id": types.NewInt64(1), "name": types.NewString("ana")}
	require.NoError(t, m.Insert("users", 1, row))

	got, deleted, err := m.Get("users", 1)
	require.NoError(t, err)
	assert.False(t, deleted)
	require.NotNil(t, got)
	assert.Equal(t, "ana", got["name"].Str)
}

func TestManagerUpdateAndDelete(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, testCrypto())
	require.NoError(t, err)
	require.NoError(t, m.RegisterTable("users", testColumns()))

	require.NoError(t, m.Insert("users", 1, types.Row{"id": types.NewInt64(1), "name": types.NewString("ana")}))
	ok, err := m.Update("users", 1, types.Row{"name": types.NewString("ana2")})
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, err := m.Get("users", 1)
	require.NoError(t, err)
	assert.Equal(t, "ana2", got["name"].Str)

	require.NoError(t, m.Delete("users", 1))
	rows, err := m.GetAll("users")
	require.NoError(t, err)
	assert.Len(t, rows, 0)
}

func TestManagerScanAndFindByColumn(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, testCrypto())
	require.NoError(t, err)
	require.NoError(t, m.RegisterTable("users", testColumns()))

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, m.Insert("users", i, types.Row{
			"id": types.NewInt64(int64(i)), "name": types.NewString("user"),
		}))
	}

	lo, hi := uint64(2), uint64(4)
	rows, err := m.Scan("users", &lo, &hi)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	found, err := m.FindByColumn("users", "id", types.NewInt64(3))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, uint64(3), found.RowID)
}

func TestManagerCompactDropsTombstonesAndOldSegments(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, testCrypto())
	require.NoError(t, err)
	require.NoError(t, m.RegisterTable("users", testColumns()))

	require.NoError(t, m.Insert("users", 1, types.Row{"id": types.NewInt64(1), "name": types.NewString("ana")}))
	require.NoError(t, m.Insert("users", 2, types.Row{"id": types.NewInt64(2), "name": types.NewString("bob")}))
	require.NoError(t, m.Delete("users", 2))

	require.NoError(t, m.Compact("users"))

	rows, err := m.GetAll("users")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	entries, err := os.ReadDir(dir + "/users")
	require.NoError(t, err)
	segCount := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sstd") {
			segCount++
		}
	}
	assert.Equal(t, 1, segCount)
}
