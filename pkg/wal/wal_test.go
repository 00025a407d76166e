package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldb/coldb/pkg/types"
)

func TestWriteOperationCommitRecover(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	require.NoError(t, err)

	txn := mgr.Begin()
	require.NoError(t, mgr.AddOperation(txn, Operation{
		OpType:    OpInsert,
		TableName: "users",
		Data:      types.Row{"id": types.NewInt64(1)},
	}))
	require.NoError(t, mgr.Commit(txn))

	mgr2, err := NewManager(dir)
	require.NoError(t, err)
	recovered, err := mgr2.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, Committed, recovered[0].State)
	require.Len(t, recovered[0].Operations, 1)
	assert.Equal(t, "users", recovered[0].Operations[0].TableName)
}

func TestAbortedTransactionRecoversAborted(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	require.NoError(t, err)

	txn := mgr.Begin()
	require.NoError(t, mgr.AddOperation(txn, Operation{OpType: OpDelete, TableName: "users"}))
	require.NoError(t, mgr.Abort(txn))

	mgr2, err := NewManager(dir)
	require.NoError(t, err)
	recovered, err := mgr2.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, Aborted, recovered[0].State)
}

func TestPendingTransactionRecoversAsAborted(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	require.NoError(t, err)

	txn := mgr.Begin()
	require.NoError(t, mgr.AddOperation(txn, Operation{OpType: OpInsert, TableName: "users"}))
	// Crash before commit or abort: no terminal marker is ever written.

	mgr2, err := NewManager(dir)
	require.NoError(t, err)
	recovered, err := mgr2.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, Aborted, recovered[0].State, "a transaction with no commit/abort marker must recover as Aborted, never left Pending")
}

func TestCommitAndAbortCallbacksFire(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	require.NoError(t, err)

	var committed, aborted []string
	mgr.OnCommit(func(txn *Txn) { committed = append(committed, txn.ID) })
	mgr.OnAbort(func(txn *Txn) { aborted = append(aborted, txn.ID) })

	t1 := mgr.Begin()
	require.NoError(t, mgr.Commit(t1))

	t2 := mgr.Begin()
	require.NoError(t, mgr.Abort(t2))

	assert.Equal(t, []string{t1.ID}, committed)
	assert.Equal(t, []string{t2.ID}, aborted)
}

func TestAddOperationFailsOnInactiveTxn(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	require.NoError(t, err)

	txn := mgr.Begin()
	require.NoError(t, mgr.Commit(txn))

	err = mgr.AddOperation(txn, Operation{OpType: OpInsert, TableName: "users"})
	require.Error(t, err)
}

func TestCommitTwiceFails(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	require.NoError(t, err)

	txn := mgr.Begin()
	require.NoError(t, mgr.Commit(txn))
	require.Error(t, mgr.Commit(txn))
}

func TestAbortAfterCommitIsNoop(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	require.NoError(t, err)

	txn := mgr.Begin()
	require.NoError(t, mgr.Commit(txn))
	require.NoError(t, mgr.Abort(txn))
	assert.Equal(t, Committed, txn.State)
}

func TestActiveTransactions(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	require.NoError(t, err)

	t1 := mgr.Begin()
	t2 := mgr.Begin()
	require.NoError(t, mgr.Commit(t1))

	active := mgr.ActiveTransactions()
	require.Len(t, active, 1)
	assert.Equal(t, t2.ID, active[0].ID)
}

func TestCleanupRemovesOldWALFiles(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir)
	require.NoError(t, err)

	txn := mgr.Begin()
	require.NoError(t, mgr.Commit(txn))

	require.NoError(t, mgr.Cleanup(0))

	entries, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecoverIgnoresTruncatedTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLog(dir)
	require.NoError(t, err)
	require.NoError(t, l.WriteOperation("txn-1", Operation{OpType: OpInsert, TableName: "users", RawData: map[string]any{"id": float64(1)}}))

	// Append a record cut off after its magic and half of its length field.
	f, err := os.OpenFile(l.path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte(Magic + "\x10\x00"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := l.Recover()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "txn-1", entries[0].TxnID)
}
