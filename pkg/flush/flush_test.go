package flush

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldb/coldb/pkg/memtable"
	"github.com/coldb/coldb/pkg/sstable"
	"github.com/coldb/coldb/pkg/types"
)

func testColumns() []types.Column {
	return []types.Column{{Name: "id", DataType: types.TypeInt64}}
}

func TestFlushImmediately(t *testing.T) {
	dir := t.TempDir()
	s := NewService(dir)
	s.RegisterColumns("users", testColumns())

	m := memtable.New("users", 0, 0)
	require.NoError(t, m.Insert(1, types.Row{"id": types.NewInt64(1)}, 1))

	meta, err := s.FlushImmediately(m)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, memtable.Flushed, m.State())
}

func TestScheduledFlushInvokesCallback(t *testing.T) {
	dir := t.TempDir()
	s := NewService(dir)
	s.RegisterColumns("users", testColumns())

	done := make(chan *sstable.Metadata, 1)
	s.OnFlushComplete(func(meta *sstable.Metadata) { done <- meta })
	s.Start()
	defer s.Stop()

	m := memtable.New("users", 0, 0)
	require.NoError(t, m.Insert(1, types.Row{"id": types.NewInt64(1)}, 1))
	require.NoError(t, s.ScheduleFlush(m))

	select {
	case meta := <-done:
		require.NotNil(t, meta)
		assert.Equal(t, "users", meta.TableName)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush callback")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}
