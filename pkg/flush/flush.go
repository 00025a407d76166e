// Package flush runs the background worker that drains immutable
// memtables into SSTable segments (spec.md §4.8).
package flush

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coldb/coldb/pkg/log"
	"github.com/coldb/coldb/pkg/memtable"
	"github.com/coldb/coldb/pkg/sstable"
	"github.com/coldb/coldb/pkg/types"
)

// Callback is invoked after a memtable has been successfully flushed.
type Callback func(meta *sstable.Metadata)

// Service owns a FIFO queue of immutable memtables and a single worker
// goroutine that flushes them one at a time, matching the original's
// single-worker flush loop.
type Service struct {
	BaseDir string

	mu        sync.Mutex
	callbacks []Callback
	columns   map[string][]types.Column

	queue   chan *memtable.MemTable
	stop    chan struct{}
	stopped chan struct{}
	running bool
}

// NewService constructs a flush service rooted at baseDir. Call Start
// to begin draining scheduled memtables.
func NewService(baseDir string) *Service {
	return &Service{
		BaseDir: baseDir,
		columns: make(map[string][]types.Column),
		queue:   make(chan *memtable.MemTable, 1024),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// RegisterColumns tells the service which columns to write for a table's
// segments. Must be called before the first flush for that table.
func (s *Service) RegisterColumns(tableName string, columns []types.Column) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.columns[tableName] = columns
}

// OnFlushComplete registers a callback invoked after every successful
// flush, in registration order.
func (s *Service) OnFlushComplete(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Start launches the background flush loop. It is a no-op if already
// running.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.loop()
}

// Stop signals the flush loop to exit and waits for it to drain.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stop)
	<-s.stopped
}

func (s *Service) loop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.stop:
			for {
				select {
				case m := <-s.queue:
					s.flushOne(m)
				default:
					return
				}
			}
		case m := <-s.queue:
			s.flushOne(m)
		}
	}
}

// ScheduleFlush marks the memtable immutable and enqueues it for
// background flushing.
func (s *Service) ScheduleFlush(m *memtable.MemTable) error {
	if err := m.MakeImmutable(); err != nil {
		return err
	}
	s.queue <- m
	return nil
}

func (s *Service) columnsFor(tableName string) []types.Column {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.columns[tableName]
}

func (s *Service) flushOne(m *memtable.MemTable) {
	if err := m.MarkFlushing(); err != nil {
		log.Errorf(fmt.Sprintf("flush: %s", m.TableName), err)
		return
	}

	w := sstable.NewWriter(s.BaseDir, m.TableName, s.columnsFor(m.TableName))
	meta, err := w.Write(m, 0)
	if err != nil {
		log.Errorf(fmt.Sprintf("flush: writing segment for %s", m.TableName), err)
		m.RollbackToImmutable()
		return
	}

	m.MarkFlushed()
	if meta == nil {
		return
	}

	s.mu.Lock()
	cbs := append([]Callback(nil), s.callbacks...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(meta)
	}
}

// FlushImmediately synchronously flushes m, bypassing the queue. Used
// on shutdown to drain any remaining active memtables.
func (s *Service) FlushImmediately(m *memtable.MemTable) (*sstable.Metadata, error) {
	if err := m.MakeImmutable(); err != nil {
		return nil, err
	}
	if err := m.MarkFlushing(); err != nil {
		return nil, err
	}

	w := sstable.NewWriter(s.BaseDir, m.TableName, s.columnsFor(m.TableName))
	meta, err := w.Write(m, 0)
	if err != nil {
		m.RollbackToImmutable()
		return nil, err
	}
	m.MarkFlushed()
	return meta, nil
}

// PendingCount reports how many memtables are queued for flushing.
func (s *Service) PendingCount() int {
	return len(s.queue)
}

// WaitIdle blocks until the queue has drained or ctx is done, polling at
// a short interval. Used by tests and graceful-shutdown paths that need
// a synchronization point without exposing queue internals.
func (s *Service) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.PendingCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
