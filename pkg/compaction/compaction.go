// Package compaction runs the background service that merges small
// SSTable segments at the same level into fewer, larger segments at the
// next level (spec.md §4.9).
package compaction

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coldb/coldb/pkg/log"
	"github.com/coldb/coldb/pkg/memtable"
	"github.com/coldb/coldb/pkg/registry"
	"github.com/coldb/coldb/pkg/sstable"
	"github.com/coldb/coldb/pkg/types"
)

// LevelThreshold is the minimum number of same-level segments that
// triggers a compaction pass.
const LevelThreshold = 4

// MaxLevel is the highest level a segment may be compacted into; levels
// at or above this are left alone.
const MaxLevel = 7

// Interval is how often the background loop checks every table.
const Interval = 30 * time.Second

// Service periodically compacts each table's segments, one compaction
// in flight per table at a time.
type Service struct {
	BaseDir  string
	Registry *registry.Registry

	mu          sync.Mutex
	columns     map[string][]types.Column
	inProgress  map[string]bool
	stop        chan struct{}
	stopped     chan struct{}
	running     bool
	tickerEvery time.Duration
}

// NewService constructs a compaction service over reg's tracked
// segments, writing merged segments back into baseDir.
func NewService(baseDir string, reg *registry.Registry) *Service {
	return &Service{
		BaseDir:     baseDir,
		Registry:    reg,
		columns:     make(map[string][]types.Column),
		inProgress:  make(map[string]bool),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
		tickerEvery: Interval,
	}
}

// RegisterColumns records the column schema to use when writing merged
// segments for tableName.
func (s *Service) RegisterColumns(tableName string, columns []types.Column) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.columns[tableName] = columns
}

// Start launches the background compaction loop.
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

// Stop signals the loop to exit and waits for it to finish.
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
	ticker := time.NewTicker(s.tickerEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for _, table := range s.Registry.Tables() {
				s.maybeCompactTable(table)
			}
		}
	}
}

func (s *Service) maybeCompactTable(tableName string) {
	s.mu.Lock()
	if s.inProgress[tableName] {
		s.mu.Unlock()
		return
	}
	s.inProgress[tableName] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inProgress[tableName] = false
		s.mu.Unlock()
	}()

	segments := s.Registry.Segments(tableName)
	if len(segments) == 0 {
		return
	}

	byLevel := make(map[int][]*sstable.Metadata)
	for _, m := range segments {
		byLevel[m.Level] = append(byLevel[m.Level], m)
	}

	for level, levelSegments := range byLevel {
		if len(levelSegments) >= LevelThreshold && level < MaxLevel {
			if err := s.compactLevel(tableName, level, levelSegments); err != nil {
				log.Errorf("compaction: table "+tableName, err)
			}
			return
		}
	}
}

// CompactTableNow runs one compaction pass on tableName immediately,
// bypassing the ticker. Used by maintenance APIs and tests.
func (s *Service) CompactTableNow(tableName string) error {
	segments := s.Registry.Segments(tableName)
	byLevel := make(map[int][]*sstable.Metadata)
	for _, m := range segments {
		byLevel[m.Level] = append(byLevel[m.Level], m)
	}
	for level, levelSegments := range byLevel {
		if len(levelSegments) >= LevelThreshold && level < MaxLevel {
			return s.compactLevel(tableName, level, levelSegments)
		}
	}
	return nil
}

func (s *Service) compactLevel(tableName string, level int, segments []*sstable.Metadata) error {
	s.mu.Lock()
	columns, ok := s.columns[tableName]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	sorted := append([]*sstable.Metadata(nil), segments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	merged := make(map[uint64]types.Row)
	for _, meta := range sorted {
		path := filepath.Join(s.BaseDir, meta.SegmentID+".sst")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		r := sstable.NewReader(path)
		rows, err := r.Scan(nil, nil)
		if err != nil {
			log.Errorf("compaction: reading segment "+meta.SegmentID, err)
			continue
		}
		for _, row := range rows {
			merged[row.RowID] = row.Data
		}
	}
	if len(merged) == 0 {
		return nil
	}

	ids := make([]uint64, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	entries := make([]mergeEntry, len(ids))
	for i, id := range ids {
		entries[i] = mergeEntry{RowID: id, Data: merged[id]}
	}

	w := sstable.NewWriter(s.BaseDir, tableName, columns)
	newMeta, err := w.WriteEntries(toMemtableEntries(entries), level+1)
	if err != nil {
		return err
	}
	if newMeta == nil {
		return nil
	}

	if err := s.Registry.Register(newMeta); err != nil {
		return err
	}
	segmentIDs := make([]string, len(sorted))
	for i, m := range sorted {
		segmentIDs[i] = m.SegmentID
	}
	if err := s.Registry.Unregister(tableName, segmentIDs); err != nil {
		return err
	}

	for _, m := range sorted {
		_ = os.Remove(filepath.Join(s.BaseDir, m.SegmentID+".sst"))
	}
	return nil
}

type mergeEntry struct {
	RowID uint64
	Data  types.Row
}

func toMemtableEntries(entries []mergeEntry) []memtable.Entry {
	out := make([]memtable.Entry, len(entries))
	for i, e := range entries {
		out[i] = memtable.Entry{RowID: e.RowID, Data: e.Data}
	}
	return out
}
