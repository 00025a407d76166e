// Package registry persists SSTable segment metadata to disk so the
// engine can rediscover which segments belong to which table after a
// restart without re-scanning every file's header (spec.md §4.10).
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coldb/coldb/pkg/sstable"
)

// FileName is the registry's on-disk file name, relative to its base
// directory.
const FileName = "sstable_registry.json"

type record struct {
	SegmentID         string   `json:"segment_id"`
	TableName         string   `json:"table_name"`
	Level             int      `json:"level"`
	MinRowID          uint64   `json:"min_row_id"`
	MaxRowID          uint64   `json:"max_row_id"`
	EntryCount        int      `json:"entry_count"`
	SizeBytes         int64    `json:"size_bytes"`
	CreatedAt         int64    `json:"created_at"`
	Columns           []string `json:"columns"`
	BloomFilterOffset int64    `json:"bloom_filter_offset"`
	DataOffset        int64    `json:"data_offset"`
	IndexOffset       int64    `json:"index_offset"`
}

// Registry is a synchronous, on-disk index of which segment files exist
// for which table.
type Registry struct {
	BaseDir string

	mu   sync.Mutex
	meta map[string][]*sstable.Metadata
}

// New constructs an (unloaded) registry rooted at baseDir.
func New(baseDir string) *Registry {
	return &Registry{BaseDir: baseDir, meta: make(map[string][]*sstable.Metadata)}
}

func (r *Registry) path() string {
	return filepath.Join(r.BaseDir, FileName)
}

// Load reads the registry file, if present, pruning any entries whose
// segment file no longer exists on disk (spec.md §4.10 startup pruning).
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var raw map[string][]record
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for table, records := range raw {
		var kept []*sstable.Metadata
		for _, rec := range records {
			segmentPath := filepath.Join(r.BaseDir, rec.SegmentID+".sst")
			if _, err := os.Stat(segmentPath); err != nil {
				continue
			}
			kept = append(kept, &sstable.Metadata{
				SegmentID:         rec.SegmentID,
				TableName:         rec.TableName,
				Level:             rec.Level,
				MinRowID:          rec.MinRowID,
				MaxRowID:          rec.MaxRowID,
				EntryCount:        rec.EntryCount,
				SizeBytes:         rec.SizeBytes,
				CreatedAt:         time.UnixMilli(rec.CreatedAt),
				Columns:           rec.Columns,
				BloomFilterOffset: rec.BloomFilterOffset,
				DataOffset:        rec.DataOffset,
				IndexOffset:       rec.IndexOffset,
			})
		}
		r.meta[table] = kept
	}
	return nil
}

// save writes the full registry to disk. Callers must hold r.mu.
func (r *Registry) save() error {
	out := make(map[string][]record, len(r.meta))
	for table, metas := range r.meta {
		recs := make([]record, len(metas))
		for i, m := range metas {
			recs[i] = record{
				SegmentID:         m.SegmentID,
				TableName:         m.TableName,
				Level:             m.Level,
				MinRowID:          m.MinRowID,
				MaxRowID:          m.MaxRowID,
				EntryCount:        m.EntryCount,
				SizeBytes:         m.SizeBytes,
				CreatedAt:         m.CreatedAt.UnixMilli(),
				Columns:           m.Columns,
				BloomFilterOffset: m.BloomFilterOffset,
				DataOffset:        m.DataOffset,
				IndexOffset:       m.IndexOffset,
			}
		}
		out[table] = recs
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.BaseDir, 0o755); err != nil {
		return err
	}
	tmp := r.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path())
}

// Register appends meta to table's segment list and persists
// synchronously.
func (r *Registry) Register(meta *sstable.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meta[meta.TableName] = append(r.meta[meta.TableName], meta)
	return r.save()
}

// Unregister removes the named segments from table's list and persists
// synchronously.
func (r *Registry) Unregister(tableName string, segmentIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	drop := make(map[string]bool, len(segmentIDs))
	for _, id := range segmentIDs {
		drop[id] = true
	}
	var kept []*sstable.Metadata
	for _, m := range r.meta[tableName] {
		if !drop[m.SegmentID] {
			kept = append(kept, m)
		}
	}
	r.meta[tableName] = kept
	return r.save()
}

// Segments returns the known segments for tableName.
func (r *Registry) Segments(tableName string) []*sstable.Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*sstable.Metadata(nil), r.meta[tableName]...)
}

// Tables returns every table name with at least one registered segment.
func (r *Registry) Tables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.meta))
	for t, metas := range r.meta {
		if len(metas) > 0 {
			out = append(out, t)
		}
	}
	return out
}
