// Package sstable implements the on-disk sorted-string table segment
// format written by the flush service and read by the query path
// (spec.md §4.6/§6): [header][bloom filter][index-offset
// placeholder][row-id run][per-column blocks][sparse index][footer].
package sstable

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/coldb/coldb/pkg/bloom"
	"github.com/coldb/coldb/pkg/cerr"
	"github.com/coldb/coldb/pkg/codec"
	"github.com/coldb/coldb/pkg/memtable"
	"github.com/coldb/coldb/pkg/types"
)

// Magic identifies an SSTable segment file.
const Magic = "SSTB"

// Version is the current on-disk segment format version.
const Version = 1

// footerSize is the fixed 4*u64 + 4-byte-magic trailer.
const footerSize = 8*4 + 4

// Metadata describes one written (or loaded) segment.
type Metadata struct {
	SegmentID        string
	TableName        string
	Level            int
	MinRowID         uint64
	MaxRowID         uint64
	EntryCount       int
	SizeBytes        int64
	CreatedAt        time.Time
	Columns          []string
	BloomFilterOffset int64
	DataOffset        int64
	IndexOffset       int64
}

type indexEntry struct {
	RowID  uint64
	Offset uint32
}

// Row pairs a row id with its decoded column values.
type Row struct {
	RowID uint64
	Data  types.Row
}

// Writer drains a memtable into a new segment file under baseDir.
type Writer struct {
	BaseDir   string
	TableName string
	Columns   []types.Column
}

// NewWriter constructs a writer for one table's segments.
func NewWriter(baseDir, tableName string, columns []types.Column) *Writer {
	return &Writer{BaseDir: baseDir, TableName: tableName, Columns: columns}
}

func (w *Writer) generateSegmentID() string {
	ts := time.Now().UnixMilli()
	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	sum := md5.Sum(suffix[:])
	return fmt.Sprintf("%s_%d_%x", w.TableName, ts, sum[:4])
}

// Write drains every entry in the memtable into a new segment file,
// ordered by row id, writing tombstones as all-null rows. It returns
// nil metadata if the
// memtable held no entries (tombstones-only segments are still written,
// since deletes must be visible to compaction's merge pass).
func (w *Writer) Write(m *memtable.MemTable, level int) (*Metadata, error) {
	entries := m.GetAll()
	if len(entries) == 0 {
		return nil, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RowID < entries[j].RowID })
	return w.WriteEntries(entries, level)
}

// WriteEntries writes pre-sorted entries directly, used by compaction's
// merge pass as well as the flush path.
func (w *Writer) WriteEntries(entries []memtable.Entry, level int) (*Metadata, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	segmentID := w.generateSegmentID()
	path := filepath.Join(w.BaseDir, segmentID+".sst")

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := &bufWriter{w: f}

	minRowID := entries[0].RowID
	maxRowID := entries[len(entries)-1].RowID

	buf.writeString(Magic)
	buf.writeU8(Version)
	buf.writeLenString(w.TableName)
	buf.writeU32(uint32(len(entries)))
	buf.writeU64(minRowID)
	buf.writeU64(maxRowID)
	buf.writeU8(uint8(level))
	buf.writeU16(uint16(len(w.Columns)))
	for _, c := range w.Columns {
		buf.writeLenString(c.Name)
		buf.writeU8(uint8(c.DataType))
	}

	bloomFilterOffset := buf.offset
	filter := bloom.New(len(entries), 0.01)
	for _, e := range entries {
		filter.AddUint64(e.RowID)
	}
	bloomBytes := filter.Serialize()
	buf.writeU32(uint32(len(bloomBytes)))
	buf.write(bloomBytes)

	indexPlaceholderPos := buf.offset
	buf.writeU32(0)

	dataOffset := buf.offset

	indexInterval := len(entries) / 100
	if indexInterval < 1 {
		indexInterval = 1
	}

	var sparseIndex []indexEntry
	rowIDs := make([]uint64, len(entries))
	columnValues := make([][]types.Value, len(w.Columns))
	for ci := range w.Columns {
		columnValues[ci] = make([]types.Value, len(entries))
	}

	for i, e := range entries {
		rowIDs[i] = e.RowID
		if i%indexInterval == 0 {
			sparseIndex = append(sparseIndex, indexEntry{RowID: e.RowID, Offset: uint32(buf.offset - dataOffset)})
		}
		for ci, c := range w.Columns {
			v, ok := e.Data[c.Name]
			if !ok || e.Deleted {
				v = types.NewNull(c.DataType)
			}
			columnValues[ci][i] = v
		}
	}

	rowIDBytes := make([]byte, 8*len(rowIDs))
	for i, id := range rowIDs {
		binary.LittleEndian.PutUint64(rowIDBytes[i*8:], id)
	}
	compressedRowIDs, err := codec.CompressZlib(rowIDBytes)
	if err != nil {
		return nil, err
	}
	buf.writeU32(uint32(len(compressedRowIDs)))
	buf.write(compressedRowIDs)

	for ci, c := range w.Columns {
		encoded, err := codec.EncodeColumnBlock(columnValues[ci], c.DataType, true)
		if err != nil {
			return nil, err
		}
		buf.writeU32(uint32(len(encoded)))
		buf.write(encoded)
	}

	actualIndexOffset := buf.offset
	buf.writeU32(uint32(len(sparseIndex)))
	for _, ie := range sparseIndex {
		buf.writeU64(ie.RowID)
		buf.writeU32(ie.Offset)
	}

	buf.writeU64(uint64(bloomFilterOffset))
	buf.writeU64(uint64(dataOffset))
	buf.writeU64(uint64(actualIndexOffset))
	buf.writeU64(uint64(buf.offset + 8*4))
	buf.writeString(Magic)

	if buf.err != nil {
		return nil, buf.err
	}

	finalSize := buf.offset

	if _, err := f.Seek(indexPlaceholderPos, io.SeekStart); err != nil {
		return nil, err
	}
	var idxOffBuf [4]byte
	binary.LittleEndian.PutUint32(idxOffBuf[:], uint32(actualIndexOffset))
	if _, err := f.Write(idxOffBuf[:]); err != nil {
		return nil, err
	}

	colNames := make([]string, len(w.Columns))
	for i, c := range w.Columns {
		colNames[i] = c.Name
	}

	return &Metadata{
		SegmentID:         segmentID,
		TableName:         w.TableName,
		Level:             level,
		MinRowID:          minRowID,
		MaxRowID:          maxRowID,
		EntryCount:        len(entries),
		SizeBytes:         finalSize,
		CreatedAt:         time.Now(),
		Columns:           colNames,
		BloomFilterOffset: bloomFilterOffset,
		DataOffset:        dataOffset,
		IndexOffset:       actualIndexOffset,
	}, nil
}

// bufWriter is a small offset-tracking binary writer over an *os.File.
type bufWriter struct {
	w      io.Writer
	offset int64
	err    error
}

func (b *bufWriter) write(p []byte) {
	if b.err != nil {
		return
	}
	n, err := b.w.Write(p)
	b.offset += int64(n)
	if err != nil {
		b.err = err
	}
}

func (b *bufWriter) writeU8(v uint8)   { b.write([]byte{v}) }
func (b *bufWriter) writeU16(v uint16) { var x [2]byte; binary.LittleEndian.PutUint16(x[:], v); b.write(x[:]) }
func (b *bufWriter) writeU32(v uint32) { var x [4]byte; binary.LittleEndian.PutUint32(x[:], v); b.write(x[:]) }
func (b *bufWriter) writeU64(v uint64) { var x [8]byte; binary.LittleEndian.PutUint64(x[:], v); b.write(x[:]) }
func (b *bufWriter) writeString(s string) { b.write([]byte(s)) }
func (b *bufWriter) writeLenString(s string) {
	b.writeU16(uint16(len(s)))
	b.writeString(s)
}

// Reader lazily loads a segment's metadata, bloom filter and sparse
// index, then serves point lookups and range scans against the file.
type Reader struct {
	Path string

	meta        *Metadata
	bloomFilter *bloom.Filter
	sparseIndex []indexEntry
	columns     []types.Column
	loaded      bool
}

// NewReader constructs a reader bound to path, loading nothing yet.
func NewReader(path string) *Reader {
	return &Reader{Path: path}
}

func (r *Reader) ensureLoaded() error {
	if r.loaded {
		return nil
	}
	f, err := os.Open(r.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return err
	}
	if string(magic) != Magic {
		return fmt.Errorf("sstable: %s: %w: bad magic", r.Path, cerr.IntegrityError)
	}

	rd := &offReader{r: f}
	_ = rd.u8() // version
	tableName := rd.lenString()
	entryCount := rd.u32()
	minRowID := rd.u64()
	maxRowID := rd.u64()
	level := rd.u8()

	colCount := rd.u16()
	columns := make([]types.Column, colCount)
	for i := range columns {
		name := rd.lenString()
		dt := types.DataType(rd.u8())
		columns[i] = types.Column{Name: name, DataType: dt}
	}
	r.columns = columns

	bloomFilterOffset := rd.pos
	bloomLen := rd.u32()
	bloomBytes := rd.bytes(int(bloomLen))
	filter, err := bloom.Deserialize(bloomBytes)
	if err != nil {
		return err
	}
	r.bloomFilter = filter

	_ = rd.u32() // index offset placeholder, superseded by the footer
	dataOffset := rd.pos

	if rd.err != nil {
		return rd.err
	}

	if _, err := f.Seek(-int64(footerSize), io.SeekEnd); err != nil {
		return err
	}
	footer := make([]byte, footerSize)
	if _, err := io.ReadFull(f, footer); err != nil {
		return err
	}
	bloomOff := int64(binary.LittleEndian.Uint64(footer[0:8]))
	dataOff := int64(binary.LittleEndian.Uint64(footer[8:16]))
	indexOff := int64(binary.LittleEndian.Uint64(footer[16:24]))
	_ = bloomOff
	_ = dataOff

	if _, err := f.Seek(indexOff, io.SeekStart); err != nil {
		return err
	}
	idxRd := &offReader{r: f}
	idxCount := idxRd.u32()
	sparse := make([]indexEntry, idxCount)
	for i := range sparse {
		sparse[i] = indexEntry{RowID: idxRd.u64(), Offset: idxRd.u32()}
	}
	if idxRd.err != nil {
		return idxRd.err
	}
	r.sparseIndex = sparse

	info, err := f.Stat()
	if err != nil {
		return err
	}

	r.meta = &Metadata{
		SegmentID:         segmentIDFromPath(r.Path),
		TableName:         tableName,
		Level:             int(level),
		MinRowID:          minRowID,
		MaxRowID:          maxRowID,
		EntryCount:        int(entryCount),
		SizeBytes:         info.Size(),
		CreatedAt:         info.ModTime(),
		Columns:           columnNames(columns),
		BloomFilterOffset: bloomFilterOffset,
		DataOffset:        dataOffset,
		IndexOffset:       indexOff,
	}
	r.loaded = true
	return nil
}

func segmentIDFromPath(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

func columnNames(cols []types.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// Metadata returns the segment's loaded metadata.
func (r *Reader) Metadata() (*Metadata, error) {
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}
	return r.meta, nil
}

// MightContain is a cheap bloom-filter pre-check; false means the row
// id is definitely absent from this segment.
func (r *Reader) MightContain(rowID uint64) bool {
	if err := r.ensureLoaded(); err != nil {
		return true
	}
	return r.bloomFilter.MightContainUint64(rowID)
}

// InRange reports whether rowID falls within [MinRowID, MaxRowID].
func (r *Reader) InRange(rowID uint64) bool {
	if err := r.ensureLoaded(); err != nil {
		return true
	}
	return rowID >= r.meta.MinRowID && rowID <= r.meta.MaxRowID
}

func (r *Reader) readColumnValues(f *os.File, dataOffset int64) ([]uint64, [][]types.Value, error) {
	if _, err := f.Seek(dataOffset, io.SeekStart); err != nil {
		return nil, nil, err
	}
	rd := &offReader{r: f}
	rowIDLen := rd.u32()
	compressed := rd.bytes(int(rowIDLen))
	if rd.err != nil {
		return nil, nil, rd.err
	}
	rowIDBytes, err := codec.DecompressZlib(compressed)
	if err != nil {
		return nil, nil, err
	}
	rowIDs := make([]uint64, len(rowIDBytes)/8)
	for i := range rowIDs {
		rowIDs[i] = binary.LittleEndian.Uint64(rowIDBytes[i*8:])
	}

	columnValues := make([][]types.Value, len(r.columns))
	for ci, c := range r.columns {
		colLen := rd.u32()
		colData := rd.bytes(int(colLen))
		if rd.err != nil {
			return nil, nil, rd.err
		}
		values, err := codec.DecodeColumnBlock(colData, c.DataType)
		if err != nil {
			return nil, nil, err
		}
		columnValues[ci] = values
	}
	return rowIDs, columnValues, nil
}

// Get performs a point lookup, short-circuiting via the range check and
// bloom filter before touching the data blocks.
func (r *Reader) Get(rowID uint64) (*Row, error) {
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}
	if !r.InRange(rowID) || !r.MightContain(rowID) {
		return nil, nil
	}

	f, err := os.Open(r.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rowIDs, columnValues, err := r.readColumnValues(f, r.meta.DataOffset)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i, id := range rowIDs {
		if id == rowID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil
	}

	data := make(types.Row, len(r.columns))
	for ci, c := range r.columns {
		if idx < len(columnValues[ci]) {
			data[c.Name] = columnValues[ci][idx]
		}
	}
	return &Row{RowID: rowID, Data: data}, nil
}

// Scan returns every row with lo <= row id <= hi (nil bounds are open).
// Tombstones are not distinguished at this layer: the writer persists
// deleted rows as all-null values, matching the original's "compaction
// drops tombstones, point reads never see them" contract at the engine
// layer above.
func (r *Reader) Scan(lo, hi *uint64) ([]Row, error) {
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}

	f, err := os.Open(r.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rowIDs, columnValues, err := r.readColumnValues(f, r.meta.DataOffset)
	if err != nil {
		return nil, err
	}

	var out []Row
	for i, id := range rowIDs {
		if lo != nil && id < *lo {
			continue
		}
		if hi != nil && id > *hi {
			continue
		}
		data := make(types.Row, len(r.columns))
		for ci, c := range r.columns {
			if i < len(columnValues[ci]) {
				data[c.Name] = columnValues[ci][i]
			}
		}
		out = append(out, Row{RowID: id, Data: data})
	}
	return out, nil
}

// offReader is a small offset-tracking binary reader.
type offReader struct {
	r   io.Reader
	pos int64
	err error
}

func (o *offReader) fill(n int) []byte {
	if o.err != nil {
		return make([]byte, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(o.r, buf); err != nil {
		o.err = err
	}
	o.pos += int64(n)
	return buf
}

func (o *offReader) u8() uint8   { return o.fill(1)[0] }
func (o *offReader) u16() uint16 { return binary.LittleEndian.Uint16(o.fill(2)) }
func (o *offReader) u32() uint32 { return binary.LittleEndian.Uint32(o.fill(4)) }
func (o *offReader) u64() uint64 { return binary.LittleEndian.Uint64(o.fill(8)) }
func (o *offReader) bytes(n int) []byte { return o.fill(n) }
func (o *offReader) lenString() string {
	n := o.u16()
	return string(o.fill(int(n)))
}
