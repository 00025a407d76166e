// Package directflush implements the alternative write path that skips
// the memtable entirely: every write is encrypted and appended as its
// own small segment file (spec.md §4.7/§6). It trades write-amplification
// for the simplest possible durability story — a row is durable the
// instant its segment file is fsynced, with no flush service in the
// loop at all.
package directflush

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coldb/coldb/pkg/cerr"
	"github.com/coldb/coldb/pkg/codec"
	"github.com/coldb/coldb/pkg/crypto"
	"github.com/coldb/coldb/pkg/types"
)

// Magic identifies a direct-flush segment file.
const Magic = "KTDB"

// Version is the current on-disk segment format version.
const Version = 3

const footerSize = 8*3 + 4

const deletedMarkerKey = "__deleted__"

// Segment describes one direct-flush segment file.
type Segment struct {
	SegmentID  string
	TableName  string
	MinRowID   uint64
	MaxRowID   uint64
	EntryCount int
	SizeBytes  int64
	CreatedAt  time.Time
	Columns    []string
	Encrypted  bool
}

// entry is one (row id, plaintext row) pair about to be encrypted and
// written.
type entry struct {
	RowID uint64
	Data  types.Row
}

// Row pairs a row id with its decoded column values, as returned by the
// manager's read path.
type Row struct {
	RowID uint64
	Data  types.Row
}

// Writer appends rows for one table as one-segment-per-write(-batch)
// files under baseDir.
type Writer struct {
	BaseDir   string
	TableName string
	Columns   []types.Column
	Crypto    *crypto.Manager

	mu sync.Mutex
}

// NewWriter constructs a writer for one table, creating baseDir if
// needed.
func NewWriter(baseDir, tableName string, columns []types.Column, cm *crypto.Manager) (*Writer, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &Writer{BaseDir: baseDir, TableName: tableName, Columns: columns, Crypto: cm}, nil
}

func (w *Writer) generateSegmentID() string {
	ts := time.Now().UnixMicro()
	var suffix [4]byte
	_, _ = rand.Read(suffix[:])
	sum := md5.Sum(suffix[:])
	return fmt.Sprintf("%s_%d_%x", w.TableName, ts, sum[:4])
}

// WriteSingle appends one row as its own segment.
func (w *Writer) WriteSingle(rowID uint64, data types.Row) (*Segment, error) {
	return w.WriteBatch([]entry{{RowID: rowID, Data: data}})
}

// WriteBatch appends multiple rows, sorted by row id, as one segment.
func (w *Writer) WriteBatch(entries []entry) (*Segment, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	sorted := make([]entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RowID < sorted[j].RowID })

	segmentID := w.generateSegmentID()
	path := filepath.Join(w.BaseDir, segmentID+".sstd")

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bw := &segWriter{w: f}
	minRowID := sorted[0].RowID
	maxRowID := sorted[len(sorted)-1].RowID

	bw.writeString(Magic)
	bw.writeU8(Version)
	bw.writeLenString(w.TableName)
	bw.writeU32(uint32(len(sorted)))
	bw.writeU64(minRowID)
	bw.writeU64(maxRowID)
	bw.writeU8(1) // encrypted flag
	bw.writeU16(uint16(len(w.Columns)))
	for _, c := range w.Columns {
		bw.writeLenString(c.Name)
		bw.writeU8(uint8(c.DataType))
	}

	dataStart := bw.offset
	type idxEnt struct {
		RowID  uint64
		Offset uint32
	}
	var rowIndex []idxEnt

	for _, e := range sorted {
		encrypted, err := w.Crypto.EncryptRow(rawRow(e.Data))
		if err != nil {
			return nil, err
		}
		compressed, err := codec.CompressZlib(encodeRowToken(encrypted))
		if err != nil {
			return nil, err
		}

		rowIndex = append(rowIndex, idxEnt{RowID: e.RowID, Offset: uint32(bw.offset - dataStart)})
		bw.writeU64(e.RowID)
		bw.writeU32(uint32(len(compressed)))
		bw.write(compressed)
	}

	indexOffset := bw.offset
	bw.writeU32(uint32(len(rowIndex)))
	for _, ie := range rowIndex {
		bw.writeU64(ie.RowID)
		bw.writeU32(ie.Offset)
	}

	bw.writeU64(uint64(dataStart))
	bw.writeU64(uint64(indexOffset))
	bw.writeU64(uint64(bw.offset + 8*3))
	bw.writeString(Magic)

	if bw.err != nil {
		return nil, bw.err
	}

	colNames := make([]string, len(w.Columns))
	for i, c := range w.Columns {
		colNames[i] = c.Name
	}

	return &Segment{
		SegmentID:  segmentID,
		TableName:  w.TableName,
		MinRowID:   minRowID,
		MaxRowID:   maxRowID,
		EntryCount: len(sorted),
		SizeBytes:  bw.offset,
		CreatedAt:  time.Now(),
		Columns:    colNames,
		Encrypted:  true,
	}, nil
}

// encodeRowToken wraps the base64url Fernet-style token as a JSON string,
// matching the original's json.dumps(token) framing before the zlib
// compression step. The length prefix is written by the caller.
func encodeRowToken(token []byte) []byte {
	b, _ := json.Marshal(string(token))
	return b
}

func decodeRowToken(data []byte) ([]byte, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func rawRow(data types.Row) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v.Raw()
	}
	return out
}

// segWriter is a small offset-tracking binary writer.
type segWriter struct {
	w      io.Writer
	offset int64
	err    error
}

func (b *segWriter) write(p []byte) {
	if b.err != nil {
		return
	}
	n, err := b.w.Write(p)
	b.offset += int64(n)
	if err != nil {
		b.err = err
	}
}

func (b *segWriter) writeU8(v uint8)   { b.write([]byte{v}) }
func (b *segWriter) writeU16(v uint16) { var x [2]byte; binary.LittleEndian.PutUint16(x[:], v); b.write(x[:]) }
func (b *segWriter) writeU32(v uint32) { var x [4]byte; binary.LittleEndian.PutUint32(x[:], v); b.write(x[:]) }
func (b *segWriter) writeU64(v uint64) { var x [8]byte; binary.LittleEndian.PutUint64(x[:], v); b.write(x[:]) }
func (b *segWriter) writeString(s string) { b.write([]byte(s)) }
func (b *segWriter) writeLenString(s string) {
	b.writeU16(uint16(len(s)))
	b.writeString(s)
}

// Reader lazily loads one segment's header and row index, then serves
// point lookups and range scans.
type Reader struct {
	Path   string
	Crypto *crypto.Manager

	meta       *Segment
	rowIndex   map[uint64]uint32
	dataOffset int64
	columns    []types.Column
	loaded     bool
}

// NewReader constructs a reader bound to path.
func NewReader(path string, cm *crypto.Manager) *Reader {
	return &Reader{Path: path, Crypto: cm}
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
		return fmt.Errorf("directflush: %s: %w: bad magic", r.Path, cerr.IntegrityError)
	}

	rd := &segReader{r: f}
	_ = rd.u8() // version
	tableName := rd.lenString()
	entryCount := rd.u32()
	minRowID := rd.u64()
	maxRowID := rd.u64()
	encrypted := rd.u8() == 1

	colCount := rd.u16()
	columns := make([]types.Column, colCount)
	for i := range columns {
		name := rd.lenString()
		dt := types.DataType(rd.u8())
		columns[i] = types.Column{Name: name, DataType: dt}
	}
	r.columns = columns
	dataOffset := rd.pos
	if rd.err != nil {
		return rd.err
	}
	r.dataOffset = dataOffset

	if _, err := f.Seek(-int64(footerSize), io.SeekEnd); err != nil {
		return err
	}
	footer := make([]byte, footerSize)
	if _, err := io.ReadFull(f, footer); err != nil {
		return err
	}
	indexOffset := int64(binary.LittleEndian.Uint64(footer[8:16]))

	if _, err := f.Seek(indexOffset, io.SeekStart); err != nil {
		return err
	}
	idxRd := &segReader{r: f}
	count := idxRd.u32()
	rowIndex := make(map[uint64]uint32, count)
	for i := uint32(0); i < count; i++ {
		id := idxRd.u64()
		off := idxRd.u32()
		rowIndex[id] = off
	}
	if idxRd.err != nil {
		return idxRd.err
	}
	r.rowIndex = rowIndex

	info, err := f.Stat()
	if err != nil {
		return err
	}

	colNames := make([]string, len(columns))
	for i, c := range columns {
		colNames[i] = c.Name
	}

	r.meta = &Segment{
		SegmentID:  segmentIDFromPath(r.Path),
		TableName:  tableName,
		MinRowID:   minRowID,
		MaxRowID:   maxRowID,
		EntryCount: int(entryCount),
		SizeBytes:  info.Size(),
		CreatedAt:  info.ModTime(),
		Columns:    colNames,
		Encrypted:  encrypted,
	}
	r.loaded = true
	return nil
}

func segmentIDFromPath(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

// Metadata returns the segment's loaded metadata.
func (r *Reader) Metadata() (*Segment, error) {
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}
	return r.meta, nil
}

// ContainsRow reports whether rowID's range could be present in this
// segment (a cheap pre-check, matching the original's min/max gate).
func (r *Reader) ContainsRow(rowID uint64) bool {
	if err := r.ensureLoaded(); err != nil {
		return false
	}
	return rowID >= r.meta.MinRowID && rowID <= r.meta.MaxRowID
}

func (r *Reader) readRowAt(f *os.File, offset uint32, rowID uint64) (types.Row, bool, error) {
	if _, err := f.Seek(r.dataOffset+int64(offset), io.SeekStart); err != nil {
		return nil, false, err
	}
	rd := &segReader{r: f}
	storedRowID := rd.u64()
	dataLen := rd.u32()
	compressed := rd.bytes(int(dataLen))
	if rd.err != nil {
		return nil, false, rd.err
	}
	if storedRowID != rowID {
		return nil, false, nil
	}
	inflated, err := codec.DecompressZlib(compressed)
	if err != nil {
		return nil, false, err
	}
	token, err := decodeRowToken(inflated)
	if err != nil {
		return nil, false, err
	}
	raw, err := r.Crypto.DecryptRow(token)
	if err != nil {
		return nil, false, err
	}
	deleted, _ := raw[deletedMarkerKey].(bool)
	return rowFromRaw(r.columns, raw), deleted, nil
}

// Get performs a point lookup by row id. It returns (nil, false, nil)
// if the row id is absent; if present but a tombstone, deleted is true
// and every column of the returned row is null.
func (r *Reader) Get(rowID uint64) (types.Row, bool, error) {
	if err := r.ensureLoaded(); err != nil {
		return nil, false, err
	}
	offset, ok := r.rowIndex[rowID]
	if !ok {
		return nil, false, nil
	}

	f, err := os.Open(r.Path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	row, deleted, err := r.readRowAt(f, offset, rowID)
	if err != nil {
		return nil, false, err
	}
	return row, deleted, nil
}

// rowResult pairs a row id with its decoded row and tombstone flag.
type rowResult struct {
	RowID   uint64
	Data    types.Row
	Deleted bool
}

// Scan returns every row with lo <= row id <= hi (nil bounds are open),
// including tombstones so callers can distinguish "never written" from
// "deleted".
func (r *Reader) Scan(lo, hi *uint64) ([]rowResult, error) {
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}

	ids := make([]uint64, 0, len(r.rowIndex))
	for id := range r.rowIndex {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	f, err := os.Open(r.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []rowResult
	for _, id := range ids {
		if lo != nil && id < *lo {
			continue
		}
		if hi != nil && id > *hi {
			continue
		}
		row, deleted, err := r.readRowAt(f, r.rowIndex[id], id)
		if err != nil {
			return nil, err
		}
		out = append(out, rowResult{RowID: id, Data: row, Deleted: deleted})
	}
	return out, nil
}

func rowFromRaw(columns []types.Column, raw map[string]any) types.Row {
	out := make(types.Row, len(columns))
	for _, c := range columns {
		v, ok := raw[c.Name]
		out[c.Name] = valueFromRaw(c.DataType, v, ok)
	}
	return out
}

// valueFromRaw converts a JSON-decoded value back into a typed Value
// using the declared column type, mirroring the dynamic typing the
// Python original relies on via plain dict round-tripping.
func valueFromRaw(dt types.DataType, v any, present bool) types.Value {
	if !present || v == nil {
		return types.NewNull(dt)
	}
	switch dt {
	case types.TypeInt32:
		if f, ok := v.(float64); ok {
			return types.NewInt32(int32(f))
		}
	case types.TypeInt64:
		if f, ok := v.(float64); ok {
			return types.NewInt64(int64(f))
		}
	case types.TypeFloat32:
		if f, ok := v.(float64); ok {
			return types.NewFloat32(float32(f))
		}
	case types.TypeFloat64:
		if f, ok := v.(float64); ok {
			return types.NewFloat64(f)
		}
	case types.TypeString:
		if s, ok := v.(string); ok {
			return types.NewString(s)
		}
	case types.TypeBytes:
		if s, ok := v.(string); ok {
			return types.NewBytes([]byte(s))
		}
	case types.TypeBool:
		if b, ok := v.(bool); ok {
			return types.NewBool(b)
		}
	case types.TypeTimestamp:
		if f, ok := v.(float64); ok {
			return types.NewTimestamp(time.UnixMilli(int64(f)))
		}
	case types.TypeJSON:
		return types.NewJSON(v)
	case types.TypeArray:
		if arr, ok := v.([]any); ok {
			values := make([]types.Value, len(arr))
			for i, e := range arr {
				values[i] = types.NewJSON(e)
			}
			return types.NewArray(values)
		}
	}
	return types.NewJSON(v)
}

// segReader is a small offset-tracking binary reader.
type segReader struct {
	r   io.Reader
	pos int64
	err error
}

func (o *segReader) fill(n int) []byte {
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

func (o *segReader) u8() uint8   { return o.fill(1)[0] }
func (o *segReader) u16() uint16 { return binary.LittleEndian.Uint16(o.fill(2)) }
func (o *segReader) u32() uint32 { return binary.LittleEndian.Uint32(o.fill(4)) }
func (o *segReader) u64() uint64 { return binary.LittleEndian.Uint64(o.fill(8)) }
func (o *segReader) bytes(n int) []byte { return o.fill(n) }
func (o *segReader) lenString() string {
	n := o.u16()
	return string(o.fill(int(n)))
}
