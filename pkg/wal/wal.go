// Package wal implements the write-ahead log and transaction manager
// backing durable multi-operation commits (spec.md §4.11/§6): every
// operation is framed as [magic "WAL1"][u32 len][json payload][u32
// crc32] and fsynced before the caller's commit is acknowledged.
package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coldb/coldb/pkg/cerr"
	"github.com/coldb/coldb/pkg/types"
)

// Magic identifies a WAL record.
const Magic = "WAL1"

// OpType is the kind of operation a WAL record describes.
type OpType int

const (
	OpInsert OpType = iota + 1
	OpUpdate
	OpDelete
	OpCreateTable
	OpDropTable
)

// Operation is one mutation logged as part of a transaction.
type Operation struct {
	OpType    OpType    `json:"op_type"`
	TableName string    `json:"table_name"`
	Data      types.Row `json:"-"`
	RawData   map[string]any `json:"data"`
	Timestamp int64     `json:"timestamp"`
	RowID     *uint64   `json:"row_id,omitempty"`
}

// State is a transaction's lifecycle state.
type State int

const (
	Active State = iota + 1
	Committed
	Aborted
	Pending
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	case Pending:
		return "PENDING"
	default:
		return "UNKNOWN"
	}
}

// Txn is an in-flight or recovered transaction.
type Txn struct {
	ID         string
	State      State
	Operations []Operation
	StartTime  time.Time
	CommitTime time.Time

	mu sync.Mutex
}

func (t *Txn) addOperation(op Operation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State != Active {
		return fmt.Errorf("wal: txn %s: %w: not active (%s)", t.ID, cerr.IllegalState, t.State)
	}
	t.Operations = append(t.Operations, op)
	return nil
}

// IsActive reports whether the transaction can still accept operations.
func (t *Txn) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State == Active
}

// Log appends framed records to disk and replays them on recovery.
type Log struct {
	Dir string

	mu          sync.Mutex
	currentFile string
	handle      *os.File
}

// NewLog constructs a log rooted at dir, creating it if needed.
func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Log{Dir: dir}, nil
}

func (l *Log) ensureFile() error {
	if l.currentFile != "" {
		return nil
	}
	l.currentFile = fmt.Sprintf("wal_%d", time.Now().UnixMilli())
	f, err := os.OpenFile(l.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.handle = f
	return nil
}

func (l *Log) path() string {
	return filepath.Join(l.Dir, l.currentFile+".wal")
}

func (l *Log) appendRecord(entry any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureFile(); err != nil {
		return err
	}

	entryBytes, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	record := make([]byte, 0, 4+4+len(entryBytes)+4)
	record = append(record, Magic...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(entryBytes)))
	record = append(record, lenBuf[:]...)
	record = append(record, entryBytes...)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(entryBytes))
	record = append(record, crcBuf[:]...)

	if _, err := l.handle.Write(record); err != nil {
		return err
	}
	if err := l.handle.Sync(); err != nil {
		return err
	}
	return nil
}

type walOperationEntry struct {
	TxnID     string         `json:"txn_id"`
	OpType    OpType         `json:"op_type"`
	TableName string         `json:"table_name"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
	RowID     *uint64        `json:"row_id,omitempty"`
}

// WriteOperation logs one operation under txnID.
func (l *Log) WriteOperation(txnID string, op Operation) error {
	return l.appendRecord(walOperationEntry{
		TxnID:     txnID,
		OpType:    op.OpType,
		TableName: op.TableName,
		Data:      op.RawData,
		Timestamp: op.Timestamp,
		RowID:     op.RowID,
	})
}

type walMarkerEntry struct {
	TxnID     string `json:"txn_id"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// WriteCommit logs a COMMIT marker for txnID.
func (l *Log) WriteCommit(txnID string) error {
	return l.appendRecord(walMarkerEntry{TxnID: txnID, Type: "COMMIT", Timestamp: time.Now().UnixMilli()})
}

// WriteAbort logs an ABORT marker for txnID.
func (l *Log) WriteAbort(txnID string) error {
	return l.appendRecord(walMarkerEntry{TxnID: txnID, Type: "ABORT", Timestamp: time.Now().UnixMilli()})
}

// rawEntry is the superset shape used to decode any record without
// knowing ahead of time whether it is an operation or a marker.
type rawEntry struct {
	TxnID     string         `json:"txn_id"`
	OpType    *OpType        `json:"op_type,omitempty"`
	TableName string         `json:"table_name,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Type      string         `json:"type,omitempty"`
	Timestamp int64          `json:"timestamp"`
	RowID     *uint64        `json:"row_id,omitempty"`
}

// Recover replays every *.wal file in directory order, returning the
// decoded entries whose trailing CRC matches (corrupt tail records are
// silently dropped, matching the original's truncation tolerance).
func (l *Log) Recover() ([]rawEntry, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".wal") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var out []rawEntry
	for _, name := range files {
		data, err := os.ReadFile(filepath.Join(l.Dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, parseRecords(data)...)
	}
	return out, nil
}

func parseRecords(data []byte) []rawEntry {
	var out []rawEntry
	offset := 0
	for offset < len(data) {
		if offset+4 > len(data) || string(data[offset:offset+4]) != Magic {
			break
		}
		offset += 4
		if offset+4 > len(data) {
			break
		}
		entryLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
		offset += 4
		if offset+entryLen+4 > len(data) {
			break
		}
		entryBytes := data[offset : offset+entryLen]
		offset += entryLen
		storedCRC := binary.LittleEndian.Uint32(data[offset : offset+4])
		offset += 4

		if crc32.ChecksumIEEE(entryBytes) != storedCRC {
			continue
		}
		var re rawEntry
		if err := json.Unmarshal(entryBytes, &re); err != nil {
			continue
		}
		out = append(out, re)
	}
	return out
}

// Cleanup removes WAL files whose embedded creation timestamp is older
// than maxAge.
func (l *Log) Cleanup(maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".wal") {
			continue
		}
		tsStr := strings.TrimSuffix(strings.TrimPrefix(name, "wal_"), ".wal")
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		if ts < cutoff {
			_ = os.Remove(filepath.Join(l.Dir, name))
		}
	}
	return nil
}

// Manager coordinates transaction lifecycle on top of a Log.
type Manager struct {
	Log *Log

	mu               sync.Mutex
	transactions     map[string]*Txn
	commitCallbacks  []func(*Txn)
	abortCallbacks   []func(*Txn)
}

// NewManager constructs a transaction manager writing to a WAL rooted
// at walDir.
func NewManager(walDir string) (*Manager, error) {
	l, err := NewLog(walDir)
	if err != nil {
		return nil, err
	}
	return &Manager{Log: l, transactions: make(map[string]*Txn)}, nil
}

// OnCommit registers a callback invoked after every successful commit.
func (m *Manager) OnCommit(cb func(*Txn)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitCallbacks = append(m.commitCallbacks, cb)
}

// OnAbort registers a callback invoked after every abort.
func (m *Manager) OnAbort(cb func(*Txn)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abortCallbacks = append(m.abortCallbacks, cb)
}

// Begin starts a new active transaction.
func (m *Manager) Begin() *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := &Txn{ID: uuid.NewString(), State: Active, StartTime: time.Now()}
	m.transactions[txn.ID] = txn
	return txn
}

// AddOperation logs op to the WAL and appends it to txn, failing if txn
// is not active.
func (m *Manager) AddOperation(txn *Txn, op Operation) error {
	m.mu.Lock()
	_, ok := m.transactions[txn.ID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("wal: txn %s: %w", txn.ID, cerr.NotFound)
	}
	if !txn.IsActive() {
		return fmt.Errorf("wal: txn %s: %w: not active", txn.ID, cerr.IllegalState)
	}

	op.Timestamp = time.Now().UnixMilli()
	if op.RawData == nil {
		op.RawData = rawRow(op.Data)
	}
	if err := m.Log.WriteOperation(txn.ID, op); err != nil {
		return err
	}
	return txn.addOperation(op)
}

// Commit writes a COMMIT marker, marks txn committed, and fires commit
// callbacks.
func (m *Manager) Commit(txn *Txn) error {
	m.mu.Lock()
	_, ok := m.transactions[txn.ID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("wal: txn %s: %w", txn.ID, cerr.NotFound)
	}
	if !txn.IsActive() {
		return fmt.Errorf("wal: txn %s: %w: cannot commit (%s)", txn.ID, cerr.IllegalState, txn.State)
	}

	if err := m.Log.WriteCommit(txn.ID); err != nil {
		return err
	}
	txn.mu.Lock()
	txn.State = Committed
	txn.CommitTime = time.Now()
	txn.mu.Unlock()

	m.mu.Lock()
	cbs := append([]func(*Txn)(nil), m.commitCallbacks...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(txn)
	}
	return nil
}

// Abort writes an ABORT marker, marks txn aborted, and fires abort
// callbacks. Aborting an already-terminal transaction is a no-op.
func (m *Manager) Abort(txn *Txn) error {
	m.mu.Lock()
	_, ok := m.transactions[txn.ID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("wal: txn %s: %w", txn.ID, cerr.NotFound)
	}
	if !txn.IsActive() {
		return nil
	}

	if err := m.Log.WriteAbort(txn.ID); err != nil {
		return err
	}
	txn.mu.Lock()
	txn.State = Aborted
	txn.mu.Unlock()

	m.mu.Lock()
	cbs := append([]func(*Txn)(nil), m.abortCallbacks...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(txn)
	}
	return nil
}

// Recover replays the WAL, grouping records by transaction id. Any
// transaction with neither a COMMIT nor ABORT marker is resolved to
// Aborted rather than left Pending, since a crash mid-transaction with
// no observed commit decision is never safe to replay forward.
func (m *Manager) Recover() ([]*Txn, error) {
	entries, err := m.Log.Recover()
	if err != nil {
		return nil, err
	}

	grouped := make(map[string][]rawEntry)
	var order []string
	for _, e := range entries {
		if e.TxnID == "" {
			continue
		}
		if _, ok := grouped[e.TxnID]; !ok {
			order = append(order, e.TxnID)
		}
		grouped[e.TxnID] = append(grouped[e.TxnID], e)
	}

	var recovered []*Txn
	for _, txnID := range order {
		ops := grouped[txnID]
		hasCommit, hasAbort := false, false
		for _, e := range ops {
			if e.Type == "COMMIT" {
				hasCommit = true
			}
			if e.Type == "ABORT" {
				hasAbort = true
			}
		}

		state := Aborted
		switch {
		case hasCommit:
			state = Committed
		case hasAbort:
			state = Aborted
		default:
			state = Aborted // Pending-with-no-decision recovers as Aborted.
		}

		txn := &Txn{ID: txnID, State: state}
		for _, e := range ops {
			if e.OpType == nil {
				continue
			}
			txn.Operations = append(txn.Operations, Operation{
				OpType:    *e.OpType,
				TableName: e.TableName,
				RawData:   e.Data,
				Timestamp: e.Timestamp,
				RowID:     e.RowID,
			})
		}

		recovered = append(recovered, txn)
		m.mu.Lock()
		m.transactions[txnID] = txn
		m.mu.Unlock()
	}
	return recovered, nil
}

// GetTransaction looks up a transaction by id.
func (m *Manager) GetTransaction(txnID string) (*Txn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.transactions[txnID]
	return txn, ok
}

// ActiveTransactions returns every currently-active transaction.
func (m *Manager) ActiveTransactions() []*Txn {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Txn
	for _, txn := range m.transactions {
		if txn.IsActive() {
			out = append(out, txn)
		}
	}
	return out
}

// Cleanup forgets terminal transactions older than maxAge and prunes WAL
// files that have aged past the same window.
func (m *Manager) Cleanup(maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	for id, txn := range m.transactions {
		if txn.State == Committed || txn.State == Aborted {
			if txn.StartTime.Before(cutoff) {
				delete(m.transactions, id)
			}
		}
	}
	m.mu.Unlock()

	return m.Log.Cleanup(maxAge)
}

func rawRow(row types.Row) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v.Raw()
	}
	return out
}
