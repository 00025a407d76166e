package engine

import (
	"fmt"

	"github.com/coldb/coldb/pkg/cerr"
	"github.com/coldb/coldb/pkg/metrics"
	"github.com/coldb/coldb/pkg/query"
	"github.com/coldb/coldb/pkg/types"
	"github.com/coldb/coldb/pkg/wal"
)

// allocateRowID reserves the next row id for schema's backend. Ids are
// never reused, even across an aborted transaction — acceptable since
// auto-increment inserts are documented as non-idempotent.
func (e *Engine) allocateRowID(schema *types.TableSchema) (uint64, error) {
	if schema.UseDirectFlush {
		return e.direct.NextRowID(schema.Name)
	}
	lt, err := requireLSMTable(e.lsmTables, schema.Name)
	if err != nil {
		return 0, err
	}
	return lt.nextRowID(), nil
}

func (e *Engine) updateIndexesOnWrite(schema *types.TableSchema, rowID uint64, row types.Row) {
	for _, col := range schema.Columns {
		if !col.Indexed {
			continue
		}
		v, ok := row[col.Name]
		if !ok || v.IsNull() {
			continue
		}
		e.indexMgr.InsertToIndex(schema.Name, col.Name, v, rowID)
	}
}

func (e *Engine) checkUniqueConstraints(schema *types.TableSchema, row types.Row) error {
	for _, col := range schema.Columns {
		if !col.Unique && !col.PrimaryKey {
			continue
		}
		v, ok := row[col.Name]
		if !ok || v.IsNull() {
			continue
		}
		_, _, found, err := e.findByColumnRaw(schema, col.Name, v)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("engine: table %s: %w: column %q value already exists", schema.Name, cerr.AlreadyExists, col.Name)
		}
	}
	return nil
}

// applyInsert runs the actual backend write for a staged insert,
// serialized behind the table's lock.
func (e *Engine) applyInsert(schema *types.TableSchema, rowID uint64, row types.Row) error {
	lock := e.tableLock(schema.Name)
	lock.Lock()
	defer lock.Unlock()

	var err error
	if schema.UseDirectFlush {
		err = e.direct.Insert(schema.Name, rowID, row)
	} else {
		lt, lerr := requireLSMTable(e.lsmTables, schema.Name)
		if lerr != nil {
			return lerr
		}
		if err = lt.insert(rowID, row); err == nil {
			if retired := lt.rotateIfFull(); retired != nil {
				if serr := e.flushSvc.ScheduleFlush(retired); serr != nil {
					e.log.Error().Err(serr).Str("table", schema.Name).Msg("failed to schedule flush")
				}
			}
		}
	}
	if err != nil {
		metrics.OperationsTotal.WithLabelValues("insert", "error").Inc()
		return err
	}
	e.updateIndexesOnWrite(schema, rowID, row)
	e.queryCache.InvalidateTable(schema.Name)
	metrics.RowsTotal.WithLabelValues(schema.Name).Inc()
	metrics.OperationsTotal.WithLabelValues("insert", "success").Inc()
	return nil
}

// applyUpdate merges partial onto the row's current full value and
// rewrites it, reporting whether a row existed to update.
func (e *Engine) applyUpdate(schema *types.TableSchema, rowID uint64, partial types.Row) (bool, error) {
	lock := e.tableLock(schema.Name)
	lock.Lock()
	defer lock.Unlock()

	var existed bool
	var err error
	if schema.UseDirectFlush {
		existed, err = e.direct.Update(schema.Name, rowID, partial)
	} else {
		lt, lerr := requireLSMTable(e.lsmTables, schema.Name)
		if lerr != nil {
			return false, lerr
		}
		existed, err = lt.update(rowID, partial)
	}
	if err != nil {
		metrics.OperationsTotal.WithLabelValues("update", "error").Inc()
		return false, err
	}
	if existed {
		e.updateIndexesOnWrite(schema, rowID, partial)
		e.queryCache.InvalidateTable(schema.Name)
	}
	metrics.OperationsTotal.WithLabelValues("update", "success").Inc()
	return existed, nil
}

func (e *Engine) applyDelete(schema *types.TableSchema, rowID uint64) error {
	lock := e.tableLock(schema.Name)
	lock.Lock()
	defer lock.Unlock()

	// Capture the row's current indexed values before it disappears, so
	// the matching index entries can be dropped afterward.
	previous, existed, _ := e.getRow(schema, rowID)

	var err error
	if schema.UseDirectFlush {
		err = e.direct.Delete(schema.Name, rowID)
	} else {
		lt, lerr := requireLSMTable(e.lsmTables, schema.Name)
		if lerr != nil {
			return lerr
		}
		err = lt.delete(rowID)
	}
	if err != nil {
		metrics.OperationsTotal.WithLabelValues("delete", "error").Inc()
		return err
	}
	if existed {
		for _, col := range schema.Columns {
			if !col.Indexed {
				continue
			}
			if v, ok := previous[col.Name]; ok && !v.IsNull() {
				e.indexMgr.DeleteFromIndex(schema.Name, col.Name, v, rowID)
			}
		}
	}
	e.queryCache.InvalidateTable(schema.Name)
	metrics.OperationsTotal.WithLabelValues("delete", "success").Inc()
	return nil
}

// Insert stages, WAL-logs, and commits a single-row insert in an
// implicit transaction, returning the assigned row id.
func (e *Engine) Insert(tableName string, data map[string]any) (uint64, error) {
	var rowID uint64
	err := e.withImplicitTxn(func(t *Txn) error {
		id, err := t.Insert(tableName, data)
		rowID = id
		return err
	})
	return rowID, err
}

// Insert stages a row insert within t, validating the schema, checking
// unique constraints, and assigning a row id immediately (ids are
// assigned at stage time, not at commit, since the id must be
// returned to the caller before commit runs).
func (t *Txn) Insert(tableName string, data map[string]any) (uint64, error) {
	e := t.engine
	schema, err := e.requireSchema(tableName)
	if err != nil {
		return 0, err
	}
	row, err := rowFromMap(schema, data, false)
	if err != nil {
		return 0, err
	}
	if err := e.checkUniqueConstraints(schema, row); err != nil {
		return 0, err
	}
	rowID, err := e.allocateRowID(schema)
	if err != nil {
		return 0, err
	}
	op := wal.Operation{OpType: wal.OpInsert, TableName: tableName, Data: row, RowID: &rowID}
	if err := t.stage(op, func() error { return e.applyInsert(schema, rowID, row) }); err != nil {
		return 0, err
	}
	return rowID, nil
}

// InsertMany inserts every row in one transaction, returning the
// assigned ids in order. If any row fails validation the whole batch
// is rolled back and no ids are assigned.
func (e *Engine) InsertMany(tableName string, rows []map[string]any) ([]uint64, error) {
	ids := make([]uint64, 0, len(rows))
	err := e.withImplicitTxn(func(t *Txn) error {
		for _, data := range rows {
			id, err := t.Insert(tableName, data)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Update stages a partial-row update within t.
func (t *Txn) Update(tableName string, rowID uint64, partial map[string]any) error {
	e := t.engine
	schema, err := e.requireSchema(tableName)
	if err != nil {
		return err
	}
	row, err := rowFromMap(schema, partial, true)
	if err != nil {
		return err
	}
	op := wal.Operation{OpType: wal.OpUpdate, TableName: tableName, Data: row, RowID: &rowID}
	return t.stage(op, func() error {
		_, err := e.applyUpdate(schema, rowID, row)
		return err
	})
}

// Update applies a partial-row update in an implicit transaction,
// reporting whether the row existed.
func (e *Engine) Update(tableName string, rowID uint64, partial map[string]any) (bool, error) {
	schema, err := e.requireSchema(tableName)
	if err != nil {
		return false, err
	}
	row, err := rowFromMap(schema, partial, true)
	if err != nil {
		return false, err
	}
	var existed bool
	err = e.withImplicitTxn(func(t *Txn) error {
		op := wal.Operation{OpType: wal.OpUpdate, TableName: tableName, Data: row, RowID: &rowID}
		return t.stage(op, func() error {
			var applyErr error
			existed, applyErr = e.applyUpdate(schema, rowID, row)
			return applyErr
		})
	})
	return existed, err
}

// Delete stages a row delete within t.
func (t *Txn) Delete(tableName string, rowID uint64) error {
	e := t.engine
	schema, err := e.requireSchema(tableName)
	if err != nil {
		return err
	}
	op := wal.Operation{OpType: wal.OpDelete, TableName: tableName, RowID: &rowID}
	return t.stage(op, func() error { return e.applyDelete(schema, rowID) })
}

// Delete removes a row in an implicit transaction.
func (e *Engine) Delete(tableName string, rowID uint64) error {
	return e.withImplicitTxn(func(t *Txn) error {
		return t.Delete(tableName, rowID)
	})
}

// FindByID returns a single row by its id.
func (e *Engine) FindByID(tableName string, rowID uint64) (map[string]any, bool, error) {
	schema, err := e.requireSchema(tableName)
	if err != nil {
		return nil, false, err
	}
	row, ok, err := e.getRow(schema, rowID)
	if err != nil || !ok {
		return nil, false, err
	}
	out := rowToMap(row)
	out["row_id"] = rowID
	return out, true, nil
}

func (e *Engine) getRow(schema *types.TableSchema, rowID uint64) (types.Row, bool, error) {
	if schema.UseDirectFlush {
		row, deleted, err := e.direct.Get(schema.Name, rowID)
		if err != nil {
			return nil, false, err
		}
		if deleted || row == nil {
			return nil, false, nil
		}
		return row, true, nil
	}
	lt, err := requireLSMTable(e.lsmTables, schema.Name)
	if err != nil {
		return nil, false, err
	}
	return lt.get(rowID)
}

// scanRows returns every live row in tableName as plain maps, the
// common source Select, Count, FindOne, Exists, and FindByColumn all
// filter or aggregate over.
func (e *Engine) scanRows(schema *types.TableSchema) ([]query.Row, error) {
	if schema.UseDirectFlush {
		rows, err := e.direct.GetAll(schema.Name)
		if err != nil {
			return nil, err
		}
		out := make([]query.Row, len(rows))
		for i, r := range rows {
			m := rowToMap(r.Data)
			m["row_id"] = r.RowID
			out[i] = m
		}
		return out, nil
	}
	lt, err := requireLSMTable(e.lsmTables, schema.Name)
	if err != nil {
		return nil, err
	}
	rows, err := lt.scanAll(nil, nil)
	if err != nil {
		return nil, err
	}
	out := make([]query.Row, len(rows))
	for i, r := range rows {
		m := rowToMap(r.Data)
		m["row_id"] = r.RowID
		out[i] = m
	}
	return out, nil
}

// Select runs qb (built against tableName) over every live row.
// Results are cached by the query's shape until the next write to
// tableName invalidates them.
func (e *Engine) Select(qb *query.Builder) ([]map[string]any, error) {
	schema, err := e.requireSchema(qb.TableName)
	if err != nil {
		return nil, err
	}
	cacheKey := qb.CacheKey()
	if cached, ok := e.queryCache.Get(qb.TableName, cacheKey); ok {
		if rows, ok := cached.([]map[string]any); ok {
			metrics.OperationsTotal.WithLabelValues("select", "cache_hit").Inc()
			return rows, nil
		}
	}

	rows, err := e.scanRows(schema)
	if err != nil {
		metrics.OperationsTotal.WithLabelValues("select", "error").Inc()
		return nil, err
	}
	executed := qb.Execute(rows)
	result := make([]map[string]any, len(executed))
	for i, r := range executed {
		result[i] = r
	}
	e.queryCache.Set(qb.TableName, cacheKey, result)
	metrics.OperationsTotal.WithLabelValues("select", "success").Inc()
	return result, nil
}

// FindOne returns the first row matching qb, if any.
func (e *Engine) FindOne(qb *query.Builder) (map[string]any, bool, error) {
	rows, err := e.Select(qb.Limit(1))
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}
	return rows[0], true, nil
}

// Count reports how many rows match qb (nil selects the whole table).
func (e *Engine) Count(tableName string, qb *query.Builder) (int, error) {
	if qb == nil {
		qb = query.New(tableName)
	}
	rows, err := e.Select(qb)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Exists reports whether any row matches qb.
func (e *Engine) Exists(qb *query.Builder) (bool, error) {
	_, ok, err := e.FindOne(qb)
	return ok, err
}

// findByColumnRaw returns the row id and data of the first row whose
// column equals value, across either backend.
func (e *Engine) findByColumnRaw(schema *types.TableSchema, column string, value types.Value) (uint64, types.Row, bool, error) {
	if schema.UseDirectFlush {
		row, err := e.direct.FindByColumn(schema.Name, column, value)
		if err != nil {
			return 0, nil, false, err
		}
		if row == nil {
			return 0, nil, false, nil
		}
		return row.RowID, row.Data, true, nil
	}
	lt, err := requireLSMTable(e.lsmTables, schema.Name)
	if err != nil {
		return 0, nil, false, err
	}
	res, err := lt.findByColumn(column, value)
	if err != nil || res == nil {
		return 0, nil, false, err
	}
	return res.RowID, res.Data, true, nil
}

// FindByColumn returns the first row whose column equals value, with
// its internal row id carried under the synthetic "row_id" key.
func (e *Engine) FindByColumn(tableName, column string, value any) (map[string]any, bool, error) {
	schema, err := e.requireSchema(tableName)
	if err != nil {
		return nil, false, err
	}
	col, ok := schema.Column(column)
	if !ok {
		return nil, false, fmt.Errorf("engine: table %s: %w: unknown column %q", tableName, cerr.SchemaViolation, column)
	}
	v, err := valueFromAny(col.DataType, value)
	if err != nil {
		return nil, false, err
	}
	rowID, row, found, err := e.findByColumnRaw(schema, column, v)
	if err != nil || !found {
		return nil, false, err
	}
	out := rowToMap(row)
	out["row_id"] = rowID
	return out, true, nil
}
