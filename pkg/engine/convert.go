package engine

import (
	"fmt"
	"time"

	"github.com/coldb/coldb/pkg/cerr"
	"github.com/coldb/coldb/pkg/types"
)

// valueFromAny coerces a caller-supplied value into a typed types.Value
// for column dt. Callers may hand us native Go values (from direct API
// calls) or JSON-decoded values (from cluster-forwarded writes, where
// every number arrives as float64) — this is deliberately more
// permissive than any single decode path needs, since the engine is the
// only place that must accept both.
func valueFromAny(dt types.DataType, v any) (types.Value, error) {
	if v == nil {
		return types.NewNull(dt), nil
	}

	switch dt {
	case types.TypeInt32:
		switch n := v.(type) {
		case int32:
			return types.NewInt32(n), nil
		case int:
			return types.NewInt32(int32(n)), nil
		case int64:
			return types.NewInt32(int32(n)), nil
		case float64:
			return types.NewInt32(int32(n)), nil
		}
	case types.TypeInt64:
		switch n := v.(type) {
		case int64:
			return types.NewInt64(n), nil
		case int:
			return types.NewInt64(int64(n)), nil
		case int32:
			return types.NewInt64(int64(n)), nil
		case float64:
			return types.NewInt64(int64(n)), nil
		}
	case types.TypeFloat32:
		switch n := v.(type) {
		case float32:
			return types.NewFloat32(n), nil
		case float64:
			return types.NewFloat32(float32(n)), nil
		case int:
			return types.NewFloat32(float32(n)), nil
		case int64:
			return types.NewFloat32(float32(n)), nil
		}
	case types.TypeFloat64:
		switch n := v.(type) {
		case float64:
			return types.NewFloat64(n), nil
		case float32:
			return types.NewFloat64(float64(n)), nil
		case int:
			return types.NewFloat64(float64(n)), nil
		case int64:
			return types.NewFloat64(float64(n)), nil
		}
	case types.TypeString:
		if s, ok := v.(string); ok {
			return types.NewString(s), nil
		}
	case types.TypeBytes:
		switch b := v.(type) {
		case []byte:
			return types.NewBytes(b), nil
		case string:
			return types.NewBytes([]byte(b)), nil
		}
	case types.TypeBool:
		if b, ok := v.(bool); ok {
			return types.NewBool(b), nil
		}
	case types.TypeTimestamp:
		switch t := v.(type) {
		case time.Time:
			return types.NewTimestamp(t), nil
		case int64:
			return types.NewTimestamp(time.UnixMilli(t)), nil
		case float64:
			return types.NewTimestamp(time.UnixMilli(int64(t))), nil
		}
	case types.TypeJSON:
		return types.NewJSON(v), nil
	case types.TypeArray:
		arr, ok := v.([]any)
		if !ok {
			break
		}
		out := make([]types.Value, len(arr))
		for i, e := range arr {
			out[i] = types.NewJSON(e)
		}
		return types.NewArray(out), nil
	}

	return types.Value{}, fmt.Errorf("engine: %w: cannot coerce %T into %s", cerr.SchemaViolation, v, dt)
}

// rowFromMap builds a types.Row from caller-supplied data against
// schema. When partial is true, columns absent from data are simply
// omitted (used for update merges); when false, every column without a
// caller value gets its default, or null if it is nullable or
// auto-increment, and otherwise the row is rejected.
func rowFromMap(schema *types.TableSchema, data map[string]any, partial bool) (types.Row, error) {
	row := make(types.Row, len(schema.Columns))

	for _, col := range schema.Columns {
		raw, present := data[col.Name]
		if !present {
			if partial {
				continue
			}
			if col.Default != nil {
				row[col.Name] = *col.Default
				continue
			}
			if col.Nullable || col.AutoIncrement {
				row[col.Name] = types.NewNull(col.DataType)
				continue
			}
			return nil, fmt.Errorf("engine: table %s: %w: column %q has no value and no default", schema.Name, cerr.SchemaViolation, col.Name)
		}

		if raw == nil {
			if !col.Nullable {
				return nil, fmt.Errorf("engine: table %s: %w: column %q is not nullable", schema.Name, cerr.SchemaViolation, col.Name)
			}
			row[col.Name] = types.NewNull(col.DataType)
			continue
		}

		v, err := valueFromAny(col.DataType, raw)
		if err != nil {
			return nil, fmt.Errorf("engine: table %s: column %q: %w", schema.Name, col.Name, err)
		}
		row[col.Name] = v
	}

	// Reject any caller-supplied column the schema does not declare, for
	// partial updates as well as full inserts.
	for k := range data {
		if _, ok := schema.Column(k); !ok {
			return nil, fmt.Errorf("engine: table %s: %w: unknown column %q", schema.Name, cerr.SchemaViolation, k)
		}
	}

	return row, nil
}

// rowToMap unwraps a types.Row into a plain map for JSON responses,
// query engine evaluation, and cluster wire frames.
func rowToMap(row types.Row) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v.Raw()
	}
	return out
}

// isTombstoneRow reports whether every declared column of row is null —
// the convention sstable.Writer uses to persist a deleted row, since the
// on-disk SSTable format carries no separate tombstone flag (see
// pkg/sstable.Writer.WriteEntries). Point reads and scans over SSTable-
// sourced rows must filter these out; memtable entries carry an
// explicit Deleted flag instead and never reach this check.
func isTombstoneRow(schema *types.TableSchema, row types.Row) bool {
	if len(schema.Columns) == 0 {
		return false
	}
	for _, col := range schema.Columns {
		v, ok := row[col.Name]
		if !ok || !v.IsNull() {
			return false
		}
	}
	return true
}
