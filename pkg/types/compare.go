package types

import (
	"bytes"
	"strconv"
)

// numeric reports whether a value carries a numeric payload and returns
// it widened to float64; the widening of large int64 values may round.
func numeric(v Value) (float64, bool) {
	switch v.Type {
	case TypeInt32:
		return float64(v.I32), true
	case TypeInt64:
		return float64(v.I64), true
	case TypeFloat32:
		return float64(v.F32), true
	case TypeFloat64:
		return v.F64, true
	case TypeTimestamp:
		return float64(v.TS.UnixMilli()), true
	default:
		return 0, false
	}
}

// coerceNumeric attempts a lossless numeric interpretation of a string
// value, as required for comparisons between a numeric column and a
// string-typed query literal (spec: "numeric comparisons against string
// values attempt lossless coercion both ways before falling back to
// false").
func coerceNumeric(v Value) (float64, bool) {
	if n, ok := numeric(v); ok {
		return n, true
	}
	if v.Type == TypeString {
		if f, err := strconv.ParseFloat(v.Str, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Equal reports whether two values compare equal under the engine's
// equality semantics: null never equals anything, including another
// null (IS_NULL is the only way to test nullity).
func Equal(a, b Value) bool {
	if a.IsNull() || b.IsNull() {
		return false
	}
	if an, aok := numeric(a); aok {
		if bn, bok := coerceNumeric(b); bok {
			return an == bn
		}
	}
	if bn, bok := numeric(b); bok {
		if an, aok := coerceNumeric(a); aok {
			return an == bn
		}
	}
	switch a.Type {
	case TypeString:
		return b.Type == TypeString && a.Str == b.Str
	case TypeBytes:
		return b.Type == TypeBytes && bytes.Equal(a.Bytes, b.Bytes)
	case TypeBool:
		return b.Type == TypeBool && a.Bool == b.Bool
	default:
		return false
	}
}

// Less implements a total order over comparable values, used by indexes
// (B-tree keys) and ORDER BY. Values of incompatible type compare by
// their DataType tag, so ordering is always well-defined even over
// heterogeneous index keys.
func Less(a, b Value) bool {
	if an, aok := numeric(a); aok {
		if bn, bok := coerceNumeric(b); bok {
			return an < bn
		}
	}
	if bn, bok := numeric(b); bok {
		if an, aok := coerceNumeric(a); aok {
			return an < bn
		}
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	switch a.Type {
	case TypeString:
		return a.Str < b.Str
	case TypeBytes:
		return bytes.Compare(a.Bytes, b.Bytes) < 0
	case TypeBool:
		return !a.Bool && b.Bool
	default:
		return false
	}
}

// Compare returns -1, 0, or 1 following Less/Equal.
func Compare(a, b Value) int {
	if Equal(a, b) {
		return 0
	}
	if Less(a, b) {
		return -1
	}
	return 1
}

// AsFloat64 exposes the numeric coercion used by comparisons to callers
// that need a plain float, e.g. aggregation (SUM/AVG).
func AsFloat64(v Value) (float64, bool) {
	return coerceNumeric(v)
}

// AsString renders a value as a string for LIKE/CONTAINS/STARTS_WITH/
// ENDS_WITH/REGEX operators, which operate on the string form of any
// value the spec permits them to be applied to.
func AsString(v Value) string {
	switch v.Type {
	case TypeString:
		return v.Str
	case TypeBytes:
		return string(v.Bytes)
	case TypeInt32:
		return strconv.FormatInt(int64(v.I32), 10)
	case TypeInt64:
		return strconv.FormatInt(v.I64, 10)
	case TypeFloat32:
		return strconv.FormatFloat(float64(v.F32), 'g', -1, 32)
	case TypeFloat64:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}
