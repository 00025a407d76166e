// Package codec implements the type-tagged, length-prefixed, zlib
// compressible binary framing described in spec.md §4.1 and §6: value
// encoding, column blocks, and the non-LSM table file header/footer.
package codec

import (
	"bytes"
	"compress/zlib"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/coldb/coldb/pkg/cerr"
	"github.com/coldb/coldb/pkg/types"
)

// Magic is the 5-byte table-file magic.
const Magic = "COLDB"

// FileVersion is the current on-disk table file format version.
const FileVersion = 1

// EncodeValue writes [null_flag: u8][payload] for v.
func EncodeValue(w *bytes.Buffer, v types.Value) error {
	if v.IsNull() {
		w.WriteByte(1)
		return nil
	}
	w.WriteByte(0)

	switch v.Type {
	case types.TypeInt32:
		return binary.Write(w, binary.LittleEndian, v.I32)
	case types.TypeInt64:
		return binary.Write(w, binary.LittleEndian, v.I64)
	case types.TypeFloat32:
		return binary.Write(w, binary.LittleEndian, v.F32)
	case types.TypeFloat64:
		return binary.Write(w, binary.LittleEndian, v.F64)
	case types.TypeBool:
		if v.Bool {
			w.WriteByte(1)
		} else {
			w.WriteByte(0)
		}
		return nil
	case types.TypeTimestamp:
		return binary.Write(w, binary.LittleEndian, v.TS.UnixMilli())
	case types.TypeString:
		return writeLenPrefixed(w, []byte(v.Str))
	case types.TypeBytes:
		return writeLenPrefixed(w, v.Bytes)
	case types.TypeJSON:
		data, err := json.Marshal(v.JSON)
		if err != nil {
			return fmt.Errorf("encode json value: %w", err)
		}
		return writeLenPrefixed(w, data)
	case types.TypeArray:
		data, err := json.Marshal(v.Raw())
		if err != nil {
			return fmt.Errorf("encode array value: %w", err)
		}
		return writeLenPrefixed(w, data)
	default:
		return fmt.Errorf("encode value: %w: unsupported type %v", cerr.SchemaViolation, v.Type)
	}
}

func writeLenPrefixed(w *bytes.Buffer, data []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// DecodeValue reads one value of the given type from r.
func DecodeValue(r *bytes.Reader, dt types.DataType) (types.Value, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return types.Value{}, fmt.Errorf("decode value: %w", err)
	}
	if flag == 1 {
		return types.NewNull(dt), nil
	}

	switch dt {
	case types.TypeInt32:
		var x int32
		if err := binary.Read(r, binary.LittleEndian, &x); err != nil {
			return types.Value{}, err
		}
		return types.NewInt32(x), nil
	case types.TypeInt64:
		var x int64
		if err := binary.Read(r, binary.LittleEndian, &x); err != nil {
			return types.Value{}, err
		}
		return types.NewInt64(x), nil
	case types.TypeFloat32:
		var x float32
		if err := binary.Read(r, binary.LittleEndian, &x); err != nil {
			return types.Value{}, err
		}
		return types.NewFloat32(x), nil
	case types.TypeFloat64:
		var x float64
		if err := binary.Read(r, binary.LittleEndian, &x); err != nil {
			return types.Value{}, err
		}
		return types.NewFloat64(x), nil
	case types.TypeBool:
		b, err := r.ReadByte()
		if err != nil {
			return types.Value{}, err
		}
		return types.NewBool(b == 1), nil
	case types.TypeTimestamp:
		var ms int64
		if err := binary.Read(r, binary.LittleEndian, &ms); err != nil {
			return types.Value{}, err
		}
		return types.NewTimestamp(time.UnixMilli(ms)), nil
	case types.TypeString:
		data, err := readLenPrefixed(r)
		if err != nil {
			return types.Value{}, err
		}
		return types.NewString(string(data)), nil
	case types.TypeBytes:
		data, err := readLenPrefixed(r)
		if err != nil {
			return types.Value{}, err
		}
		return types.NewBytes(data), nil
	case types.TypeJSON:
		data, err := readLenPrefixed(r)
		if err != nil {
			return types.Value{}, err
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return types.Value{}, fmt.Errorf("decode json value: %w", err)
		}
		return types.NewJSON(doc), nil
	case types.TypeArray:
		data, err := readLenPrefixed(r)
		if err != nil {
			return types.Value{}, err
		}
		var raw []any
		if err := json.Unmarshal(data, &raw); err != nil {
			return types.Value{}, fmt.Errorf("decode array value: %w", err)
		}
		return types.NewArray(fromRawSlice(raw)), nil
	default:
		return types.Value{}, fmt.Errorf("decode value: %w: unsupported type %v", cerr.SchemaViolation, dt)
	}
}

// fromRawSlice re-wraps loosely-typed decoded JSON array elements as
// string/float64/bool/null Values; nested arrays recurse.
func fromRawSlice(raw []any) []types.Value {
	out := make([]types.Value, len(raw))
	for i, e := range raw {
		out[i] = fromRawAny(e)
	}
	return out
}

func fromRawAny(e any) types.Value {
	switch x := e.(type) {
	case nil:
		return types.NewNull(types.TypeNull)
	case string:
		return types.NewString(x)
	case bool:
		return types.NewBool(x)
	case float64:
		return types.NewFloat64(x)
	case []any:
		return types.NewArray(fromRawSlice(x))
	default:
		return types.NewJSON(x)
	}
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Checksum computes the truncated-SHA-256 (first 8 bytes) over data.
func Checksum(data []byte) [8]byte {
	sum := sha256.Sum256(data)
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

// CompressZlib zlib-compresses data.
func CompressZlib(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecompressZlib inflates zlib-compressed data.
func DecompressZlib(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
