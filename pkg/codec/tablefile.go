package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/coldb/coldb/pkg/cerr"
	"github.com/coldb/coldb/pkg/types"
)

// ColumnBlockData is one column's already-encoded block bytes, paired
// with its schema definition for the header.
type ColumnBlockData struct {
	Column types.Column
	Block  []byte
}

// TableFile is the decoded non-LSM on-disk table file (spec.md §6).
type TableFile struct {
	Name     string
	Columns  []types.Column
	RowCount uint64
	Blocks   [][]byte // one per column, in Columns order
}

func columnFlags(c types.Column) byte {
	var f byte
	if c.Nullable {
		f |= 1 << 0
	}
	if c.Indexed {
		f |= 1 << 1
	}
	if c.Compressed {
		f |= 1 << 2
	}
	return f
}

func decodeColumnFlags(f byte, c *types.Column) {
	c.Nullable = f&(1<<0) != 0
	c.Indexed = f&(1<<1) != 0
	c.Compressed = f&(1<<2) != 0
}

// EncodeTableFile produces the full checksummed file body.
func EncodeTableFile(tf TableFile) ([]byte, error) {
	var body bytes.Buffer

	body.WriteString(Magic)
	body.WriteByte(FileVersion)

	if err := binary.Write(&body, binary.LittleEndian, uint16(len(tf.Name))); err != nil {
		return nil, err
	}
	body.WriteString(tf.Name)

	if err := binary.Write(&body, binary.LittleEndian, uint32(len(tf.Columns))); err != nil {
		return nil, err
	}
	if err := binary.Write(&body, binary.LittleEndian, tf.RowCount); err != nil {
		return nil, err
	}

	for _, c := range tf.Columns {
		if err := binary.Write(&body, binary.LittleEndian, uint16(len(c.Name))); err != nil {
			return nil, err
		}
		body.WriteString(c.Name)
		body.WriteByte(byte(c.DataType))
		body.WriteByte(columnFlags(c))

		var defBytes []byte
		if c.Default != nil {
			var buf bytes.Buffer
			if err := EncodeValue(&buf, *c.Default); err != nil {
				return nil, err
			}
			defBytes = buf.Bytes()
		}
		if err := binary.Write(&body, binary.LittleEndian, uint32(len(defBytes))); err != nil {
			return nil, err
		}
		body.Write(defBytes)
	}

	for _, block := range tf.Blocks {
		if err := binary.Write(&body, binary.LittleEndian, uint32(len(block))); err != nil {
			return nil, err
		}
		body.Write(block)
	}

	sum := Checksum(body.Bytes())
	var out bytes.Buffer
	out.Write(sum[:])
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// DecodeTableFile validates the checksum and magic, then parses the
// header. Column blocks are returned undecoded (callers decode lazily
// per-column via DecodeColumnBlock).
func DecodeTableFile(data []byte) (TableFile, error) {
	if len(data) < 8 {
		return TableFile{}, fmt.Errorf("decode table file: %w: truncated", cerr.IntegrityError)
	}
	want := data[:8]
	body := data[8:]
	got := Checksum(body)
	if !bytes.Equal(want, got[:]) {
		return TableFile{}, fmt.Errorf("decode table file: %w: checksum mismatch", cerr.IntegrityError)
	}

	r := bytes.NewReader(body)
	magic := make([]byte, 5)
	if _, err := r.Read(magic); err != nil || string(magic) != Magic {
		return TableFile{}, fmt.Errorf("decode table file: %w: bad magic", cerr.IntegrityError)
	}
	version, err := r.ReadByte()
	if err != nil {
		return TableFile{}, fmt.Errorf("decode table file: %w", cerr.IntegrityError)
	}
	_ = version

	var nameLen uint16
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return TableFile{}, err
	}
	nameBuf := make([]byte, nameLen)
	if _, err := r.Read(nameBuf); err != nil {
		return TableFile{}, err
	}

	var colCount uint32
	if err := binary.Read(r, binary.LittleEndian, &colCount); err != nil {
		return TableFile{}, err
	}
	var rowCount uint64
	if err := binary.Read(r, binary.LittleEndian, &rowCount); err != nil {
		return TableFile{}, err
	}

	cols := make([]types.Column, colCount)
	for i := range cols {
		var l uint16
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return TableFile{}, err
		}
		nb := make([]byte, l)
		if _, err := r.Read(nb); err != nil {
			return TableFile{}, err
		}
		dt, err := r.ReadByte()
		if err != nil {
			return TableFile{}, err
		}
		flags, err := r.ReadByte()
		if err != nil {
			return TableFile{}, err
		}
		var defLen uint32
		if err := binary.Read(r, binary.LittleEndian, &defLen); err != nil {
			return TableFile{}, err
		}
		defBuf := make([]byte, defLen)
		if _, err := r.Read(defBuf); err != nil {
			return TableFile{}, err
		}

		col := types.Column{Name: string(nb), DataType: types.DataType(dt)}
		decodeColumnFlags(flags, &col)
		if defLen > 0 {
			v, err := DecodeValue(bytes.NewReader(defBuf), col.DataType)
			if err == nil {
				col.Default = &v
			}
		}
		cols[i] = col
	}

	blocks := make([][]byte, colCount)
	for i := range blocks {
		var blen uint32
		if err := binary.Read(r, binary.LittleEndian, &blen); err != nil {
			return TableFile{}, err
		}
		b := make([]byte, blen)
		if _, err := r.Read(b); err != nil {
			return TableFile{}, err
		}
		blocks[i] = b
	}

	return TableFile{
		Name:     string(nameBuf),
		Columns:  cols,
		RowCount: rowCount,
		Blocks:   blocks,
	}, nil
}
