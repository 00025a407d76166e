package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/coldb/coldb/pkg/types"
)

// EncodeColumnBlock writes a column block:
// [u8 compressed_flag][optional u32 original_size][u32 count][value×count]
// If compress is true the count and the value stream (everything after
// original_size) are zlib-compressed together.
func EncodeColumnBlock(values []types.Value, dt types.DataType, compress bool) ([]byte, error) {
	var payload bytes.Buffer
	if err := binary.Write(&payload, binary.LittleEndian, uint32(len(values))); err != nil {
		return nil, err
	}
	for _, v := range values {
		if err := EncodeValue(&payload, v); err != nil {
			return nil, err
		}
	}

	var out bytes.Buffer
	if compress {
		compressed, err := CompressZlib(payload.Bytes())
		if err != nil {
			return nil, fmt.Errorf("compress column block: %w", err)
		}
		out.WriteByte(1)
		if err := binary.Write(&out, binary.LittleEndian, uint32(payload.Len())); err != nil {
			return nil, err
		}
		out.Write(compressed)
	} else {
		out.WriteByte(0)
		out.Write(payload.Bytes())
	}
	return out.Bytes(), nil
}

// DecodeColumnBlock reads a column block of the given declared type.
func DecodeColumnBlock(data []byte, dt types.DataType) ([]types.Value, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("decode column block: truncated")
	}
	compressed := data[0] == 1
	rest := data[1:]

	if compressed {
		if len(rest) < 4 {
			return nil, fmt.Errorf("decode column block: truncated size")
		}
		// original_size is informational; skip it and inflate the remainder.
		rest = rest[4:]
		inflated, err := DecompressZlib(rest)
		if err != nil {
			return nil, fmt.Errorf("decode column block: %w", err)
		}
		rest = inflated
	}

	r := bytes.NewReader(rest)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("decode column block: %w", err)
	}
	out := make([]types.Value, count)
	for i := range out {
		v, err := DecodeValue(r, dt)
		if err != nil {
			return nil, fmt.Errorf("decode column block value %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
