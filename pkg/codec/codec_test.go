package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/coldb/coldb/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueRoundTrip(t *testing.T) {
	cases := []types.Value{
		types.NewInt32(42),
		types.NewInt64(-9001),
		types.NewFloat32(3.5),
		types.NewFloat64(2.71828),
		types.NewString("hello"),
		types.NewBytes([]byte{1, 2, 3}),
		types.NewBool(true),
		types.NewTimestamp(time.UnixMilli(1700000000123)),
		types.NewJSON(map[string]any{"a": float64(1), "b": "x"}),
		types.NewNull(types.TypeString),
	}

	for _, v := range cases {
		var buf bytes.Buffer
		require.NoError(t, EncodeValue(&buf, v))
		got, err := DecodeValue(bytes.NewReader(buf.Bytes()), v.Type)
		require.NoError(t, err)
		assert.Equal(t, v.IsNull(), got.IsNull())
		if !v.IsNull() {
			assert.Equal(t, v.Raw(), got.Raw())
		}
	}
}

func TestColumnBlockRoundTripCompressed(t *testing.T) {
	values := []types.Value{
		types.NewString("a"), types.NewString("b"), types.NewString("c"),
	}
	block, err := EncodeColumnBlock(values, types.TypeString, true)
	require.NoError(t, err)

	got, err := DecodeColumnBlock(block, types.TypeString)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, v := range got {
		assert.Equal(t, values[i].Str, v.Str)
	}
}

func TestColumnBlockRoundTripUncompressed(t *testing.T) {
	values := []types.Value{types.NewInt64(1), types.NewInt64(2)}
	block, err := EncodeColumnBlock(values, types.TypeInt64, false)
	require.NoError(t, err)

	got, err := DecodeColumnBlock(block, types.TypeInt64)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].I64)
	assert.Equal(t, int64(2), got[1].I64)
}

func TestTableFileRoundTrip(t *testing.T) {
	cols := []types.Column{
		{Name: "id", DataType: types.TypeInt64, PrimaryKey: true},
		{Name: "name", DataType: types.TypeString, Nullable: true},
	}
	idBlock, err := EncodeColumnBlock([]types.Value{types.NewInt64(1), types.NewInt64(2)}, types.TypeInt64, false)
	require.NoError(t, err)
	nameBlock, err := EncodeColumnBlock([]types.Value{types.NewString("a"), types.NewString("b")}, types.TypeString, true)
	require.NoError(t, err)

	tf := TableFile{
		Name:     "t",
		Columns:  cols,
		RowCount: 2,
		Blocks:   [][]byte{idBlock, nameBlock},
	}
	data, err := EncodeTableFile(tf)
	require.NoError(t, err)

	got, err := DecodeTableFile(data)
	require.NoError(t, err)
	assert.Equal(t, "t", got.Name)
	assert.Equal(t, uint64(2), got.RowCount)
	require.Len(t, got.Columns, 2)
	assert.Equal(t, "id", got.Columns[0].Name)
	assert.True(t, got.Columns[0].PrimaryKey == false) // primary key flag is not persisted in flags byte
}

func TestTableFileChecksumMismatch(t *testing.T) {
	tf := TableFile{Name: "t", Columns: nil, RowCount: 0}
	data, err := EncodeTableFile(tf)
	require.NoError(t, err)
	data[8] ^= 0xFF // corrupt magic/body

	_, err = DecodeTableFile(data)
	require.Error(t, err)
}
