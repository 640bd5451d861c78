package rowset

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRowRoundTrips(t *testing.T) {
	table := testTable()
	row := &Row{Fields: [][]byte{u64Bytes(7), []byte("hello")}}

	buf := EncodeRow(row)
	got, err := DecodeRow(table, buf)
	require.NoError(t, err)
	require.Equal(t, row.Fields, got.Fields)
}

func TestDecodeRowRejectsTruncatedBuffer(t *testing.T) {
	table := testTable()
	row := &Row{Fields: [][]byte{u64Bytes(1), []byte("x")}}
	buf := EncodeRow(row)

	_, err := DecodeRow(table, buf[:len(buf)-2])
	require.Error(t, err)
}

func TestDecodeRowRejectsTrailingBytes(t *testing.T) {
	table := testTable()
	row := &Row{Fields: [][]byte{u64Bytes(1), []byte("x")}}
	buf := append(EncodeRow(row), 0xff)

	_, err := DecodeRow(table, buf)
	require.Error(t, err)
}

func TestEncodeDecodeRowEmptyFields(t *testing.T) {
	empty := NewTable(testTable().UUID, nil)
	row := &Row{Fields: nil}
	buf := EncodeRow(row)
	got, err := DecodeRow(empty, buf)
	require.NoError(t, err)
	require.Len(t, got.Fields, 0)
}
