package rowset

import (
	"encoding/binary"

	"github.com/wwwVladislav/MedvedDB/internal/errcode"
)

// EncodeRow packs row's fields into one contiguous buffer, each field
// prefixed with its byte length, for wire transport and trlog storage as
// a single opaque blob. Fixed-width fields (byte/uint64/int64/float64
// scalars) always carry the same length, so the prefix costs little and
// keeps the decoder schema-agnostic about array-limit.
func EncodeRow(row *Row) []byte {
	size := 0
	for _, f := range row.Fields {
		size += 4 + len(f)
	}
	buf := make([]byte, size)
	off := 0
	for _, f := range row.Fields {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(f)))
		off += 4
		off += copy(buf[off:], f)
	}
	return buf
}

// DecodeRow unpacks a buffer produced by EncodeRow back into a Row with
// exactly len(table.Fields) fields.
func DecodeRow(table *Table, data []byte) (*Row, error) {
	fields := make([][]byte, 0, len(table.Fields))
	off := 0
	for len(fields) < len(table.Fields) {
		if off+4 > len(data) {
			return nil, errcode.New(errcode.InvalidArg, "truncated row: missing field length prefix")
		}
		n := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if n < 0 || off+n > len(data) {
			return nil, errcode.New(errcode.InvalidArg, "truncated row: field body shorter than declared length")
		}
		fields = append(fields, append([]byte(nil), data[off:off+n]...))
		off += n
	}
	if off != len(data) {
		return nil, errcode.New(errcode.InvalidArg, "row buffer has trailing bytes beyond its schema's field count")
	}
	return &Row{Fields: fields}, nil
}
