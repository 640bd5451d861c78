package rowset

import (
	"sync/atomic"

	"github.com/wwwVladislav/MedvedDB/internal/errcode"
)

// Row is an immutable vector of field byte-slices, one per table field.
type Row struct {
	Fields [][]byte
}

func (r *Row) clone() *Row {
	size := 0
	for _, f := range r.Fields {
		size += len(f)
	}
	buf := make([]byte, 0, size)
	out := make([][]byte, len(r.Fields))
	for i, f := range r.Fields {
		if len(f) == 0 {
			continue
		}
		start := len(buf)
		buf = append(buf, f...)
		out[i] = buf[start:len(buf):len(buf)]
	}
	return &Row{Fields: out}
}

// RowSet is an ordered, reference-counted collection of rows sharing one
// Table's schema.
type RowSet struct {
	table *Table
	rows  []*Row
	refs  int32
}

func New(table *Table) *RowSet {
	return &RowSet{table: table.Retain(), refs: 1}
}

func (rs *RowSet) Table() *Table { return rs.table }

func (rs *RowSet) Retain() *RowSet {
	atomic.AddInt32(&rs.refs, 1)
	return rs
}

func (rs *RowSet) Release() {
	if atomic.AddInt32(&rs.refs, -1) == 0 {
		rs.table.Release()
	}
}

// Append copies rows in, producing contiguous owned byte storage per row,
// and validates each row's field count against the table.
func (rs *RowSet) Append(rows []*Row) error {
	for _, r := range rows {
		if len(r.Fields) != len(rs.table.Fields) {
			return errcode.New(errcode.InvalidArg, "row field count does not match table schema")
		}
		rs.rows = append(rs.rows, r.clone())
	}
	return nil
}

// Emplace adopts a pre-allocated row without copying, transferring
// ownership of its backing arrays to the RowSet.
func (rs *RowSet) Emplace(r *Row) error {
	if len(r.Fields) != len(rs.table.Fields) {
		return errcode.New(errcode.InvalidArg, "row field count does not match table schema")
	}
	rs.rows = append(rs.rows, r)
	return nil
}

func (rs *RowSet) Len() int { return len(rs.rows) }

// Enumerator is a restartable forward cursor over a RowSet's rows.
type Enumerator struct {
	rows []*Row
	pos  int
}

// Enumerator returns a fresh cursor positioned before the first row.
func (rs *RowSet) Enumerator() *Enumerator {
	return &Enumerator{rows: rs.rows}
}

// Next advances the cursor and returns the row, or nil at end of set.
func (e *Enumerator) Next() *Row {
	if e.pos >= len(e.rows) {
		return nil
	}
	r := e.rows[e.pos]
	e.pos++
	return r
}

// Restart resets the cursor to the beginning.
func (e *Enumerator) Restart() { e.pos = 0 }
