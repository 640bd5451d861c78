package rowset

import (
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/wwwVladislav/MedvedDB/internal/errcode"
)

// Source is whatever feeds a View full rows before projection/filtering —
// in practice the storage-backed table scan; kept as an interface so
// tests can supply an in-memory stand-in.
type Source interface {
	// Next returns the next raw row in the table's natural key order, or
	// nil at end of source.
	Next() (*Row, error)
}

// View is a lazy, server-side materialisation of a SELECT: a projection
// (field-mask) over a filtered scan of Source.
type View struct {
	source Source
	table  *Table
	mask   *bitset.BitSet
	prog   Program
	projected *Table

	refs int32
	done bool
}

// NewView builds a View. fieldMask's set bits select columns of table, in
// order, matching the wire select.fields bitset. filterExpr is compiled
// once and evaluated against the full unprojected row, so a filter may
// reference any field, not only the ones the mask projects out to Fetch.
func NewView(source Source, table *Table, fieldMask *bitset.BitSet, filterExpr string) (*View, error) {
	if fieldMask.Len() > uint(len(table.Fields)) {
		return nil, errcode.New(errcode.InvalidArg, "field mask wider than table schema")
	}
	mask := make([]bool, len(table.Fields))
	for i := range table.Fields {
		mask[i] = fieldMask.Test(uint(i))
	}
	projected, err := table.Slice(mask)
	if err != nil {
		return nil, err
	}
	prog, err := Compile(filterExpr)
	if err != nil {
		return nil, err
	}
	return &View{
		source:    source,
		table:     table.Retain(),
		mask:      fieldMask.Clone(),
		prog:      prog,
		projected: projected,
		refs:      1,
	}, nil
}

// Desc returns the projected table schema this view will yield rows as.
func (v *View) Desc() *Table { return v.projected }

func (v *View) Retain() *View {
	atomic.AddInt32(&v.refs, 1)
	return v
}

func (v *View) Release() {
	if atomic.AddInt32(&v.refs, -1) == 0 {
		v.table.Release()
	}
}

// Fetch returns the next RowSet of at most count rows, advancing the
// cursor. An empty (zero-length) RowSet signals end-of-view. Callers are
// expected to call Fetch repeatedly until it returns empty.
func (v *View) Fetch(count int) (*RowSet, error) {
	out := New(v.projected)
	if v.done {
		return out, nil
	}
	for out.Len() < count {
		row, err := v.source.Next()
		if err != nil {
			return nil, err
		}
		if row == nil {
			v.done = true
			break
		}
		pass, err := Eval(v.prog, v.table, row)
		if err != nil {
			return nil, err
		}
		if !pass {
			continue
		}
		projectedRow := projectRow(row, v.mask)
		if err := out.Emplace(projectedRow); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func projectRow(row *Row, mask *bitset.BitSet) *Row {
	fields := make([][]byte, 0, len(row.Fields))
	for i, f := range row.Fields {
		if mask.Test(uint(i)) {
			fields = append(fields, append([]byte(nil), f...))
		}
	}
	return &Row{Fields: fields}
}
