// Package rowset implements the storage-agnostic row-set, table and view
// model that user queries operate on. Field values are stored as raw
// byte slices, not boxed interface{}; RowSet.Append copies each row's
// fields into one contiguous buffer.
package rowset

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/wwwVladislav/MedvedDB/internal/errcode"
)

// FieldType tags the wire-level type of one field; the concrete set is
// intentionally small, since a column is fundamentally a byte slice with
// an array-limit.
type FieldType uint32

const (
	FieldByte FieldType = iota
	FieldUint64
	FieldInt64
	FieldFloat64
	FieldString
)

// Field describes one column. ArrayLimit==1 is scalar, >1 is a bounded
// array, 0 is unbounded.
type Field struct {
	Name       string
	Type       FieldType
	ArrayLimit uint32
}

// Table is an immutable schema plus a reference count. Schema is fixed
// at construction; Slice builds a projected view of it without mutating
// the original.
type Table struct {
	UUID   uuid.UUID
	Fields []Field

	refs int32
}

func NewTable(id uuid.UUID, fields []Field) *Table {
	return &Table{UUID: id, Fields: append([]Field(nil), fields...), refs: 1}
}

func (t *Table) Retain() *Table {
	atomic.AddInt32(&t.refs, 1)
	return t
}

func (t *Table) Release() {
	atomic.AddInt32(&t.refs, -1)
}

// FieldIndex returns the index of a field by name, or -1.
func (t *Table) FieldIndex(name string) int {
	for i, f := range t.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Slice returns a new Table containing only the fields selected by mask
// (bit i set selects Fields[i]), preserving field order.
func (t *Table) Slice(mask []bool) (*Table, error) {
	if len(mask) > len(t.Fields) {
		return nil, errcode.New(errcode.InvalidArg, "field mask wider than table schema")
	}
	fields := make([]Field, 0, len(t.Fields))
	for i, f := range t.Fields {
		if i < len(mask) && mask[i] {
			fields = append(fields, f)
		}
	}
	return NewTable(t.UUID, fields), nil
}
