// Package storage wraps an embedded key/value engine behind a minimal
// key/value and iterator contract. The concrete engine is goleveldb.
package storage

import (
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/wwwVladislav/MedvedDB/internal/errcode"
)

// Engine is the key/value + iterator contract storage clients use. trlog
// and tablespace are both namespaced byte-key stores on top of one
// Engine per storage root.
type Engine struct {
	db *leveldb.DB
}

var syncWrite = &opt.WriteOptions{Sync: true}

func Open(path string) (*Engine, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening storage engine at %s", path)
	}
	return &Engine{db: db}, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

func (e *Engine) Get(key []byte) ([]byte, error) {
	v, err := e.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, errcode.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get")
	}
	return v, nil
}

// Put writes key=value and fsyncs before returning.
func (e *Engine) Put(key, value []byte) error {
	if err := e.db.Put(key, value, syncWrite); err != nil {
		return errors.Wrap(err, "put")
	}
	return nil
}

func (e *Engine) Delete(key []byte) error {
	if err := e.db.Delete(key, syncWrite); err != nil {
		return errors.Wrap(err, "delete")
	}
	return nil
}

// Iterator yields key/value pairs in key order over [start, limit). A nil
// limit iterates to the end of the prefix range.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

func (e *Engine) IterateRange(start, limit []byte) Iterator {
	var rng *util.Range
	if start != nil || limit != nil {
		rng = &util.Range{Start: start, Limit: limit}
	}
	return &iteratorAdapter{it: e.db.NewIterator(rng, nil)}
}

func (e *Engine) IteratePrefix(prefix []byte) Iterator {
	return &iteratorAdapter{it: e.db.NewIterator(util.BytesPrefix(prefix), nil)}
}

type iteratorAdapter struct {
	it iterator.Iterator
}

func (a *iteratorAdapter) Next() bool       { return a.it.Next() }
func (a *iteratorAdapter) Key() []byte      { return a.it.Key() }
func (a *iteratorAdapter) Value() []byte    { return a.it.Value() }
func (a *iteratorAdapter) Release()         { a.it.Release() }
func (a *iteratorAdapter) Error() error     { return a.it.Error() }

// WriteBatch groups writes into one fsynced commit.
type WriteBatch struct {
	b *leveldb.Batch
	e *Engine
}

func (e *Engine) NewBatch() *WriteBatch {
	return &WriteBatch{b: new(leveldb.Batch), e: e}
}

func (w *WriteBatch) Put(key, value []byte) { w.b.Put(key, value) }
func (w *WriteBatch) Delete(key []byte)     { w.b.Delete(key) }

func (w *WriteBatch) Commit() error {
	if err := w.e.db.Write(w.b, syncWrite); err != nil {
		return errors.Wrap(err, "batch commit")
	}
	return nil
}
