// Package trlog implements the append-only, monotonically-numbered
// transaction log kept per storage UUID.
package trlog

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/wwwVladislav/MedvedDB/internal/errcode"
	"github.com/wwwVladislav/MedvedDB/internal/storage"
)

// Record is one (row_id, op_bytes) entry.
type Record struct {
	RowID uint64
	Op    []byte
}

// Trlog is a single append-only ordered record sequence, persisted under
// trlog/<uuid>/ via the external KV engine. Writes are serialised
// per-trlog with a single writer lock; Top and Range are safe to call
// concurrently with writers.
type Trlog struct {
	uuid uuid.UUID
	eng  *storage.Engine

	mu       sync.Mutex
	top      uint64
	reserved uint64 // highest row-id handed out by Reserve

	refs int32
	open *Registry
}

func keyFor(id uuid.UUID, rowID uint64) []byte {
	key := make([]byte, 16+8)
	copy(key[:16], id[:])
	binary.BigEndian.PutUint64(key[16:], rowID)
	return key
}

func prefixFor(id uuid.UUID) []byte {
	return append([]byte(nil), id[:]...)
}

// UUID returns the storage identity this trlog is keyed under.
func (t *Trlog) UUID() uuid.UUID {
	return t.uuid
}

// Top returns the highest row-id present, or 0 for an empty trlog.
func (t *Trlog) Top() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.top
}

// Reserve atomically allocates n contiguous row-ids under the writer lock
// and returns the first one. Top is not moved until the reserved records
// are appended.
func (t *Trlog) Reserve(n uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reserved < t.top {
		t.reserved = t.top
	}
	first := t.reserved + 1
	t.reserved += n
	return first
}

// Append writes recs, whose RowIDs must already have been reserved (or
// must simply be larger than the last appended id — Append does not
// itself allocate ids, Reserve does, so a synchronizer follower that
// receives ids already numbered by the leader can Append them directly).
// Any record whose RowID <= the trlog's current top is silently discarded
// as an idempotent reapply.
func (t *Trlog) Append(recs []Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	batch := t.eng.NewBatch()
	applied := uint64(0)
	for _, r := range recs {
		if r.RowID <= t.top {
			continue
		}
		if r.RowID != t.top+1+applied {
			// A gap: the follower discards the whole batch and reissues
			// TrlogSync; surface that to the caller so the synchronizer can
			// drive the retry.
			return errcode.New(errcode.InvalidArg, "out-of-order trlog batch: gap in row ids")
		}
		batch.Put(keyFor(t.uuid, r.RowID), r.Op)
		applied++
	}
	if applied == 0 {
		return nil
	}
	if err := batch.Commit(); err != nil {
		return errors.Wrap(err, "appending trlog batch")
	}
	t.top += applied
	return nil
}

// Range streams up to maxCount records with row_id > fromExclusive, in
// ascending row_id order.
func (t *Trlog) Range(fromExclusive uint64, maxCount int) ([]Record, error) {
	it := t.eng.IterateRange(keyFor(t.uuid, fromExclusive+1), nextPrefix(t.uuid))
	defer it.Release()

	out := make([]Record, 0, maxCount)
	for len(out) < maxCount && it.Next() {
		key := it.Key()
		rowID := binary.BigEndian.Uint64(key[16:])
		op := append([]byte(nil), it.Value()...)
		out = append(out, Record{RowID: rowID, Op: op})
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, "ranging trlog")
	}
	return out, nil
}

func nextPrefix(id uuid.UUID) []byte {
	p := append([]byte(nil), id[:]...)
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] != 0xff {
			p[i]++
			return p[:i+1]
		}
	}
	return nil // id was all 0xff; unbounded upper range
}

// Retain/Release implement the reference-counted open-by-UUID contract: a
// trlog is opened on first reference and closed when the last reference
// drops.
func (t *Trlog) Retain() *Trlog {
	t.open.mu.Lock()
	t.refs++
	t.open.mu.Unlock()
	return t
}

func (t *Trlog) Release() {
	t.open.mu.Lock()
	defer t.open.mu.Unlock()
	t.refs--
	if t.refs == 0 {
		delete(t.open.byUUID, t.uuid)
	}
}

// Registry is the idempotent, reference-counted open-by-UUID registry
// a node keeps one of (one per storage root).
type Registry struct {
	eng *storage.Engine

	mu     sync.Mutex
	byUUID map[uuid.UUID]*Trlog
}

func NewRegistry(eng *storage.Engine) *Registry {
	return &Registry{eng: eng, byUUID: make(map[uuid.UUID]*Trlog)}
}

// Open is idempotent: a second Open of the same uuid returns the same
// *Trlog with its refcount bumped, loading top() from storage on first
// open only.
func (o *Registry) Open(id uuid.UUID) (*Trlog, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if t, ok := o.byUUID[id]; ok {
		t.refs++
		return t, nil
	}

	t := &Trlog{uuid: id, eng: o.eng, refs: 1, open: o}
	if err := t.loadTop(); err != nil {
		return nil, err
	}
	o.byUUID[id] = t
	return t, nil
}

func (t *Trlog) loadTop() error {
	it := t.eng.IteratePrefix(prefixFor(t.uuid))
	defer it.Release()
	var top uint64
	for it.Next() {
		rowID := binary.BigEndian.Uint64(it.Key()[16:])
		if rowID > top {
			top = rowID
		}
	}
	if err := it.Error(); err != nil {
		return errors.Wrap(err, "loading trlog top")
	}
	t.top = top
	return nil
}
