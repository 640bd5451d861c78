// Package tablestore is the table schema registry and row storage
// backing the user-facing create_table/get_table/insert_into/select/
// delete_from operations: every table's rows live entirely inside its
// trlog as insert/delete operations, so a local write and a replicated
// write converge through the exact same replay path.
package tablestore

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wwwVladislav/MedvedDB/internal/ebus"
	"github.com/wwwVladislav/MedvedDB/internal/errcode"
	"github.com/wwwVladislav/MedvedDB/internal/rowset"
	"github.com/wwwVladislav/MedvedDB/internal/storage"
	"github.com/wwwVladislav/MedvedDB/internal/trlog"
	"github.com/wwwVladislav/MedvedDB/internal/wire"
)

const (
	opInsert byte = 1
	opDelete byte = 2
)

const refreshBatch = 256

type tableState struct {
	table   *rowset.Table
	desc    wire.TableDesc
	rows    map[uint64][]byte // live row-id -> raw EncodeRow blob
	applied uint64            // highest trlog row-id folded into rows
}

// Store owns the table descriptor registry, persisted in its own storage
// root (tablespace/<uuid>/), and replays each table's trlog on demand to
// answer reads.
type Store struct {
	log    logrus.FieldLogger
	bus    *ebus.Bus
	descs  *storage.Engine
	trlogs *trlog.Registry

	mu     sync.Mutex
	states map[uuid.UUID]*tableState
	byName map[string]uuid.UUID
}

// Open loads every persisted table descriptor and subscribes to
// TrlogChanged so a table's live-row projection stays warm as replicated
// batches land, not just on the next local read.
func Open(log logrus.FieldLogger, bus *ebus.Bus, descs *storage.Engine, trlogs *trlog.Registry) (*Store, error) {
	s := &Store{
		log:    log,
		bus:    bus,
		descs:  descs,
		trlogs: trlogs,
		states: make(map[uuid.UUID]*tableState),
		byName: make(map[string]uuid.UUID),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	bus.Subscribe(ebus.TrlogChanged, nil, s.onTrlogChanged)
	return s, nil
}

func (s *Store) loadAll() error {
	it := s.descs.IterateRange(nil, nil)
	defer it.Release()
	for it.Next() {
		var id uuid.UUID
		copy(id[:], it.Key())
		var desc wire.TableDesc
		if err := wire.Unmarshal(it.Value(), &desc); err != nil {
			return err
		}
		s.adopt(id, desc)
	}
	return it.Error()
}

func (s *Store) adopt(id uuid.UUID, desc wire.TableDesc) *tableState {
	fields := make([]rowset.Field, len(desc.F))
	for i, f := range desc.F {
		fields[i] = rowset.Field{Name: f.N, Type: rowset.FieldType(f.T), ArrayLimit: f.L}
	}
	st := &tableState{
		table: rowset.NewTable(id, fields),
		desc:  desc,
		rows:  make(map[uint64][]byte),
	}
	s.states[id] = st
	s.byName[desc.N] = id
	return st
}

// CreateTable persists desc under a freshly minted uuid; a duplicate name
// is rejected with errcode.EExist.
func (s *Store) CreateTable(desc wire.TableDesc) (uuid.UUID, error) {
	if desc.N == "" {
		return uuid.UUID{}, errcode.New(errcode.InvalidArg, "table name must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[desc.N]; exists {
		return uuid.UUID{}, errcode.ErrExists
	}
	id := uuid.New()
	body, err := wire.Marshal(desc)
	if err != nil {
		return uuid.UUID{}, err
	}
	if err := s.descs.Put(id[:], body); err != nil {
		return uuid.UUID{}, err
	}
	s.adopt(id, desc)

	_ = s.bus.PublishAsync(ebus.New(ebus.TableCreate, id, nil), false)
	return id, nil
}

// GetTable returns the live schema and the desc it was created from.
func (s *Store) GetTable(id uuid.UUID) (*rowset.Table, wire.TableDesc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return nil, wire.TableDesc{}, errcode.ErrNotFound
	}
	_ = s.bus.PublishAsync(ebus.New(ebus.TableGet, id, nil), false)
	return st.table, st.desc, nil
}

// TrlogUUIDs implements sync.TrlogLister: every table's uuid doubles as
// its trlog's storage uuid.
func (s *Store) TrlogUUIDs() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, 0, len(s.states))
	for id := range s.states {
		out = append(out, id)
	}
	return out
}

// InsertRows appends rawRows (each already rowset.EncodeRow-encoded) as
// insert operations on id's trlog, after validating every row decodes
// against the table's current field count.
func (s *Store) InsertRows(id uuid.UUID, rawRows [][]byte) (int, error) {
	s.mu.Lock()
	st, ok := s.states[id]
	s.mu.Unlock()
	if !ok {
		return 0, errcode.ErrNotFound
	}
	for _, raw := range rawRows {
		if _, err := rowset.DecodeRow(st.table, raw); err != nil {
			return 0, err
		}
	}
	if len(rawRows) == 0 {
		return 0, nil
	}

	tl, err := s.trlogs.Open(id)
	if err != nil {
		return 0, err
	}
	defer tl.Release()

	first := tl.Reserve(uint64(len(rawRows)))
	recs := make([]trlog.Record, len(rawRows))
	for i, raw := range rawRows {
		op := make([]byte, 1+len(raw))
		op[0] = opInsert
		copy(op[1:], raw)
		recs[i] = trlog.Record{RowID: first + uint64(i), Op: op}
	}
	if err := tl.Append(recs); err != nil {
		return 0, err
	}

	s.mu.Lock()
	err = s.refreshLiveLocked(st)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}

	_ = s.bus.PublishAsync(ebus.New(ebus.RowdataInsert, id, nil), false)
	return len(rawRows), nil
}

// DeleteRows evaluates filterExpr against every currently live row and
// appends one delete operation per match; it returns the number deleted.
func (s *Store) DeleteRows(id uuid.UUID, filterExpr string) (int, error) {
	prog, err := rowset.Compile(filterExpr)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	st, ok := s.states[id]
	if !ok {
		s.mu.Unlock()
		return 0, errcode.ErrNotFound
	}
	if err := s.refreshLiveLocked(st); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	var toDelete []uint64
	for rowID, raw := range st.rows {
		row, err := rowset.DecodeRow(st.table, raw)
		if err != nil {
			s.mu.Unlock()
			return 0, err
		}
		pass, err := rowset.Eval(prog, st.table, row)
		if err != nil {
			s.mu.Unlock()
			return 0, err
		}
		if pass {
			toDelete = append(toDelete, rowID)
		}
	}
	s.mu.Unlock()

	if len(toDelete) == 0 {
		return 0, nil
	}
	sort.Slice(toDelete, func(i, j int) bool { return toDelete[i] < toDelete[j] })

	tl, err := s.trlogs.Open(id)
	if err != nil {
		return 0, err
	}
	defer tl.Release()

	first := tl.Reserve(uint64(len(toDelete)))
	recs := make([]trlog.Record, len(toDelete))
	for i, target := range toDelete {
		op := make([]byte, 9)
		op[0] = opDelete
		binary.BigEndian.PutUint64(op[1:], target)
		recs[i] = trlog.Record{RowID: first + uint64(i), Op: op}
	}
	if err := tl.Append(recs); err != nil {
		return 0, err
	}

	s.mu.Lock()
	err = s.refreshLiveLocked(st)
	s.mu.Unlock()
	return len(toDelete), err
}

// NewSource builds a point-in-time snapshot of id's live rows, in
// ascending row-id order, for use as a rowset.View's Source.
func (s *Store) NewSource(id uuid.UUID) (rowset.Source, *rowset.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return nil, nil, errcode.ErrNotFound
	}
	if err := s.refreshLiveLocked(st); err != nil {
		return nil, nil, err
	}

	ids := make([]uint64, 0, len(st.rows))
	snapshot := make(map[uint64][]byte, len(st.rows))
	for rowID, raw := range st.rows {
		ids = append(ids, rowID)
		snapshot[rowID] = raw
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return &tableSource{table: st.table, ids: ids, rows: snapshot}, st.table, nil
}

// refreshLiveLocked folds every trlog record past st.applied into
// st.rows; callers hold s.mu.
func (s *Store) refreshLiveLocked(st *tableState) error {
	tl, err := s.trlogs.Open(st.table.UUID)
	if err != nil {
		return err
	}
	defer tl.Release()

	for {
		recs, err := tl.Range(st.applied, refreshBatch)
		if err != nil {
			return err
		}
		for _, r := range recs {
			if len(r.Op) > 0 {
				switch r.Op[0] {
				case opInsert:
					st.rows[r.RowID] = append([]byte(nil), r.Op[1:]...)
				case opDelete:
					if len(r.Op) >= 9 {
						delete(st.rows, binary.BigEndian.Uint64(r.Op[1:9]))
					}
				}
			}
			st.applied = r.RowID
		}
		if len(recs) < refreshBatch {
			return nil
		}
	}
}

func (s *Store) onTrlogChanged(e *ebus.Event) error {
	id, ok := e.Payload.(uuid.UUID)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return nil
	}
	return s.refreshLiveLocked(st)
}

// tableSource implements rowset.Source over a fixed snapshot of live rows.
type tableSource struct {
	table *rowset.Table
	ids   []uint64
	rows  map[uint64][]byte
	pos   int
}

func (src *tableSource) Next() (*rowset.Row, error) {
	for src.pos < len(src.ids) {
		raw := src.rows[src.ids[src.pos]]
		src.pos++
		return rowset.DecodeRow(src.table, raw)
	}
	return nil, nil
}
