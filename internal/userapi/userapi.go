// Package userapi wires the user-protocol messages (create_table ..
// delete_from) onto a tablestore.Store and the cluster's tracker
// snapshot, once per user channel chaman hands back.
package userapi

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wwwVladislav/MedvedDB/internal/chaman"
	"github.com/wwwVladislav/MedvedDB/internal/dispatcher"
	"github.com/wwwVladislav/MedvedDB/internal/errcode"
	"github.com/wwwVladislav/MedvedDB/internal/rowset"
	"github.com/wwwVladislav/MedvedDB/internal/tablestore"
	"github.com/wwwVladislav/MedvedDB/internal/tracker"
	"github.com/wwwVladislav/MedvedDB/internal/wire"
)

// Manager registers the user-protocol handlers on every user channel and
// keeps the per-connection open-view table that select/fetch share.
type Manager struct {
	log     logrus.FieldLogger
	tables  *tablestore.Store
	tracker *tracker.Tracker

	mu    sync.Mutex
	conns map[*dispatcher.Dispatcher]*connState
}

type connState struct {
	mu     sync.Mutex
	nextID uint32
	views  map[uint32]*rowset.View
}

func New(log logrus.FieldLogger, tables *tablestore.Store, trk *tracker.Tracker) *Manager {
	return &Manager{
		log:     log,
		tables:  tables,
		tracker: trk,
		conns:   make(map[*dispatcher.Dispatcher]*connState),
	}
}

// AddChannel registers the user-protocol handlers for ch.
func (m *Manager) AddChannel(ch *chaman.Channel) {
	if ch.Type != wire.ChannelUser {
		return
	}
	cs := &connState{views: make(map[uint32]*rowset.View)}
	m.mu.Lock()
	m.conns[ch.Disp] = cs
	m.mu.Unlock()
	ch.OnClose(func() {
		m.mu.Lock()
		delete(m.conns, ch.Disp)
		m.mu.Unlock()
	})

	ch.Disp.Register(wire.MsgCreateTable, nil, m.handleCreateTable)
	ch.Disp.Register(wire.MsgGetTable, nil, m.handleGetTable)
	ch.Disp.Register(wire.MsgGetTopology, nil, m.handleGetTopology)
	ch.Disp.Register(wire.MsgInsertInto, nil, m.handleInsertInto)
	ch.Disp.Register(wire.MsgSelect, nil, m.handleSelect)
	ch.Disp.Register(wire.MsgFetch, nil, m.handleFetch)
	ch.Disp.Register(wire.MsgDeleteFrom, nil, m.handleDeleteFrom)
}

func (m *Manager) connState(d *dispatcher.Dispatcher) *connState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[d]
}

func (m *Manager) handleCreateTable(d *dispatcher.Dispatcher, f *wire.Frame) error {
	var msg wire.CreateTable
	if err := wire.Unmarshal(f.Payload, &msg); err != nil {
		return err
	}
	id, err := m.tables.CreateTable(msg.Desc)
	if err != nil {
		return err
	}
	return d.Reply(wire.MsgTableInfo, f.RequestNumber, wire.TableInfo{ID: id})
}

func (m *Manager) handleGetTable(d *dispatcher.Dispatcher, f *wire.Frame) error {
	var msg wire.GetTable
	if err := wire.Unmarshal(f.Payload, &msg); err != nil {
		return err
	}
	_, desc, err := m.tables.GetTable(msg.ID)
	if err != nil {
		return err
	}
	return d.Reply(wire.MsgTableDesc, f.RequestNumber, wire.TableDescMsg{Desc: desc})
}

func (m *Manager) handleGetTopology(d *dispatcher.Dispatcher, f *wire.Frame) error {
	snap := m.tracker.Snapshot()
	return d.Reply(wire.MsgTopology, f.RequestNumber, wire.Topology{Topology: serializeTopology(snap)})
}

func (m *Manager) handleInsertInto(d *dispatcher.Dispatcher, f *wire.Frame) error {
	var msg wire.InsertInto
	if err := wire.Unmarshal(f.Payload, &msg); err != nil {
		return err
	}
	n, err := m.tables.InsertRows(msg.Table, msg.Rows)
	if err != nil {
		return err
	}
	return d.Reply(wire.MsgStatus, f.RequestNumber, wire.Status{Message: fmt.Sprintf("inserted %d rows", n)})
}

func (m *Manager) handleSelect(d *dispatcher.Dispatcher, f *wire.Frame) error {
	var msg wire.Select
	if err := wire.Unmarshal(f.Payload, &msg); err != nil {
		return err
	}
	mask := bitset.New(0)
	if len(msg.Fields) > 0 {
		if err := mask.UnmarshalBinary(msg.Fields); err != nil {
			return errcode.New(errcode.InvalidArg, "malformed select field mask")
		}
	}

	src, table, err := m.tables.NewSource(msg.Table)
	if err != nil {
		return err
	}
	view, err := rowset.NewView(src, table, mask, msg.Filter)
	if err != nil {
		return err
	}

	cs := m.connState(d)
	if cs == nil {
		return errcode.ErrClosed
	}
	cs.mu.Lock()
	cs.nextID++
	id := cs.nextID
	cs.views[id] = view
	cs.mu.Unlock()

	return d.Reply(wire.MsgView, f.RequestNumber, wire.View{ID: id})
}

func (m *Manager) handleFetch(d *dispatcher.Dispatcher, f *wire.Frame) error {
	var msg wire.Fetch
	if err := wire.Unmarshal(f.Payload, &msg); err != nil {
		return err
	}
	cs := m.connState(d)
	if cs == nil {
		return errcode.ErrClosed
	}
	cs.mu.Lock()
	view, ok := cs.views[msg.ID]
	cs.mu.Unlock()
	if !ok {
		return errcode.New(errcode.InvalidArg, "unknown view id in fetch")
	}

	count := int(msg.Count)
	if count <= 0 {
		count = 64
	}
	rs, err := view.Fetch(count)
	if err != nil {
		return err
	}
	rows := make([][]byte, 0, rs.Len())
	e := rs.Enumerator()
	for r := e.Next(); r != nil; r = e.Next() {
		rows = append(rows, rowset.EncodeRow(r))
	}
	return d.Reply(wire.MsgRowset, f.RequestNumber, wire.Rowset{Rows: rows})
}

func (m *Manager) handleDeleteFrom(d *dispatcher.Dispatcher, f *wire.Frame) error {
	var msg wire.DeleteFrom
	if err := wire.Unmarshal(f.Payload, &msg); err != nil {
		return err
	}
	n, err := m.tables.DeleteRows(msg.Table, msg.Filter)
	if err != nil {
		return err
	}
	return d.Reply(wire.MsgStatus, f.RequestNumber, wire.Status{Message: fmt.Sprintf("deleted %d rows", n)})
}

func serializeTopology(t *tracker.Topology) wire.TopologySerialized {
	out := wire.TopologySerialized{NC: uint64(len(t.Nodes)), LC: uint64(len(t.Links))}
	out.N = make([]wire.NodeEntry, len(t.Nodes))
	for i, n := range t.Nodes {
		hi, lo := uuidHalves(n.UUID)
		out.N[i] = wire.NodeEntry{U1: hi, U2: lo, A: n.Address}
	}
	out.L = make([]wire.LinkEntry, len(t.Links))
	for i, l := range t.Links {
		out.L[i] = wire.LinkEntry{U1: uint32(l.A), U2: uint32(l.B), W: l.Weight}
	}
	return out
}

func uuidHalves(id uuid.UUID) (hi, lo uint64) {
	for i := 0; i < 8; i++ {
		hi = hi<<8 | uint64(id[i])
	}
	for i := 8; i < 16; i++ {
		lo = lo<<8 | uint64(id[i])
	}
	return hi, lo
}
