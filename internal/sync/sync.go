// Package sync runs the trlog replication state machine: one actor per
// (local, remote) peer pair, driven by topology and wire events. Each
// slot is a protoactor actor (actor.FromProducer/SpawnNamed) whose
// Receive is a state machine switched on the message type.
package sync

import (
	"sync"
	"time"

	"github.com/AsynkronIT/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wwwVladislav/MedvedDB/internal/chaman"
	"github.com/wwwVladislav/MedvedDB/internal/dispatcher"
	"github.com/wwwVladislav/MedvedDB/internal/ebus"
	"github.com/wwwVladislav/MedvedDB/internal/router"
	"github.com/wwwVladislav/MedvedDB/internal/scheduler"
	"github.com/wwwVladislav/MedvedDB/internal/tracker"
	"github.com/wwwVladislav/MedvedDB/internal/trlog"
	"github.com/wwwVladislav/MedvedDB/internal/wire"
)

// State is one trlog's replication phase within a peer slot.
type State int

const (
	Idle State = iota
	Querying
	Fetching
	Applying
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Querying:
		return "querying"
	case Fetching:
		return "fetching"
	case Applying:
		return "applying"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Config bounds one TrlogData batch; a follower asks for the next batch
// only after the previous one is durably applied.
type Config struct {
	BatchCount int
	BatchBytes int
	Backoff    time.Duration
}

// DefaultConfig matches the 64 records / 64 KiB batch ceiling.
func DefaultConfig() Config {
	return Config{BatchCount: 64, BatchBytes: 64 * 1024, Backoff: time.Second}
}

// TrlogLister reports the storage uuids a node wants replicated; node.go
// backs it with the table registry.
type TrlogLister interface {
	TrlogUUIDs() []uuid.UUID
}

type slotHandle struct {
	pid *actor.PID
}

// Manager owns one Slot actor per reachable remote peer and routes
// topology changes and peer-channel frames into them.
type Manager struct {
	log    logrus.FieldLogger
	bus    *ebus.Bus
	pool   *scheduler.Pool
	trlogs *trlog.Registry
	lister TrlogLister
	self   uuid.UUID
	cfg    Config

	mu    sync.Mutex
	slots map[uuid.UUID]*slotHandle
}

// New builds a Manager and subscribes it to topology changes.
func New(log logrus.FieldLogger, bus *ebus.Bus, pool *scheduler.Pool, trlogs *trlog.Registry, lister TrlogLister, self uuid.UUID, cfg Config) *Manager {
	m := &Manager{
		log:    log,
		bus:    bus,
		pool:   pool,
		trlogs: trlogs,
		lister: lister,
		self:   self,
		cfg:    cfg,
		slots:  make(map[uuid.UUID]*slotHandle),
	}
	bus.Subscribe(ebus.TopologyChanged, nil, m.onTopologyChanged)
	return m
}

// AddChannel spawns the slot for ch's peer and registers its dispatcher
// handlers; called once chaman hands back a channel of wire.ChannelPeer.
func (m *Manager) AddChannel(ch *chaman.Channel) {
	if ch.Type != wire.ChannelPeer || ch.PeerUUID == (uuid.UUID{}) {
		return
	}
	sl := newSlot(m.log, m.bus, m.pool, m.trlogs, m.lister, m.self, ch, m.cfg)
	props := actor.FromProducer(func() actor.Actor { return sl })
	pid, err := actor.SpawnNamed(props, "sync-"+m.self.String()+"-"+ch.PeerUUID.String())
	if err != nil {
		m.log.WithError(err).WithField("peer", ch.PeerUUID).Warn("failed to spawn synchronizer slot")
		return
	}
	sl.self = pid

	ch.Disp.Register(wire.MsgP2PTrlogSync, nil, sl.handleTrlogSync)
	ch.Disp.Register(wire.MsgP2PTrlogState, nil, stateHandler(pid))
	ch.Disp.Register(wire.MsgP2PTrlogData, nil, dataHandler(pid))

	m.mu.Lock()
	m.slots[ch.PeerUUID] = &slotHandle{pid: pid}
	m.mu.Unlock()

	// The channel's own refcount is owned by chaman and whoever pumps its
	// read loop; OnClose fires once that count reaches zero, without the
	// synchronizer itself holding a reference (holding one here would mean
	// nothing ever drives the count to zero).
	peer := ch.PeerUUID
	ch.OnClose(func() { m.removeChannel(peer) })

	pid.Tell(topologyChangedMsg{reachable: true})
}

// removeChannel cancels and drops the slot belonging to peer, invoked when
// its underlying channel closes.
func (m *Manager) removeChannel(peer uuid.UUID) {
	m.mu.Lock()
	h, ok := m.slots[peer]
	if ok {
		delete(m.slots, peer)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	h.pid.Tell(topologyChangedMsg{reachable: false})
}

// onTopologyChanged re-derives, via the router's Dijkstra computation,
// which slots still sit on a direct (one-hop) path from this node; a slot
// whose peer drops off that set is told to cancel, not torn down —
// chaman's own channel-close callback is what removes the slot entirely.
func (m *Manager) onTopologyChanged(e *ebus.Event) error {
	topo, ok := e.Payload.(*tracker.Topology)
	if !ok {
		return nil
	}
	routes := router.Compute(topo, m.self)
	reachable := make(map[uuid.UUID]bool, len(routes))
	for dst, hop := range routes {
		reachable[dst] = hop == dst
	}

	m.mu.Lock()
	handles := make(map[uuid.UUID]*slotHandle, len(m.slots))
	for k, v := range m.slots {
		handles[k] = v
	}
	m.mu.Unlock()

	for peer, h := range handles {
		h.pid.Tell(topologyChangedMsg{reachable: reachable[peer]})
	}
	return nil
}

func stateHandler(pid *actor.PID) dispatcher.Handler {
	return func(d *dispatcher.Dispatcher, f *wire.Frame) error {
		var msg wire.P2PTrlogState
		if err := wire.Unmarshal(f.Payload, &msg); err != nil {
			return err
		}
		pid.Tell(trlogStateMsg{trlogUUID: msg.Trlog, top: msg.Top})
		return nil
	}
}

func dataHandler(pid *actor.PID) dispatcher.Handler {
	return func(d *dispatcher.Dispatcher, f *wire.Frame) error {
		var msg wire.P2PTrlogData
		if err := wire.Unmarshal(f.Payload, &msg); err != nil {
			return err
		}
		recs := make([]trlog.Record, len(msg.Rows))
		for i, r := range msg.Rows {
			recs[i] = trlog.Record{RowID: r.RowID, Op: r.Op}
		}
		pid.Tell(trlogDataMsg{trlogUUID: msg.Trlog, records: recs})
		return nil
	}
}
