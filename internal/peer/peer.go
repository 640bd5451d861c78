// Package peer wires the peer-protocol messages that do not belong to
// trlog replication (handled by internal/sync) onto the event bus:
// topology exchange on connect, and a notified-set gossip flood for
// everything else that needs broadcasting.
package peer

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/wwwVladislav/MedvedDB/internal/chaman"
	"github.com/wwwVladislav/MedvedDB/internal/dispatcher"
	"github.com/wwwVladislav/MedvedDB/internal/ebus"
	"github.com/wwwVladislav/MedvedDB/internal/tracker"
	"github.com/wwwVladislav/MedvedDB/internal/wire"
)

// Manager registers the toposync and broadcast handlers on every peer
// channel chaman hands it, and republishes what it decodes onto the bus
// so tracker and whatever else subscribes never touch the wire directly.
type Manager struct {
	log     logrus.FieldLogger
	bus     *ebus.Bus
	tracker *tracker.Tracker
	self    uuid.UUID

	mu       sync.Mutex
	channels map[uuid.UUID]*chaman.Channel

	seenMu sync.Mutex
	seen   map[uint32]struct{}
	nextID uint32
}

func New(log logrus.FieldLogger, bus *ebus.Bus, trk *tracker.Tracker, self uuid.UUID) *Manager {
	m := &Manager{
		log:      log,
		bus:      bus,
		tracker:  trk,
		self:     self,
		channels: make(map[uuid.UUID]*chaman.Channel),
		seen:     make(map[uint32]struct{}),
	}
	bus.Subscribe(ebus.BroadcastPost, nil, m.onBroadcastPost)
	return m
}

// AddChannel registers the toposync/broadcast handlers for ch and sends it
// our current topology so the two sides converge without waiting for the
// next change.
func (m *Manager) AddChannel(ch *chaman.Channel) {
	if ch.Type != wire.ChannelPeer || ch.PeerUUID == (uuid.UUID{}) {
		return
	}

	ch.Disp.Register(wire.MsgP2PTopoSync, nil, m.handleTopoSync)
	ch.Disp.Register(wire.MsgP2PBroadcast, nil, m.handleBroadcast)

	peer := ch.PeerUUID
	m.mu.Lock()
	m.channels[peer] = ch
	m.mu.Unlock()
	ch.OnClose(func() {
		m.mu.Lock()
		delete(m.channels, peer)
		m.mu.Unlock()

		_ = m.bus.Publish(ebus.New(ebus.LinkState, &tracker.LinkStateEvent{
			From: peer,
			Src:  m.self,
			Dst:  peer,
		}, nil))
	})

	_ = m.bus.Publish(ebus.New(ebus.LinkState, &tracker.LinkStateEvent{
		From:      peer,
		Src:       m.self,
		Dst:       peer,
		DstAddr:   ch.Address,
		Connected: true,
	}, nil))

	snap := m.tracker.Snapshot()
	_ = ch.Disp.Post(wire.MsgP2PTopoSync, wire.P2PTopoSync{Topology: serializeTopology(snap)})
}

func (m *Manager) handleTopoSync(d *dispatcher.Dispatcher, f *wire.Frame) error {
	var msg wire.P2PTopoSync
	if err := wire.Unmarshal(f.Payload, &msg); err != nil {
		return err
	}
	return m.bus.Publish(ebus.New(ebus.TopologySync, &msg.Topology, nil))
}

// handleBroadcast applies loop suppression: a message whose MsgID this
// node has already seen is dropped silently; one whose Notified set
// already holds this node is published locally but not re-flooded.
func (m *Manager) handleBroadcast(d *dispatcher.Dispatcher, f *wire.Frame) error {
	var msg wire.P2PBroadcast
	if err := wire.Unmarshal(f.Payload, &msg); err != nil {
		return err
	}

	m.seenMu.Lock()
	_, dup := m.seen[msg.MsgID]
	if !dup {
		m.seen[msg.MsgID] = struct{}{}
	}
	m.seenMu.Unlock()
	if dup {
		return nil
	}

	_ = m.bus.PublishAsync(ebus.New(ebus.Broadcast, msg.Data, nil), false)

	selfBytes := m.self
	for _, n := range msg.Notified {
		if uuid.UUID(n) == selfBytes {
			return nil
		}
	}
	msg.Notified = append(msg.Notified, [16]byte(m.self))
	m.flood(msg)
	return nil
}

// onBroadcastPost originates a new gossip message locally: Notified starts
// with just this node so every peer it reaches forwards it exactly once.
func (m *Manager) onBroadcastPost(e *ebus.Event) error {
	data, ok := e.Payload.([]byte)
	if !ok {
		return nil
	}
	m.seenMu.Lock()
	m.nextID++
	id := m.nextID
	m.seen[id] = struct{}{}
	m.seenMu.Unlock()

	m.flood(wire.P2PBroadcast{
		MsgID:    id,
		Size:     uint32(len(data)),
		Data:     data,
		Notified: [][16]byte{[16]byte(m.self)},
	})
	return nil
}

func (m *Manager) flood(msg wire.P2PBroadcast) {
	m.mu.Lock()
	channels := make([]*chaman.Channel, 0, len(m.channels))
	for peer, ch := range m.channels {
		if containsUUID(msg.Notified, peer) {
			continue
		}
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Disp.Post(wire.MsgP2PBroadcast, msg); err != nil {
			m.log.WithError(err).WithField("peer", ch.PeerUUID).Debug("broadcast forward failed")
		}
	}
}

func containsUUID(set [][16]byte, id uuid.UUID) bool {
	for _, n := range set {
		if uuid.UUID(n) == id {
			return true
		}
	}
	return false
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
