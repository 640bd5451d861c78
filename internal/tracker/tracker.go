package tracker

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/wwwVladislav/MedvedDB/internal/ebus"
)

// LinkStateEvent is the payload of ebus.LinkState: src/dst are upserted,
// new nodes get a fresh LocalID, and src<->dst connectivity is set.
type LinkStateEvent struct {
	From      NodeID // the peer that reported this link state
	Src       NodeID
	SrcAddr   string
	Dst       NodeID
	DstAddr   string
	Connected bool
}

// LinkCheckEvent is answered synchronously in place: the publisher sets
// Src/Dst, a LinkCheck subscriber sets Connected.
type LinkCheckEvent struct {
	Src, Dst  NodeID
	Connected bool
}

// Tracker is one node's view of the cluster: nodes, local ids, and the
// connected-peer subset, guarded by a single writer lock. Reads that
// traverse more than one of the three maps acquire them in the
// order (nodes, ids, peers) and release in reverse; since all three are
// protected by the same mutex here, that ordering rule collapses to "hold
// the lock", which is the Go-idiomatic rendering of the same invariant.
type Tracker struct {
	log  logrus.FieldLogger
	bus  *ebus.Bus
	self NodeID

	mu     sync.RWMutex
	nodes  map[NodeID]*Node
	ids    map[LocalID]*Node
	peers  map[NodeID]*Node
	nextID LocalID

	linkWeights map[[2]LocalID]uint32

	current *Topology
}

func New(log logrus.FieldLogger, bus *ebus.Bus, self NodeID, selfAddr string) *Tracker {
	t := &Tracker{
		log:         log,
		bus:         bus,
		self:        self,
		nodes:       make(map[NodeID]*Node),
		ids:         make(map[LocalID]*Node),
		peers:       make(map[NodeID]*Node),
		linkWeights: make(map[[2]LocalID]uint32),
	}
	t.upsertLocked(self, selfAddr)
	t.current = t.snapshotLocked()

	bus.Subscribe(ebus.LinkState, nil, t.onLinkState)
	bus.Subscribe(ebus.LinkCheck, nil, t.onLinkCheck)

	return t
}

// Snapshot returns the current immutable Topology.
func (t *Tracker) Snapshot() *Topology {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

func linkKey(a, b LocalID) [2]LocalID {
	if a > b {
		a, b = b, a
	}
	return [2]LocalID{a, b}
}

func (t *Tracker) upsertLocked(id NodeID, addr string) *Node {
	if n, ok := t.nodes[id]; ok {
		if addr != "" {
			n.Address = addr
		}
		return n
	}
	t.nextID++
	n := &Node{UUID: id, Address: addr, LocalID: t.nextID}
	t.nodes[id] = n
	t.ids[n.LocalID] = n
	return n
}

func (t *Tracker) onLinkState(e *ebus.Event) error {
	ev, ok := e.Payload.(*LinkStateEvent)
	if !ok {
		return nil
	}
	if ev.Src == ev.Dst {
		return nil // self-loops are forbidden (Data Model invariant)
	}

	t.mu.Lock()
	src := t.upsertLocked(ev.Src, ev.SrcAddr)
	dst := t.upsertLocked(ev.Dst, ev.DstAddr)

	key := linkKey(src.LocalID, dst.LocalID)
	if ev.Connected {
		if _, exists := t.linkWeights[key]; !exists {
			t.linkWeights[key] = 1
		}
		src.Connected, src.Active = true, true
		dst.Connected, dst.Active = true, true
		t.peers[src.UUID] = src
		t.peers[dst.UUID] = dst
	} else {
		delete(t.linkWeights, key)
		if !t.hasAnyLinkLocked(src.LocalID) {
			src.Connected = false
			delete(t.peers, src.UUID)
		}
		if !t.hasAnyLinkLocked(dst.LocalID) {
			dst.Connected = false
			delete(t.peers, dst.UUID)
		}
	}

	snap := t.snapshotLocked()
	t.current = snap
	t.mu.Unlock()

	return t.bus.Publish(ebus.New(ebus.TopologyChanged, snap, nil))
}

func (t *Tracker) hasAnyLinkLocked(id LocalID) bool {
	for k := range t.linkWeights {
		if k[0] == id || k[1] == id {
			return true
		}
	}
	return false
}

func (t *Tracker) onLinkCheck(e *ebus.Event) error {
	ev, ok := e.Payload.(*LinkCheckEvent)
	if !ok {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	srcNode, ok1 := t.nodes[ev.Src]
	dstNode, ok2 := t.nodes[ev.Dst]
	if !ok1 || !ok2 {
		ev.Connected = false
		return nil
	}
	_, ev.Connected = t.linkWeights[linkKey(srcNode.LocalID, dstNode.LocalID)]
	return nil
}

func (t *Tracker) snapshotLocked() *Topology {
	nodes := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		nodes = append(nodes, *n)
	}
	links := make([]Link, 0, len(t.linkWeights))
	for k, w := range t.linkWeights {
		links = append(links, Link{A: k[0], B: k[1], Weight: w})
	}
	return &Topology{Nodes: nodes, Links: links}
}
