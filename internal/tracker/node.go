// Package tracker maintains the cluster node registry and link graph and
// publishes immutable Topology snapshots on every change.
package tracker

import (
	"github.com/google/uuid"
)

// NodeID is a node's 128-bit identity, backed by github.com/google/uuid.
type NodeID = uuid.UUID

// LocalID is the tracker-local numeric id assigned to a Node on first
// observation.
type LocalID uint32

// Node is never erased, only marked disconnected; Connected implies
// Active.
type Node struct {
	UUID      NodeID
	Address   string
	Connected bool
	Active    bool
	LocalID   LocalID
}

// Link is an unordered pair of local ids plus a weight; self-loops are
// forbidden (Tracker ignores a LinkState event whose Src equals Dst).
type Link struct {
	A, B   LocalID
	Weight uint32
}

// Topology is an immutable snapshot of the cluster as a labelled graph.
// Once built it is never mutated; Tracker swaps in a new Topology
// atomically on every change.
type Topology struct {
	Nodes     []Node
	Links     []Link
	ExtraData string
}

// NodeByUUID finds a node in the snapshot, or ok=false.
func (t *Topology) NodeByUUID(id NodeID) (Node, bool) {
	for _, n := range t.Nodes {
		if n.UUID == id {
			return n, true
		}
	}
	return Node{}, false
}

// NodeByLocalID finds a node in the snapshot, or ok=false.
func (t *Topology) NodeByLocalID(id LocalID) (Node, bool) {
	for _, n := range t.Nodes {
		if n.LocalID == id {
			return n, true
		}
	}
	return Node{}, false
}
