// Package router computes shortest-path first hops over a tracker.Topology
// snapshot.
package router

import (
	"container/heap"

	"github.com/wwwVladislav/MedvedDB/internal/tracker"
)

// Routes maps every reachable node's UUID to the UUID of the first hop on
// its shortest path from src. Unreachable nodes are omitted.
type Routes map[tracker.NodeID]tracker.NodeID

type adjEntry struct {
	to     tracker.LocalID
	weight uint32
}

// Compute runs Dijkstra over topo from src, tie-breaking equal-distance
// candidates by lower LocalID, and is deterministic for a fixed
// (topo, src) pair.
func Compute(topo *tracker.Topology, src tracker.NodeID) Routes {
	srcNode, ok := topo.NodeByUUID(src)
	if !ok {
		return Routes{}
	}

	adj := make(map[tracker.LocalID][]adjEntry, len(topo.Nodes))
	for _, l := range topo.Links {
		adj[l.A] = append(adj[l.A], adjEntry{to: l.B, weight: l.Weight})
		adj[l.B] = append(adj[l.B], adjEntry{to: l.A, weight: l.Weight})
	}
	for id := range adj {
		sortAdj(adj[id])
	}

	const infinite = ^uint64(0)
	dist := make(map[tracker.LocalID]uint64, len(topo.Nodes))
	firstHop := make(map[tracker.LocalID]tracker.LocalID, len(topo.Nodes))
	for _, n := range topo.Nodes {
		dist[n.LocalID] = infinite
	}
	dist[srcNode.LocalID] = 0

	pq := &priorityQueue{}
	heap.Init(pq)
	heap.Push(pq, pqItem{id: srcNode.LocalID, dist: 0})

	visited := make(map[tracker.LocalID]bool, len(topo.Nodes))

	for pq.Len() > 0 {
		item := heap.Pop(pq).(pqItem)
		if visited[item.id] {
			continue
		}
		visited[item.id] = true

		for _, edge := range adj[item.id] {
			nd := dist[item.id] + uint64(edge.weight)

			candidateHop := edge.to
			if item.id != srcNode.LocalID {
				candidateHop = firstHop[item.id]
			}

			cur := dist[edge.to]
			switch {
			case nd < cur:
				dist[edge.to] = nd
				firstHop[edge.to] = candidateHop
				heap.Push(pq, pqItem{id: edge.to, dist: nd})
			case nd == cur && candidateHop < firstHop[edge.to]:
				firstHop[edge.to] = candidateHop
			}
		}
	}

	routes := make(Routes, len(firstHop))
	for localID, hopID := range firstHop {
		if localID == srcNode.LocalID {
			continue
		}
		node, ok := topo.NodeByLocalID(localID)
		if !ok {
			continue
		}
		hopNode, ok := topo.NodeByLocalID(hopID)
		if !ok {
			continue
		}
		routes[node.UUID] = hopNode.UUID
	}
	return routes
}

func sortAdj(entries []adjEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].to < entries[j-1].to; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

type pqItem struct {
	id   tracker.LocalID
	dist uint64
}

type priorityQueue []pqItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].dist != pq[j].dist {
		return pq[i].dist < pq[j].dist
	}
	return pq[i].id < pq[j].id
}
func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x interface{}) {
	*pq = append(*pq, x.(pqItem))
}
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}
