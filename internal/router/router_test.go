package router

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/wwwVladislav/MedvedDB/internal/tracker"
)

// buildTopology creates nodes 0..5 with deterministic uuids (their index)
// and the links 0-1, 1-3, 3-4, 0-2, 2-3, 3-5, forming two equal-length
// paths from 0 to 3.
func buildTopology() (*tracker.Topology, [6]tracker.NodeID) {
	var ids [6]tracker.NodeID
	nodes := make([]tracker.Node, 6)
	for i := 0; i < 6; i++ {
		var raw [16]byte
		raw[15] = byte(i)
		ids[i] = uuid.UUID(raw)
		nodes[i] = tracker.Node{UUID: ids[i], LocalID: tracker.LocalID(i), Connected: true, Active: true}
	}
	links := []tracker.Link{
		{A: 0, B: 1, Weight: 1},
		{A: 1, B: 3, Weight: 1},
		{A: 3, B: 4, Weight: 1},
		{A: 0, B: 2, Weight: 1},
		{A: 2, B: 3, Weight: 1},
		{A: 3, B: 5, Weight: 1},
	}
	return &tracker.Topology{Nodes: nodes, Links: links}, ids
}

func TestComputeShortestPathsFromZero(t *testing.T) {
	topo, ids := buildTopology()
	routes := Compute(topo, ids[0])

	assert.Equal(t, ids[1], routes[ids[1]])
	assert.Equal(t, ids[2], routes[ids[2]])
	assert.Equal(t, ids[1], routes[ids[3]]) // tie 1 vs 2, lower local-id wins
	assert.Equal(t, ids[1], routes[ids[4]])
	assert.Equal(t, ids[1], routes[ids[5]])
}

func TestComputeShortestPathsFromThree(t *testing.T) {
	topo, ids := buildTopology()
	routes := Compute(topo, ids[3])

	assert.Equal(t, ids[1], routes[ids[0]]) // tie 1 vs 2, lower local-id wins
	assert.Equal(t, ids[1], routes[ids[1]])
	assert.Equal(t, ids[2], routes[ids[2]])
	assert.Equal(t, ids[4], routes[ids[4]])
	assert.Equal(t, ids[5], routes[ids[5]])
}

func TestComputeIsDeterministic(t *testing.T) {
	topo, ids := buildTopology()
	first := Compute(topo, ids[0])
	for i := 0; i < 10; i++ {
		next := Compute(topo, ids[0])
		assert.Equal(t, first, next)
	}
}

func TestComputeOmitsUnreachable(t *testing.T) {
	topo, ids := buildTopology()
	topo.Nodes = append(topo.Nodes, tracker.Node{UUID: uuid.New(), LocalID: 6})
	routes := Compute(topo, ids[0])
	for _, hop := range routes {
		assert.NotEqual(t, tracker.LocalID(6), hop)
	}
	assert.Len(t, routes, 5)
}
