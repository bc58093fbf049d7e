package versioning

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNodeExists indicates an index collision on AddNode.
	ErrNodeExists = errors.New("versioning: node index already present")
	// ErrNodeMissing indicates an edge endpoint or lookup on an absent node.
	ErrNodeMissing = errors.New("versioning: node not present")
	// ErrEdgeExists indicates a duplicate edge between the same ordered pair.
	ErrEdgeExists = errors.New("versioning: edge already present")
	// ErrNoPath indicates that two nodes are not connected.
	ErrNoPath = errors.New("versioning: no path between nodes")
)

// EdgeKey is the ordered (from, to) index pair of an edge.
type EdgeKey struct {
	From int
	To   int
}

// DAG stores nodes by integer index and edges by ordered index pair.
type DAG[N any, E any] struct {
	nodes     map[int]N
	edges     map[EdgeKey]E
	neighbors map[int]map[int]struct{}
	nextIndex int
}

// NewDAG returns an empty graph.
func NewDAG[N any, E any]() *DAG[N, E] {
	return &DAG[N, E]{
		nodes:     make(map[int]N),
		edges:     make(map[EdgeKey]E),
		neighbors: make(map[int]map[int]struct{}),
	}
}

// AddNode stores a node under the next free non-negative index.
func (g *DAG[N, E]) AddNode(node N) int {
	for {
		if _, taken := g.nodes[g.nextIndex]; !taken {
			break
		}
		g.nextIndex++
	}
	index := g.nextIndex
	g.nodes[index] = node
	g.neighbors[index] = make(map[int]struct{})
	g.nextIndex++
	return index
}

// AddNodeAt stores a node under an explicit index.
func (g *DAG[N, E]) AddNodeAt(index int, node N) error {
	if index < 0 {
		return fmt.Errorf("%w: negative index %d", ErrNodeMissing, index)
	}
	if _, taken := g.nodes[index]; taken {
		return fmt.Errorf("%w: %d", ErrNodeExists, index)
	}
	g.nodes[index] = node
	g.neighbors[index] = make(map[int]struct{})
	return nil
}

// NextIndex reports the index AddNode would assign.
func (g *DAG[N, E]) NextIndex() int {
	index := g.nextIndex
	for {
		if _, taken := g.nodes[index]; !taken {
			return index
		}
		index++
	}
}

// AddEdge stores an edge keyed by the ordered pair.
func (g *DAG[N, E]) AddEdge(from, to int, edge E) error {
	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("%w: %d", ErrNodeMissing, from)
	}
	if _, ok := g.nodes[to]; !ok {
		return fmt.Errorf("%w: %d", ErrNodeMissing, to)
	}
	key := EdgeKey{From: from, To: to}
	if _, ok := g.edges[key]; ok {
		return fmt.Errorf("%w: %d->%d", ErrEdgeExists, from, to)
	}
	g.edges[key] = edge
	g.neighbors[from][to] = struct{}{}
	g.neighbors[to][from] = struct{}{}
	return nil
}

// Node returns the node stored at index.
func (g *DAG[N, E]) Node(index int) (N, bool) {
	node, ok := g.nodes[index]
	return node, ok
}

// Edge returns the edge stored for the ordered pair.
func (g *DAG[N, E]) Edge(from, to int) (E, bool) {
	edge, ok := g.edges[EdgeKey{From: from, To: to}]
	return edge, ok
}

// Len reports the node count.
func (g *DAG[N, E]) Len() int {
	return len(g.nodes)
}

// Indices lists node indices in ascending order.
func (g *DAG[N, E]) Indices() []int {
	indices := make([]int, 0, len(g.nodes))
	for index := range g.nodes {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}

// Find returns the index of the first node, by ascending index, matching the predicate.
func (g *DAG[N, E]) Find(match func(N) bool) (int, bool) {
	for _, index := range g.Indices() {
		if match(g.nodes[index]) {
			return index, true
		}
	}
	return 0, false
}

// ShortestPath returns the node sequence from one index to another over
// undirected connectivity, breadth first with ascending neighbor order.
func (g *DAG[N, E]) ShortestPath(from, to int) ([]int, error) {
	if _, ok := g.nodes[from]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeMissing, from)
	}
	if _, ok := g.nodes[to]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrNodeMissing, to)
	}
	if from == to {
		return []int{from}, nil
	}

	previous := map[int]int{from: from}
	queue := []int{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range g.sortedNeighbors(current) {
			if _, seen := previous[next]; seen {
				continue
			}
			previous[next] = current
			if next == to {
				return unwindPath(previous, from, to), nil
			}
			queue = append(queue, next)
		}
	}
	return nil, fmt.Errorf("%w: %d and %d", ErrNoPath, from, to)
}

func (g *DAG[N, E]) sortedNeighbors(index int) []int {
	neighbors := make([]int, 0, len(g.neighbors[index]))
	for neighbor := range g.neighbors[index] {
		neighbors = append(neighbors, neighbor)
	}
	sort.Ints(neighbors)
	return neighbors
}

func unwindPath(previous map[int]int, from, to int) []int {
	path := []int{to}
	for current := to; current != from; {
		current = previous[current]
		path = append(path, current)
	}
	for left, right := 0, len(path)-1; left < right; left, right = left+1, right-1 {
		path[left], path[right] = path[right], path[left]
	}
	return path
}
