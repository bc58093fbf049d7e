package versioning

import (
	"errors"
	"reflect"
	"testing"
)

func TestDAGAddNodeSkipsTakenIndices(t *testing.T) {
	dag := NewDAG[string, string]()
	if err := dag.AddNodeAt(1, "explicit"); err != nil {
		t.Fatalf("add at 1: %v", err)
	}
	if index := dag.AddNode("first"); index != 0 {
		t.Fatalf("expected index 0, got %d", index)
	}
	if index := dag.AddNode("second"); index != 2 {
		t.Fatalf("expected index 2, got %d", index)
	}
	if err := dag.AddNodeAt(2, "clash"); !errors.Is(err, ErrNodeExists) {
		t.Fatalf("expected ErrNodeExists, got %v", err)
	}
	if dag.NextIndex() != 3 || dag.Len() != 3 {
		t.Fatalf("unexpected next index %d / len %d", dag.NextIndex(), dag.Len())
	}
}

func TestDAGEdgesRequireNodes(t *testing.T) {
	dag := NewDAG[string, string]()
	dag.AddNode("a")
	if err := dag.AddEdge(0, 5, "x"); !errors.Is(err, ErrNodeMissing) {
		t.Fatalf("expected ErrNodeMissing, got %v", err)
	}
	dag.AddNode("b")
	if err := dag.AddEdge(0, 1, "x"); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	if err := dag.AddEdge(0, 1, "y"); !errors.Is(err, ErrEdgeExists) {
		t.Fatalf("expected ErrEdgeExists, got %v", err)
	}
	if _, ok := dag.Edge(1, 0); ok {
		t.Fatalf("edges are keyed by ordered pair")
	}
}

func TestDAGShortestPathIgnoresDirection(t *testing.T) {
	dag := NewDAG[string, string]()
	for i := 0; i < 5; i++ {
		dag.AddNode("n")
	}
	// 0 -> 1 -> 2, 1 -> 3 -> 4
	for _, edge := range []EdgeKey{{0, 1}, {1, 2}, {1, 3}, {3, 4}} {
		if err := dag.AddEdge(edge.From, edge.To, ""); err != nil {
			t.Fatalf("add edge %v: %v", edge, err)
		}
	}
	path, err := dag.ShortestPath(2, 4)
	if err != nil {
		t.Fatalf("shortest path: %v", err)
	}
	if !reflect.DeepEqual(path, []int{2, 1, 3, 4}) {
		t.Fatalf("unexpected path %v", path)
	}
	self, err := dag.ShortestPath(3, 3)
	if err != nil || !reflect.DeepEqual(self, []int{3}) {
		t.Fatalf("unexpected self path %v err=%v", self, err)
	}

	dag.AddNode("island")
	if _, err := dag.ShortestPath(0, 5); !errors.Is(err, ErrNoPath) {
		t.Fatalf("expected ErrNoPath, got %v", err)
	}
}

func TestMasterFormatting(t *testing.T) {
	master, err := ParseMaster(FormatMaster([]int{0, 1, 4}))
	if err != nil {
		t.Fatalf("parse master: %v", err)
	}
	if !reflect.DeepEqual(master, []int{0, 1, 4}) {
		t.Fatalf("unexpected master %v", master)
	}
	if _, err := ParseMaster("0/x"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLabelsDependOnParentAndIndex(t *testing.T) {
	body := []byte(`{"kind":"DELTA"}`)
	first := newLabel("graph", "root", 1, body)
	if first != newLabel("graph", "root", 1, body) {
		t.Fatalf("labels must be deterministic")
	}
	if first == newLabel("graph", "root", 2, body) || first == newLabel("graph", "other", 1, body) {
		t.Fatalf("labels must differ across positions")
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(first))
	}
}
