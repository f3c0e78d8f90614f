package neighbors

import (
	"math"
	"testing"
)

func TestSNN(t *testing.T) {
	// Nodes 0-2 share each other's full neighborhoods; node 3 points into
	// the clique but overlaps only partially.
	knnIdx := [][]int{
		{1, 2},
		{0, 2},
		{0, 1},
		{0, 1},
	}

	g := SNN(knnIdx, DefaultPrune)

	if g.N != 4 {
		t.Fatalf("expected 4 nodes, got %d", g.N)
	}
	if w := g.Adj[0][1]; w != 1 {
		t.Errorf("weight(0,1) = %g, want 1 (identical neighborhoods)", w)
	}
	// {3,0,1} vs {0,1,2}: intersection 2, union 4.
	if w := g.Adj[3][0]; math.Abs(w-0.5) > 1e-12 {
		t.Errorf("weight(3,0) = %g, want 0.5", w)
	}
	// Symmetry.
	if g.Adj[0][3] != g.Adj[3][0] {
		t.Error("graph is not symmetric")
	}
}

func TestSNN_Prune(t *testing.T) {
	knnIdx := [][]int{
		{1, 2},
		{0, 2},
		{0, 1},
		{0, 1},
	}

	g := SNN(knnIdx, 0.6)

	if len(g.Adj[3]) != 0 {
		t.Errorf("edges at weight 0.5 should be pruned at 0.6, node 3 has %v", g.Adj[3])
	}
	if len(g.Adj[0]) != 2 {
		t.Errorf("clique edges at weight 1 must survive, node 0 has %v", g.Adj[0])
	}
}

func TestGraph_TotalWeight(t *testing.T) {
	g := NewGraph(3)
	g.AddEdge(0, 1, 2)
	g.AddEdge(1, 2, 3)
	g.AddEdge(0, 0, 99) // self loops are ignored

	if w := g.TotalWeight(); w != 5 {
		t.Errorf("TotalWeight = %g, want 5", w)
	}
}
