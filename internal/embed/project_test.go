package embed

import (
	"math"
	"testing"

	"github.com/cellanchor/pipeline/internal/dataset"
	"github.com/cellanchor/pipeline/internal/neighbors"
)

func chainGraph(n int) *neighbors.Graph {
	g := neighbors.NewGraph(n)
	for i := 0; i+1 < n; i++ {
		g.AddEdge(i, i+1, 1)
	}
	return g
}

func TestProjectGraph(t *testing.T) {
	out := ProjectGraph(chainGraph(8), nil, 42)

	if out.N() != 8 || out.Dims() != 2 {
		t.Fatalf("expected 8x2 layout, got %dx%d", out.N(), out.Dims())
	}
	for i := 0; i < out.N(); i++ {
		for _, v := range out.Row(i) {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("non-finite coordinate at node %d: %v", i, out.Row(i))
			}
		}
	}

	for i := 1; i < out.N(); i++ {
		a, b := out.Row(0), out.Row(i)
		if a[0] == b[0] && a[1] == b[1] {
			t.Errorf("nodes 0 and %d ended at the same position", i)
		}
	}
}

func TestProjectGraph_Deterministic(t *testing.T) {
	a := ProjectGraph(chainGraph(10), nil, 7)
	b := ProjectGraph(chainGraph(10), nil, 7)

	for i := 0; i < a.N(); i++ {
		ra, rb := a.Row(i), b.Row(i)
		if ra[0] != rb[0] || ra[1] != rb[1] {
			t.Fatalf("layouts differ at node %d: %v vs %v", i, ra, rb)
		}
	}
}

func TestProjectGraph_SeededInit(t *testing.T) {
	// Two far-apart groups in the source embedding should land in
	// distinct regions of the layout when used as initialization.
	init := dataset.NewEmbedding(6, 2)
	for i := 0; i < 3; i++ {
		init.SetRow(i, []float64{float64(i) * 0.1, 0})
		init.SetRow(3+i, []float64{50 + float64(i)*0.1, 50})
	}

	g := neighbors.NewGraph(6)
	g.AddEdge(0, 1, 1)
	g.AddEdge(1, 2, 1)
	g.AddEdge(3, 4, 1)
	g.AddEdge(4, 5, 1)

	out := ProjectGraph(g, init, 42)

	dist := func(i, j int) float64 {
		a, b := out.Row(i), out.Row(j)
		return math.Hypot(a[0]-b[0], a[1]-b[1])
	}
	if dist(0, 1) >= dist(0, 3) {
		t.Errorf("group structure lost: d(0,1)=%g d(0,3)=%g", dist(0, 1), dist(0, 3))
	}
}

func TestProjectGraph_Empty(t *testing.T) {
	out := ProjectGraph(neighbors.NewGraph(0), nil, 1)
	if out.N() != 0 {
		t.Errorf("expected empty layout, got %d rows", out.N())
	}
}
