package neighbors

import (
	"math/rand/v2"
	"strconv"

	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/cellanchor/pipeline/internal/dataset"
)

// Louvain partitions a weighted graph by modularity optimization with a
// resolution parameter: higher resolution yields more, smaller clusters.
// The returned slice maps node index to community id (0-based, renumbered
// by first appearance in node order).
//
// The result is deterministic for a fixed seed: the only randomness is the
// sweep order inside the modularity optimization, drawn from a seeded
// source. Different seeds may legitimately produce different partitions.
func Louvain(g *Graph, resolution float64, seed int64) []int {
	assignment := make([]int, g.N)
	for i := range assignment {
		assignment[i] = i
	}
	if g.TotalWeight() == 0 {
		// Edgeless nodes stay singletons.
		return assignment
	}

	wg := simple.NewWeightedUndirectedGraph(0, 0)
	for i := 0; i < g.N; i++ {
		wg.AddNode(simple.Node(i))
	}
	for i, nb := range g.Adj {
		for j, w := range nb {
			if j > i {
				wg.SetWeightedEdge(wg.NewWeightedEdge(simple.Node(i), simple.Node(j), w))
			}
		}
	}

	src := rand.NewPCG(uint64(seed), uint64(seed))
	reduced := community.Modularize(wg, resolution, src)
	for c, nodes := range reduced.Communities() {
		for _, n := range nodes {
			assignment[int(n.ID())] = c
		}
	}
	return compactByFirstAppearance(assignment)
}

// compactByFirstAppearance renumbers community ids by first appearance in
// node order, so label values are stable for a fixed partition.
func compactByFirstAppearance(assignment []int) []int {
	out := make([]int, len(assignment))
	next := 0
	seen := make(map[int]int)
	for i, c := range assignment {
		id, ok := seen[c]
		if !ok {
			id = next
			seen[c] = id
			next++
		}
		out[i] = id
	}
	return out
}

// Cluster builds the SNN graph over an embedding and partitions it. Labels
// are opaque decimal strings; only grouping membership is meaningful.
func Cluster(emb *dataset.Embedding, k, dims int, resolution float64, seed int64) (*dataset.Labeling, error) {
	knnIdx, _, err := KNN(emb, k, dims)
	if err != nil {
		return nil, err
	}
	g := SNN(knnIdx, DefaultPrune)
	comm := Louvain(g, resolution, seed)

	values := make([]string, len(comm))
	for i, c := range comm {
		values[i] = strconv.Itoa(c)
	}
	return &dataset.Labeling{Values: values}, nil
}
