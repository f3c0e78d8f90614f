package neighbors

// DefaultPrune is the shared-neighbor weight below which SNN edges are
// dropped (1/15, the customary cutoff for 20-neighbor graphs).
const DefaultPrune = 1.0 / 15.0

// Graph is a weighted undirected graph over sample indices.
type Graph struct {
	N   int
	Adj []map[int]float64
}

// NewGraph allocates an empty graph over n nodes.
func NewGraph(n int) *Graph {
	adj := make([]map[int]float64, n)
	for i := range adj {
		adj[i] = make(map[int]float64)
	}
	return &Graph{N: n, Adj: adj}
}

// AddEdge sets the weight of the undirected edge (a, b).
func (g *Graph) AddEdge(a, b int, w float64) {
	if a == b {
		return
	}
	g.Adj[a][b] = w
	g.Adj[b][a] = w
}

// TotalWeight returns the sum of edge weights (each edge counted once).
func (g *Graph) TotalWeight() float64 {
	var sum float64
	for i, nb := range g.Adj {
		for j, w := range nb {
			if j > i {
				sum += w
			}
		}
	}
	return sum
}

// SNN converts k-nearest-neighbor lists into a shared-nearest-neighbor
// graph: the weight of edge (i, j) is the Jaccard overlap of the two
// neighborhoods (each including its own sample), and edges at or below
// prune are discarded. The graph is symmetric by construction.
func SNN(knnIdx [][]int, prune float64) *Graph {
	n := len(knnIdx)
	g := NewGraph(n)

	sets := make([]map[int]struct{}, n)
	for i, nb := range knnIdx {
		s := make(map[int]struct{}, len(nb)+1)
		s[i] = struct{}{}
		for _, j := range nb {
			s[j] = struct{}{}
		}
		sets[i] = s
	}

	for i := 0; i < n; i++ {
		for _, j := range knnIdx[i] {
			if j <= i {
				// Each unordered pair is evaluated once; edges where only
				// j lists i are picked up on j's pass.
				if _, seen := g.Adj[i][j]; seen {
					continue
				}
			}
			w := jaccard(sets[i], sets[j])
			if w > prune {
				g.AddEdge(i, j, w)
			}
		}
	}
	return g
}

func jaccard(a, b map[int]struct{}) float64 {
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for x := range small {
		if _, ok := large[x]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
