// Package neighbors builds k-nearest-neighbor and shared-neighbor graphs
// over embeddings and partitions them into clusters.
package neighbors

import (
	"container/heap"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"gonum.org/v1/gonum/blas/gonum"

	"github.com/cellanchor/pipeline/internal/dataset"
)

var blasEngine = gonum.Implementation{}

// candidate is one neighbor candidate ordered by distance.
type candidate struct {
	idx  int
	dist float64
}

// candHeap is a max-heap on distance so the worst of the current k best can
// be evicted in O(log k).
type candHeap []candidate

func (h candHeap) Len() int      { return len(h) }
func (h candHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h candHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist > h[j].dist
	}
	return h[i].idx > h[j].idx
}
func (h *candHeap) Push(x any) { *h = append(*h, x.(candidate)) }
func (h *candHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Search finds, for every query row, the k nearest ref rows by squared
// Euclidean distance. Rows are dense vectors of equal length. Output is
// ordered by (distance, ref index), which makes results identical for any
// degree of parallelism. excludeSelf skips ref row i for query row i (for
// within-dataset search where query and ref are the same matrix).
func Search(query, ref [][]float64, k int, excludeSelf bool) ([][]int, [][]float64, error) {
	avail := len(ref)
	if excludeSelf {
		avail--
	}
	if k <= 0 || k > avail {
		return nil, nil, fmt.Errorf("k=%d neighbors requested from %d available reference rows", k, avail)
	}
	if len(query) == 0 {
		return nil, nil, nil
	}
	dim := len(ref[0])
	for i, r := range ref {
		if len(r) != dim {
			return nil, nil, fmt.Errorf("reference row %d has %d dims, expected %d", i, len(r), dim)
		}
	}
	for i, q := range query {
		if len(q) != dim {
			return nil, nil, fmt.Errorf("query row %d has %d dims, expected %d", i, len(q), dim)
		}
	}

	// ||q - r||^2 = ||q||^2 + ||r||^2 - 2 q.r with precomputed norms; the
	// dot product goes through BLAS.
	refNorm := make([]float64, len(ref))
	for i, r := range ref {
		refNorm[i] = blasEngine.Ddot(dim, r, 1, r, 1)
	}

	idxOut := make([][]int, len(query))
	distOut := make([][]float64, len(query))

	workers := runtime.GOMAXPROCS(0)
	if workers > len(query) {
		workers = len(query)
	}
	var wg sync.WaitGroup
	rowCh := make(chan int, workers*4)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := make(candHeap, 0, k+1)
			for qi := range rowCh {
				q := query[qi]
				qNorm := blasEngine.Ddot(dim, q, 1, q, 1)
				h = h[:0]
				for ri, r := range ref {
					if excludeSelf && ri == qi {
						continue
					}
					d := qNorm + refNorm[ri] - 2*blasEngine.Ddot(dim, q, 1, r, 1)
					if d < 0 {
						d = 0
					}
					if len(h) < k {
						heap.Push(&h, candidate{idx: ri, dist: d})
						continue
					}
					if d < h[0].dist || (d == h[0].dist && ri < h[0].idx) {
						h[0] = candidate{idx: ri, dist: d}
						heap.Fix(&h, 0)
					}
				}

				out := make([]candidate, len(h))
				copy(out, h)
				sort.Slice(out, func(i, j int) bool {
					if out[i].dist != out[j].dist {
						return out[i].dist < out[j].dist
					}
					return out[i].idx < out[j].idx
				})
				ids := make([]int, len(out))
				ds := make([]float64, len(out))
				for i, c := range out {
					ids[i] = c.idx
					ds[i] = c.dist
				}
				idxOut[qi] = ids
				distOut[qi] = ds
			}
		}()
	}
	for qi := range query {
		rowCh <- qi
	}
	close(rowCh)
	wg.Wait()

	return idxOut, distOut, nil
}

// Rows extracts the first dims coordinates of every embedding row as dense
// vectors suitable for Search.
func Rows(emb *dataset.Embedding, dims int) [][]float64 {
	if dims <= 0 || dims > emb.Dims() {
		dims = emb.Dims()
	}
	out := make([][]float64, emb.N())
	for i := range out {
		out[i] = emb.Row(i)[:dims]
	}
	return out
}

// KNN finds the k nearest neighbors of every sample within an embedding,
// using only the first dims coordinates. Self-matches are excluded.
func KNN(emb *dataset.Embedding, k, dims int) ([][]int, [][]float64, error) {
	rows := Rows(emb, dims)
	return Search(rows, rows, k, true)
}
