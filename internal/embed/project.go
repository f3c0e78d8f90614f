// Package embed computes 2-D visualization embeddings. These are purely
// observational: nothing in the integration path depends on them.
package embed

import (
	"math"
	"math/rand"

	"github.com/cellanchor/pipeline/internal/dataset"
	"github.com/cellanchor/pipeline/internal/neighbors"
)

// EmbeddingGraph2D is the key the projected layout is registered under.
const EmbeddingGraph2D = "graph2d"

const (
	layoutIterations = 60
	initialStep      = 0.1
)

// ProjectGraph computes a force-directed 2-D layout of a shared-neighbor
// graph. When init is non-nil its first two coordinates seed the layout
// (which makes the result reflect the global structure of the source
// embedding); otherwise positions start from a seeded random scatter.
// Deterministic for fixed inputs and seed.
func ProjectGraph(g *neighbors.Graph, init *dataset.Embedding, seed int64) *dataset.Embedding {
	n := g.N
	out := dataset.NewEmbedding(n, 2)
	if n == 0 {
		return out
	}

	rng := rand.New(rand.NewSource(seed))
	pos := make([][2]float64, n)
	if init != nil && init.N() == n && init.Dims() >= 2 {
		for i := range pos {
			row := init.Row(i)
			pos[i] = [2]float64{row[0], row[1]}
		}
		normalizePositions(pos)
	} else {
		for i := range pos {
			pos[i] = [2]float64{rng.Float64()*2 - 1, rng.Float64()*2 - 1}
		}
	}

	area := 4.0
	kOpt := math.Sqrt(area / float64(n))
	disp := make([][2]float64, n)

	for iter := 0; iter < layoutIterations; iter++ {
		for i := range disp {
			disp[i] = [2]float64{}
		}

		// Repulsion between all pairs.
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				dx := pos[i][0] - pos[j][0]
				dy := pos[i][1] - pos[j][1]
				d2 := dx*dx + dy*dy
				if d2 < 1e-12 {
					d2 = 1e-12
					dx = 1e-6
				}
				f := kOpt * kOpt / d2
				disp[i][0] += dx * f
				disp[i][1] += dy * f
				disp[j][0] -= dx * f
				disp[j][1] -= dy * f
			}
		}

		// Attraction along graph edges, scaled by edge weight.
		for i := 0; i < n; i++ {
			for j, w := range g.Adj[i] {
				if j <= i {
					continue
				}
				dx := pos[i][0] - pos[j][0]
				dy := pos[i][1] - pos[j][1]
				d := math.Sqrt(dx*dx + dy*dy)
				if d < 1e-9 {
					continue
				}
				f := w * d / kOpt
				disp[i][0] -= dx / d * f
				disp[i][1] -= dy / d * f
				disp[j][0] += dx / d * f
				disp[j][1] += dy / d * f
			}
		}

		// Cooling schedule.
		step := initialStep * (1 - float64(iter)/float64(layoutIterations))
		for i := 0; i < n; i++ {
			dx, dy := disp[i][0], disp[i][1]
			d := math.Sqrt(dx*dx + dy*dy)
			if d < 1e-12 {
				continue
			}
			limit := math.Min(d, step)
			pos[i][0] += dx / d * limit
			pos[i][1] += dy / d * limit
		}
	}

	for i := range pos {
		out.SetRow(i, []float64{pos[i][0], pos[i][1]})
	}
	return out
}

// normalizePositions centers positions and scales the spread to the unit
// box so layout forces start in a sane regime regardless of the source
// embedding's units.
func normalizePositions(pos [][2]float64) {
	var cx, cy float64
	for _, p := range pos {
		cx += p[0]
		cy += p[1]
	}
	cx /= float64(len(pos))
	cy /= float64(len(pos))

	maxAbs := 0.0
	for i := range pos {
		pos[i][0] -= cx
		pos[i][1] -= cy
		if a := math.Abs(pos[i][0]); a > maxAbs {
			maxAbs = a
		}
		if a := math.Abs(pos[i][1]); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		return
	}
	for i := range pos {
		pos[i][0] /= maxAbs
		pos[i][1] /= maxAbs
	}
}
